// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package repo

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/arbormap/arbormap/internal/pathmap"
)

// Memory is the in-memory Repository used by the engine's tests and by
// standalone mode. All methods are safe for concurrent use, though a sync
// run only ever drives it from one goroutine.
type Memory struct {
	mu       sync.Mutex
	types    map[string]*TypeSpec
	byPath   map[string]*Object
	byUID    map[string]*Object
	reindex  []string
	registry map[string]json.RawMessage
	settings map[string]json.RawMessage
	users    map[string]User
}

// NewMemory creates an empty repository with the local root object in
// place. The root has no type and never takes part in sync.
func NewMemory(rootPath string, types ...TypeSpec) *Memory {
	m := &Memory{
		types:    make(map[string]*TypeSpec),
		byPath:   make(map[string]*Object),
		byUID:    make(map[string]*Object),
		registry: make(map[string]json.RawMessage),
		settings: make(map[string]json.RawMessage),
		users:    make(map[string]User),
	}
	for i := range types {
		m.types[types[i].Name] = &types[i]
	}
	now := time.Now().UTC()
	root := &Object{
		UID:      uuid.NewString(),
		Path:     rootPath,
		Fields:   make(map[string]any),
		Created:  now,
		Modified: now,
	}
	m.byPath[rootPath] = root
	m.byUID[root.UID] = root
	return m
}

// RegisterType adds or replaces a content type definition.
func (m *Memory) RegisterType(ts TypeSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[ts.Name] = &ts
}

func (m *Memory) ContainerTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, ts := range m.types {
		if ts.Container {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) HasType(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.types[name]
	return ok
}

func (m *Memory) Type(name string) (*TypeSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.types[name]
	if !ok {
		return nil, false
	}
	cp := *ts
	return &cp, true
}

// snapshot copies an object so callers cannot mutate internal state.
func snapshot(o *Object) *Object {
	cp := *o
	cp.Fields = make(map[string]any, len(o.Fields))
	for k, v := range o.Fields {
		cp.Fields[k] = v
	}
	cp.History = append([]WorkflowState(nil), o.History...)
	return &cp
}

func (m *Memory) ByPath(path string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byPath[path]
	if !ok {
		return nil, false
	}
	return snapshot(o), true
}

func (m *Memory) ByUID(uid string) (*Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byUID[uid]
	if !ok {
		return nil, false
	}
	return snapshot(o), true
}

func (m *Memory) Create(path, portalType string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.types[portalType]; !ok {
		return nil, fmt.Errorf("unknown content type %q", portalType)
	}
	if _, ok := m.byPath[path]; ok {
		return nil, fmt.Errorf("object already exists at %q", path)
	}
	if _, ok := m.byPath[pathmap.Parent(path)]; !ok {
		return nil, fmt.Errorf("parent of %q does not exist", path)
	}

	now := time.Now().UTC()
	o := &Object{
		UID:        uuid.NewString(),
		Path:       path,
		PortalType: portalType,
		Fields:     make(map[string]any),
		Created:    now,
		Modified:   now,
	}
	m.byPath[path] = o
	m.byUID[o.UID] = o
	return snapshot(o), nil
}

// get returns the live object for a UID, or an error. Callers hold mu.
func (m *Memory) get(uid string) (*Object, error) {
	o, ok := m.byUID[uid]
	if !ok {
		return nil, fmt.Errorf("no object with uid %q", uid)
	}
	return o, nil
}

func (m *Memory) SetField(uid, field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return err
	}
	o.Fields[field] = value
	o.Modified = time.Now().UTC()
	return nil
}

func (m *Memory) Field(uid, field string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byUID[uid]
	if !ok {
		return nil, false
	}
	v, ok := o.Fields[field]
	return v, ok
}

func (m *Memory) SetTitle(uid, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return err
	}
	o.Title = title
	o.Modified = time.Now().UTC()
	return nil
}

func (m *Memory) MarkReadOnly(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return err
	}
	o.ReadOnly = true
	return nil
}

func (m *Memory) Modified(uid string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return time.Time{}, err
	}
	return o.Modified, nil
}

func (m *Memory) SetModified(uid string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return err
	}
	o.Modified = t
	return nil
}

func (m *Memory) ReplayTransition(uid, state string, at time.Time, actor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.get(uid)
	if err != nil {
		return false, err
	}
	for _, ws := range o.History {
		if ws.State == state && ws.Time.Equal(at) {
			return false, nil
		}
	}
	o.History = append(o.History, WorkflowState{State: state, Time: at, Actor: actor})
	return true, nil
}

func (m *Memory) Reindex(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reindex = append(m.reindex, uid)
}

func (m *Memory) FlushReindex() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.reindex
	m.reindex = nil
	return out
}

func (m *Memory) EmptyTitled(excludeTypes []string) []*Object {
	m.mu.Lock()
	defer m.mu.Unlock()

	excluded := make(map[string]bool, len(excludeTypes))
	for _, t := range excludeTypes {
		excluded[t] = true
	}

	var out []*Object
	for _, o := range m.byUID {
		if o.PortalType == "" || excluded[o.PortalType] {
			continue
		}
		if o.Title == "" {
			out = append(out, snapshot(o))
		}
	}
	return out
}

func (m *Memory) SetRegistryEntry(key string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[key] = value
}

func (m *Memory) SetSetting(key string, value json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
}

// RegistryEntry reads back a stored registry record.
func (m *Memory) RegistryEntry(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.registry[key]
	return v, ok
}

// Setting reads back a stored settings record.
func (m *Memory) Setting(key string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok
}

func (m *Memory) EnsureUser(u User) error {
	if u.ID == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// UserByID reads back a stored account.
func (m *Memory) UserByID(id string) (User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok
}

// Len returns the number of objects including the root, for tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUID)
}

var _ Repository = (*Memory)(nil)
