// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package repo defines the local content repository the sync engine writes
// into, and provides an in-memory reference implementation.
//
// The engine never assumes a concrete storage backend. Everything it needs
// from the local side is captured by the Repository interface: a registered
// type catalog with per-field kinds, a path-addressed object tree, workflow
// history replay and a reindex log. Integrations embed their own backend
// behind the same interface.
package repo

import (
	"time"

	"github.com/goccy/go-json"
)

// FieldKind classifies how the import stage transfers a field value.
type FieldKind string

const (
	// FieldScalar values pass through unchanged.
	FieldScalar FieldKind = "scalar"
	// FieldReference values are rewritten from a remote UID to the
	// corresponding local object.
	FieldReference FieldKind = "reference"
	// FieldMultiReference values are lists of references, each rewritten.
	FieldMultiReference FieldKind = "multireference"
	// FieldFile values are fetched from the remote as a secondary request
	// and stored inline.
	FieldFile FieldKind = "file"
	// FieldComputed values are derived locally and never written.
	FieldComputed FieldKind = "computed"
	// FieldProxy values depend on another field being set first and are
	// applied after all other fields of the object.
	FieldProxy FieldKind = "proxy"
)

// FieldSpec describes one field of a registered content type.
type FieldSpec struct {
	Name string
	Kind FieldKind
}

// TypeSpec describes a registered content type.
type TypeSpec struct {
	Name      string
	Container bool
	Fields    []FieldSpec
}

// Field returns the spec of a named field.
func (ts *TypeSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range ts.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// WorkflowState is one replayed workflow transition on a local object.
type WorkflowState struct {
	State string
	Time  time.Time
	Actor string
}

// Object is a snapshot of one local content object. Mutations go through
// the Repository methods; snapshots returned by lookups are copies.
type Object struct {
	UID        string
	Path       string
	PortalType string
	Title      string
	Fields     map[string]any
	History    []WorkflowState
	ReadOnly   bool
	Created    time.Time
	Modified   time.Time
}

// FileValue is the stored form of a file field: the payload is downloaded
// from the remote and inlined.
type FileValue struct {
	Filename    string
	ContentType string
	Data        []byte
}

// User is a local account materialized from the remote's user listing.
type User struct {
	ID       string
	FullName string
	Email    string
	Roles    []string
}

// Repository is the local side of a sync run.
type Repository interface {
	// HasType reports whether a content type is registered locally.
	HasType(name string) bool
	// Type returns the registered spec for a content type.
	Type(name string) (*TypeSpec, bool)
	// ContainerTypes lists the registered container type names.
	ContainerTypes() []string

	// ByPath returns a snapshot of the object at a local path.
	ByPath(path string) (*Object, bool)
	// ByUID returns a snapshot of the object with a local UID.
	ByUID(uid string) (*Object, bool)
	// Create adds an empty object of the given type at path. The parent
	// path must already exist.
	Create(path, portalType string) (*Object, error)

	// SetField writes one field value and touches the modification time.
	SetField(uid, field string, value any) error
	// Field reads one field value.
	Field(uid, field string) (any, bool)
	// SetTitle writes the object title and touches the modification time.
	SetTitle(uid, title string) error
	// MarkReadOnly flags the object as non-modifiable through local UIs.
	MarkReadOnly(uid string) error

	// Modified returns the object's modification time.
	Modified(uid string) (time.Time, error)
	// SetModified overwrites the modification time without touching it,
	// used to restore pre-update timestamps after an incremental batch.
	SetModified(uid string, t time.Time) error

	// ReplayTransition appends a workflow state unless the same
	// (state, time) pair is already recorded. It reports whether the
	// transition was applied.
	ReplayTransition(uid, state string, at time.Time, actor string) (bool, error)

	// Reindex queues an object for catalog reindexing.
	Reindex(uid string)
	// FlushReindex drains the reindex queue and returns the queued UIDs.
	FlushReindex() []string

	// EmptyTitled returns objects whose title was never populated,
	// excluding the given container types. The recovery sweep uses this
	// to find objects whose creation succeeded but whose population
	// never completed.
	EmptyTitled(excludeTypes []string) []*Object

	// SetRegistryEntry stores one remote registry record locally.
	SetRegistryEntry(key string, value json.RawMessage)
	// SetSetting stores one remote settings record locally.
	SetSetting(key string, value json.RawMessage)
	// EnsureUser creates or refreshes a local account.
	EnsureUser(u User) error
}
