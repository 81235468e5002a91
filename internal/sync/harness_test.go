// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/remote"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/statestore"
)

// fakeObject is one object served by the fake remote JSON API.
type fakeObject struct {
	UID        string
	Path       string
	PortalType string
	Title      string
	Modified   string
	Fields     map[string]any
	Workflow   []map[string]any
	// Hidden objects are served by the UID endpoint but never listed in
	// catalog searches, like remote types outside the catalog filter.
	Hidden bool
}

// fakeRemote is an httptest-backed stand-in for a remote content
// repository's JSON API.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string]*fakeObject
	order   []string
	// recent lists the UIDs returned for recent_modified queries.
	recent []string
	files  map[string][]byte
	// failDetails makes the next N complete-form fetches of a UID answer
	// with a server error, for transient-failure scenarios.
	failDetails map[string]int
	// searches counts catalog page requests, for paging assertions.
	searches int

	server *httptest.Server
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		objects:     make(map[string]*fakeObject),
		files:       make(map[string][]byte),
		failDetails: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/", f.handleAPI)
	mux.HandleFunc("/files/", f.handleFile)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) add(o *fakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.Modified == "" {
		o.Modified = "2026-01-01T00:00:00Z"
	}
	f.objects[o.UID] = o
	f.order = append(f.order, o.UID)
}

func (f *fakeRemote) remove(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, uid)
	var order []string
	for _, u := range f.order {
		if u != uid {
			order = append(order, u)
		}
	}
	f.order = order
}

func (f *fakeRemote) setField(uid, name string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.objects[uid]
	if o.Fields == nil {
		o.Fields = make(map[string]any)
	}
	o.Fields[name] = v
}

// failDetail makes the next n detail fetches of a UID fail.
func (f *fakeRemote) failDetail(uid string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDetails[uid] = n
}

func (f *fakeRemote) setModified(uid, ts string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[uid].Modified = ts
}

func (f *fakeRemote) move(uid, newPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[uid].Path = newPath
}

// byPath returns the object at a remote path.
func (f *fakeRemote) byPath(path string) *fakeObject {
	for _, o := range f.objects {
		if o.Path == path {
			return o
		}
	}
	return nil
}

// itemJSON serializes one object the way the remote API does. The thin
// catalog form omits field data and workflow history.
func (f *fakeRemote) itemJSON(o *fakeObject, complete bool) map[string]any {
	m := map[string]any{
		"uid":         o.UID,
		"path":        o.Path,
		"portal_type": o.PortalType,
		"parent_path": pathmap.Parent(o.Path),
		"title":       o.Title,
		"modified":    o.Modified,
	}
	if parent := f.byPath(pathmap.Parent(o.Path)); parent != nil {
		m["parent_url"] = f.server.URL + "/api/v1/" + parent.UID
	}
	if complete {
		for k, v := range o.Fields {
			m[k] = v
		}
		if len(o.Workflow) > 0 {
			m["workflow_info"] = o.Workflow
		}
	}
	return m
}

func writePage(w http.ResponseWriter, page map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

func (f *fakeRemote) handleAPI(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoint := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	switch endpoint {
	case "version":
		writePage(w, map[string]any{"version": "2.5.0", "date": "2026-01-01"})
	case "users/current":
		writePage(w, map[string]any{"items": []map[string]any{
			{"username": "sync", "authenticated": true},
		}})
	case "users":
		writePage(w, map[string]any{"count": 1, "items": []map[string]any{
			{"uid": "user-remote", "path": "/src/users/remote", "username": "remote", "email": "remote@example.com", "roles": []string{"Member"}},
		}})
	case "registry", "settings":
		writePage(w, map[string]any{"count": 0, "items": []map[string]any{}})
	case "search":
		f.handleSearch(w, r)
	default:
		o, ok := f.objects[endpoint]
		if !ok {
			writePage(w, map[string]any{"count": 0, "items": []map[string]any{}})
			return
		}
		complete := r.URL.Query().Get("complete") != ""
		if complete && f.failDetails[endpoint] > 0 {
			f.failDetails[endpoint]--
			http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
			return
		}
		writePage(w, map[string]any{"count": 1, "items": []map[string]any{f.itemJSON(o, complete)}})
	}
}

func (f *fakeRemote) handleSearch(w http.ResponseWriter, r *http.Request) {
	f.searches++
	q := r.URL.Query()

	wantedTypes := q["portal_type"]
	typeAllowed := func(pt string) bool {
		if len(wantedTypes) == 0 {
			return true
		}
		for _, t := range wantedTypes {
			if t == pt {
				return true
			}
		}
		return false
	}

	source := f.order
	if q.Get("recent_modified") != "" {
		source = f.recent
	}

	var matched []*fakeObject
	for _, uid := range source {
		o, ok := f.objects[uid]
		if ok && !o.Hidden && typeAllowed(o.PortalType) {
			matched = append(matched, o)
		}
	}

	start, _ := strconv.Atoi(q.Get("b_start"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	items := make([]map[string]any, 0, end-start)
	for _, o := range matched[start:end] {
		items = append(items, f.itemJSON(o, false))
	}

	next := ""
	if end < len(matched) {
		nq := r.URL.Query()
		nq.Set("b_start", strconv.Itoa(end))
		next = f.server.URL + "/api/v1/search?" + nq.Encode()
	}
	writePage(w, map[string]any{"count": len(matched), "next": next, "items": items})
}

func (f *fakeRemote) handleFile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	data, ok := f.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

// testTypes registers the content types the scenarios use.
func testTypes() []repo.TypeSpec {
	return []repo.TypeSpec{
		{Name: "Folder", Container: true},
		{Name: "Document", Fields: []repo.FieldSpec{
			{Name: "body", Kind: repo.FieldScalar},
			{Name: "related", Kind: repo.FieldReference},
			{Name: "links", Kind: repo.FieldMultiReference},
			{Name: "attachment", Kind: repo.FieldFile},
			{Name: "summary", Kind: repo.FieldComputed},
			{Name: "alias", Kind: repo.FieldProxy},
		}},
	}
}

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		FetchPageSize:  10,
		FetchOverlap:   2,
		UpdatePageSize: 10,
		UpdateOverlap:  2,
		CommitInterval: 1000,
		RetryAttempts:  2,
		RetryDelay:     time.Millisecond,
		RequestTimeout: 5 * time.Second,
		LocalRoot:      "app",
	}
}

func testDomainConfig(f *fakeRemote) *config.DomainConfig {
	return &config.DomainConfig{
		Name:         "lab",
		URL:          f.server.URL,
		Username:     "sync",
		Password:     "secret",
		ContentTypes: []string{"Folder", "Document"},
	}
}

// testDeps wires a full Deps bundle against the fake remote, a temp
// DuckDB identity map, an in-memory state store and an empty repository.
func testDeps(t *testing.T, f *fakeRemote, dc *config.DomainConfig) Deps {
	t.Helper()
	sc := testSyncConfig()

	client, err := remote.New(dc, sc)
	if err != nil {
		t.Fatalf("remote client: %v", err)
	}

	store, err := soup.Open(&config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "soup.duckdb"),
	})
	if err != nil {
		t.Fatalf("open soup: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	state, err := statestore.OpenInMemory()
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	handler := store.Handler(dc.Name)
	return Deps{
		Domain: dc,
		Sync:   sc,
		Client: client,
		Soup:   handler,
		Repo:   repo.NewMemory("/app", testTypes()...),
		State:  state,
		Paths:  pathmap.New(dc, handler, sc.LocalRoot),
	}
}

// scenarioRemote builds the end-to-end fixture: a folder with two
// documents, doc1 referencing doc2, discovered doc1-first.
func scenarioRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := newFakeRemote(t)
	f.add(&fakeObject{
		UID: "uid-f1", Path: "/src/f1", PortalType: "Folder", Title: "F1",
	})
	f.add(&fakeObject{
		UID: "uid-doc1", Path: "/src/f1/doc1", PortalType: "Document", Title: "Doc 1",
		Fields: map[string]any{
			"body":    "first",
			"related": map[string]any{"uid": "uid-doc2"},
		},
	})
	f.add(&fakeObject{
		UID: "uid-doc2", Path: "/src/f1/doc2", PortalType: "Document", Title: "Doc 2",
		Fields: map[string]any{"body": "second"},
	})
	return f
}
