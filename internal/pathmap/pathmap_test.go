// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package pathmap

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/syncerr"
)

func testHandler(t *testing.T, domain string) *soup.Handler {
	t.Helper()
	store, err := soup.Open(&config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.duckdb"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store.Handler(domain)
}

func TestParentAndID(t *testing.T) {
	tests := []struct {
		path   string
		parent string
		id     string
	}{
		{"/remote/clients/c1", "/remote/clients", "c1"},
		{"/remote/clients", "/remote", "clients"},
		{"/remote", "/", "remote"},
		{"sample-1", "/", "sample-1"},
	}
	for _, tt := range tests {
		if got := Parent(tt.path); got != tt.parent {
			t.Errorf("Parent(%q) = %q, want %q", tt.path, got, tt.parent)
		}
		if got := ID(tt.path); got != tt.id {
			t.Errorf("ID(%q) = %q, want %q", tt.path, got, tt.id)
		}
	}
}

func TestIsRoot(t *testing.T) {
	if !IsRoot("/remote") {
		t.Error("IsRoot(/remote) = false, want true")
	}
	if IsRoot("/remote/clients") {
		t.Error("IsRoot(/remote/clients) = true, want false")
	}
}

func TestTranslateRoot(t *testing.T) {
	tr := New(&config.DomainConfig{Name: "lab"}, testHandler(t, "lab"), "app")
	got, err := tr.Translate("/remote")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "/app" {
		t.Errorf("Translate(/remote) = %q, want /app", got)
	}
}

func TestTranslateWithoutPrefixing(t *testing.T) {
	// No soup rows are needed for a pure namespace rewrite.
	tr := New(&config.DomainConfig{Name: "lab"}, testHandler(t, "lab"), "app")
	got, err := tr.Translate("/remote/clients/c1/sample-1")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "/app/clients/c1/sample-1" {
		t.Errorf("Translate = %q, want /app/clients/c1/sample-1", got)
	}
}

func TestTranslateWithPrefixing(t *testing.T) {
	domain := &config.DomainConfig{
		Name:            "lab",
		RemotePrefix:    "rb",
		PrefixableTypes: []string{"AnalysisRequest"},
	}
	h := testHandler(t, "lab")
	seed := []struct {
		uid, path, ptype string
	}{
		{"uid-clients", "/remote/clients", "ClientFolder"},
		{"uid-c1", "/remote/clients/c1", "Client"},
		{"uid-s1", "/remote/clients/c1/sample-1", "AnalysisRequest"},
	}
	for _, s := range seed {
		if _, err := h.Insert(soup.Record{RemoteUID: s.uid, RemotePath: s.path, PortalType: s.ptype}); err != nil {
			t.Fatalf("seed %s: %v", s.path, err)
		}
	}

	tr := New(domain, h, "app")
	got, err := tr.Translate("/remote/clients/c1/sample-1")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	// Only the prefixable leaf carries the remote prefix.
	want := "/app/clients/c1/rbsample-1"
	if got != want {
		t.Errorf("Translate = %q, want %q", got, want)
	}

	// The result is memoized on the identity map row.
	rec, err := h.FindUnique(soup.ByRemotePath, "/remote/clients/c1/sample-1")
	if err != nil {
		t.Fatalf("FindUnique: %v", err)
	}
	if rec.LocalPath != want {
		t.Errorf("memoized local_path = %q, want %q", rec.LocalPath, want)
	}

	// Repeated translation is deterministic.
	again, err := tr.Translate("/remote/clients/c1/sample-1")
	if err != nil {
		t.Fatalf("Translate again: %v", err)
	}
	if again != got {
		t.Errorf("second Translate = %q, want %q", again, got)
	}
}

func TestTranslateMissingRecord(t *testing.T) {
	domain := &config.DomainConfig{Name: "lab", RemotePrefix: "rb"}
	tr := New(domain, testHandler(t, "lab"), "app")
	_, err := tr.Translate("/remote/clients/c1")
	var serr *syncerr.Error
	if !errors.As(err, &serr) {
		t.Fatalf("Translate error = %v, want *syncerr.Error", err)
	}
	if serr.Status != 500 {
		t.Errorf("Status = %d, want 500", serr.Status)
	}
}

func TestLocalID(t *testing.T) {
	domain := &config.DomainConfig{
		Name:            "lab",
		RemotePrefix:    "rb",
		LocalPrefix:     "lx",
		PrefixableTypes: []string{"AnalysisRequest"},
	}
	tr := New(domain, testHandler(t, "lab"), "app")

	tests := []struct {
		name       string
		portalType string
		remoteID   string
		want       string
	}{
		{"prefixable", "AnalysisRequest", "sample-1", "rbsample-1"},
		{"not prefixable", "Client", "c1", "c1"},
		{"strips own prefix first", "AnalysisRequest", "lxsample-1", "rbsample-1"},
		{"strips own prefix unprefixable", "Client", "lxc1", "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.LocalID(tt.portalType, tt.remoteID); got != tt.want {
				t.Errorf("LocalID(%q, %q) = %q, want %q", tt.portalType, tt.remoteID, got, tt.want)
			}
		})
	}
}
