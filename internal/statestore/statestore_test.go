// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package statestore

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWatermarkRoundTrip(t *testing.T) {
	s := testStore(t)

	if _, err := s.Watermark("lab"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Watermark before set = %v, want ErrNotFound", err)
	}

	want := time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC)
	if err := s.SetWatermark("lab", want); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	got, err := s.Watermark("lab")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Watermark = %v, want %v", got, want)
	}
}

func TestSnapshots(t *testing.T) {
	s := testStore(t)

	if err := s.SetRegistrySnapshot("lab", "sync.prefixes", json.RawMessage(`{"rb":true}`)); err != nil {
		t.Fatalf("SetRegistrySnapshot: %v", err)
	}
	got, err := s.RegistrySnapshot("lab", "sync.prefixes")
	if err != nil {
		t.Fatalf("RegistrySnapshot: %v", err)
	}
	if string(got) != `{"rb":true}` {
		t.Errorf("RegistrySnapshot = %s", got)
	}

	if err := s.SetSettingsSnapshot("lab", "site.title", json.RawMessage(`"Lab"`)); err != nil {
		t.Fatalf("SetSettingsSnapshot: %v", err)
	}
	if _, err := s.SettingsSnapshot("lab", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing snapshot = %v, want ErrNotFound", err)
	}
}

func TestClearDomain(t *testing.T) {
	s := testStore(t)

	if err := s.SetWatermark("lab", time.Now()); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	if err := s.SetRegistrySnapshot("lab", "k", json.RawMessage(`1`)); err != nil {
		t.Fatalf("SetRegistrySnapshot: %v", err)
	}
	if err := s.SetWatermark("other", time.Now()); err != nil {
		t.Fatalf("SetWatermark other: %v", err)
	}

	if err := s.ClearDomain("lab"); err != nil {
		t.Fatalf("ClearDomain: %v", err)
	}
	if _, err := s.Watermark("lab"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lab watermark survived clear: %v", err)
	}
	if _, err := s.RegistrySnapshot("lab", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lab registry snapshot survived clear: %v", err)
	}
	if _, err := s.Watermark("other"); err != nil {
		t.Errorf("other domain watermark lost: %v", err)
	}
}
