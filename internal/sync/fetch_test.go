// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"testing"

	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/soup"
)

func TestFetchVerify(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fetch := NewFetchStep(deps)

	ok, msg := fetch.Verify(context.Background())
	if !ok {
		t.Fatalf("Verify failed: %s", msg)
	}
	if msg == "" {
		t.Error("Verify returned an empty message")
	}
}

func TestFetchRegistersAllowedItems(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fetch := NewFetchStep(deps)

	queue, err := fetch.Run(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	count, err := deps.Soup.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("identity map rows = %d, want 3", count)
	}

	// Reverse discovery order: the folder was discovered first, so it
	// comes out of the queue last.
	if len(queue) != 3 {
		t.Fatalf("queue length = %d, want 3", len(queue))
	}
	if queue[len(queue)-1] != "uid-f1" {
		t.Errorf("last queued uid = %q, want uid-f1", queue[len(queue)-1])
	}
	if queue[0] != "uid-doc2" {
		t.Errorf("first queued uid = %q, want uid-doc2", queue[0])
	}

	if _, err := deps.State.Watermark(deps.Domain.Name); err != nil {
		t.Errorf("watermark not stored: %v", err)
	}
}

func TestFetchIdempotentRefetch(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fetch := NewFetchStep(deps)

	if _, err := fetch.Run(context.Background()); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	before, _ := deps.Soup.Count()

	queue, err := fetch.Run(context.Background())
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	after, _ := deps.Soup.Count()

	if before != after {
		t.Errorf("row count changed on re-fetch: %d -> %d", before, after)
	}
	// Known items are still queued so an interrupted import can resume.
	if len(queue) != 3 {
		t.Errorf("re-fetch queue length = %d, want 3", len(queue))
	}
}

func TestFetchResolvesMissingAncestors(t *testing.T) {
	f := newFakeRemote(t)
	f.add(&fakeObject{
		UID: "uid-f1", Path: "/src/f1", PortalType: "Folder", Hidden: true,
	})
	f.add(&fakeObject{
		UID: "uid-sub", Path: "/src/f1/sub", PortalType: "Folder", Hidden: true,
	})
	f.add(&fakeObject{
		UID: "uid-doc1", Path: "/src/f1/sub/doc1", PortalType: "Document", Title: "Deep",
	})
	deps := testDeps(t, f, testDomainConfig(f))
	fetch := NewFetchStep(deps)

	if _, err := fetch.Run(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	// Every row's parent must be present too, up to the root.
	for _, path := range []string{"/src/f1/sub/doc1", "/src/f1/sub", "/src/f1"} {
		if _, err := deps.Soup.FindUnique(soup.ByRemotePath, path); err != nil {
			t.Errorf("row for %s missing: %v", path, err)
		}
		parent := pathmap.Parent(path)
		if pathmap.IsRoot(parent) {
			continue
		}
		if _, err := deps.Soup.FindUnique(soup.ByRemotePath, parent); err != nil {
			t.Errorf("ancestor %s missing: %v", parent, err)
		}
	}
}

func TestFetchSnapshotsRemoteConfig(t *testing.T) {
	f := scenarioRemote(t)
	dc := testDomainConfig(f)
	dc.ImportRegistry = true
	deps := testDeps(t, f, dc)

	// The fake serves an empty registry; the fetch must survive that
	// without failing the sweep.
	if _, err := NewFetchStep(deps).Run(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
}
