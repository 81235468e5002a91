// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arbormap/arbormap/internal/soup"
)

func TestComplementRequiresWatermark(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))

	_, err := NewComplementStep(deps).Run(context.Background())
	if err == nil {
		t.Fatal("complement without a watermark succeeded")
	}
}

func TestComplementRegistersMissedItems(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	// An item the sweep missed: it carries a modification time before
	// the watermark, as if a long-running fetch raced the catalog.
	f.add(&fakeObject{
		UID: "uid-doc3", Path: "/src/f1/doc3", PortalType: "Document", Title: "Doc 3",
		Modified: "2026-01-01T00:00:00Z",
		Fields:   map[string]any{"body": "third"},
	})

	stats, err := NewComplementStep(deps).Run(context.Background())
	if err != nil {
		t.Fatalf("complement: %v", err)
	}
	if got := stats.Count(OutcomeFailed); got != 0 {
		t.Fatalf("failed = %d: %v", got, stats.Failures())
	}

	if _, err := deps.Soup.FindUnique(soup.ByRemoteUID, "uid-doc3"); err != nil {
		t.Errorf("missed item was not registered: %v", err)
	}
	doc3, ok := deps.Repo.ByPath("/app/f1/doc3")
	if !ok {
		t.Fatal("missed item was not created")
	}
	if got, _ := deps.Repo.Field(doc3.UID, "body"); got != "third" {
		t.Errorf("body = %v, want third", got)
	}
}

func TestComplementStopsAtNewerItems(t *testing.T) {
	f := newFakeRemote(t)
	f.add(&fakeObject{UID: "uid-f1", Path: "/src/f1", PortalType: "Folder", Title: "F1"})
	// Thirteen documents spread over two catalog pages of ten. One item
	// on the first page is newer than the watermark: it is skipped, the
	// rest of its page is still processed, and the second page is never
	// requested.
	for i := 1; i <= 12; i++ {
		o := &fakeObject{
			UID:        fmt.Sprintf("uid-d%02d", i),
			Path:       fmt.Sprintf("/src/f1/d%02d", i),
			PortalType: "Document",
			Title:      fmt.Sprintf("D%02d", i),
			Modified:   "2026-01-01T00:00:00Z",
		}
		if i == 5 {
			o.Modified = time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
		}
		f.add(o)
	}

	deps := testDeps(t, f, testDomainConfig(f))
	if err := deps.State.SetWatermark(deps.Domain.Name, time.Now().UTC()); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	f.searches = 0
	if _, err := NewComplementStep(deps).Run(context.Background()); err != nil {
		t.Fatalf("complement: %v", err)
	}

	if f.searches != 1 {
		t.Errorf("search requests = %d, want 1 (paging must stop)", f.searches)
	}

	// The newer item was neither registered nor created.
	if _, err := deps.Soup.FindUnique(soup.ByRemoteUID, "uid-d05"); err == nil {
		t.Error("item newer than the watermark was registered")
	}
	// An older item after it on the same page was processed.
	if _, ok := deps.Repo.ByPath("/app/f1/d08"); !ok {
		t.Error("older item on the same page was not created")
	}
	// The second page was never seen.
	if _, err := deps.Soup.FindUnique(soup.ByRemoteUID, "uid-d12"); err == nil {
		t.Error("item from the unvisited second page was registered")
	}
}
