// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"testing"
	"time"

	"github.com/arbormap/arbormap/internal/soup"
)

func futureStamp() string {
	return time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
}

func TestUpdateRequiresWatermark(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))

	_, err := NewUpdateStep(deps).Run(context.Background())
	if err == nil {
		t.Fatal("update without a watermark succeeded")
	}
}

func TestUpdateNothingModified(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	stats, err := NewUpdateStep(deps).Run(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(stats.Results) != 0 {
		t.Errorf("results = %d, want 0", len(stats.Results))
	}
}

func TestUpdateAppliesRemoteChange(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	doc1, _ := deps.Repo.ByPath("/app/f1/doc1")
	before, err := deps.Repo.Modified(doc1.UID)
	if err != nil {
		t.Fatalf("modified: %v", err)
	}

	f.setField("uid-doc1", "body", "revised")
	f.setModified("uid-doc1", futureStamp())
	f.recent = []string{"uid-doc1"}

	stats, err := NewUpdateStep(deps).Run(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := stats.Count(OutcomeUpdated); got != 1 {
		t.Fatalf("updated = %d, want 1; failures: %v", got, stats.Failures())
	}
	if got, _ := deps.Repo.Field(doc1.UID, "body"); got != "revised" {
		t.Errorf("body = %v, want revised", got)
	}

	// The pre-update modification time is restored so the next
	// incremental run does not re-select what this one wrote.
	after, err := deps.Repo.Modified(doc1.UID)
	if err != nil {
		t.Fatalf("modified: %v", err)
	}
	if !after.Equal(before) {
		t.Errorf("modification time = %v, want restored %v", after, before)
	}
}

func TestUpdateStaleLocalEditWins(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	// The local object was touched during import, so its modification
	// time is newer than the remote's historical timestamp. A remote
	// row re-listed without a fresher edit must not overwrite it.
	f.setField("uid-doc1", "body", "remote-edit")
	f.recent = []string{"uid-doc1"}

	stats, err := NewUpdateStep(deps).Run(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := stats.Count(OutcomeSkipped); got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if got := stats.Count(OutcomeUpdated); got != 0 {
		t.Errorf("updated = %d, want 0", got)
	}

	doc1, _ := deps.Repo.ByPath("/app/f1/doc1")
	if got, _ := deps.Repo.Field(doc1.UID, "body"); got != "first" {
		t.Errorf("body = %v, want untouched first", got)
	}
}

func TestUpdateCreatesNewObject(t *testing.T) {
	f := scenarioRemote(t)
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	f.add(&fakeObject{
		UID: "uid-doc3", Path: "/src/f1/doc3", PortalType: "Document", Title: "Doc 3",
		Modified: futureStamp(),
		Fields:   map[string]any{"body": "third"},
	})
	f.recent = []string{"uid-doc3"}

	stats, err := NewUpdateStep(deps).Run(context.Background())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := stats.Count(OutcomeUpdated); got != 1 {
		t.Fatalf("updated = %d, want 1; failures: %v", got, stats.Failures())
	}

	doc3, ok := deps.Repo.ByPath("/app/f1/doc3")
	if !ok {
		t.Fatal("new object was not created")
	}
	if got, _ := deps.Repo.Field(doc3.UID, "body"); got != "third" {
		t.Errorf("body = %v, want third", got)
	}
}

func TestUpdatePathMoveParksCollidingRecord(t *testing.T) {
	f := newFakeRemote(t)
	f.add(&fakeObject{UID: "uid-f1", Path: "/src/f1", PortalType: "Folder", Title: "F1"})
	f.add(&fakeObject{UID: "uid-a", Path: "/src/f1/a", PortalType: "Document", Title: "A"})
	deps := testDeps(t, f, testDomainConfig(f))
	fullSync(t, deps)

	// The remote moved a to b and put a brand new object at a's old
	// path. The new object is listed first, so its insert collides with
	// a's still-unmoved row and must be parked, not dropped.
	f.move("uid-a", "/src/f1/b")
	f.setModified("uid-a", futureStamp())
	f.add(&fakeObject{
		UID: "uid-new", Path: "/src/f1/a", PortalType: "Document", Title: "New",
		Modified: futureStamp(),
	})
	f.recent = []string{"uid-new", "uid-a"}

	if _, err := NewUpdateStep(deps).Run(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}

	moved, err := deps.Soup.FindUnique(soup.ByRemoteUID, "uid-a")
	if err != nil {
		t.Fatalf("row for uid-a: %v", err)
	}
	if moved.RemotePath != "/src/f1/b" {
		t.Errorf("uid-a path = %q, want /src/f1/b", moved.RemotePath)
	}

	parked, err := deps.Soup.FindUnique(soup.ByRemoteUID, "uid-new")
	if err != nil {
		t.Fatalf("parked record was never inserted: %v", err)
	}
	if parked.RemotePath != "/src/f1/a" {
		t.Errorf("uid-new path = %q, want /src/f1/a", parked.RemotePath)
	}
}
