// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/statestore"
)

func testOrchestrator(t *testing.T, f *fakeRemote) *Orchestrator {
	t.Helper()
	cfg := &config.Config{
		Sync:    *testSyncConfig(),
		Domains: []config.DomainConfig{*testDomainConfig(f)},
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

	orch, err := NewOrchestrator(cfg, store, state, repo.NewMemory("/app", testTypes()...))
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return orch
}

func TestOrchestratorRunFull(t *testing.T) {
	f := scenarioRemote(t)
	orch := testOrchestrator(t, f)

	stats, err := orch.RunFull(context.Background(), "lab")
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	if stats.Step != "import" {
		t.Errorf("step = %q, want import", stats.Step)
	}

	st, err := orch.Status("lab")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Running {
		t.Error("domain still reported running")
	}
	if st.Records != 3 {
		t.Errorf("records = %d, want 3", st.Records)
	}
	if !st.HasWatermark {
		t.Error("watermark missing after full run")
	}
	if st.LastError != "" {
		t.Errorf("last error = %q, want empty", st.LastError)
	}
}

func TestOrchestratorRunAuto(t *testing.T) {
	f := scenarioRemote(t)
	orch := testOrchestrator(t, f)

	// No watermark yet: auto picks the full sequence.
	stats, err := orch.RunAuto(context.Background(), "lab")
	if err != nil {
		t.Fatalf("first auto run: %v", err)
	}
	if stats.Step != "import" {
		t.Errorf("first auto step = %q, want import", stats.Step)
	}

	// With a watermark in place it degrades to the incremental pass.
	stats, err = orch.RunAuto(context.Background(), "lab")
	if err != nil {
		t.Fatalf("second auto run: %v", err)
	}
	if stats.Step != "update" {
		t.Errorf("second auto step = %q, want update", stats.Step)
	}
}

func TestOrchestratorUnknownDomain(t *testing.T) {
	f := scenarioRemote(t)
	orch := testOrchestrator(t, f)

	if _, err := orch.RunFull(context.Background(), "nope"); err == nil {
		t.Error("full run for unknown domain succeeded")
	}
	if _, err := orch.Status("nope"); err == nil {
		t.Error("status for unknown domain succeeded")
	}
	if err := orch.ClearDomain("nope"); err == nil {
		t.Error("clear for unknown domain succeeded")
	}
}

func TestOrchestratorClearDomain(t *testing.T) {
	f := scenarioRemote(t)
	orch := testOrchestrator(t, f)

	if _, err := orch.RunFull(context.Background(), "lab"); err != nil {
		t.Fatalf("full run: %v", err)
	}
	if err := orch.ClearDomain("lab"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	st, err := orch.Status("lab")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Records != 0 {
		t.Errorf("records after clear = %d, want 0", st.Records)
	}
	if st.HasWatermark {
		t.Error("watermark survived the clear")
	}

	// A cleared domain can be fully synced again from scratch.
	if _, err := orch.RunFull(context.Background(), "lab"); err != nil {
		t.Fatalf("re-sync after clear: %v", err)
	}
	st, _ = orch.Status("lab")
	if st.Records != 3 {
		t.Errorf("records after re-sync = %d, want 3", st.Records)
	}
}
