// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/remote"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/statestore"
)

// DomainStatus is a point-in-time view of one domain's sync state.
type DomainStatus struct {
	Domain       string    `json:"domain"`
	Running      bool      `json:"running"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastStep     string    `json:"last_step,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Records      int64     `json:"records"`
	Watermark    time.Time `json:"watermark,omitempty"`
	HasWatermark bool      `json:"-"`
}

// Orchestrator sequences sync runs. Runs are strictly sequential, never
// in parallel, because creation and update logic assumes exclusive access
// to the local repository and the identity map.
type Orchestrator struct {
	cfg   *config.Config
	store *soup.Store
	state *statestore.Store
	repo  repo.Repository

	clients map[string]*remote.Client

	// runMu serializes runs across all domains.
	runMu sync.Mutex

	statusMu sync.RWMutex
	status   map[string]*DomainStatus
}

// NewOrchestrator wires one remote client per configured domain.
func NewOrchestrator(cfg *config.Config, store *soup.Store, state *statestore.Store, repository repo.Repository) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		state:   state,
		repo:    repository,
		clients: make(map[string]*remote.Client),
		status:  make(map[string]*DomainStatus),
	}
	for i := range cfg.Domains {
		dc := &cfg.Domains[i]
		client, err := remote.New(dc, &cfg.Sync)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", dc.Name, err)
		}
		o.clients[dc.Name] = client
		o.status[dc.Name] = &DomainStatus{Domain: dc.Name}
	}
	return o, nil
}

// Domains lists the configured domain names.
func (o *Orchestrator) Domains() []string {
	out := make([]string, 0, len(o.cfg.Domains))
	for i := range o.cfg.Domains {
		out = append(out, o.cfg.Domains[i].Name)
	}
	return out
}

// deps builds a fresh collaborator bundle for one run. The path
// translator is per-run because its prefix decisions read the identity
// map as it evolves.
func (o *Orchestrator) deps(name string) (Deps, error) {
	dc := o.cfg.Domain(name)
	if dc == nil {
		return Deps{}, fmt.Errorf("unknown domain %q", name)
	}
	handler := o.store.Handler(name)
	return Deps{
		Domain: dc,
		Sync:   &o.cfg.Sync,
		Client: o.clients[name],
		Soup:   handler,
		Repo:   o.repo,
		State:  o.state,
		Paths:  pathmap.New(dc, handler, o.cfg.Sync.LocalRoot),
	}, nil
}

func (o *Orchestrator) setRunning(name, step string, running bool) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	st := o.status[name]
	if st == nil {
		return
	}
	st.Running = running
	st.LastStep = step
	if !running {
		st.LastRun = time.Now().UTC()
	}
}

func (o *Orchestrator) setError(name string, err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if st := o.status[name]; st != nil {
		if err != nil {
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
	}
}

// Status reports the current state of one domain.
func (o *Orchestrator) Status(name string) (*DomainStatus, error) {
	o.statusMu.RLock()
	st, ok := o.status[name]
	if !ok {
		o.statusMu.RUnlock()
		return nil, fmt.Errorf("unknown domain %q", name)
	}
	view := *st
	o.statusMu.RUnlock()

	if count, err := o.store.Handler(name).Count(); err == nil {
		view.Records = count
	}
	if wm, err := o.state.Watermark(name); err == nil {
		view.Watermark = wm
		view.HasWatermark = true
	}
	return &view, nil
}

// RunFull performs a complete Verify, Fetch, Import sequence.
func (o *Orchestrator) RunFull(ctx context.Context, name string) (*RunStats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.runFullLocked(ctx, name)
}

func (o *Orchestrator) runFullLocked(ctx context.Context, name string) (*RunStats, error) {
	deps, err := o.deps(name)
	if err != nil {
		return nil, err
	}
	o.setRunning(name, "full", true)
	defer o.setRunning(name, "full", false)

	fetch := NewFetchStep(deps)

	started := time.Now()
	ok, message := fetch.Verify(ctx)
	metrics.RecordSyncStep(name, "verify", time.Since(started), boolErr(ok, message))
	if !ok {
		err := fmt.Errorf("verification failed for %s: %s", name, message)
		o.setError(name, err)
		return nil, err
	}
	logging.Info().Str("domain", name).Str("message", message).Msg("Remote verified")

	started = time.Now()
	queue, err := fetch.Run(ctx)
	metrics.RecordSyncStep(name, "fetch", time.Since(started), err)
	if err != nil {
		o.setError(name, err)
		return nil, err
	}

	started = time.Now()
	stats, err := NewImportStep(deps).Run(ctx, queue)
	metrics.RecordSyncStep(name, "import", time.Since(started), err)
	o.setError(name, err)
	return stats, err
}

// RunUpdate performs one incremental update pass.
func (o *Orchestrator) RunUpdate(ctx context.Context, name string) (*RunStats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.runUpdateLocked(ctx, name)
}

func (o *Orchestrator) runUpdateLocked(ctx context.Context, name string) (*RunStats, error) {
	deps, err := o.deps(name)
	if err != nil {
		return nil, err
	}
	o.setRunning(name, "update", true)
	defer o.setRunning(name, "update", false)

	started := time.Now()
	stats, err := NewUpdateStep(deps).Run(ctx)
	metrics.RecordSyncStep(name, "update", time.Since(started), err)
	o.setError(name, err)
	return stats, err
}

// RunComplement re-sweeps the catalog up to the stored watermark.
func (o *Orchestrator) RunComplement(ctx context.Context, name string) (*RunStats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	deps, err := o.deps(name)
	if err != nil {
		return nil, err
	}
	o.setRunning(name, "complement", true)
	defer o.setRunning(name, "complement", false)

	started := time.Now()
	stats, err := NewComplementStep(deps).Run(ctx)
	metrics.RecordSyncStep(name, "complement", time.Since(started), err)
	o.setError(name, err)
	return stats, err
}

// RunAuto picks the cheapest sufficient run for a domain: incremental
// update when a watermark exists, full sync otherwise.
func (o *Orchestrator) RunAuto(ctx context.Context, name string) (*RunStats, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if _, err := o.state.Watermark(name); errors.Is(err, statestore.ErrNotFound) {
		return o.runFullLocked(ctx, name)
	}
	return o.runUpdateLocked(ctx, name)
}

// ClearDomain wipes a domain's identity map rows and stored state. The
// local repository's objects are left in place.
func (o *Orchestrator) ClearDomain(name string) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cfg.Domain(name) == nil {
		return fmt.Errorf("unknown domain %q", name)
	}
	handler := o.store.Handler(name)
	if err := handler.Clear(); err != nil {
		return err
	}
	if err := handler.Checkpoint(); err != nil {
		return err
	}
	if err := o.state.ClearDomain(name); err != nil {
		return err
	}
	logging.Info().Str("domain", name).Msg("Domain storage cleared")
	return nil
}

func boolErr(ok bool, message string) error {
	if ok {
		return nil
	}
	return errors.New(message)
}

// Service runs the orchestrator as a supervised background worker,
// re-syncing every auto-sync domain at the configured interval.
type Service struct {
	orch *Orchestrator
}

// NewService wraps an orchestrator for supervision.
func NewService(orch *Orchestrator) *Service {
	return &Service{orch: orch}
}

// Serve ticks until the context is cancelled. Domains run one after
// another; a failing domain never blocks the others.
func (s *Service) Serve(ctx context.Context) error {
	interval := s.orch.cfg.Sync.AutoSyncInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Info().Dur("interval", interval).Msg("Auto-sync service started")
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Auto-sync service stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	for i := range s.orch.cfg.Domains {
		dc := &s.orch.cfg.Domains[i]
		if !dc.AutoSync {
			continue
		}
		if _, err := s.orch.RunAuto(ctx, dc.Name); err != nil {
			logging.Error().Err(err).Str("domain", dc.Name).Msg("Auto-sync run failed")
		}
	}
}

func (s *Service) String() string {
	return "sync-orchestrator"
}
