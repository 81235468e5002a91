// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package main is the entry point for the Arbormap server.
//
// Arbormap mirrors content from one or more remote repositories into a
// local content tree. Each configured domain is fetched over the
// remote's JSON API, registered in a DuckDB identity map, imported in
// dependency order, and kept current with incremental update runs.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: settings from config file and environment (Koanf v2)
//  2. Identity map: DuckDB store mapping remote objects to local ones
//  3. State store: BadgerDB store for watermarks and remote snapshots
//  4. Repository: local content tree with the configured type registry
//  5. Orchestrator: per-domain fetch/import/update/complement runs
//  6. HTTP server: admin API with health, metrics, and sync triggers
//
// Everything runs under a suture supervision tree. The sync layer and
// the API layer restart independently on failure.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// Domains and repository types can only be declared in the config file:
//
//	domains:
//	  - name: lab
//	    url: https://lab.example.org
//	    username: sync
//	    password: secret
//	    content_types: [Folder, Document]
//	    auto_sync: true
//	repository:
//	  types:
//	    - name: Folder
//	      container: true
//	    - name: Document
//	      fields:
//	        - {name: body, kind: scalar}
//	        - {name: related, kind: reference}
//
// For the admin API behind basic auth:
//   - ADMIN_USERNAME: admin username
//   - ADMIN_PASSWORD: admin password (8+ characters)
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM:
//   - Stops accepting new connections
//   - Waits for in-flight requests to complete (10s timeout)
//   - Closes the state store and identity map
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbormap/arbormap/internal/api"
	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/statestore"
	"github.com/arbormap/arbormap/internal/supervisor"
	"github.com/arbormap/arbormap/internal/sync"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("domains", len(cfg.Domains)).
		Str("db_path", cfg.Database.Path).
		Str("state_path", cfg.State.Path).
		Msg("Starting Arbormap")

	if len(cfg.Domains) == 0 {
		logging.Warn().Msg("No sync domains configured, only the admin API will be useful")
	}

	store, err := soup.Open(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open identity map")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing identity map")
		}
	}()
	logging.Info().Msg("Identity map initialized")

	state, err := statestore.Open(&cfg.State)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer func() {
		if err := state.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()

	repository := repo.NewMemory("/"+cfg.Sync.LocalRoot, repositoryTypes(cfg)...)
	logging.Info().
		Int("types", len(cfg.Repository.Types)).
		Str("root", "/"+cfg.Sync.LocalRoot).
		Msg("Local repository initialized")

	orch, err := sync.NewOrchestrator(cfg, store, state, repository)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create orchestrator")
	}

	srv, err := api.NewServer(cfg, orch)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create API server")
	}
	if cfg.Security.AdminUsername == "" {
		logging.Warn().Msg("Admin API authentication is DISABLED (no ADMIN_USERNAME set)")
		logging.Warn().Msg("Only use this on isolated private networks")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(sync.NewService(orch))
	tree.AddAPIService(supervisor.NewHTTPServerService(httpServer, "admin-api", 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Application stopped gracefully")
}

// repositoryTypes maps the configured type registry onto repo specs.
func repositoryTypes(cfg *config.Config) []repo.TypeSpec {
	specs := make([]repo.TypeSpec, 0, len(cfg.Repository.Types))
	for _, tc := range cfg.Repository.Types {
		spec := repo.TypeSpec{Name: tc.Name, Container: tc.Container}
		for _, fc := range tc.Fields {
			kind := repo.FieldKind(fc.Kind)
			if fc.Kind == "" {
				kind = repo.FieldScalar
			}
			spec.Fields = append(spec.Fields, repo.FieldSpec{Name: fc.Name, Kind: kind})
		}
		specs = append(specs, spec)
	}
	return specs
}
