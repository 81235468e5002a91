// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package soup persists the remote-to-local identity map in DuckDB.
//
// Every remote object a sync run discovers gets one row keyed by
// (domain, remote UID). The row carries the remote path, the local UID
// and path once the object has been materialized, the portal type, and
// the per-run updated flag.
//
// Writes go through one held transaction. Checkpoint commits it and
// opens the next one, so a crash loses at most the work since the last
// checkpoint while reads within a run always see their own writes.
package soup

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/logging"
)

// Store wraps the DuckDB connection holding the identity map.
type Store struct {
	conn *sql.DB

	mu sync.Mutex
	tx *sql.Tx
}

// schemaQueries creates the identity map schema. All columns are defined
// up front; the surrogate id comes from a sequence.
var schemaQueries = []string{
	`CREATE SEQUENCE IF NOT EXISTS soup_records_seq`,
	`CREATE TABLE IF NOT EXISTS soup_records (
		id BIGINT PRIMARY KEY DEFAULT nextval('soup_records_seq'),
		domain VARCHAR NOT NULL,
		remote_uid VARCHAR NOT NULL,
		remote_path VARCHAR NOT NULL,
		local_uid VARCHAR NOT NULL DEFAULT '',
		local_path VARCHAR NOT NULL DEFAULT '',
		portal_type VARCHAR NOT NULL DEFAULT '',
		updated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_soup_domain_remote_uid ON soup_records(domain, remote_uid)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_soup_domain_remote_path ON soup_records(domain, remote_path)`,
	`CREATE INDEX IF NOT EXISTS idx_soup_local_uid ON soup_records(domain, local_uid)`,
	`CREATE INDEX IF NOT EXISTS idx_soup_local_path ON soup_records(domain, local_path)`,
}

// Open creates the DuckDB connection and initializes the schema.
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for the database file.
	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads)
	if cfg.MaxMemory != "" {
		connStr += fmt.Sprintf("&max_memory=%s", cfg.MaxMemory)
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity map database: %w", err)
	}

	// DuckDB allows one writer; the held transaction serializes writes anyway.
	conn.SetMaxOpenConns(1)

	for _, q := range schemaQueries {
		if _, err := conn.Exec(q); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to initialize identity map schema: %w", err)
		}
	}

	logging.Info().Str("path", cfg.Path).Msg("Identity map database opened")

	return &Store{conn: conn}, nil
}

// tx returns the held transaction, beginning one when needed.
// Callers must hold s.mu.
func (s *Store) heldTx() (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin identity map transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// checkpoint commits the held transaction. The next write begins a new one.
// Callers must hold s.mu.
func (s *Store) checkpoint() error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		return fmt.Errorf("failed to commit identity map transaction: %w", err)
	}
	s.tx = nil
	return nil
}

// Close commits outstanding work and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkpoint(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

// Handler returns the identity map handle scoped to one domain.
func (s *Store) Handler(domain string) *Handler {
	return &Handler{store: s, domain: domain}
}
