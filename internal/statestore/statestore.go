// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package statestore persists per-domain sync state that lives outside the
// identity map: the incremental update watermark and snapshots of the
// remote's registry and settings records.
package statestore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/arbormap/arbormap/internal/config"
)

// Key prefixes for BadgerDB storage.
const (
	watermarkKeyPrefix = "watermark:"
	registryKeyPrefix  = "registry:"
	settingsKeyPrefix  = "settings:"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("statestore: not found")

// Store is a BadgerDB-backed state store.
type Store struct {
	db *badger.DB
}

// Open opens the store at the configured path.
func Open(cfg *config.StateConfig) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store with no backing files, for tests.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) set(key string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetWatermark records the last successful sync time for a domain.
func (s *Store) SetWatermark(domain string, t time.Time) error {
	return s.set(watermarkKeyPrefix+domain, []byte(t.UTC().Format(time.RFC3339Nano)))
}

// Watermark returns the last successful sync time for a domain, or
// ErrNotFound if the domain has never completed a fetch.
func (s *Store) Watermark(domain string) (time.Time, error) {
	data, err := s.get(watermarkKeyPrefix + domain)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark for %s: %w", domain, err)
	}
	return t, nil
}

// SetRegistrySnapshot stores one remote registry record for a domain.
func (s *Store) SetRegistrySnapshot(domain, key string, value json.RawMessage) error {
	return s.set(registryKeyPrefix+domain+":"+key, value)
}

// RegistrySnapshot returns a stored registry record.
func (s *Store) RegistrySnapshot(domain, key string) (json.RawMessage, error) {
	return s.get(registryKeyPrefix + domain + ":" + key)
}

// SetSettingsSnapshot stores one remote settings record for a domain.
func (s *Store) SetSettingsSnapshot(domain, key string, value json.RawMessage) error {
	return s.set(settingsKeyPrefix+domain+":"+key, value)
}

// SettingsSnapshot returns a stored settings record.
func (s *Store) SettingsSnapshot(domain, key string) (json.RawMessage, error) {
	return s.get(settingsKeyPrefix + domain + ":" + key)
}

// snapshots collects every key/value under a prefix.
func (s *Store) snapshots(prefix string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), prefix)
			if err := item.Value(func(val []byte) error {
				out[key] = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegistrySnapshots returns every stored registry record for a domain.
func (s *Store) RegistrySnapshots(domain string) (map[string]json.RawMessage, error) {
	return s.snapshots(registryKeyPrefix + domain + ":")
}

// SettingsSnapshots returns every stored settings record for a domain.
func (s *Store) SettingsSnapshots(domain string) (map[string]json.RawMessage, error) {
	return s.snapshots(settingsKeyPrefix + domain + ":")
}

// ClearDomain removes every key belonging to a domain. Used when a
// domain's local storage is reset through the admin API.
func (s *Store) ClearDomain(domain string) error {
	prefixes := []string{
		watermarkKeyPrefix + domain,
		registryKeyPrefix + domain + ":",
		settingsKeyPrefix + domain + ":",
	}
	return s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			for _, p := range prefixes {
				if strings.HasPrefix(key, p) {
					keys = append(keys, append([]byte(nil), it.Item().Key()...))
					break
				}
			}
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		return nil
	})
}
