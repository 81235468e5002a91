// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package config defines the Arbormap configuration model and loads it
// from layered sources (defaults, YAML file, environment variables).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/validation"
)

// Config is the root configuration for the Arbormap daemon.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
	Database DatabaseConfig `koanf:"database"`
	State    StateConfig    `koanf:"state"`
	Sync     SyncConfig     `koanf:"sync"`
	Domains  []DomainConfig `koanf:"domains" validate:"dive"`

	Repository RepositoryConfig `koanf:"repository"`
}

// ServerConfig configures the embedded admin HTTP server.
type ServerConfig struct {
	Port        int           `koanf:"port" validate:"min=1,max=65535"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment" validate:"oneof=development production"`
}

// SecurityConfig configures authentication and request limits for the
// admin API.
type SecurityConfig struct {
	AdminUsername     string        `koanf:"admin_username"`
	AdminPassword     string        `koanf:"admin_password"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	TrustedProxies    []string      `koanf:"trusted_proxies"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig configures the DuckDB identity map store.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// StateConfig configures the Badger store holding sync watermarks and
// remote snapshots.
type StateConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// SyncConfig holds tunables shared by every sync domain.
type SyncConfig struct {
	// FetchPageSize is the page size used during the initial fetch sweep.
	FetchPageSize int `koanf:"fetch_page_size" validate:"min=1"`
	// FetchOverlap is how many items consecutive fetch windows share.
	FetchOverlap int `koanf:"fetch_overlap" validate:"min=0"`
	// UpdatePageSize is the page size used during incremental updates.
	UpdatePageSize int `koanf:"update_page_size" validate:"min=1"`
	// UpdateOverlap is how many items consecutive update windows share.
	UpdateOverlap int `koanf:"update_overlap" validate:"min=0"`
	// CommitInterval is how many identity map writes happen between
	// transaction checkpoints.
	CommitInterval int `koanf:"commit_interval" validate:"min=1"`

	RetryAttempts  int           `koanf:"retry_attempts" validate:"min=0"`
	RetryDelay     time.Duration `koanf:"retry_delay"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// RequestsPerSecond throttles outbound remote API calls. 0 disables
	// throttling.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"min=0"`

	// AutoSyncInterval is how often auto-sync domains are re-synced.
	AutoSyncInterval time.Duration `koanf:"auto_sync_interval"`

	// LocalRoot is the root segment of the local repository tree that
	// remote paths are rewritten into.
	LocalRoot string `koanf:"local_root" validate:"required"`
}

// DomainConfig describes one remote repository to synchronize.
type DomainConfig struct {
	Name     string `koanf:"name" validate:"required"`
	URL      string `koanf:"url" validate:"required,url"`
	Username string `koanf:"username" validate:"required"`
	Password string `koanf:"password" validate:"required"`
	// APIBase is the path segment of the remote JSON API, appended to URL.
	APIBase string `koanf:"api_base"`
	// CertFile is an optional PEM file with the CA certificate used to
	// verify the remote server.
	CertFile string `koanf:"cert_file"`

	// ContentTypes restricts the fetch sweep to the listed portal types.
	// Empty means everything the remote exposes.
	ContentTypes []string `koanf:"content_types"`
	// UnwantedContentTypes are skipped during fetch even when their
	// ancestors are needed for tree completeness.
	UnwantedContentTypes []string `koanf:"unwanted_content_types"`
	// ReadOnlyTypes are imported and then marked non-modifiable locally.
	ReadOnlyTypes []string `koanf:"read_only_types"`
	// UpdateOnlyTypes are only updated in place, never created.
	UpdateOnlyTypes []string `koanf:"update_only_types"`
	// PrefixableTypes lists the portal types whose object IDs get the
	// domain prefixes applied during path translation.
	PrefixableTypes []string `koanf:"prefixable_types"`

	// RemotePrefix is prepended to prefixable IDs coming from the remote.
	RemotePrefix string `koanf:"remote_prefix"`
	// LocalPrefix replaces RemotePrefix on IDs that already carry it.
	LocalPrefix string `koanf:"local_prefix"`

	ImportSettings bool `koanf:"import_settings"`
	ImportRegistry bool `koanf:"import_registry"`
	ImportUsers    bool `koanf:"import_users"`

	// AutoSync includes this domain in the periodic background sync.
	AutoSync bool `koanf:"auto_sync"`
}

// RepositoryConfig declares the local type registry used by the
// standalone in-memory repository. Like domains, types can only be
// declared in the config file.
type RepositoryConfig struct {
	Types []TypeConfig `koanf:"types" validate:"dive"`
}

// TypeConfig declares one local content type.
type TypeConfig struct {
	Name      string        `koanf:"name" validate:"required"`
	Container bool          `koanf:"container"`
	Fields    []FieldConfig `koanf:"fields" validate:"dive"`
}

// FieldConfig declares one field of a local content type. An empty kind
// means scalar.
type FieldConfig struct {
	Name string `koanf:"name" validate:"required"`
	Kind string `koanf:"kind" validate:"omitempty,oneof=scalar reference multireference file computed proxy"`
}

// prefixStripChars are removed from configured ID prefixes before use.
// A separator left in a prefix would corrupt generated paths.
const prefixStripChars = "*.!$%&/()=-+:'\"`´^ "

// NormalizePrefix strips path separators and special characters from a
// configured ID prefix. Returns an error when nothing usable remains.
func NormalizePrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(prefixStripChars, r) {
			return -1
		}
		return r
	}, prefix)
	if cleaned == "" {
		return "", fmt.Errorf("prefix %q contains no usable characters", prefix)
	}
	if len(cleaned) > 3 {
		logging.Warn().Str("prefix", cleaned).Msg("ID prefix longer than 3 characters, generated IDs may get unwieldy")
	}
	return cleaned, nil
}

// Validate checks structural constraints and domain-level invariants.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	seen := make(map[string]struct{}, len(c.Domains))
	for i := range c.Domains {
		d := &c.Domains[i]
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("duplicate domain name %q", d.Name)
		}
		seen[d.Name] = struct{}{}

		remote, err := NormalizePrefix(d.RemotePrefix)
		if err != nil {
			return fmt.Errorf("domain %q: remote_prefix: %w", d.Name, err)
		}
		local, err := NormalizePrefix(d.LocalPrefix)
		if err != nil {
			return fmt.Errorf("domain %q: local_prefix: %w", d.Name, err)
		}
		d.RemotePrefix = remote
		d.LocalPrefix = local

		if d.LocalPrefix != "" && d.RemotePrefix == "" {
			return fmt.Errorf("domain %q: local_prefix requires remote_prefix", d.Name)
		}
	}

	if c.Server.Environment == "production" && (c.Security.AdminUsername == "" || c.Security.AdminPassword == "") {
		return fmt.Errorf("admin credentials are required in production")
	}

	return nil
}

// Domain returns the configuration for the named domain, or nil.
func (c *Config) Domain(name string) *DomainConfig {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i]
		}
	}
	return nil
}

// IsPrefixable reports whether objects of the given portal type get the
// domain ID prefixes applied.
func (d *DomainConfig) IsPrefixable(portalType string) bool {
	for _, t := range d.PrefixableTypes {
		if t == portalType {
			return true
		}
	}
	return false
}

// IsUnwanted reports whether the portal type is excluded from import.
func (d *DomainConfig) IsUnwanted(portalType string) bool {
	for _, t := range d.UnwantedContentTypes {
		if t == portalType {
			return true
		}
	}
	return false
}

// IsReadOnly reports whether objects of the portal type must never be
// created locally.
func (d *DomainConfig) IsReadOnly(portalType string) bool {
	for _, t := range d.ReadOnlyTypes {
		if t == portalType {
			return true
		}
	}
	return false
}

// IsUpdateOnly reports whether objects of the portal type are only
// updated in place.
func (d *DomainConfig) IsUpdateOnly(portalType string) bool {
	for _, t := range d.UpdateOnlyTypes {
		if t == portalType {
			return true
		}
	}
	return false
}

// WantsType reports whether the portal type participates in the full
// content sweep. An empty ContentTypes list means all types.
func (d *DomainConfig) WantsType(portalType string) bool {
	if len(d.ContentTypes) == 0 {
		return !d.IsUnwanted(portalType)
	}
	for _, t := range d.ContentTypes {
		if t == portalType {
			return !d.IsUnwanted(portalType)
		}
	}
	return false
}
