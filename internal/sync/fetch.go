// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/soup"
)

// FetchStep discovers the remote catalog and registers every allowed item
// in the identity map. Its output is the ordered remote-UID queue the
// import step consumes: reverse discovery order, which the remote's
// catalog ordering turns into ancestors-before-descendants.
type FetchStep struct {
	deps Deps
}

// NewFetchStep creates a fetch step for one domain.
func NewFetchStep(deps Deps) *FetchStep {
	return &FetchStep{deps: deps}
}

// Verify checks that the remote is reachable and the credentials are
// valid before any data is touched. It returns a human-readable message
// either way.
func (s *FetchStep) Verify(ctx context.Context) (bool, string) {
	version, err := s.deps.Client.Version(ctx)
	if err != nil {
		return false, fmt.Sprintf("version check failed: %v", err)
	}
	if version == nil || version.Version == "" {
		return false, "remote does not expose a JSON API version endpoint"
	}

	user, err := s.deps.Client.CurrentUser(ctx)
	if err != nil {
		return false, fmt.Sprintf("authentication check failed: %v", err)
	}
	if user == nil || !user.Authenticated {
		return false, "wrong username or password"
	}

	return true, fmt.Sprintf("remote API %s, authenticated as %s", version.Version, user.Username)
}

// Run sweeps the remote catalog. It returns the ordered remote-UID queue
// for the import step. The identity map is checkpointed once at the end
// so an interrupted fetch leaves a consistent partial map.
func (s *FetchStep) Run(ctx context.Context) ([]string, error) {
	domain := s.deps.Domain.Name
	log := logging.With().Str("domain", domain).Str("step", "fetch").Logger()

	if err := s.snapshotRemoteConfig(ctx); err != nil {
		log.Warn().Err(err).Msg("Snapshotting remote configuration failed")
	}

	probe := catalogQuery(s.deps.Domain)
	probe.Set("limit", "1")
	page, err := s.deps.Client.GetJSON(ctx, "search", probe)
	if err != nil {
		return nil, err
	}
	if page == nil || page.Count == 0 {
		return nil, fmt.Errorf("size probe for %s returned no usable count", domain)
	}

	window := s.deps.Sync.FetchPageSize
	overlap := s.deps.Sync.FetchOverlap
	pages := pageCount(page.Count, window, overlap)
	log.Info().Int("count", page.Count).Int("pages", pages).Msg("Fetch sweep started")

	started := time.Now().UTC()
	var discovered []string
	for p := 0; p < pages; p++ {
		q := catalogQuery(s.deps.Domain)
		q.Set("limit", strconv.Itoa(window))
		q.Set("b_start", strconv.Itoa(pageStart(p, window, overlap)))

		items, err := s.deps.Client.GetItemsWithRetry(ctx, "search", q)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			log.Error().Int("page", p).Msg("Could not fetch catalog page")
			continue
		}

		for i := range items {
			item := &items[i]
			if !isItemAllowed(s.deps.Domain, s.deps.Repo, item) {
				continue
			}
			if s.registerItem(item) {
				discovered = append(discovered, item.UID)
			}
			if err := s.ensureAncestors(ctx, item); err != nil {
				log.Error().Err(err).Str("path", item.Path).Msg("Ancestor resolution failed")
			}
		}
		log.Info().Int("page", p+1).Int("pages", pages).Msg("Catalog page fetched")
	}

	if err := s.deps.Soup.Checkpoint(); err != nil {
		return nil, fmt.Errorf("checkpoint fetch results: %w", err)
	}
	if err := s.deps.State.SetWatermark(domain, started); err != nil {
		return nil, fmt.Errorf("save watermark: %w", err)
	}

	// Reverse discovery order: the last discovered UID is handled first.
	queue := make([]string, 0, len(discovered))
	for i := len(discovered) - 1; i >= 0; i-- {
		queue = append(queue, discovered[i])
	}
	log.Info().Int("queued", len(queue)).Msg("Fetch sweep finished")
	return queue, nil
}

// registerItem inserts one catalog item into the identity map. Duplicate
// keys are expected on window overlap and are skipped, not fatal. It
// reports whether the item should enter the work queue.
func (s *FetchStep) registerItem(item *models.Item) bool {
	_, err := s.deps.Soup.Insert(recordFromItem(item))
	if errors.Is(err, soup.ErrRecordExists) {
		return true
	}
	if err != nil {
		logging.Error().Err(err).Str("domain", s.deps.Domain.Name).
			Str("uid", item.UID).Msg("Identity map insert failed")
		return false
	}
	metrics.FetchItemsRegistered.WithLabelValues(s.deps.Domain.Name).Inc()
	return true
}

// ensureAncestors walks up an item's parent chain and registers every
// ancestor the catalog sweep did not cover, so that at the end of fetch
// every identity map row except the root has its parent present too.
func (s *FetchStep) ensureAncestors(ctx context.Context, item *models.Item) error {
	parentPath := item.ParentPath
	if parentPath == "" || pathmap.IsRoot(parentPath) {
		return nil
	}
	if _, err := s.deps.Soup.FindUnique(soup.ByRemotePath, parentPath); err == nil {
		return nil
	} else if !errors.Is(err, soup.ErrNotFound) {
		return err
	}

	endpoint := item.ParentURL
	if endpoint == "" {
		endpoint = pathmap.ID(parentPath)
	}
	parent, err := s.deps.Client.GetFirstItem(ctx, endpoint, url.Values{})
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("parent %s not found on remote", parentPath)
	}

	if _, err := s.deps.Soup.Insert(recordFromItem(parent)); err != nil && !errors.Is(err, soup.ErrRecordExists) {
		return err
	}
	metrics.FetchAncestorsResolved.WithLabelValues(s.deps.Domain.Name).Inc()
	logging.Debug().Str("domain", s.deps.Domain.Name).Str("path", parentPath).
		Msg("Missing ancestor registered")

	return s.ensureAncestors(ctx, parent)
}

// snapshotRemoteConfig stores the remote's registry and settings records
// so the import step can apply them without another round trip.
func (s *FetchStep) snapshotRemoteConfig(ctx context.Context) error {
	domain := s.deps.Domain.Name

	if s.deps.Domain.ImportRegistry {
		item, err := s.deps.Client.GetFirstItem(ctx, "registry", url.Values{})
		if err != nil {
			return err
		}
		if item != nil {
			for key, raw := range item.Fields {
				if err := s.deps.State.SetRegistrySnapshot(domain, key, raw); err != nil {
					return err
				}
			}
		}
	}

	if s.deps.Domain.ImportSettings {
		item, err := s.deps.Client.GetFirstItem(ctx, "settings", url.Values{})
		if err != nil {
			return err
		}
		if item != nil {
			for key, raw := range item.Fields {
				if err := s.deps.State.SetSettingsSnapshot(domain, key, raw); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
