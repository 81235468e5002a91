// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/soup"
)

// ComplementStep picks up objects a long-running import may have missed:
// it walks the catalog page by page, registers items modified at or
// before the fetch watermark, and stops paging once newer items appear.
// Anything newer belongs to the next incremental update. Dependency
// handling is disabled; a prior full import is assumed.
type ComplementStep struct {
	deps Deps
	imp  *ImportStep
}

// NewComplementStep creates a complement step for one domain.
func NewComplementStep(deps Deps) *ComplementStep {
	return &ComplementStep{deps: deps, imp: NewImportStep(deps)}
}

// Run complements the last full import using the domain's watermark.
func (s *ComplementStep) Run(ctx context.Context) (*RunStats, error) {
	domain := s.deps.Domain.Name
	log := logging.With().Str("domain", domain).Str("step", "complement").Logger()
	stats := newRunStats(domain, "complement")
	defer stats.finish()
	s.imp.stats = stats

	watermark, err := s.deps.State.Watermark(domain)
	if err != nil {
		return stats, fmt.Errorf("no watermark for %s, a full sync is required: %w", domain, err)
	}

	query := catalogQuery(s.deps.Domain)
	query.Set("complete", "yes")
	query.Set("limit", "10")
	query.Set("b_start", "0")

	var queue []string
	endpoint := "search"
	for endpoint != "" {
		page, err := s.deps.Client.GetJSON(ctx, endpoint, query)
		if err != nil {
			return stats, err
		}
		if page == nil || len(page.Items) == 0 {
			break
		}
		// Only the first request carries the query; continuation URLs
		// embed theirs.
		query = nil

		enough := false
		for i := range page.Items {
			item := &page.Items[i]
			if !isItemAllowed(s.deps.Domain, s.deps.Repo, item) {
				continue
			}
			if item.Modified.After(watermark) {
				enough = true
				continue
			}
			if _, err := s.deps.Soup.Insert(recordFromItem(item)); err != nil && !errors.Is(err, soup.ErrRecordExists) {
				log.Error().Err(err).Str("uid", item.UID).Msg("Identity map insert failed")
				continue
			}
			// Reverse discovery order, same as fetch.
			queue = append([]string{item.UID}, queue...)
		}

		if enough {
			break
		}
		endpoint = page.Next
	}

	log.Info().Int("queued", len(queue)).Msg("Complement sweep finished")

	for _, uid := range queue {
		row, err := s.deps.Soup.FindUnique(soup.ByRemoteUID, uid)
		if err != nil {
			stats.add(ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err})
			continue
		}
		res := s.imp.handleObject(ctx, row, false)
		stats.add(res)
		metrics.RecordImportObject(domain, string(res.Outcome))
		s.imp.flushReindex()
	}

	if err := s.deps.Soup.ResetUpdatedFlags(); err != nil {
		return stats, fmt.Errorf("reset updated flags: %w", err)
	}
	if err := s.deps.Soup.Checkpoint(); err != nil {
		return stats, fmt.Errorf("final checkpoint: %w", err)
	}

	log.Info().
		Int("created", stats.Count(OutcomeCreated)).
		Int("updated", stats.Count(OutcomeUpdated)).
		Int("failed", stats.Count(OutcomeFailed)).
		Msg("Complement finished")
	return stats, nil
}
