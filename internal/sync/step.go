// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

// Package sync implements the synchronization engine: the fetch, import,
// update and complement steps, and the orchestrator that sequences them
// per domain.
//
// A run is single-threaded and batch-oriented. Steps share the identity
// map, the path translator and the local repository through a Deps bundle
// built per run, and durability comes from explicit identity map
// checkpoints rather than per-operation transactions.
package sync

import (
	"net/url"
	"strings"
	"time"

	"github.com/arbormap/arbormap/internal/config"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/remote"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
	"github.com/arbormap/arbormap/internal/statestore"
)

// Outcome classifies what happened to one object during a step.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ObjectResult records the outcome for one remote object.
type ObjectResult struct {
	UID     string
	Outcome Outcome
	Err     error
}

// RunStats aggregates the results of one step run.
type RunStats struct {
	Domain   string
	Step     string
	Started  time.Time
	Duration time.Duration
	Results  []ObjectResult

	counts map[Outcome]int
}

func newRunStats(domain, step string) *RunStats {
	return &RunStats{
		Domain:  domain,
		Step:    step,
		Started: time.Now().UTC(),
		counts:  make(map[Outcome]int),
	}
}

func (s *RunStats) add(r ObjectResult) {
	s.Results = append(s.Results, r)
	s.counts[r.Outcome]++
}

func (s *RunStats) finish() {
	s.Duration = time.Since(s.Started)
}

// Count returns how many objects ended with the given outcome.
func (s *RunStats) Count(o Outcome) int {
	return s.counts[o]
}

// Failures returns the results that failed, for the recovery sweep and
// for reporting.
func (s *RunStats) Failures() []ObjectResult {
	var out []ObjectResult
	for _, r := range s.Results {
		if r.Outcome == OutcomeFailed {
			out = append(out, r)
		}
	}
	return out
}

// Deps bundles the collaborators one step run works against.
type Deps struct {
	Domain *config.DomainConfig
	Sync   *config.SyncConfig
	Client *remote.Client
	Soup   *soup.Handler
	Repo   repo.Repository
	State  *statestore.Store
	Paths  *pathmap.Translator
}

// allowedTypes is the union of every portal type the domain is configured
// to receive, used to filter the remote catalog server-side.
func allowedTypes(dc *config.DomainConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{
		dc.ContentTypes, dc.PrefixableTypes, dc.UpdateOnlyTypes, dc.ReadOnlyTypes,
	} {
		for _, t := range group {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// catalogQuery builds the base query against the remote's UID catalog.
func catalogQuery(dc *config.DomainConfig) url.Values {
	q := url.Values{}
	q.Set("catalog", "uid_catalog")
	for _, t := range allowedTypes(dc) {
		q.Add("portal_type", t)
	}
	return q
}

// isItemAllowed is the allow-list filter applied to every discovered
// catalog item: the type must be registered locally, must not be unwanted,
// and update-only types are accepted only for objects this instance
// seeded the far side with (terminal id carries the local prefix).
func isItemAllowed(dc *config.DomainConfig, r repo.Repository, item *models.Item) bool {
	if item == nil || item.PortalType == "" {
		return false
	}
	if !r.HasType(item.PortalType) {
		return false
	}
	if dc.IsUnwanted(item.PortalType) {
		return false
	}
	if dc.IsUpdateOnly(item.PortalType) {
		if dc.LocalPrefix == "" || !strings.HasPrefix(pathmap.ID(item.Path), dc.LocalPrefix) {
			return false
		}
	}
	return true
}

// recordFromItem maps a catalog item onto an identity map record.
func recordFromItem(item *models.Item) soup.Record {
	return soup.Record{
		RemoteUID:  item.UID,
		RemotePath: item.Path,
		PortalType: item.PortalType,
	}
}

// pageCount computes how many windows cover a catalog of the given size.
// Consecutive windows overlap because the remote's result ordering is not
// perfectly stable while the catalog mutates.
func pageCount(total, window, overlap int) int {
	effective := window - overlap
	if effective <= 0 {
		effective = window
	}
	if total <= 0 {
		return 0
	}
	return (total + effective - 1) / effective
}

// pageStart computes the window offset of a page, clamped at zero for the
// first page which has nothing behind it to overlap with.
func pageStart(page, window, overlap int) int {
	start := page*window - overlap
	if start < 0 {
		return 0
	}
	return start
}

// recentModifiedLiteral maps a watermark onto the coarse server-side
// bucket literal understood by the remote catalog, always rounding to the
// wider bucket so no modification since the watermark is missed.
func recentModifiedLiteral(watermark, now time.Time) string {
	w := watermark.UTC()
	n := now.UTC()
	switch {
	case w.Year() == n.Year() && w.YearDay() == n.YearDay():
		return "today"
	case w.Year() == n.AddDate(0, 0, -1).Year() && w.YearDay() == n.AddDate(0, 0, -1).YearDay():
		return "yesterday"
	case n.Sub(w) < 7*24*time.Hour:
		return "this-week"
	case n.Sub(w) < 31*24*time.Hour:
		return "this-month"
	default:
		return "this-year"
	}
}
