// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/soup"
)

// UpdateStep is the incremental variant of import: discovery is filtered
// server-side to recently modified items, objects the local side touched
// after the watermark are left alone, and pre-update modification times
// are restored afterwards so the next incremental run does not re-select
// everything this one wrote.
type UpdateStep struct {
	deps Deps
	imp  *ImportStep

	// records holds the identity map row ids selected for this run, in
	// discovery order.
	records []int64
	// waiting parks records whose insert hit a path collision until the
	// colliding row's path has been moved.
	waiting []soup.Record
	// modTimes remembers pre-update modification times per local UID.
	modTimes map[string]time.Time
}

// NewUpdateStep creates an update step for one domain.
func NewUpdateStep(deps Deps) *UpdateStep {
	return &UpdateStep{
		deps:     deps,
		imp:      NewImportStep(deps),
		modTimes: make(map[string]time.Time),
	}
}

// Run performs one incremental pass: windowed discovery of recently
// modified items, a creation pass, an update pass and modification time
// restore. It requires a watermark from a previous fetch.
func (s *UpdateStep) Run(ctx context.Context) (*RunStats, error) {
	domain := s.deps.Domain.Name
	log := logging.With().Str("domain", domain).Str("step", "update").Logger()
	stats := newRunStats(domain, "update")
	defer stats.finish()
	s.imp.stats = stats

	watermark, err := s.deps.State.Watermark(domain)
	if err != nil {
		return stats, fmt.Errorf("no watermark for %s, a full sync is required: %w", domain, err)
	}

	if err := s.fetchRecent(ctx, watermark); err != nil {
		return stats, err
	}
	log.Info().Int("records", len(s.records)).Msg("Incremental fetch finished")

	if err := s.deps.State.SetWatermark(domain, stats.Started); err != nil {
		return stats, fmt.Errorf("save watermark: %w", err)
	}

	// Creation pass before update pass: a new dependency of a modified
	// object must exist before field values referencing it are applied.
	for _, recID := range s.records {
		row, err := s.deps.Soup.RecordByID(recID)
		if err != nil {
			continue
		}
		if _, _, err := s.imp.ensureObject(row); err != nil {
			log.Error().Err(err).Str("path", row.RemotePath).Msg("Object creation failed")
		}
	}

	for _, recID := range s.records {
		row, err := s.deps.Soup.RecordByID(recID)
		if err != nil {
			continue
		}
		res := s.updateObject(ctx, row)
		stats.add(res)
		metrics.RecordImportObject(domain, string(res.Outcome))
	}
	s.imp.flushReindex()

	s.restoreModificationTimes()

	if err := s.deps.Soup.ResetUpdatedFlags(); err != nil {
		return stats, fmt.Errorf("reset updated flags: %w", err)
	}
	if err := s.deps.Soup.Checkpoint(); err != nil {
		return stats, fmt.Errorf("final checkpoint: %w", err)
	}

	log.Info().
		Int("updated", stats.Count(OutcomeUpdated)).
		Int("skipped", stats.Count(OutcomeSkipped)).
		Int("failed", stats.Count(OutcomeFailed)).
		Msg("Incremental update finished")
	return stats, nil
}

// fetchRecent sweeps the catalog filtered to items modified since the
// watermark and reconciles them against the identity map.
func (s *UpdateStep) fetchRecent(ctx context.Context, watermark time.Time) error {
	domain := s.deps.Domain.Name
	literal := recentModifiedLiteral(watermark, time.Now())
	log := logging.With().Str("domain", domain).Str("recent_modified", literal).Logger()

	probe := catalogQuery(s.deps.Domain)
	probe.Set("recent_modified", literal)
	probe.Set("limit", "1")
	page, err := s.deps.Client.GetJSON(ctx, "search", probe)
	if err != nil {
		return err
	}
	if page == nil {
		return fmt.Errorf("incremental size probe for %s failed", domain)
	}
	if page.Count == 0 {
		log.Info().Msg("Nothing modified since watermark")
		return nil
	}

	window := s.deps.Sync.UpdatePageSize
	overlap := s.deps.Sync.UpdateOverlap
	pages := pageCount(page.Count, window, overlap)

	for p := 0; p < pages; p++ {
		q := catalogQuery(s.deps.Domain)
		q.Set("recent_modified", literal)
		q.Set("limit", strconv.Itoa(window))
		q.Set("b_start", strconv.Itoa(pageStart(p, window, overlap)))

		items, err := s.deps.Client.GetItemsWithRetry(ctx, "search", q)
		if err != nil {
			return err
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
			s.reconcileItem(item)
		}
	}

	// Every moved path has been updated in place by now, so parked
	// records can no longer collide.
	for _, rec := range s.waiting {
		recID, err := s.deps.Soup.Insert(rec)
		if err != nil {
			log.Error().Err(err).Str("path", rec.RemotePath).Msg("Waiting record insert failed")
			continue
		}
		s.records = append(s.records, recID)
	}
	metrics.SyncRecordsWaiting.WithLabelValues(domain).Set(0)
	s.waiting = nil
	return nil
}

// reconcileItem merges one recently modified catalog item into the
// identity map: known UIDs get their path refreshed in place, new UIDs
// are inserted, and path collisions are parked for a later retry.
func (s *UpdateStep) reconcileItem(item *models.Item) {
	rec := recordFromItem(item)

	existing, err := s.deps.Soup.FindUnique(soup.ByRemoteUID, rec.RemoteUID)
	if err == nil {
		if existing.RemotePath != rec.RemotePath {
			uerr := s.deps.Soup.UpdateByRemoteUID(rec.RemoteUID, soup.Update{
				RemotePath: soup.String(rec.RemotePath),
				PortalType: soup.String(rec.PortalType),
			})
			if uerr != nil {
				logging.Error().Err(uerr).Str("uid", rec.RemoteUID).Msg("Path refresh failed")
				return
			}
		}
		s.records = append(s.records, existing.ID)
		return
	}
	if !errors.Is(err, soup.ErrNotFound) {
		logging.Error().Err(err).Str("uid", rec.RemoteUID).Msg("Identity map lookup failed")
		return
	}

	recID, err := s.deps.Soup.Insert(rec)
	if errors.Is(err, soup.ErrRecordExists) {
		// Another row still holds this remote path; it will be moved
		// when its own modified entry is reconciled.
		s.waiting = append(s.waiting, rec)
		metrics.SyncRecordsWaiting.WithLabelValues(s.deps.Domain.Name).
			Set(float64(len(s.waiting)))
		return
	}
	if err != nil {
		logging.Error().Err(err).Str("uid", rec.RemoteUID).Msg("Identity map insert failed")
		return
	}
	s.records = append(s.records, recID)
}

func (s *UpdateStep) updateObject(ctx context.Context, row *soup.Record) ObjectResult {
	uid := row.RemoteUID
	if row.Updated {
		return ObjectResult{UID: uid, Outcome: OutcomeSkipped}
	}
	if row.LocalUID == "" {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed,
			Err: fmt.Errorf("object %s was never created locally", row.RemotePath)}
	}

	localModified, err := s.deps.Repo.Modified(row.LocalUID)
	if err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}

	detail, err := s.deps.Client.ItemDetail(ctx, uid)
	if err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}
	if detail == nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed,
			Err: fmt.Errorf("remote detail for %s unavailable", uid)}
	}

	// Local edits after the last fetch win over remote state.
	if !detail.Modified.IsZero() && localModified.After(detail.Modified) {
		logging.Info().Str("domain", s.deps.Domain.Name).Str("path", row.RemotePath).
			Msg("Locally modified, remote update skipped")
		return ObjectResult{UID: uid, Outcome: OutcomeSkipped}
	}

	if err := s.imp.populateObject(ctx, row.LocalUID, row.PortalType, detail); err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}
	if err := s.deps.Soup.MarkUpdated(uid); err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}

	s.modTimes[row.LocalUID] = localModified
	return ObjectResult{UID: uid, Outcome: OutcomeUpdated}
}

// restoreModificationTimes puts back the pre-update modification times.
// Applying field updates touches the timestamp, and without the restore
// the next incremental run would perpetually re-select every object this
// one wrote.
func (s *UpdateStep) restoreModificationTimes() {
	for uid, t := range s.modTimes {
		if err := s.deps.Repo.SetModified(uid, t); err != nil {
			logging.Error().Err(err).Str("uid", uid).Msg("Modification time restore failed")
		}
	}
	logging.Info().Str("domain", s.deps.Domain.Name).Int("objects", len(s.modTimes)).
		Msg("Modification times restored")
	s.modTimes = make(map[string]time.Time)
}
