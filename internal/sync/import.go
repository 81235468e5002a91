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
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/arbormap/arbormap/internal/logging"
	"github.com/arbormap/arbormap/internal/metrics"
	"github.com/arbormap/arbormap/internal/models"
	"github.com/arbormap/arbormap/internal/pathmap"
	"github.com/arbormap/arbormap/internal/repo"
	"github.com/arbormap/arbormap/internal/soup"
)

// ImportStep materializes fetched remote objects locally: creation first,
// then field population with dependency handling, workflow replay and
// periodic identity map checkpoints.
type ImportStep struct {
	deps Deps

	// inflight guards against reference cycles: an object already being
	// handled is never re-entered through its own dependencies.
	inflight map[string]bool
	// unknownPaths records remote paths whose type could not be resolved
	// locally, so descendants are skipped instead of re-failing.
	unknownPaths map[string]bool

	nonCommitted int
	stats        *RunStats
}

// NewImportStep creates an import step for one domain.
func NewImportStep(deps Deps) *ImportStep {
	return &ImportStep{
		deps:         deps,
		inflight:     make(map[string]bool),
		unknownPaths: make(map[string]bool),
	}
}

// Run imports every object in the ordered remote-UID queue produced by
// fetch. A single object's failure never aborts the batch.
func (s *ImportStep) Run(ctx context.Context, queue []string) (*RunStats, error) {
	domain := s.deps.Domain.Name
	log := logging.With().Str("domain", domain).Str("step", "import").Logger()
	s.stats = newRunStats(domain, "import")
	defer s.stats.finish()

	if err := s.importRegistry(); err != nil {
		log.Warn().Err(err).Msg("Registry import failed")
	}
	if err := s.importSettings(); err != nil {
		log.Warn().Err(err).Msg("Settings import failed")
	}
	if err := s.importUsers(ctx); err != nil {
		log.Warn().Err(err).Msg("User import failed")
	}

	log.Info().Int("queued", len(queue)).Msg("Data import started")
	for i, uid := range queue {
		row, err := s.deps.Soup.FindUnique(soup.ByRemoteUID, uid)
		if err != nil {
			s.stats.add(ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err})
			continue
		}
		res := s.handleObject(ctx, row, true)
		s.stats.add(res)
		metrics.RecordImportObject(domain, string(res.Outcome))

		s.flushReindex()
		if err := s.maybeCheckpoint(); err != nil {
			return s.stats, err
		}
		if (i+1)%50 == 0 {
			log.Info().Int("imported", i+1).Int("total", len(queue)).Msg("Import progress")
		}
	}

	s.recoverUnpopulated(ctx)

	if err := s.deps.Soup.ResetUpdatedFlags(); err != nil {
		return s.stats, fmt.Errorf("reset updated flags: %w", err)
	}
	if err := s.deps.Soup.Checkpoint(); err != nil {
		return s.stats, fmt.Errorf("final checkpoint: %w", err)
	}

	log.Info().
		Int("created", s.stats.Count(OutcomeCreated)).
		Int("updated", s.stats.Count(OutcomeUpdated)).
		Int("skipped", s.stats.Count(OutcomeSkipped)).
		Int("failed", s.stats.Count(OutcomeFailed)).
		Msg("Data import finished")
	return s.stats, nil
}

// flushReindex drains the repository's reindex queue and counts the
// drained objects toward the next checkpoint.
func (s *ImportStep) flushReindex() {
	s.nonCommitted += len(s.deps.Repo.FlushReindex())
}

func (s *ImportStep) maybeCheckpoint() error {
	if s.nonCommitted < s.deps.Sync.CommitInterval {
		return nil
	}
	if err := s.deps.Soup.Checkpoint(); err != nil {
		return fmt.Errorf("periodic checkpoint: %w", err)
	}
	logging.Info().Str("domain", s.deps.Domain.Name).
		Int("objects", s.nonCommitted).Msg("Identity map checkpoint")
	s.nonCommitted = 0
	return nil
}

// handleObject creates an object's slug, optionally materializes its
// dependencies, then populates its field data and workflow history.
func (s *ImportStep) handleObject(ctx context.Context, row *soup.Record, handleDeps bool) ObjectResult {
	uid := row.RemoteUID
	if row.Updated {
		return ObjectResult{UID: uid, Outcome: OutcomeSkipped}
	}
	if s.underUnknownPath(row.RemotePath) {
		return ObjectResult{UID: uid, Outcome: OutcomeSkipped,
			Err: fmt.Errorf("ancestor of %s has an unresolvable type", row.RemotePath)}
	}

	s.inflight[uid] = true
	defer delete(s.inflight, uid)

	localUID, created, err := s.ensureObject(row)
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

	if handleDeps {
		s.createDependencies(ctx, detail)
	}

	if err := s.populateObject(ctx, localUID, row.PortalType, detail); err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}
	if err := s.deps.Soup.MarkUpdated(uid); err != nil {
		return ObjectResult{UID: uid, Outcome: OutcomeFailed, Err: err}
	}

	outcome := OutcomeUpdated
	if created {
		outcome = OutcomeCreated
	}
	return ObjectResult{UID: uid, Outcome: outcome}
}

// underUnknownPath reports whether the path or any of its ancestors was
// marked as having an unresolvable type. Failure propagates down the
// tree, not up.
func (s *ImportStep) underUnknownPath(remotePath string) bool {
	for p := remotePath; !pathmap.IsRoot(p); p = pathmap.Parent(p) {
		if s.unknownPaths[p] {
			return true
		}
	}
	return false
}

// ensureObject makes sure the object exists locally as at least an empty
// slug. It reports the local UID and whether a new object was created.
// Every created object's identity is written back to the identity map
// immediately so later items in the same run can resolve it.
func (s *ImportStep) ensureObject(row *soup.Record) (string, bool, error) {
	localPath, err := s.deps.Paths.Translate(row.RemotePath)
	if err != nil {
		return "", false, err
	}

	if existing, ok := s.deps.Repo.ByPath(localPath); ok {
		if row.LocalUID == "" {
			err := s.deps.Soup.UpdateByRemotePath(row.RemotePath, soup.Update{
				LocalUID:  soup.String(existing.UID),
				LocalPath: soup.String(localPath),
			})
			if err != nil {
				return "", false, err
			}
		}
		return existing.UID, false, nil
	}

	if !s.deps.Repo.HasType(row.PortalType) {
		s.unknownPaths[row.RemotePath] = true
		return "", false, fmt.Errorf("no local type %q for %s", row.PortalType, row.RemotePath)
	}

	if err := s.createAncestors(row.RemotePath); err != nil {
		return "", false, err
	}

	obj, err := s.deps.Repo.Create(localPath, row.PortalType)
	if err != nil {
		return "", false, fmt.Errorf("create %s: %w", localPath, err)
	}
	err = s.deps.Soup.UpdateByRemotePath(row.RemotePath, soup.Update{
		LocalUID:  soup.String(obj.UID),
		LocalPath: soup.String(localPath),
	})
	if err != nil {
		return "", false, err
	}
	return obj.UID, true, nil
}

// createAncestors creates every missing ancestor of a remote path
// top-down as placeholder containers, adopting ancestors that already
// exist locally.
func (s *ImportStep) createAncestors(remotePath string) error {
	parentPath := pathmap.Parent(remotePath)
	if pathmap.IsRoot(parentPath) {
		return nil
	}

	localParent, err := s.deps.Paths.Translate(parentPath)
	if err != nil {
		return err
	}
	if existing, ok := s.deps.Repo.ByPath(localParent); ok {
		// Adopt: make sure the identity map knows its local identity.
		prow, err := s.deps.Soup.FindUnique(soup.ByRemotePath, parentPath)
		if errors.Is(err, soup.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if prow.LocalUID == "" {
			return s.deps.Soup.UpdateByRemotePath(parentPath, soup.Update{
				LocalUID:  soup.String(existing.UID),
				LocalPath: soup.String(localParent),
			})
		}
		return nil
	}

	if err := s.createAncestors(parentPath); err != nil {
		return err
	}

	prow, err := s.deps.Soup.FindUnique(soup.ByRemotePath, parentPath)
	if err != nil {
		return fmt.Errorf("ancestor %s missing from identity map: %w", parentPath, err)
	}
	if !s.deps.Repo.HasType(prow.PortalType) {
		s.unknownPaths[parentPath] = true
		return fmt.Errorf("no local type %q for ancestor %s", prow.PortalType, parentPath)
	}

	obj, err := s.deps.Repo.Create(localParent, prow.PortalType)
	if err != nil {
		return fmt.Errorf("create ancestor %s: %w", localParent, err)
	}
	return s.deps.Soup.UpdateByRemotePath(parentPath, soup.Update{
		LocalUID:  soup.String(obj.UID),
		LocalPath: soup.String(localParent),
	})
}

// createDependencies materializes every object the detail's reference
// fields point at, so field population can always resolve local targets.
// Out-of-band dependencies are handled without recursing into their own
// dependencies, which bounds recursion depth.
func (s *ImportStep) createDependencies(ctx context.Context, detail *models.Item) {
	seen := make(map[string]bool)
	var uids []string
	for _, raw := range detail.Fields {
		for _, uid := range models.ReferencedUIDs(raw) {
			if uid != "" && !seen[uid] {
				seen[uid] = true
				uids = append(uids, uid)
			}
		}
	}
	sort.Strings(uids)

	for _, rUID := range uids {
		depRow, err := s.deps.Soup.FindUnique(soup.ByRemoteUID, rUID)
		if errors.Is(err, soup.ErrNotFound) {
			s.handleUnseenDependency(ctx, rUID)
			continue
		}
		if err != nil {
			logging.Error().Err(err).Str("uid", rUID).Msg("Dependency lookup failed")
			continue
		}

		if s.inflight[rUID] {
			continue
		}
		if !depRow.Updated {
			res := s.handleObject(ctx, depRow, true)
			s.stats.add(res)
			metrics.RecordImportObject(s.deps.Domain.Name, string(res.Outcome))
			continue
		}
		// Already updated this run: reindex it in case it carries a
		// back-reference to the current object.
		if depRow.LocalUID != "" {
			s.deps.Repo.Reindex(depRow.LocalUID)
		}
	}
}

// handleUnseenDependency imports a referenced object the fetch sweep
// never discovered, typically because of type filtering.
func (s *ImportStep) handleUnseenDependency(ctx context.Context, rUID string) {
	item, err := s.deps.Client.GetFirstItem(ctx, rUID, url.Values{})
	if err != nil || item == nil {
		logging.Error().Err(err).Str("domain", s.deps.Domain.Name).
			Str("uid", rUID).Msg("Referenced remote UID not found")
		return
	}

	if _, err := s.deps.Soup.Insert(recordFromItem(item)); err != nil && !errors.Is(err, soup.ErrRecordExists) {
		logging.Error().Err(err).Str("uid", rUID).Msg("Dependency insert failed")
		return
	}

	if err := s.fetchMissingAncestors(ctx, item); err != nil {
		logging.Error().Err(err).Str("path", item.Path).Msg("Dependency ancestor fetch failed")
		return
	}

	depRow, err := s.deps.Soup.FindUnique(soup.ByRemoteUID, rUID)
	if err != nil {
		logging.Error().Err(err).Str("uid", rUID).Msg("Dependency row missing after insert")
		return
	}
	res := s.handleObject(ctx, depRow, false)
	s.stats.add(res)
	metrics.RecordImportObject(s.deps.Domain.Name, string(res.Outcome))
}

// fetchMissingAncestors registers the ancestor chain of an out-of-band
// dependency, mirroring the fetch step's completeness guarantee.
func (s *ImportStep) fetchMissingAncestors(ctx context.Context, item *models.Item) error {
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
	return s.fetchMissingAncestors(ctx, parent)
}

// populateObject transfers field data, replays workflow history and
// queues the object for reindexing. Proxy fields are applied after every
// other field of the object; computed fields are never written.
func (s *ImportStep) populateObject(ctx context.Context, localUID, portalType string, detail *models.Item) error {
	spec, ok := s.deps.Repo.Type(portalType)
	if !ok {
		return fmt.Errorf("no local type %q", portalType)
	}

	type deferred struct {
		name  string
		value any
	}
	var proxies []deferred

	for _, field := range spec.Fields {
		raw, present := detail.Fields[field.Name]
		if !present || field.Kind == repo.FieldComputed {
			continue
		}

		value, err := s.fieldValue(ctx, field, raw)
		if err != nil {
			logging.Debug().Err(err).Str("domain", s.deps.Domain.Name).
				Str("field", field.Name).Msg("Could not resolve field value")
			continue
		}

		if field.Kind == repo.FieldProxy {
			proxies = append(proxies, deferred{name: field.Name, value: value})
			metrics.ImportDeferredFields.WithLabelValues(s.deps.Domain.Name, "proxy").Inc()
			continue
		}
		if err := s.deps.Repo.SetField(localUID, field.Name, value); err != nil {
			logging.Debug().Err(err).Str("field", field.Name).Msg("Could not set field")
		}
	}

	for _, p := range proxies {
		if err := s.deps.Repo.SetField(localUID, p.name, p.value); err != nil {
			logging.Debug().Err(err).Str("field", p.name).Msg("Could not set proxy field")
		}
	}

	if detail.Title != "" {
		if err := s.deps.Repo.SetTitle(localUID, detail.Title); err != nil {
			return err
		}
	}

	s.replayWorkflow(localUID, detail.WorkflowInfo)

	if s.deps.Domain.IsReadOnly(portalType) {
		if err := s.deps.Repo.MarkReadOnly(localUID); err != nil {
			return err
		}
	}

	s.deps.Repo.Reindex(localUID)
	return nil
}

// fieldValue converts one raw remote field value into its local form
// according to the field kind.
func (s *ImportStep) fieldValue(ctx context.Context, field repo.FieldSpec, raw json.RawMessage) (any, error) {
	switch field.Kind {
	case repo.FieldReference:
		remoteUID, ok := models.AsReference(raw)
		if !ok {
			return nil, fmt.Errorf("value of %s is not a reference", field.Name)
		}
		localUID, err := s.deps.Soup.GetLocalUID(remoteUID)
		if err != nil || localUID == "" {
			return nil, fmt.Errorf("reference target %s not resolvable locally", remoteUID)
		}
		return localUID, nil

	case repo.FieldMultiReference:
		rewritten, ok := models.RewriteReferenceList(raw, func(remoteUID string) string {
			localUID, err := s.deps.Soup.GetLocalUID(remoteUID)
			if err != nil {
				return ""
			}
			return localUID
		})
		if !ok {
			return nil, fmt.Errorf("value of %s is not a reference list", field.Name)
		}
		metrics.ImportDeferredFields.WithLabelValues(s.deps.Domain.Name, "reference").Inc()
		return rewritten, nil

	case repo.FieldFile:
		ref, ok := models.AsFileRef(raw)
		if !ok {
			return nil, fmt.Errorf("value of %s is not a file reference", field.Name)
		}
		data, err := s.deps.Client.Download(ctx, ref.Download)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("download of %s failed", ref.Download)
		}
		return repo.FileValue{Filename: ref.Filename, ContentType: ref.ContentType, Data: data}, nil

	default:
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// replayWorkflow applies the remote review history in chronological
// order. Replay is idempotent: transitions whose (state, time) pair is
// already recorded locally are skipped.
func (s *ImportStep) replayWorkflow(localUID string, info []models.WorkflowInfo) {
	for _, wf := range info {
		entries := append([]models.ReviewEntry(nil), wf.ReviewHistory...)
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Timestamp().Before(entries[j].Timestamp())
		})
		for _, entry := range entries {
			applied, err := s.deps.Repo.ReplayTransition(localUID, entry.State, entry.Timestamp(), entry.Actor)
			if err != nil {
				logging.Debug().Err(err).Str("state", entry.State).Msg("Workflow replay failed")
				continue
			}
			if applied {
				metrics.ImportWorkflowTransitions.WithLabelValues(s.deps.Domain.Name).Inc()
			}
		}
	}
}

// recoverUnpopulated re-populates objects whose creation succeeded but
// whose field population never completed, using an empty title as the
// cheap marker. Containers are excluded because placeholder containers
// legitimately have no title until their own import.
func (s *ImportStep) recoverUnpopulated(ctx context.Context) {
	orphans := s.deps.Repo.EmptyTitled(s.deps.Repo.ContainerTypes())
	for _, obj := range orphans {
		row, err := s.deps.Soup.FindUnique(soup.ByLocalUID, obj.UID)
		if errors.Is(err, soup.ErrNotFound) {
			continue
		}
		if err != nil {
			logging.Error().Err(err).Str("uid", obj.UID).Msg("Recovery lookup failed")
			continue
		}

		detail, err := s.deps.Client.ItemDetail(ctx, row.RemoteUID)
		if err != nil || detail == nil {
			logging.Error().Err(err).Str("uid", row.RemoteUID).Msg("Recovery detail fetch failed")
			continue
		}
		if err := s.populateObject(ctx, obj.UID, row.PortalType, detail); err != nil {
			logging.Error().Err(err).Str("path", obj.Path).Msg("Recovery population failed")
			continue
		}
		logging.Info().Str("domain", s.deps.Domain.Name).Str("path", obj.Path).
			Msg("Recovered unpopulated object")
	}
	s.flushReindex()
}

// importRegistry applies the registry snapshot taken during fetch.
func (s *ImportStep) importRegistry() error {
	if !s.deps.Domain.ImportRegistry {
		return nil
	}
	records, err := s.deps.State.RegistrySnapshots(s.deps.Domain.Name)
	if err != nil {
		return err
	}
	for key, raw := range records {
		s.deps.Repo.SetRegistryEntry(key, raw)
	}
	logging.Info().Str("domain", s.deps.Domain.Name).Int("records", len(records)).
		Msg("Registry records imported")
	return nil
}

// importSettings applies the settings snapshot taken during fetch.
func (s *ImportStep) importSettings() error {
	if !s.deps.Domain.ImportSettings {
		return nil
	}
	records, err := s.deps.State.SettingsSnapshots(s.deps.Domain.Name)
	if err != nil {
		return err
	}
	for key, raw := range records {
		s.deps.Repo.SetSetting(key, raw)
	}
	logging.Info().Str("domain", s.deps.Domain.Name).Int("records", len(records)).
		Msg("Settings imported")
	return nil
}

// importUsers creates local accounts for every remote user that does not
// exist locally yet.
func (s *ImportStep) importUsers(ctx context.Context) error {
	if !s.deps.Domain.ImportUsers {
		return nil
	}
	count := 0
	err := s.deps.Client.EachItem(ctx, "users", url.Values{}, func(item *models.Item) bool {
		var u models.RemoteUser
		data, merr := json.Marshal(item.Fields)
		if merr == nil {
			_ = json.Unmarshal(data, &u)
		}
		if u.Username == "" {
			u.Username = item.ID()
		}
		if err := s.deps.Repo.EnsureUser(repo.User{
			ID:       u.Username,
			Email:    u.Email,
			Roles:    u.Roles,
			FullName: strings.TrimSpace(u.Username),
		}); err != nil {
			logging.Debug().Err(err).Str("user", u.Username).Msg("User import skipped")
			return true
		}
		count++
		return true
	})
	if err != nil {
		return err
	}
	logging.Info().Str("domain", s.deps.Domain.Name).Int("users", count).Msg("Users imported")
	return nil
}
