// Arbormap - Cross-Domain Content Repository Synchronization
// Copyright 2026 Arbormap Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arbormap/arbormap

package soup

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arbormap/arbormap/internal/metrics"
)

// ErrRecordExists is returned by Insert when any key column of the new
// record collides with an existing row of the same domain.
var ErrRecordExists = errors.New("identity map record already exists")

// ErrNotFound is returned by lookups and updates that matched no row.
var ErrNotFound = errors.New("identity map record not found")

// Record is one identity map row.
type Record struct {
	ID         int64
	RemoteUID  string
	RemotePath string
	LocalUID   string
	LocalPath  string
	PortalType string
	Updated    bool
}

// Field names valid for FindUnique lookups.
type Field string

const (
	ByRemoteUID  Field = "remote_uid"
	ByRemotePath Field = "remote_path"
	ByLocalUID   Field = "local_uid"
	ByLocalPath  Field = "local_path"
)

// Update describes a partial change to a record. Nil fields are left
// untouched.
type Update struct {
	RemotePath *string
	LocalUID   *string
	LocalPath  *string
	PortalType *string
	Updated    *bool
}

// String returns a pointer for use in Update literals.
func String(s string) *string { return &s }

// Bool returns a pointer for use in Update literals.
func Bool(b bool) *bool { return &b }

// Handler is the identity map scoped to one sync domain. All operations
// run inside the store's held transaction.
type Handler struct {
	store  *Store
	domain string
}

// Domain returns the domain this handler serves.
func (h *Handler) Domain() string {
	return h.domain
}

// Insert adds a new record. Any non-empty key column colliding with an
// existing row of the domain makes the insert fail with ErrRecordExists.
// Returns the surrogate id on success.
func (h *Handler) Insert(rec Record) (int64, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.SoupQueryDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	}()

	tx, err := h.store.heldTx()
	if err != nil {
		return 0, err
	}

	exists, err := h.keyCollision(tx, rec)
	if err != nil {
		return 0, err
	}
	if exists {
		metrics.SoupDuplicates.WithLabelValues(h.domain).Inc()
		return 0, ErrRecordExists
	}

	var id int64
	err = tx.QueryRow(
		`INSERT INTO soup_records (domain, remote_uid, remote_path, local_uid, local_path, portal_type, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		h.domain, rec.RemoteUID, rec.RemotePath, rec.LocalUID, rec.LocalPath, rec.PortalType, rec.Updated,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert identity map record: %w", err)
	}

	metrics.SoupInserts.WithLabelValues(h.domain).Inc()
	return id, nil
}

// keyCollision checks all non-empty key columns of rec against the
// domain's existing rows. Callers must hold store.mu.
func (h *Handler) keyCollision(tx *sql.Tx, rec Record) (bool, error) {
	conds := make([]string, 0, 4)
	args := []interface{}{h.domain}

	for _, kv := range []struct {
		col string
		val string
	}{
		{"remote_uid", rec.RemoteUID},
		{"remote_path", rec.RemotePath},
		{"local_uid", rec.LocalUID},
		{"local_path", rec.LocalPath},
	} {
		if kv.val == "" {
			continue
		}
		conds = append(conds, kv.col+" = ?")
		args = append(args, kv.val)
	}
	if len(conds) == 0 {
		return false, fmt.Errorf("identity map record has no key columns")
	}

	query := "SELECT count(*) FROM soup_records WHERE domain = ? AND (" + strings.Join(conds, " OR ") + ")"
	var count int64
	if err := tx.QueryRow(query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check identity map keys: %w", err)
	}
	return count > 0, nil
}

// FindUnique looks a record up by one of its key columns.
// Returns ErrNotFound when no row matches.
func (h *Handler) FindUnique(field Field, value string) (*Record, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.SoupQueryDuration.WithLabelValues("find").Observe(time.Since(start).Seconds())
	}()

	switch field {
	case ByRemoteUID, ByRemotePath, ByLocalUID, ByLocalPath:
	default:
		return nil, fmt.Errorf("invalid identity map lookup field %q", field)
	}

	tx, err := h.store.heldTx()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		`SELECT id, remote_uid, remote_path, local_uid, local_path, portal_type, updated
		 FROM soup_records WHERE domain = ? AND %s = ?`, field)
	return h.scanRecord(tx.QueryRow(query, h.domain, value))
}

// RecordByID fetches a record by surrogate id.
func (h *Handler) RecordByID(id int64) (*Record, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	tx, err := h.store.heldTx()
	if err != nil {
		return nil, err
	}

	return h.scanRecord(tx.QueryRow(
		`SELECT id, remote_uid, remote_path, local_uid, local_path, portal_type, updated
		 FROM soup_records WHERE domain = ? AND id = ?`, h.domain, id))
}

func (h *Handler) scanRecord(row *sql.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(&rec.ID, &rec.RemoteUID, &rec.RemotePath, &rec.LocalUID, &rec.LocalPath, &rec.PortalType, &rec.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity map record: %w", err)
	}
	return rec, nil
}

// GetLocalUID returns the local UID mapped to a remote UID.
// Returns ErrNotFound when the remote UID is unknown, and an empty
// string without error when the row exists but has not been
// materialized locally yet.
func (h *Handler) GetLocalUID(remoteUID string) (string, error) {
	rec, err := h.FindUnique(ByRemoteUID, remoteUID)
	if err != nil {
		return "", err
	}
	return rec.LocalUID, nil
}

// UpdateByRemoteUID applies a partial update to the row keyed by remote
// UID. Returns ErrNotFound when no row matches.
func (h *Handler) UpdateByRemoteUID(remoteUID string, u Update) error {
	return h.update("remote_uid", remoteUID, u)
}

// UpdateByRemotePath applies a partial update to the row keyed by remote
// path. Returns ErrNotFound when no row matches.
func (h *Handler) UpdateByRemotePath(remotePath string, u Update) error {
	return h.update("remote_path", remotePath, u)
}

func (h *Handler) update(keyCol, keyVal string, u Update) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.SoupQueryDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
	}()

	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 7)
	if u.RemotePath != nil {
		sets = append(sets, "remote_path = ?")
		args = append(args, *u.RemotePath)
	}
	if u.LocalUID != nil {
		sets = append(sets, "local_uid = ?")
		args = append(args, *u.LocalUID)
	}
	if u.LocalPath != nil {
		sets = append(sets, "local_path = ?")
		args = append(args, *u.LocalPath)
	}
	if u.PortalType != nil {
		sets = append(sets, "portal_type = ?")
		args = append(args, *u.PortalType)
	}
	if u.Updated != nil {
		sets = append(sets, "updated = ?")
		args = append(args, *u.Updated)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, h.domain, keyVal)

	tx, err := h.store.heldTx()
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE soup_records SET %s WHERE domain = ? AND %s = ?", strings.Join(sets, ", "), keyCol)
	res, err := tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update identity map record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUpdated flags the row keyed by remote UID as handled in this run.
func (h *Handler) MarkUpdated(remoteUID string) error {
	return h.UpdateByRemoteUID(remoteUID, Update{Updated: Bool(true)})
}

// ResetUpdatedFlags clears the per-run updated flag on all of the
// domain's rows.
func (h *Handler) ResetUpdatedFlags() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	tx, err := h.store.heldTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE soup_records SET updated = FALSE WHERE domain = ?`, h.domain); err != nil {
		return fmt.Errorf("failed to reset updated flags: %w", err)
	}
	return nil
}

// Count returns the number of rows the domain holds.
func (h *Handler) Count() (int64, error) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	tx, err := h.store.heldTx()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := tx.QueryRow(`SELECT count(*) FROM soup_records WHERE domain = ?`, h.domain).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count identity map records: %w", err)
	}
	return count, nil
}

// Clear drops all of the domain's rows.
func (h *Handler) Clear() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	tx, err := h.store.heldTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM soup_records WHERE domain = ?`, h.domain); err != nil {
		return fmt.Errorf("failed to clear identity map records: %w", err)
	}
	return nil
}

// Checkpoint commits the held transaction, making everything written so
// far durable. The next operation begins a fresh transaction.
func (h *Handler) Checkpoint() error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	if err := h.store.checkpoint(); err != nil {
		return err
	}
	metrics.SoupCheckpoints.WithLabelValues(h.domain).Inc()
	return nil
}
