package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/uuid"
)

const modificationColumns = `m.id, m.mirror_id, m.organization_id, m.external_id, m.user_id, m.delta,
	m.modified_fields, m.change_reason, m.status, m.state_detail, m.base_version, m.current_version,
	m.created_at, m.updated_at`

func scanModification(s rowScanner) (*models.Modification, error) {
	var (
		m      models.Modification
		status string
		detail string
	)
	err := s.Scan(&m.ID, &m.MirrorID, &m.OrganizationID, &m.ExternalID, &m.UserID, &m.Delta,
		&m.ModifiedFields, &m.ChangeReason, &status, &detail, &m.BaseVersion, &m.CurrentVersion,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state, err := models.DecodeState(models.SyncStatus(status), detail)
	if err != nil {
		return nil, err
	}
	m.State = state
	return &m, nil
}

func (r *Repository) queryModifications(ctx context.Context, q querier, query string, args ...interface{}) ([]*models.Modification, error) {
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, dbError("list modifications", err)
	}
	defer rows.Close()

	var out []*models.Modification
	for rows.Next() {
		m, err := scanModification(rows)
		if err != nil {
			return nil, dbError("scan modification", err)
		}
		out = append(out, m)
	}
	return out, dbError("list modifications", rows.Err())
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (r *Repository) getModification(ctx context.Context, q querier, id models.UUID) (*models.Modification, error) {
	m, err := scanModification(q.QueryRowContext(ctx, r.q(`SELECT `+modificationColumns+`
		FROM modifications m WHERE m.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "modification %s not found", id)
	}
	return m, dbError("get modification", err)
}

// GetModification returns a modification by id.
func (r *Repository) GetModification(ctx context.Context, id models.UUID) (*models.Modification, error) {
	return r.getModification(ctx, r.db, id)
}

func (r *Repository) getOpenModification(ctx context.Context, q querier, mirrorID models.UUID, userID string) (*models.Modification, error) {
	m, err := scanModification(q.QueryRowContext(ctx, r.q(`SELECT `+modificationColumns+`
		FROM modifications m WHERE m.mirror_id = ? AND m.user_id = ? AND m.status <> ?`),
		mirrorID, userID, models.StatusSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "no open modification for user %s", userID)
	}
	return m, dbError("get open modification", err)
}

// GetOpenModification returns the user's open modification of a mirror record.
func (r *Repository) GetOpenModification(ctx context.Context, mirrorID models.UUID, userID string) (*models.Modification, error) {
	return r.getOpenModification(ctx, r.db, mirrorID, userID)
}

// ListOpenModifications returns every non-success modification of a mirror
// record, oldest first.
func (r *Repository) ListOpenModifications(ctx context.Context, mirrorID models.UUID) ([]*models.Modification, error) {
	return r.queryModifications(ctx, r.db, `SELECT `+modificationColumns+` FROM modifications m
		WHERE m.mirror_id = ? AND m.status <> ? ORDER BY m.created_at, m.id`, mirrorID, models.StatusSuccess)
}

// ListPushable returns the modifications of one pairing that a tick should
// push: committed ones, and sync_error ones whose retry is due.
func (r *Repository) ListPushable(ctx context.Context, pairing models.Pairing, now time.Time) ([]*models.Modification, error) {
	mods, err := r.queryModifications(ctx, r.db, `SELECT `+modificationColumns+` FROM modifications m
		JOIN mirror_records r ON r.id = m.mirror_id
		WHERE m.organization_id = ? AND r.entity_type = ? AND m.status IN (?, ?)
		ORDER BY m.updated_at, m.id`,
		pairing.OrganizationID, pairing.EntityType, models.StatusCommitted, models.StatusSyncError)
	if err != nil {
		return nil, err
	}
	out := mods[:0]
	for _, m := range mods {
		if failed, ok := m.State.(models.SyncFailed); ok && !failed.Due(now) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListByStatus returns up to limit modifications in status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.Modification, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryModifications(ctx, r.db, `SELECT `+modificationColumns+` FROM modifications m
		WHERE m.status = ? ORDER BY m.updated_at, m.id LIMIT ?`, status, limit)
}

// SaveDraft records an edit by userID on mirror. The first edit creates a
// draft based on the mirror's current version; later edits merge into the
// user's open draft. A terminal sync_error modification is reopened as a
// draft. Any other open state is busy.
func (r *Repository) SaveDraft(ctx context.Context, mirror *models.MirrorRecord, userID string, fields models.Fields, reason string) (*models.Modification, error) {
	var result *models.Modification
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		existing, err := r.getOpenModification(ctx, tx, mirror.ID, userID)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			m := &models.Modification{
				ID:             models.UUID(uuid.New()),
				MirrorID:       mirror.ID,
				OrganizationID: mirror.OrganizationID,
				ExternalID:     mirror.ExternalID,
				UserID:         userID,
				State:          models.Draft{},
				BaseVersion:    mirror.Version,
				CurrentVersion: mirror.Version,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			m.ApplyEdit(fields, reason)
			if err := r.insertModification(ctx, tx, m); err != nil {
				return err
			}
			result = m
			return nil
		case err != nil:
			return err
		}

		expected := existing.Status()
		switch expected {
		case models.StatusDraft:
		case models.StatusSyncError:
			existing.State = models.Draft{}
		default:
			return apperrors.Newf(apperrors.ErrModificationBusy,
				"modification %s is %s and cannot be edited", existing.ID, expected)
		}
		existing.ApplyEdit(fields, reason)
		existing.UpdatedAt = now
		if err := r.writeModification(ctx, tx, existing, expected); err != nil {
			return err
		}
		result = existing
		return nil
	})
	return result, err
}

func (r *Repository) insertModification(ctx context.Context, tx *sql.Tx, m *models.Modification) error {
	status, detail, err := models.EncodeState(m.State)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode state", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO modifications (id, mirror_id, organization_id, external_id,
		user_id, delta, modified_fields, change_reason, status, state_detail, base_version, current_version,
		created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.MirrorID, m.OrganizationID, m.ExternalID, m.UserID, m.Delta, m.ModifiedFields,
		m.ChangeReason, status, detail, m.BaseVersion, m.CurrentVersion, m.CreatedAt, m.UpdatedAt)
	return dbError("insert modification", err)
}

// writeModification stores every mutable column of m, guarded by the
// status the caller read. Zero rows means someone else moved it first.
func (r *Repository) writeModification(ctx context.Context, q querier, m *models.Modification, expected models.SyncStatus) error {
	next := m.Status()
	if next != expected && !models.CanTransition(expected, next) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "cannot move modification from %s to %s", expected, next)
	}
	status, detail, err := models.EncodeState(m.State)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode state", err)
	}
	res, err := q.ExecContext(ctx, r.q(`UPDATE modifications
		SET delta = ?, modified_fields = ?, change_reason = ?, status = ?, state_detail = ?,
			base_version = ?, current_version = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		m.Delta, m.ModifiedFields, m.ChangeReason, status, detail,
		m.BaseVersion, m.CurrentVersion, m.UpdatedAt, m.ID, expected)
	if err != nil {
		return dbError("update modification", err)
	}
	return affected(res, apperrors.ErrInvalidTransition,
		"modification "+string(m.ID)+" is no longer "+string(expected))
}

// UpdateModification stores m if it is still in status expected.
func (r *Repository) UpdateModification(ctx context.Context, m *models.Modification, expected models.SyncStatus) error {
	m.UpdatedAt = time.Now().Unix()
	return r.writeModification(ctx, r.db, m, expected)
}

// TransitionModification moves a modification from expected to next
// without touching its delta. It is a compare-and-swap on the status.
func (r *Repository) TransitionModification(ctx context.Context, id models.UUID, expected models.SyncStatus, next models.SyncState) error {
	if !models.CanTransition(expected, next.Status()) {
		return apperrors.Newf(apperrors.ErrInvalidTransition, "cannot move modification from %s to %s", expected, next.Status())
	}
	status, detail, err := models.EncodeState(next)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode state", err)
	}
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE modifications SET status = ?, state_detail = ?, updated_at = ?
		WHERE id = ? AND status = ?`), status, detail, time.Now().Unix(), id, expected)
	if err != nil {
		return dbError("transition modification", err)
	}
	if err := affected(res, apperrors.ErrInvalidTransition, "modification "+string(id)+" is no longer "+string(expected)); err != nil {
		if _, getErr := r.GetModification(ctx, id); apperrors.Is(getErr, apperrors.ErrNotFound) {
			return getErr
		}
		return err
	}
	return nil
}

// DeleteDraft removes a modification that is still a draft.
func (r *Repository) DeleteDraft(ctx context.Context, id models.UUID) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM modifications WHERE id = ? AND status = ?`), id, models.StatusDraft)
	if err != nil {
		return dbError("delete draft", err)
	}
	if err := affected(res, apperrors.ErrInvalidTransition, "only drafts can be discarded"); err != nil {
		if _, getErr := r.GetModification(ctx, id); apperrors.Is(getErr, apperrors.ErrNotFound) {
			return getErr
		}
		return err
	}
	return nil
}

// ApplyPush absorbs a successfully written delta: the mirror payload is
// replaced by payload and its version advanced by exactly one, the change
// is recorded, and the modification is retired as success. The mirror
// update is guarded by the modification's base version.
func (r *Repository) ApplyPush(ctx context.Context, m *models.Modification, payload models.Fields) (int64, error) {
	next := m.BaseVersion + 1
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, r.q(`UPDATE mirror_records
			SET payload = ?, version = version + 1, last_synced_at = ?, updated_at = ?
			WHERE id = ? AND version = ?`), payload, now, now, m.MirrorID, m.BaseVersion)
		if err != nil {
			return dbError("absorb push", err)
		}
		if err := affected(res, apperrors.ErrVersionMoved, "mirror advanced while the push was in flight"); err != nil {
			return err
		}
		if err := r.insertChange(ctx, tx, m.MirrorID, next, m.Delta.Keys(), models.OriginPush, now); err != nil {
			return err
		}

		retired := *m
		retired.State = models.Succeeded{Version: next}
		retired.CurrentVersion = next
		retired.UpdatedAt = now
		if err := r.writeModification(ctx, tx, &retired, models.StatusSyncing); err != nil {
			return err
		}
		*m = retired
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// =====================================================
// Conflicts
// =====================================================

const conflictColumns = `id, modification_id, field_name, local_value, remote_value, remote_version,
	resolution, merged_value, resolved, created_at, resolved_at`

func scanConflict(s rowScanner) (*models.Conflict, error) {
	var (
		c             models.Conflict
		local, remote string
		merged        sql.NullString
		resolution    string
	)
	err := s.Scan(&c.ID, &c.ModificationID, &c.FieldName, &local, &remote, &c.RemoteVersion,
		&resolution, &merged, &c.Resolved, &c.CreatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.LocalValue = []byte(local)
	c.RemoteValue = []byte(remote)
	c.Resolution = models.Resolution(resolution)
	if merged.Valid {
		c.MergedValue = []byte(merged.String)
	}
	return &c, nil
}

func nullableJSON(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// RecordConflicts stores the conflicts of one push attempt and moves the
// modification from syncing to conflict in the same transaction.
func (r *Repository) RecordConflicts(ctx context.Context, m *models.Modification, conflicts []*models.Conflict) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		fields := make([]string, 0, len(conflicts))
		for _, c := range conflicts {
			if c.ID == "" {
				c.ID = models.UUID(uuid.New())
			}
			c.ModificationID = m.ID
			c.CreatedAt = now
			if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO sync_conflicts (`+conflictColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				c.ID, c.ModificationID, c.FieldName, string(c.LocalValue), string(c.RemoteValue), c.RemoteVersion,
				string(c.Resolution), nullableJSON(c.MergedValue), c.Resolved, c.CreatedAt, c.ResolvedAt); err != nil {
				return dbError("insert conflict", err)
			}
			fields = append(fields, c.FieldName)
		}

		conflicted := *m
		conflicted.State = models.Conflicted{Fields: fields}
		conflicted.UpdatedAt = now
		if err := r.writeModification(ctx, tx, &conflicted, models.StatusSyncing); err != nil {
			return err
		}
		*m = conflicted
		return nil
	})
}

func (r *Repository) listConflicts(ctx context.Context, q querier, modificationID models.UUID) ([]*models.Conflict, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE modification_id = ? ORDER BY created_at, field_name`), modificationID)
	if err != nil {
		return nil, dbError("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, dbError("scan conflict", err)
		}
		out = append(out, c)
	}
	return out, dbError("list conflicts", rows.Err())
}

// ListConflicts returns every conflict raised for a modification.
func (r *Repository) ListConflicts(ctx context.Context, modificationID models.UUID) ([]*models.Conflict, error) {
	return r.listConflicts(ctx, r.db, modificationID)
}

// GetConflict returns one conflict by id.
func (r *Repository) GetConflict(ctx context.Context, id models.UUID) (*models.Conflict, error) {
	c, err := scanConflict(r.db.QueryRowContext(ctx, r.q(`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	}
	return c, dbError("get conflict", err)
}

// ResolveFunc mutates the conflict being resolved and its modification.
// It sees every conflict of the modification, the target included.
type ResolveFunc func(m *models.Modification, target *models.Conflict, all []*models.Conflict) error

// ResolveConflict loads a conflict with its modification, lets fn apply the
// resolution, and stores both atomically. The modification must still be in
// conflict.
func (r *Repository) ResolveConflict(ctx context.Context, conflictID models.UUID, fn ResolveFunc) (*models.Modification, *models.Conflict, error) {
	var (
		mod    *models.Modification
		target *models.Conflict
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanConflict(tx.QueryRowContext(ctx, r.q(`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`), conflictID))
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
		}
		if err != nil {
			return dbError("load conflict", err)
		}
		m, err := r.getModification(ctx, tx, c.ModificationID)
		if err != nil {
			return err
		}
		if m.Status() != models.StatusConflict {
			return apperrors.Newf(apperrors.ErrInvalidTransition, "modification %s is %s, not conflict", m.ID, m.Status())
		}
		all, err := r.listConflicts(ctx, tx, m.ID)
		if err != nil {
			return err
		}
		for i, other := range all {
			if other.ID == c.ID {
				all[i] = c
			}
		}

		if err := fn(m, c, all); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, r.q(`UPDATE sync_conflicts
			SET resolution = ?, merged_value = ?, resolved = ?, resolved_at = ? WHERE id = ?`),
			string(c.Resolution), nullableJSON(c.MergedValue), c.Resolved, c.ResolvedAt, c.ID); err != nil {
			return dbError("update conflict", err)
		}
		m.UpdatedAt = time.Now().Unix()
		if err := r.writeModification(ctx, tx, m, models.StatusConflict); err != nil {
			return err
		}
		mod, target = m, c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return mod, target, nil
}
