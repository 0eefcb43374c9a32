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

const mirrorColumns = `id, organization_id, external_id, entity_type, payload, version,
	last_synced_at, source_fingerprint, created_at, updated_at`

func scanMirror(s rowScanner) (*models.MirrorRecord, error) {
	var m models.MirrorRecord
	err := s.Scan(&m.ID, &m.OrganizationID, &m.ExternalID, &m.EntityType, &m.Payload, &m.Version,
		&m.LastSyncedAt, &m.SourceFingerprint, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMirror returns the mirror record for (organization, external id).
func (r *Repository) GetMirror(ctx context.Context, organizationID, externalID string) (*models.MirrorRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+mirrorColumns+` FROM mirror_records
		WHERE organization_id = ? AND external_id = ?`)
	if err != nil {
		return nil, dbError("prepare get mirror", err)
	}
	m, err := scanMirror(stmt.QueryRowContext(ctx, organizationID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "mirror record %s/%s not found", organizationID, externalID)
	}
	return m, dbError("get mirror", err)
}

// GetMirrorByID returns a mirror record by its primary key.
func (r *Repository) GetMirrorByID(ctx context.Context, id models.UUID) (*models.MirrorRecord, error) {
	m, err := scanMirror(r.db.QueryRowContext(ctx, r.q(`SELECT `+mirrorColumns+` FROM mirror_records WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "mirror record %s not found", id)
	}
	return m, dbError("get mirror by id", err)
}

// ListMirrors returns the mirror records of one pairing, ordered by external id.
func (r *Repository) ListMirrors(ctx context.Context, organizationID, entityType string, limit, offset int) ([]*models.MirrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+mirrorColumns+` FROM mirror_records
		WHERE organization_id = ? AND entity_type = ?
		ORDER BY external_id LIMIT ? OFFSET ?`), organizationID, entityType, limit, offset)
	if err != nil {
		return nil, dbError("list mirrors", err)
	}
	defer rows.Close()

	var out []*models.MirrorRecord
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, dbError("scan mirror", err)
		}
		out = append(out, m)
	}
	return out, dbError("list mirrors", rows.Err())
}

// MirrorVersions returns the current version of every mirror record of an
// organization, keyed by external id.
func (r *Repository) MirrorVersions(ctx context.Context, organizationID string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT external_id, version FROM mirror_records
		WHERE organization_id = ?`), organizationID)
	if err != nil {
		return nil, dbError("list mirror versions", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			id      string
			version int64
		)
		if err := rows.Scan(&id, &version); err != nil {
			return nil, dbError("scan mirror version", err)
		}
		out[id] = version
	}
	return out, dbError("list mirror versions", rows.Err())
}

// UpsertMirror writes one pulled record. A new record starts at version 1.
// An existing record is bumped by one version only when its payload
// actually changed, and the changed field names are recorded so pushes can
// detect conflicts against them.
func (r *Repository) UpsertMirror(ctx context.Context, up models.MirrorUpsert) (*models.MirrorRecord, models.UpsertOutcome, error) {
	var (
		result  *models.MirrorRecord
		outcome models.UpsertOutcome
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		existing, err := scanMirror(tx.QueryRowContext(ctx, r.q(`SELECT `+mirrorColumns+` FROM mirror_records
			WHERE organization_id = ? AND external_id = ?`), up.OrganizationID, up.ExternalID))

		switch {
		case errors.Is(err, sql.ErrNoRows) && up.Fenced && up.FetchVersion != 0:
			result, outcome = nil, models.UpsertStale
			return nil
		case errors.Is(err, sql.ErrNoRows):
			m := &models.MirrorRecord{
				ID:                models.UUID(uuid.New()),
				OrganizationID:    up.OrganizationID,
				ExternalID:        up.ExternalID,
				EntityType:        up.EntityType,
				Payload:           up.Payload,
				Version:           1,
				LastSyncedAt:      now,
				SourceFingerprint: up.SourceFingerprint,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if _, err := tx.ExecContext(ctx, r.q(`INSERT INTO mirror_records (`+mirrorColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				m.ID, m.OrganizationID, m.ExternalID, m.EntityType, m.Payload, m.Version,
				m.LastSyncedAt, m.SourceFingerprint, m.CreatedAt, m.UpdatedAt); err != nil {
				return dbError("insert mirror", err)
			}
			if err := r.insertChange(ctx, tx, m.ID, 1, up.Payload.Keys(), models.OriginPull, now); err != nil {
				return err
			}
			result, outcome = m, models.UpsertCreated
			return nil
		case err != nil:
			return dbError("load mirror", err)
		case up.Fenced && existing.Version != up.FetchVersion:
			result, outcome = existing, models.UpsertStale
			return nil
		}

		changed := existing.Payload.ChangedFields(up.Payload)
		if len(changed) == 0 {
			if _, err := tx.ExecContext(ctx, r.q(`UPDATE mirror_records
				SET last_synced_at = ?, source_fingerprint = ? WHERE id = ?`),
				now, up.SourceFingerprint, existing.ID); err != nil {
				return dbError("touch mirror", err)
			}
			existing.LastSyncedAt = now
			existing.SourceFingerprint = up.SourceFingerprint
			result, outcome = existing, models.UpsertUnchanged
			return nil
		}

		res, err := tx.ExecContext(ctx, r.q(`UPDATE mirror_records
			SET payload = ?, entity_type = ?, version = version + 1, last_synced_at = ?,
				source_fingerprint = ?, updated_at = ?
			WHERE id = ? AND version = ?`),
			up.Payload, up.EntityType, now, up.SourceFingerprint, now, existing.ID, existing.Version)
		if err != nil {
			return dbError("update mirror", err)
		}
		if err := affected(res, apperrors.ErrVersionMoved, "mirror version moved during pull"); err != nil {
			return err
		}
		next := existing.Version + 1
		if err := r.insertChange(ctx, tx, existing.ID, next, changed, models.OriginPull, now); err != nil {
			return err
		}

		existing.Payload = up.Payload
		existing.EntityType = up.EntityType
		existing.Version = next
		existing.LastSyncedAt = now
		existing.SourceFingerprint = up.SourceFingerprint
		existing.UpdatedAt = now
		result, outcome = existing, models.UpsertUpdated
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return result, outcome, nil
}

func (r *Repository) insertChange(ctx context.Context, tx *sql.Tx, mirrorID models.UUID, version int64, fields []string, origin models.ChangeOrigin, at int64) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO mirror_changes (mirror_id, version, changed_fields, origin, changed_at)
		VALUES (?, ?, ?, ?, ?)`), mirrorID, version, models.StringList(fields), origin, at)
	return dbError("insert mirror change", err)
}

// FieldsChangedSince returns the union of field names changed by every
// mirror version after sinceVersion.
func (r *Repository) FieldsChangedSince(ctx context.Context, mirrorID models.UUID, sinceVersion int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT changed_fields FROM mirror_changes
		WHERE mirror_id = ? AND version > ? ORDER BY version`), mirrorID, sinceVersion)
	if err != nil {
		return nil, dbError("list mirror changes", err)
	}
	defer rows.Close()

	var union models.StringList
	for rows.Next() {
		var fields models.StringList
		if err := rows.Scan(&fields); err != nil {
			return nil, dbError("scan mirror change", err)
		}
		union = union.Union(fields)
	}
	return union, dbError("list mirror changes", rows.Err())
}

// ListChanges returns the change history of one mirror record.
func (r *Repository) ListChanges(ctx context.Context, mirrorID models.UUID) ([]*models.MirrorChange, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT mirror_id, version, changed_fields, origin, changed_at
		FROM mirror_changes WHERE mirror_id = ? ORDER BY version`), mirrorID)
	if err != nil {
		return nil, dbError("list mirror changes", err)
	}
	defer rows.Close()

	var out []*models.MirrorChange
	for rows.Next() {
		var c models.MirrorChange
		if err := rows.Scan(&c.MirrorID, &c.Version, &c.ChangedFields, &c.Origin, &c.ChangedAt); err != nil {
			return nil, dbError("scan mirror change", err)
		}
		out = append(out, &c)
	}
	return out, dbError("list mirror changes", rows.Err())
}

// ListPairings returns every (organization, entity type) that has mirror
// rows or an organization-specific source mapping.
func (r *Repository) ListPairings(ctx context.Context) ([]models.Pairing, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT organization_id, entity_type FROM mirror_records
		UNION
		SELECT organization_id, entity_type FROM data_source_mappings WHERE organization_id <> ''
		ORDER BY 1, 2`)
	if err != nil {
		return nil, dbError("list pairings", err)
	}
	defer rows.Close()

	var out []models.Pairing
	for rows.Next() {
		var p models.Pairing
		if err := rows.Scan(&p.OrganizationID, &p.EntityType); err != nil {
			return nil, dbError("scan pairing", err)
		}
		out = append(out, p)
	}
	return out, dbError("list pairings", rows.Err())
}
