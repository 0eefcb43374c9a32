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

const mappingColumns = `id, entity_type, organization_id, api_config_id, priority, is_active,
	success_count, failure_count, avg_latency_ms, last_used_at, last_success_at, last_failure_at,
	created_at, updated_at`

func scanMapping(s rowScanner) (*models.DataSourceMapping, error) {
	var d models.DataSourceMapping
	err := s.Scan(&d.ID, &d.EntityType, &d.OrganizationID, &d.APIConfigID, &d.Priority, &d.IsActive,
		&d.SuccessCount, &d.FailureCount, &d.AvgLatencyMs, &d.LastUsedAt, &d.LastSuccessAt, &d.LastFailureAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateMapping inserts a data source mapping.
func (r *Repository) CreateMapping(ctx context.Context, d *models.DataSourceMapping) error {
	now := time.Now().Unix()
	if d.ID == "" {
		d.ID = models.UUID(uuid.New())
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO data_source_mappings (`+mappingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.EntityType, d.OrganizationID, d.APIConfigID, d.Priority, d.IsActive,
		d.SuccessCount, d.FailureCount, d.AvgLatencyMs, d.LastUsedAt, d.LastSuccessAt, d.LastFailureAt,
		d.CreatedAt, d.UpdatedAt)
	return dbError("insert mapping", err)
}

// GetMapping returns a mapping by id.
func (r *Repository) GetMapping(ctx context.Context, id models.UUID) (*models.DataSourceMapping, error) {
	d, err := scanMapping(r.db.QueryRowContext(ctx, r.q(`SELECT `+mappingColumns+` FROM data_source_mappings WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "data source mapping %s not found", id)
	}
	return d, dbError("get mapping", err)
}

// ListMappings returns the organization-specific and global mappings of an
// entity type, active or not. Rows are ordered by priority; on equal
// priority the organization-specific mapping comes first.
func (r *Repository) ListMappings(ctx context.Context, entityType, organizationID string) ([]*models.DataSourceMapping, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+mappingColumns+` FROM data_source_mappings
		WHERE entity_type = ? AND (organization_id = ? OR organization_id = '')
		ORDER BY priority, CASE WHEN organization_id = '' THEN 1 ELSE 0 END, created_at, id`),
		entityType, organizationID)
	if err != nil {
		return nil, dbError("list mappings", err)
	}
	defer rows.Close()

	var out []*models.DataSourceMapping
	for rows.Next() {
		d, err := scanMapping(rows)
		if err != nil {
			return nil, dbError("scan mapping", err)
		}
		out = append(out, d)
	}
	return out, dbError("list mappings", rows.Err())
}

// SetMappingActive toggles a mapping.
func (r *Repository) SetMappingActive(ctx context.Context, id models.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE data_source_mappings SET is_active = ?, updated_at = ? WHERE id = ?`),
		active, time.Now().Unix(), id)
	if err != nil {
		return dbError("update mapping", err)
	}
	return affected(res, apperrors.ErrNotFound, "data source mapping "+string(id)+" not found")
}

// RecordSourceSuccess folds one successful attempt into a mapping's metrics.
// The running average is computed in SQL from the row's own values, so
// concurrent updates never read a stale average.
func (r *Repository) RecordSourceSuccess(ctx context.Context, id models.UUID, latency time.Duration, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE data_source_mappings
		SET avg_latency_ms = (avg_latency_ms * success_count + ?) / (success_count + 1),
			success_count = success_count + 1,
			last_used_at = ?, last_success_at = ?, updated_at = ?
		WHERE id = ?`),
		float64(latency.Milliseconds()), at.Unix(), at.Unix(), at.Unix(), id)
	if err != nil {
		return dbError("record source success", err)
	}
	return affected(res, apperrors.ErrNotFound, "data source mapping "+string(id)+" not found")
}

// RecordSourceFailure folds one failed attempt into a mapping's metrics.
func (r *Repository) RecordSourceFailure(ctx context.Context, id models.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE data_source_mappings
		SET failure_count = failure_count + 1, last_used_at = ?, last_failure_at = ?, updated_at = ?
		WHERE id = ?`), at.Unix(), at.Unix(), at.Unix(), id)
	if err != nil {
		return dbError("record source failure", err)
	}
	return affected(res, apperrors.ErrNotFound, "data source mapping "+string(id)+" not found")
}

// =====================================================
// Archive metadata
// =====================================================

const archiveColumns = `id, object_key, backend, organization_id, entity_type, record_count,
	compressed_size, uncompressed_size, archived_at`

func scanArchive(s rowScanner) (*models.ArchiveMetadata, error) {
	var a models.ArchiveMetadata
	err := s.Scan(&a.ID, &a.Key, &a.Backend, &a.OrganizationID, &a.EntityType, &a.RecordCount,
		&a.CompressedSize, &a.UncompressedSize, &a.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveArchiveMetadata records an archived batch.
func (r *Repository) SaveArchiveMetadata(ctx context.Context, a *models.ArchiveMetadata) error {
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO archive_metadata (`+archiveColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.Key, a.Backend, a.OrganizationID, a.EntityType, a.RecordCount,
		a.CompressedSize, a.UncompressedSize, a.ArchivedAt)
	return dbError("insert archive metadata", err)
}

// GetArchiveMetadata returns one archive row.
func (r *Repository) GetArchiveMetadata(ctx context.Context, id string) (*models.ArchiveMetadata, error) {
	a, err := scanArchive(r.db.QueryRowContext(ctx, r.q(`SELECT `+archiveColumns+` FROM archive_metadata WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "archive %s not found", id)
	}
	return a, dbError("get archive metadata", err)
}

// ListArchiveMetadata returns archives made in [from, to], oldest first.
// A zero bound is open.
func (r *Repository) ListArchiveMetadata(ctx context.Context, from, to time.Time) ([]*models.ArchiveMetadata, error) {
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+archiveColumns+` FROM archive_metadata
		WHERE archived_at >= ? AND archived_at <= ? ORDER BY archived_at, id`), lo, hi)
	if err != nil {
		return nil, dbError("list archive metadata", err)
	}
	defer rows.Close()

	var out []*models.ArchiveMetadata
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, dbError("scan archive metadata", err)
		}
		out = append(out, a)
	}
	return out, dbError("list archive metadata", rows.Err())
}

// DeleteArchiveMetadata removes an archive row. Operators only.
func (r *Repository) DeleteArchiveMetadata(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM archive_metadata WHERE id = ?`), id)
	if err != nil {
		return dbError("delete archive metadata", err)
	}
	return affected(res, apperrors.ErrNotFound, "archive "+id+" not found")
}
