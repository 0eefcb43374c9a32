package db

import (
	"context"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// MirrorStore persists mirror records and their change history.
type MirrorStore interface {
	// GetMirror returns the record for (organization, external id).
	GetMirror(ctx context.Context, organizationID, externalID string) (*models.MirrorRecord, error)

	// GetMirrorByID returns a record by primary key.
	GetMirrorByID(ctx context.Context, id models.UUID) (*models.MirrorRecord, error)

	// MirrorVersions returns external id -> version for one organization.
	MirrorVersions(ctx context.Context, organizationID string) (map[string]int64, error)

	// UpsertMirror writes one pulled record, bumping its version on change.
	UpsertMirror(ctx context.Context, up models.MirrorUpsert) (*models.MirrorRecord, models.UpsertOutcome, error)

	// FieldsChangedSince returns field names changed after sinceVersion.
	FieldsChangedSince(ctx context.Context, mirrorID models.UUID, sinceVersion int64) ([]string, error)
}

// ModificationStore persists user deltas, their states and conflicts.
type ModificationStore interface {
	GetModification(ctx context.Context, id models.UUID) (*models.Modification, error)
	GetOpenModification(ctx context.Context, mirrorID models.UUID, userID string) (*models.Modification, error)
	ListOpenModifications(ctx context.Context, mirrorID models.UUID) ([]*models.Modification, error)
	ListPushable(ctx context.Context, pairing models.Pairing, now time.Time) ([]*models.Modification, error)
	ListByStatus(ctx context.Context, status models.SyncStatus, limit int) ([]*models.Modification, error)

	SaveDraft(ctx context.Context, mirror *models.MirrorRecord, userID string, fields models.Fields, reason string) (*models.Modification, error)
	UpdateModification(ctx context.Context, m *models.Modification, expected models.SyncStatus) error
	TransitionModification(ctx context.Context, id models.UUID, expected models.SyncStatus, next models.SyncState) error
	DeleteDraft(ctx context.Context, id models.UUID) error

	// ApplyPush absorbs a written delta into the mirror and retires it.
	ApplyPush(ctx context.Context, m *models.Modification, payload models.Fields) (int64, error)

	RecordConflicts(ctx context.Context, m *models.Modification, conflicts []*models.Conflict) error
	ListConflicts(ctx context.Context, modificationID models.UUID) ([]*models.Conflict, error)
	GetConflict(ctx context.Context, id models.UUID) (*models.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID models.UUID, fn ResolveFunc) (*models.Modification, *models.Conflict, error)
}

// MappingStore persists data source mappings and their metrics.
type MappingStore interface {
	ListMappings(ctx context.Context, entityType, organizationID string) ([]*models.DataSourceMapping, error)
	GetMapping(ctx context.Context, id models.UUID) (*models.DataSourceMapping, error)
	RecordSourceSuccess(ctx context.Context, id models.UUID, latency time.Duration, at time.Time) error
	RecordSourceFailure(ctx context.Context, id models.UUID, at time.Time) error
}

// ArchiveMetadataStore persists archive metadata rows.
type ArchiveMetadataStore interface {
	SaveArchiveMetadata(ctx context.Context, a *models.ArchiveMetadata) error
	GetArchiveMetadata(ctx context.Context, id string) (*models.ArchiveMetadata, error)
	ListArchiveMetadata(ctx context.Context, from, to time.Time) ([]*models.ArchiveMetadata, error)
	DeleteArchiveMetadata(ctx context.Context, id string) error
}

// SyncStore combines the stores the sync worker needs.
type SyncStore interface {
	MirrorStore
	ModificationStore
	ArchiveMetadataStore
	ListPairings(ctx context.Context) ([]models.Pairing, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ MirrorStore          = (*Repository)(nil)
	_ ModificationStore    = (*Repository)(nil)
	_ MappingStore         = (*Repository)(nil)
	_ ArchiveMetadataStore = (*Repository)(nil)
	_ SyncStore            = (*Repository)(nil)
)
