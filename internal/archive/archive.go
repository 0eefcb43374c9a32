// Package archive stores raw ingested ("bronze") batches in cold storage
// before any transformation. Batches are written as newline-delimited JSON
// compressed with gzip at its best compression level, behind one Backend
// interface with filesystem, S3-compatible and Azure Blob implementations.
package archive

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// Batch is one raw pull result to archive verbatim.
type Batch struct {
	OrganizationID string
	EntityType     string
	Records        []json.RawMessage
}

// DateRange bounds a listing. A zero From or To is open on that side.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Backend is the archival capability. Implementations are chosen by
// configuration in New; callers never branch on the concrete type.
type Backend interface {
	// ArchiveBatch persists the batch and returns its metadata.
	ArchiveBatch(ctx context.Context, batch Batch) (*models.ArchiveMetadata, error)

	// RetrieveArchive returns the records of an archive, in order.
	RetrieveArchive(ctx context.Context, id string) ([]json.RawMessage, error)

	// ListArchives returns archives made within r, oldest first.
	ListArchives(ctx context.Context, r DateRange) ([]*models.ArchiveMetadata, error)

	// DeleteArchive removes an archive. Operator action only.
	DeleteArchive(ctx context.Context, id string) error

	// HealthCheck verifies the storage is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Name identifies the backend in metadata and logs.
	Name() string

	io.Closer
}
