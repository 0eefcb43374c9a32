// Package sync reconciles mirror records with external systems of record:
// pulls refresh the mirror, pushes write committed deltas back.
package sync

import (
	"context"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// Engine defines the sync operations the scheduler drives. It allows
// for mocking in tests.
type Engine interface {
	// Pull refreshes the mirror of one pairing from its active source.
	Pull(ctx context.Context, organizationID, entityType string) (*PullResult, error)

	// Push writes one committed modification to its source.
	Push(ctx context.Context, modificationID models.UUID) (*PushResult, error)

	// Tick runs one pull and then every pending push of a pairing.
	Tick(ctx context.Context, pairing models.Pairing) (*TickResult, error)

	// RecoverStale returns modifications stuck in syncing for longer than
	// olderThan to committed.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// PullResult summarizes one pull.
type PullResult struct {
	Pairing   models.Pairing
	SourceID  string
	StartTime time.Time
	Duration  time.Duration
	Fetched   int
	Created   int
	Updated   int
	Unchanged int
	Stale     int
	Skipped   int
	Archive   *models.ArchiveMetadata
}

// PushOutcome says how a push attempt ended.
type PushOutcome string

const (
	PushSucceeded  PushOutcome = "success"
	PushConflicted PushOutcome = "conflict"
	PushFailed     PushOutcome = "sync_error"
	// PushDeferred means the push never reached a source, e.g. no source is
	// configured, and the modification went back to committed.
	PushDeferred PushOutcome = "deferred"
)

// PushResult summarizes one push attempt.
type PushResult struct {
	ModificationID models.UUID
	OrganizationID string
	Outcome        PushOutcome
	SourceID       string
	Rebased        bool
	Version        int64
	Conflicts      []*models.Conflict
	State          models.SyncState
	Err            error
}

// TickResult summarizes one tick of a pairing.
type TickResult struct {
	Pairing models.Pairing
	Pull    *PullResult
	PullErr error
	Pushes  []*PushResult
	// Skipped counts modifications another worker claimed first.
	Skipped int
}

// Conflicts counts pushes that ended in conflict.
func (r *TickResult) Conflicts() int {
	n := 0
	for _, p := range r.Pushes {
		if p.Outcome == PushConflicted {
			n++
		}
	}
	return n
}
