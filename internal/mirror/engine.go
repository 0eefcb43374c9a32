// Package mirror serves merged reads of mirror records and manages the
// lifecycle of user deltas: edit, commit, discard and conflict resolution.
//
// Reads never take locks. Each modification's delta is one row value that
// writers replace whole, so a reader sees either the previous or the next
// delta, never a mix.
package mirror

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	syncpkg "github.com/eutimioliusbel/pfasync/backend/internal/sync"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/conflict"
)

// Store is the persistence the engine needs.
type Store interface {
	db.MirrorStore
	db.ModificationStore
	ListMirrors(ctx context.Context, organizationID, entityType string, limit, offset int) ([]*models.MirrorRecord, error)
}

// Enqueuer hands committed modifications to the push queue.
type Enqueuer interface {
	Enqueue(id models.UUID, organizationID string) (bool, error)
}

// Engine implements merged reads and the user side of the modification
// lifecycle.
type Engine struct {
	store  Store
	queue  Enqueuer
	events syncpkg.EventSink
	logger *logging.Logger
	now    func() time.Time
}

// New creates an Engine. queue and events may be nil.
func New(store Store, queue Enqueuer, events syncpkg.EventSink, logger *logging.Logger) *Engine {
	if events == nil {
		events = syncpkg.NopSink
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Engine{
		store:  store,
		queue:  queue,
		events: events,
		logger: logger.With(map[string]interface{}{"component": "mirror"}),
		now:    time.Now,
	}
}

// DeltaSummary describes one open modification layered on a record.
type DeltaSummary struct {
	ModificationID models.UUID       `json:"modification_id"`
	UserID         string            `json:"user_id"`
	Status         models.SyncStatus `json:"status"`
	ModifiedFields []string          `json:"modified_fields"`
	BaseVersion    int64             `json:"base_version"`
}

// MergedRecord is a mirror record with open deltas overlaid.
type MergedRecord struct {
	OrganizationID string         `json:"organization_id"`
	ExternalID     string         `json:"external_id"`
	EntityType     string         `json:"entity_type"`
	Version        int64          `json:"version"`
	LastSyncedAt   int64          `json:"last_synced_at"`
	Payload        models.Fields  `json:"payload"`
	Deltas         []DeltaSummary `json:"deltas"`
}

func merge(mirror *models.MirrorRecord, mods []*models.Modification) *MergedRecord {
	out := &MergedRecord{
		OrganizationID: mirror.OrganizationID,
		ExternalID:     mirror.ExternalID,
		EntityType:     mirror.EntityType,
		Version:        mirror.Version,
		LastSyncedAt:   mirror.LastSyncedAt,
		Payload:        mirror.Payload.Clone(),
		Deltas:         []DeltaSummary{},
	}
	for _, m := range mods {
		out.Payload = out.Payload.Overlay(m.Delta)
		out.Deltas = append(out.Deltas, DeltaSummary{
			ModificationID: m.ID,
			UserID:         m.UserID,
			Status:         m.Status(),
			ModifiedFields: append([]string(nil), m.ModifiedFields...),
			BaseVersion:    m.BaseVersion,
		})
	}
	return out
}

// GetMerged returns the record with every open delta overlaid, oldest
// first. The overlay is a shallow per-field replace: fields absent from a
// delta keep the mirror's value.
func (e *Engine) GetMerged(ctx context.Context, organizationID, externalID string) (*MergedRecord, error) {
	mirror, err := e.store.GetMirror(ctx, organizationID, externalID)
	if err != nil {
		return nil, err
	}
	mods, err := e.store.ListOpenModifications(ctx, mirror.ID)
	if err != nil {
		return nil, err
	}
	return merge(mirror, mods), nil
}

// GetMergedForUser returns the record with only userID's open delta
// overlaid.
func (e *Engine) GetMergedForUser(ctx context.Context, organizationID, externalID, userID string) (*MergedRecord, error) {
	mirror, err := e.store.GetMirror(ctx, organizationID, externalID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.GetOpenModification(ctx, mirror.ID, userID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return merge(mirror, nil), nil
	}
	if err != nil {
		return nil, err
	}
	return merge(mirror, []*models.Modification{m}), nil
}

// ListMerged pages through the records of a pairing with their deltas
// overlaid.
func (e *Engine) ListMerged(ctx context.Context, organizationID, entityType string, limit, offset int) ([]*MergedRecord, error) {
	mirrors, err := e.store.ListMirrors(ctx, organizationID, entityType, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*MergedRecord, 0, len(mirrors))
	for _, mirror := range mirrors {
		mods, err := e.store.ListOpenModifications(ctx, mirror.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, merge(mirror, mods))
	}
	return out, nil
}

// EditRequest is one user edit of a record.
type EditRequest struct {
	OrganizationID string
	ExternalID     string
	UserID         string
	Fields         models.Fields
	Reason         string
}

// Edit records fields as the user's draft of the record. The first edit
// creates a draft based on the current mirror version; later edits merge
// into it. A modification that failed terminally is reopened. While the
// user's modification is committed, syncing or in conflict it is busy.
func (e *Engine) Edit(ctx context.Context, req EditRequest) (*models.Modification, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "user id is required")
	}
	if len(req.Fields) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "an edit must change at least one field")
	}

	mirror, err := e.store.GetMirror(ctx, req.OrganizationID, req.ExternalID)
	if err != nil {
		return nil, err
	}
	m, err := e.store.SaveDraft(ctx, mirror, req.UserID, req.Fields, req.Reason)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Draft saved", map[string]interface{}{
		"modification_id": m.ID.String(),
		"external_id":     m.ExternalID,
		"fields":          len(m.Delta),
	})
	return m, nil
}

// getScoped loads a modification and hides ones from other organizations.
func (e *Engine) getScoped(ctx context.Context, organizationID string, id models.UUID) (*models.Modification, error) {
	m, err := e.store.GetModification(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OrganizationID != organizationID {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "modification %s not found", id)
	}
	return m, nil
}

// GetModification returns one modification of the organization.
func (e *Engine) GetModification(ctx context.Context, organizationID string, id models.UUID) (*models.Modification, error) {
	return e.getScoped(ctx, organizationID, id)
}

// Commit submits a draft for pushing. All of its fields move together.
func (e *Engine) Commit(ctx context.Context, organizationID string, id models.UUID) (*models.Modification, error) {
	m, err := e.getScoped(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	if m.Status() != models.StatusDraft {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "modification %s is %s, only drafts can be committed", id, m.Status())
	}
	if len(m.Delta) == 0 {
		return nil, apperrors.New(apperrors.ErrValidation, "cannot commit an empty draft")
	}
	if err := e.store.TransitionModification(ctx, id, models.StatusDraft, models.Committed{}); err != nil {
		return nil, err
	}
	m.State = models.Committed{}

	e.queued(m)
	e.logger.Info("Modification committed", map[string]interface{}{
		"modification_id": id.String(),
		"organization_id": organizationID,
		"fields":          m.ModifiedFields,
	})
	return m, nil
}

// queued announces a committed modification and hands it to the push
// queue. A full queue only delays the push until the next tick.
func (e *Engine) queued(m *models.Modification) {
	e.events.Broadcast(m.OrganizationID, models.NewSyncEvent(models.EventSyncQueued, m.OrganizationID, m.ExternalID,
		map[string]interface{}{"modificationId": m.ID.String()}))
	if e.queue == nil {
		return
	}
	if _, err := e.queue.Enqueue(m.ID, m.OrganizationID); err != nil {
		e.logger.Warn("Push queue rejected modification, leaving it to the next tick", map[string]interface{}{
			"modification_id": m.ID.String(),
			"error":           err.Error(),
		})
	}
}

// Discard deletes a draft. Any other state is rejected.
func (e *Engine) Discard(ctx context.Context, organizationID string, id models.UUID) error {
	if _, err := e.getScoped(ctx, organizationID, id); err != nil {
		return err
	}
	if err := e.store.DeleteDraft(ctx, id); err != nil {
		return err
	}
	e.logger.Info("Draft discarded", map[string]interface{}{"modification_id": id.String()})
	return nil
}

// ListConflicts returns every conflict raised for a modification.
func (e *Engine) ListConflicts(ctx context.Context, organizationID string, id models.UUID) ([]*models.Conflict, error) {
	if _, err := e.getScoped(ctx, organizationID, id); err != nil {
		return nil, err
	}
	return e.store.ListConflicts(ctx, id)
}

// ResolveRequest resolves one conflict.
type ResolveRequest struct {
	OrganizationID string
	ConflictID     models.UUID
	Resolution     models.Resolution
	// MergedValue is the JSON value to write for a merge resolution.
	MergedValue json.RawMessage
}

// ResolveResult reports the effect of a resolution.
type ResolveResult struct {
	Modification *models.Modification `json:"modification"`
	Conflict     *models.Conflict     `json:"conflict"`
	Outcome      conflict.Outcome     `json:"outcome"`
}

// ResolveConflict applies one per-field resolution. The modification goes
// back to committed, and to the push queue, only once all of its
// conflicts are resolved.
func (e *Engine) ResolveConflict(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	var outcome conflict.Outcome
	m, c, err := e.store.ResolveConflict(ctx, req.ConflictID, func(m *models.Modification, target *models.Conflict, all []*models.Conflict) error {
		if m.OrganizationID != req.OrganizationID {
			return apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", req.ConflictID)
		}
		var err error
		outcome, err = conflict.Apply(m, target, all, req.Resolution, req.MergedValue, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	switch outcome {
	case conflict.OutcomeRequeued:
		e.queued(m)
	case conflict.OutcomeAbsorbed:
		e.events.Broadcast(m.OrganizationID, models.NewSyncEvent(models.EventSyncSuccess, m.OrganizationID, m.ExternalID,
			map[string]interface{}{"modificationId": m.ID.String(), "version": m.CurrentVersion}))
	}
	return &ResolveResult{Modification: m, Conflict: c, Outcome: outcome}, nil
}
