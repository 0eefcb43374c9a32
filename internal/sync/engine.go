package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eutimioliusbel/pfasync/backend/internal/archive"
	"github.com/eutimioliusbel/pfasync/backend/internal/datasource"
	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/source"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/conflict"
)

// DefaultExternalTimeout bounds every call to an external system.
const DefaultExternalTimeout = 30 * time.Second

// Executor runs connector operations against the sources configured for a
// pairing. *datasource.Orchestrator implements it.
type Executor interface {
	ExecuteSync(ctx context.Context, entityType, organizationID string, op datasource.Operation) (*models.DataSourceMapping, error)
	ExecuteActive(ctx context.Context, entityType, organizationID string, op datasource.Operation) (*models.DataSourceMapping, error)
}

// Options configures a Worker. Zero values select defaults; a nil Archive
// disables archiving.
type Options struct {
	Archive         archive.Backend
	Events          EventSink
	Normalizer      Normalizer
	Retry           RetryPolicy
	ExternalTimeout time.Duration
	Logger          *logging.Logger
}

// Worker performs pulls and pushes. It holds no per-record state: every
// decision is made from the store, and modification state changes are
// compare-and-swap writes, so concurrent workers are safe.
type Worker struct {
	store      db.SyncStore
	sources    Executor
	archive    archive.Backend
	events     EventSink
	normalizer Normalizer
	retry      RetryPolicy
	timeout    time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

var _ Engine = (*Worker)(nil)

// NewWorker creates a Worker.
func NewWorker(store db.SyncStore, sources Executor, opts Options) *Worker {
	w := &Worker{
		store:      store,
		sources:    sources,
		archive:    opts.Archive,
		events:     opts.Events,
		normalizer: opts.Normalizer,
		retry:      opts.Retry,
		timeout:    opts.ExternalTimeout,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if w.events == nil {
		w.events = NopSink
	}
	if w.normalizer == nil {
		w.normalizer = FieldNormalizer{}
	}
	if w.retry == (RetryPolicy{}) {
		w.retry = DefaultRetryPolicy()
	}
	if w.timeout <= 0 {
		w.timeout = DefaultExternalTimeout
	}
	if w.logger == nil {
		w.logger = logging.Get()
	}
	w.logger = w.logger.With(map[string]interface{}{"component": "sync_worker"})
	return w
}

// external runs fn under the external call timeout. A deadline hit by fn
// is reported as SYNC_TIMEOUT, which is retryable.
func (w *Worker) external(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		if !apperrors.Is(err, apperrors.ErrSyncTimeout) {
			return apperrors.Wrap(apperrors.ErrSyncTimeout, fmt.Sprintf("external call exceeded %s", w.timeout), err)
		}
	}
	return err
}

func (w *Worker) emit(t models.EventType, m *models.Modification, detail map[string]interface{}) {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["modificationId"] = m.ID.String()
	w.events.Broadcast(m.OrganizationID, models.NewSyncEvent(t, m.OrganizationID, m.ExternalID, detail))
}

// =====================================================
// Pull
// =====================================================

// Pull fetches the current batch of one pairing through the orchestrator,
// archives it verbatim, and upserts every normalized record into the
// mirror. An archive failure aborts the pull before the mirror is touched.
// Records that cannot be normalized are skipped and counted. A record that
// moved after the fetch began, e.g. by a push of an overlapping tick, is
// left alone and counted as stale.
func (w *Worker) Pull(ctx context.Context, organizationID, entityType string) (*PullResult, error) {
	result := &PullResult{
		Pairing:   models.Pairing{OrganizationID: organizationID, EntityType: entityType},
		StartTime: w.now(),
	}
	logger := w.logger.With(map[string]interface{}{
		"organization_id": organizationID,
		"entity_type":     entityType,
	})

	versions, err := w.store.MirrorVersions(ctx, organizationID)
	if err != nil {
		return result, err
	}

	var records []json.RawMessage
	mapping, err := w.sources.ExecuteSync(ctx, entityType, organizationID,
		func(ctx context.Context, _ *models.DataSourceMapping, conn source.Connector) error {
			return w.external(ctx, func(ctx context.Context) error {
				fetched, err := conn.Fetch(ctx, source.FetchRequest{
					OrganizationID: organizationID,
					EntityType:     entityType,
				})
				records = fetched
				return err
			})
		})
	if err != nil {
		logger.ErrorWithCode("Pull fetch failed", string(apperrors.CodeOf(err)), err)
		return result, err
	}
	result.SourceID = mapping.APIConfigID
	result.Fetched = len(records)

	if w.archive != nil && len(records) > 0 {
		meta, err := w.archiveBatch(ctx, archive.Batch{
			OrganizationID: organizationID,
			EntityType:     entityType,
			Records:        records,
		})
		if err != nil {
			logger.ErrorWithCode("Pull aborted: archive failed", string(apperrors.ErrArchivalFailure), err)
			return result, err
		}
		result.Archive = meta
	}

	for i, raw := range records {
		up, err := w.normalizer.Normalize(organizationID, entityType, raw)
		if err != nil {
			result.Skipped++
			logger.Warn("Skipping record that cannot be normalized", map[string]interface{}{
				"index": i,
				"error": err.Error(),
			})
			continue
		}
		up.Fenced = true
		up.FetchVersion = versions[up.ExternalID]

		outcome, err := w.upsert(ctx, up)
		if err != nil {
			logger.Error("Mirror upsert failed", err, map[string]interface{}{"external_id": up.ExternalID})
			return result, err
		}
		switch outcome {
		case models.UpsertCreated:
			result.Created++
		case models.UpsertUpdated:
			result.Updated++
		case models.UpsertStale:
			result.Stale++
		default:
			result.Unchanged++
		}
	}

	result.Duration = w.now().Sub(result.StartTime)
	logger.Info("Pull completed", map[string]interface{}{
		"source":      result.SourceID,
		"fetched":     result.Fetched,
		"created":     result.Created,
		"updated":     result.Updated,
		"unchanged":   result.Unchanged,
		"stale":       result.Stale,
		"skipped":     result.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

func (w *Worker) archiveBatch(ctx context.Context, batch archive.Batch) (*models.ArchiveMetadata, error) {
	var meta *models.ArchiveMetadata
	err := w.external(ctx, func(ctx context.Context) error {
		var err error
		meta, err = w.archive.ArchiveBatch(ctx, batch)
		return err
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "archive pulled batch", err)
	}
	if err := w.store.SaveArchiveMetadata(ctx, meta); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "record archive metadata", err)
	}
	return meta, nil
}

// upsert retries when a concurrent push moved the mirror version between
// the read and the write of the upsert.
func (w *Worker) upsert(ctx context.Context, up models.MirrorUpsert) (models.UpsertOutcome, error) {
	var outcome models.UpsertOutcome
	err := retry.Do(ctx, versionMovedBackoff(), func(ctx context.Context) error {
		_, o, err := w.store.UpsertMirror(ctx, up)
		if apperrors.Is(err, apperrors.ErrVersionMoved) {
			return retry.RetryableError(err)
		}
		outcome = o
		return err
	})
	return outcome, err
}

// =====================================================
// Push
// =====================================================

// Push claims a committed (or due sync_error) modification by moving it to
// syncing, then writes its delta to the active source. If the mirror moved
// since the modification's base version, the fields changed in between are
// compared with the delta: an overlap records conflicts, otherwise the
// delta is rebased onto the current version and written.
//
// External failures are recorded on the modification and reported in the
// result with a nil error. The error return is for claims that lost the
// race (INVALID_STATE_TRANSITION) and store failures.
func (w *Worker) Push(ctx context.Context, id models.UUID) (*PushResult, error) {
	m, err := w.store.GetModification(ctx, id)
	if err != nil {
		return nil, err
	}

	from := m.Status()
	priorRetries := m.RetryCount()
	switch from {
	case models.StatusCommitted:
	case models.StatusSyncError:
		if failed := m.State.(models.SyncFailed); !failed.Due(w.now()) {
			return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "modification %s is not due for retry", id)
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "modification %s is %s and cannot be pushed", id, from)
	}

	started := models.Syncing{StartedAt: w.now().UTC()}
	if err := w.store.TransitionModification(ctx, id, from, started); err != nil {
		return nil, err
	}
	m.State = started

	logger := w.logger.With(map[string]interface{}{
		"modification_id": id.String(),
		"organization_id": m.OrganizationID,
		"external_id":     m.ExternalID,
	})
	result := &PushResult{ModificationID: id, OrganizationID: m.OrganizationID}
	w.emit(models.EventSyncProcessing, m, map[string]interface{}{"retryCount": priorRetries})

	mirror, err := w.store.GetMirrorByID(ctx, m.MirrorID)
	if err != nil {
		return nil, w.release(ctx, m, err)
	}

	if m.BaseVersion < mirror.Version {
		changed, err := w.store.FieldsChangedSince(ctx, mirror.ID, m.BaseVersion)
		if err != nil {
			return nil, w.release(ctx, m, err)
		}

		if conflicts := conflict.Detect(m, mirror, changed); len(conflicts) > 0 {
			if err := w.store.RecordConflicts(ctx, m, conflicts); err != nil {
				return nil, w.release(ctx, m, err)
			}
			fields := make([]string, len(conflicts))
			for i, c := range conflicts {
				fields[i] = c.FieldName
			}
			w.emit(models.EventSyncConflict, m, map[string]interface{}{
				"fields":        fields,
				"remoteVersion": mirror.Version,
			})
			result.Outcome = PushConflicted
			result.Conflicts = conflicts
			result.State = m.State
			return result, nil
		}

		logger.Debug("Rebasing delta onto current mirror version", map[string]interface{}{
			"from_version": m.BaseVersion,
			"to_version":   mirror.Version,
		})
		m.BaseVersion = mirror.Version
		m.CurrentVersion = mirror.Version
		if err := w.store.UpdateModification(ctx, m, models.StatusSyncing); err != nil {
			return nil, w.release(ctx, m, err)
		}
		result.Rebased = true
	}

	mapping, err := w.sources.ExecuteActive(ctx, mirror.EntityType, m.OrganizationID,
		func(ctx context.Context, _ *models.DataSourceMapping, conn source.Connector) error {
			return w.external(ctx, func(ctx context.Context) error {
				return conn.Write(ctx, source.WriteRequest{
					OrganizationID: m.OrganizationID,
					EntityType:     mirror.EntityType,
					ExternalID:     m.ExternalID,
					Fields:         m.Delta.Clone(),
					BaseVersion:    m.BaseVersion,
				})
			})
		})
	if err != nil {
		return w.fail(ctx, m, result, priorRetries, err)
	}
	result.SourceID = mapping.APIConfigID

	// The source has accepted the write, so absorbing it must not be
	// abandoned because the caller went away.
	version, err := w.absorb(context.WithoutCancel(ctx), m, mirror)
	if err != nil {
		logger.Error("Failed to absorb pushed delta", err)
		return nil, w.release(ctx, m, err)
	}

	result.Outcome = PushSucceeded
	result.Version = version
	result.State = m.State
	w.emit(models.EventSyncSuccess, m, map[string]interface{}{"version": version})
	logger.Info("Push succeeded", map[string]interface{}{
		"source":  result.SourceID,
		"version": version,
		"rebased": result.Rebased,
	})
	return result, nil
}

// absorb writes the pushed delta into the mirror. If a pull bumped the
// mirror while the write was in flight the delta is laid over the newer
// payload instead.
func (w *Worker) absorb(ctx context.Context, m *models.Modification, mirror *models.MirrorRecord) (int64, error) {
	var version int64
	err := retry.Do(ctx, versionMovedBackoff(), func(ctx context.Context) error {
		v, err := w.store.ApplyPush(ctx, m, mirror.Payload.Overlay(m.Delta))
		if apperrors.Is(err, apperrors.ErrVersionMoved) {
			latest, getErr := w.store.GetMirrorByID(ctx, m.MirrorID)
			if getErr != nil {
				return getErr
			}
			mirror = latest
			m.BaseVersion = latest.Version
			m.CurrentVersion = latest.Version
			if err := w.store.UpdateModification(ctx, m, models.StatusSyncing); err != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

// release returns a claimed modification to committed after a store
// failure so the next tick can try again.
func (w *Worker) release(ctx context.Context, m *models.Modification, cause error) error {
	if err := w.store.TransitionModification(context.WithoutCancel(ctx), m.ID, models.StatusSyncing, models.Committed{}); err != nil {
		w.logger.Error("Failed to release modification", err, map[string]interface{}{"modification_id": m.ID.String()})
		return cause
	}
	m.State = models.Committed{}
	w.emit(models.EventSyncQueued, m, map[string]interface{}{
		"reason": "released",
		"error":  cause.Error(),
		"code":   string(apperrors.CodeOf(cause)),
	})
	return cause
}

func isConfiguration(err error) bool {
	return apperrors.Is(err, apperrors.ErrConfiguration) || apperrors.Is(err, apperrors.ErrNoSource)
}

// fail records a failed write. Configuration problems never reached a
// source and leave the modification committed. Transient failures are
// scheduled for retry until the policy is exhausted. Everything else is a
// permanent rejection and waits for the user.
func (w *Worker) fail(ctx context.Context, m *models.Modification, result *PushResult, priorRetries int, cause error) (*PushResult, error) {
	ctx = context.WithoutCancel(ctx)
	result.Err = cause
	code := apperrors.CodeOf(cause)
	logger := w.logger.With(map[string]interface{}{
		"modification_id": m.ID.String(),
		"organization_id": m.OrganizationID,
	})

	if isConfiguration(cause) {
		if err := w.store.TransitionModification(ctx, m.ID, models.StatusSyncing, models.Committed{}); err != nil {
			return nil, err
		}
		m.State = models.Committed{}
		result.Outcome = PushDeferred
		result.State = m.State
		logger.ErrorWithCode("Push deferred: source configuration", string(code), cause)
		w.emit(models.EventSyncFailed, m, map[string]interface{}{
			"error":      cause.Error(),
			"code":       string(code),
			"retryable":  true,
			"retryCount": priorRetries,
		})
		return result, nil
	}

	state := models.SyncFailed{RetryCount: priorRetries, Message: cause.Error()}
	if apperrors.IsRetryable(cause) {
		state.RetryCount = priorRetries + 1
		if delay, ok := w.retry.Delay(state.RetryCount); ok {
			state.Retryable = true
			state.NextRetryAt = w.now().Add(delay).UTC()
		} else {
			state.Message = fmt.Sprintf("giving up after %d retries: %s", priorRetries, cause.Error())
		}
	}

	if err := w.store.TransitionModification(ctx, m.ID, models.StatusSyncing, state); err != nil {
		return nil, err
	}
	m.State = state
	result.Outcome = PushFailed
	result.State = state

	detail := map[string]interface{}{
		"error":      state.Message,
		"code":       string(code),
		"retryable":  state.Retryable,
		"retryCount": state.RetryCount,
	}
	if state.Retryable {
		detail["nextRetryAt"] = state.NextRetryAt
	}
	w.emit(models.EventSyncFailed, m, detail)
	logger.ErrorWithCode("Push failed", string(code), cause, map[string]interface{}{
		"retryable":   state.Retryable,
		"retry_count": state.RetryCount,
	})
	return result, nil
}

// =====================================================
// Tick
// =====================================================

// Tick runs one pull for the pairing and then pushes every modification
// that is committed or due for retry. A failed pull does not stop the
// pushes: they are judged against whatever the mirror holds.
func (w *Worker) Tick(ctx context.Context, pairing models.Pairing) (*TickResult, error) {
	result := &TickResult{Pairing: pairing}

	result.Pull, result.PullErr = w.Pull(ctx, pairing.OrganizationID, pairing.EntityType)

	mods, err := w.store.ListPushable(ctx, pairing, w.now())
	if err != nil {
		return result, errors.Join(result.PullErr, err)
	}

	var errs []error
	for _, m := range mods {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		push, err := w.Push(ctx, m.ID)
		if apperrors.Is(err, apperrors.ErrInvalidTransition) {
			result.Skipped++
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result.Pushes = append(result.Pushes, push)
	}

	return result, errors.Join(append([]error{result.PullErr}, errs...)...)
}

// RecoverStale releases modifications left in syncing by a worker that
// stopped mid-push.
func (w *Worker) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	mods, err := w.store.ListByStatus(ctx, models.StatusSyncing, 500)
	if err != nil {
		return 0, err
	}

	cutoff := w.now().Add(-olderThan)
	recovered := 0
	for _, m := range mods {
		syncing, ok := m.State.(models.Syncing)
		if !ok || syncing.StartedAt.After(cutoff) {
			continue
		}
		err := w.store.TransitionModification(ctx, m.ID, models.StatusSyncing, models.Committed{})
		if apperrors.Is(err, apperrors.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		m.State = models.Committed{}
		w.emit(models.EventSyncQueued, m, map[string]interface{}{
			"reason":    "stale",
			"startedAt": syncing.StartedAt,
		})
		recovered++
	}

	if recovered > 0 {
		w.logger.Warn("Recovered stale pushes", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}
