package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	"github.com/eutimioliusbel/pfasync/backend/internal/db/dbtest"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/conflict"
	"github.com/eutimioliusbel/pfasync/backend/internal/sync/queue"
)

type eventLog struct {
	mu     sync.Mutex
	events []models.SyncEvent
}

func (l *eventLog) Broadcast(_ string, e models.SyncEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	ctx    context.Context
	repo   *db.Repository
	queue  *queue.PushQueue
	events *eventLog
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		repo:   dbtest.New(t),
		queue:  queue.NewPushQueue(100, logging.Discard()),
		events: &eventLog{},
	}
	f.engine = New(f.repo, f.queue, f.events, logging.Discard())
	return f
}

func (f *fixture) seed(t *testing.T, externalID string, payload models.Fields) *models.MirrorRecord {
	t.Helper()
	m, _, err := f.repo.UpsertMirror(f.ctx, models.MirrorUpsert{
		OrganizationID: "ORG1",
		ExternalID:     externalID,
		EntityType:     "pfa",
		Payload:        payload,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) edit(t *testing.T, externalID, user string, fields models.Fields) *models.Modification {
	t.Helper()
	m, err := f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG1", ExternalID: externalID, UserID: user, Fields: fields})
	require.NoError(t, err)
	return m
}

// =====================================================
// Merged reads
// =====================================================

func TestGetMerged_overlaysOpenDeltas(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"monthlyRate": 5000.0, "forecastEnd": "2026-01-31", "category": "crane"})
	f.edit(t, "R1", "u1", models.Fields{"monthlyRate": 5500.0})
	f.edit(t, "R1", "u2", models.Fields{"forecastEnd": "2026-03-31"})

	merged, err := f.engine.GetMerged(f.ctx, "ORG1", "R1")
	require.NoError(t, err)
	assert.Equal(t, models.Fields{
		"monthlyRate": 5500.0,
		"forecastEnd": "2026-03-31",
		"category":    "crane",
	}, merged.Payload)
	assert.Len(t, merged.Deltas, 2)
	assert.Equal(t, int64(1), merged.Version)

	mine, err := f.engine.GetMergedForUser(f.ctx, "ORG1", "R1", "u2")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, mine.Payload["monthlyRate"])
	assert.Equal(t, "2026-03-31", mine.Payload["forecastEnd"])
	require.Len(t, mine.Deltas, 1)
	assert.Equal(t, "u2", mine.Deltas[0].UserID)

	nobody, err := f.engine.GetMergedForUser(f.ctx, "ORG1", "R1", "u3")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, nobody.Payload["monthlyRate"])
	assert.Empty(t, nobody.Deltas)
}

// Applying the same delta to the same mirror version twice is idempotent.
func TestGetMerged_idempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0, "b": 1.0})
	f.edit(t, "R1", "u1", models.Fields{"a": 2.0})

	first, err := f.engine.GetMerged(f.ctx, "ORG1", "R1")
	require.NoError(t, err)
	second, err := f.engine.GetMerged(f.ctx, "ORG1", "R1")
	require.NoError(t, err)
	assert.Equal(t, first.Payload, second.Payload)

	mirror, err := f.repo.GetMirror(f.ctx, "ORG1", "R1")
	require.NoError(t, err)
	delta := models.Fields{"a": 2.0}
	assert.Equal(t, mirror.Payload.Overlay(delta), mirror.Payload.Overlay(delta).Overlay(delta))
	assert.Equal(t, 1.0, mirror.Payload["a"], "merging must not mutate the mirror")
}

func TestGetMerged_notFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetMerged(f.ctx, "ORG1", "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestListMerged(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.seed(t, fmt.Sprintf("R%d", i), models.Fields{"a": float64(i)})
	}
	f.edit(t, "R1", "u1", models.Fields{"a": 10.0})

	records, err := f.engine.ListMerged(f.ctx, "ORG1", "pfa", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		if r.ExternalID == "R1" {
			assert.Equal(t, 10.0, r.Payload["a"])
		}
	}
}

// Readers racing a writer see each delta whole.
func TestGetMerged_concurrentEditsAreAtomic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 0.0, "b": 0.0})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 30; i++ {
			v := float64(i)
			if _, err := f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG1", ExternalID: "R1", UserID: "u1", Fields: models.Fields{"a": v, "b": v}}); err != nil {
				t.Errorf("Edit() failed: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			merged, err := f.engine.GetMerged(f.ctx, "ORG1", "R1")
			if err != nil {
				t.Errorf("GetMerged() failed: %v", err)
				return
			}
			if merged.Payload["a"] != merged.Payload["b"] {
				t.Errorf("partial delta observed: a=%v b=%v", merged.Payload["a"], merged.Payload["b"])
			}
		}
	}()
	wg.Wait()
}

// =====================================================
// Edit, commit, discard
// =====================================================

func TestEdit_upsertsOpenDraft(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0, "b": 1.0})

	first := f.edit(t, "R1", "u1", models.Fields{"a": 2.0})
	second := f.edit(t, "R1", "u1", models.Fields{"b": 3.0})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.Fields{"a": 2.0, "b": 3.0}, second.Delta)
	assert.ElementsMatch(t, []string{"a", "b"}, second.ModifiedFields)
	assert.Equal(t, int64(1), second.BaseVersion)
}

func TestEdit_validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0})

	_, err := f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG1", ExternalID: "R1", UserID: "u1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG1", ExternalID: "R1", Fields: models.Fields{"a": 2.0}})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG2", ExternalID: "R1", UserID: "u1", Fields: models.Fields{"a": 2.0}})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "other organizations cannot see the record")
}

func TestCommit_queuesAndEmits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0})
	draft := f.edit(t, "R1", "u1", models.Fields{"a": 2.0})

	committed, err := f.engine.Commit(f.ctx, "ORG1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommitted, committed.Status())
	assert.Equal(t, []models.EventType{models.EventSyncQueued}, f.events.types())

	items := f.queue.List("")
	require.Len(t, items, 1)
	assert.Equal(t, draft.ID, items[0].ModificationID)

	// Busy until the push finishes.
	_, err = f.engine.Edit(f.ctx, EditRequest{OrganizationID: "ORG1", ExternalID: "R1", UserID: "u1", Fields: models.Fields{"a": 3.0}})
	assert.True(t, apperrors.Is(err, apperrors.ErrModificationBusy))

	_, err = f.engine.Commit(f.ctx, "ORG1", draft.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
}

func TestCommit_otherOrganization(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0})
	draft := f.edit(t, "R1", "u1", models.Fields{"a": 2.0})

	_, err := f.engine.Commit(f.ctx, "ORG2", draft.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.Empty(t, f.queue.List(""))
}

func TestDiscard(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0})
	draft := f.edit(t, "R1", "u1", models.Fields{"a": 2.0})

	require.NoError(t, f.engine.Discard(f.ctx, "ORG1", draft.ID))
	merged, err := f.engine.GetMerged(f.ctx, "ORG1", "R1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, merged.Payload["a"])

	again := f.edit(t, "R1", "u1", models.Fields{"a": 3.0})
	_, err = f.engine.Commit(f.ctx, "ORG1", again.ID)
	require.NoError(t, err)
	err = f.engine.Discard(f.ctx, "ORG1", again.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "only drafts can be discarded")
}

func TestEdit_reopensTerminalFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "R1", models.Fields{"a": 1.0})
	draft := f.edit(t, "R1", "u1", models.Fields{"a": -1.0})
	_, err := f.engine.Commit(f.ctx, "ORG1", draft.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.TransitionModification(f.ctx, draft.ID, models.StatusCommitted, models.Syncing{}))
	require.NoError(t, f.repo.TransitionModification(f.ctx, draft.ID, models.StatusSyncing,
		models.SyncFailed{Message: "a must be positive"}))

	reopened := f.edit(t, "R1", "u1", models.Fields{"a": 2.0})
	assert.Equal(t, draft.ID, reopened.ID)
	assert.Equal(t, models.StatusDraft, reopened.Status())
	assert.Equal(t, 2.0, reopened.Delta["a"])
}

// =====================================================
// Conflicts
// =====================================================

// conflicted builds a modification in conflict on fields a and b.
func conflicted(t *testing.T, f *fixture) (*models.Modification, []*models.Conflict) {
	t.Helper()
	mirror := f.seed(t, "R1", models.Fields{"a": 1.0, "b": 1.0, "c": 1.0})
	draft := f.edit(t, "R1", "u1", models.Fields{"a": 2.0, "b": 2.0, "c": 2.0})
	_, err := f.engine.Commit(f.ctx, "ORG1", draft.ID)
	require.NoError(t, err)
	item := f.queue.DequeueBlocking(f.ctx)
	require.NotNil(t, item)
	f.queue.Complete(item.ModificationID)

	f.seed(t, "R1", models.Fields{"a": 5.0, "b": 6.0, "c": 1.0})
	mirror, err = f.repo.GetMirrorByID(f.ctx, mirror.ID)
	require.NoError(t, err)

	require.NoError(t, f.repo.TransitionModification(f.ctx, draft.ID, models.StatusCommitted, models.Syncing{}))
	m, err := f.repo.GetModification(f.ctx, draft.ID)
	require.NoError(t, err)
	changed, err := f.repo.FieldsChangedSince(f.ctx, mirror.ID, m.BaseVersion)
	require.NoError(t, err)
	require.NoError(t, f.repo.RecordConflicts(f.ctx, m, conflict.Detect(m, mirror, changed)))

	conflicts, err := f.engine.ListConflicts(f.ctx, "ORG1", draft.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	return m, conflicts
}

func TestResolveConflict_requeuesWhenAllResolved(t *testing.T) {
	f := newFixture(t)
	m, conflicts := conflicted(t, f)

	res, err := f.engine.ResolveConflict(f.ctx, ResolveRequest{
		OrganizationID: "ORG1",
		ConflictID:     conflicts[0].ID,
		Resolution:     models.ResolveUseLocal,
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomePending, res.Outcome)
	assert.Equal(t, models.StatusConflict, res.Modification.Status())
	assert.Empty(t, f.queue.List(""))

	res, err = f.engine.ResolveConflict(f.ctx, ResolveRequest{
		OrganizationID: "ORG1",
		ConflictID:     conflicts[1].ID,
		Resolution:     models.ResolveMerge,
		MergedValue:    json.RawMessage(`4`),
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.OutcomeRequeued, res.Outcome)

	stored, err := f.repo.GetModification(f.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCommitted, stored.Status())
	assert.Equal(t, int64(2), stored.BaseVersion)
	assert.Equal(t, models.Fields{"a": 2.0, "b": 4.0, "c": 2.0}, stored.Delta)
	assert.Len(t, f.queue.List(""), 1)

	all, err := f.engine.ListConflicts(f.ctx, "ORG1", m.ID)
	require.NoError(t, err)
	for _, c := range all {
		assert.True(t, c.Resolved)
	}
}

func TestResolveConflict_rejects(t *testing.T) {
	f := newFixture(t)
	_, conflicts := conflicted(t, f)

	_, err := f.engine.ResolveConflict(f.ctx, ResolveRequest{OrganizationID: "ORG2", ConflictID: conflicts[0].ID, Resolution: models.ResolveUseLocal})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = f.engine.ResolveConflict(f.ctx, ResolveRequest{OrganizationID: "ORG1", ConflictID: conflicts[0].ID, Resolution: "both"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.engine.ResolveConflict(f.ctx, ResolveRequest{OrganizationID: "ORG1", ConflictID: "missing", Resolution: models.ResolveUseLocal})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	// A rejected resolution leaves the conflict open.
	stored, err := f.repo.GetConflict(f.ctx, conflicts[0].ID)
	require.NoError(t, err)
	assert.False(t, stored.Resolved)
}
