package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	"github.com/eutimioliusbel/pfasync/backend/internal/db/dbtest"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/source"
	"github.com/eutimioliusbel/pfasync/backend/internal/source/sourcetest"
)

type fixture struct {
	repo     *db.Repository
	registry *source.Registry
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := dbtest.New(t)
	registry := source.NewRegistry()
	return &fixture{repo: repo, registry: registry, orch: New(repo, registry, logging.Discard())}
}

func (f *fixture) mapping(t *testing.T, org, apiConfig string, priority int, active bool) *models.DataSourceMapping {
	t.Helper()
	m := &models.DataSourceMapping{EntityType: "pfa", OrganizationID: org, APIConfigID: apiConfig, Priority: priority, IsActive: active}
	require.NoError(t, f.repo.CreateMapping(context.Background(), m))
	return m
}

// ============================================================================
// Source selection
// ============================================================================

// TestGetActiveSource_skipsInactive: priority 1 inactive, priority 2 active,
// the priority-2 mapping serves.
func TestGetActiveSource_skipsInactive(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "pems-1", 1, false)
	want := f.mapping(t, "X", "pems-2", 2, true)

	got, err := f.orch.GetActiveSource(context.Background(), "pfa", "X")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
}

// TestGetActiveSource_orgBeatsGlobal verifies organization scoping.
func TestGetActiveSource_orgBeatsGlobal(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "", "global", 1, true)
	org := f.mapping(t, "X", "org", 5, true)
	ctx := context.Background()

	got, err := f.orch.GetActiveSource(ctx, "pfa", "X")
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ID)

	got, err = f.orch.GetActiveSource(ctx, "pfa", "Y")
	require.NoError(t, err)
	assert.Equal(t, "global", got.APIConfigID)
}

// TestGetActiveSource_none verifies the no-source error.
func TestGetActiveSource_none(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "off", 1, false)

	_, err := f.orch.GetActiveSource(context.Background(), "pfa", "X")
	assert.True(t, apperrors.Is(err, apperrors.ErrNoSource))
}

// TestGetFallbackSource verifies strictly-greater priority selection.
func TestGetFallbackSource(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "p1", 1, true)
	f.mapping(t, "X", "p2-off", 2, false)
	f.mapping(t, "", "p2-global", 2, true)
	f.mapping(t, "X", "p3", 3, true)
	ctx := context.Background()

	got, err := f.orch.GetFallbackSource(ctx, "pfa", "X", 1)
	require.NoError(t, err)
	assert.Equal(t, "p2-global", got.APIConfigID)

	got, err = f.orch.GetFallbackSource(ctx, "pfa", "X", 2)
	require.NoError(t, err)
	assert.Equal(t, "p3", got.APIConfigID)

	got, err = f.orch.GetFallbackSource(ctx, "pfa", "X", 3)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// ============================================================================
// Execution
// ============================================================================

// TestExecuteSync_fallback: primary throws, the fallback runs exactly once,
// and each mapping records its own outcome.
func TestExecuteSync_fallback(t *testing.T) {
	f := newFixture(t)
	p1 := f.mapping(t, "X", "primary", 1, true)
	p2 := f.mapping(t, "X", "secondary", 2, true)
	f.mapping(t, "X", "tertiary", 3, true)

	primary, secondary, tertiary := sourcetest.New(), sourcetest.New(), sourcetest.New()
	primary.FetchFn = func(context.Context, source.FetchRequest) ([]json.RawMessage, error) {
		return nil, apperrors.New(apperrors.ErrTransientExternal, "primary down")
	}
	f.registry.Register("primary", primary)
	f.registry.Register("secondary", secondary)
	f.registry.Register("tertiary", tertiary)

	var calls []string
	used, err := f.orch.ExecuteSync(context.Background(), "pfa", "X", func(ctx context.Context, m *models.DataSourceMapping, c source.Connector) error {
		calls = append(calls, m.APIConfigID)
		_, err := c.Fetch(ctx, source.FetchRequest{OrganizationID: "X", EntityType: "pfa"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, p2.ID, used.ID)
	assert.Equal(t, []string{"primary", "secondary"}, calls)
	assert.Zero(t, tertiary.Fetches())

	m1, _ := f.repo.GetMapping(context.Background(), p1.ID)
	m2, _ := f.repo.GetMapping(context.Background(), p2.ID)
	assert.Equal(t, int64(1), m1.FailureCount)
	assert.Zero(t, m1.SuccessCount)
	assert.Equal(t, int64(1), m2.SuccessCount)
	assert.InDelta(t, time.Now().Unix(), m1.LastFailureAt, 5)
	assert.InDelta(t, time.Now().Unix(), m2.LastSuccessAt, 5)
	assert.Zero(t, m2.FailureCount)
}

// TestExecuteSync_bothFail verifies the fallback's error surfaces after
// exactly two attempts.
func TestExecuteSync_bothFail(t *testing.T) {
	f := newFixture(t)
	p1 := f.mapping(t, "X", "a", 1, true)
	p2 := f.mapping(t, "X", "b", 2, true)
	f.mapping(t, "X", "c", 3, true)
	for _, id := range []string{"a", "b", "c"} {
		f.registry.Register(id, sourcetest.New())
	}

	attempts := 0
	_, err := f.orch.ExecuteSync(context.Background(), "pfa", "X", func(_ context.Context, m *models.DataSourceMapping, _ source.Connector) error {
		attempts++
		return apperrors.Newf(apperrors.ErrTransientExternal, "%s failed", m.APIConfigID)
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Contains(t, err.Error(), "b failed")

	m1, _ := f.repo.GetMapping(context.Background(), p1.ID)
	m2, _ := f.repo.GetMapping(context.Background(), p2.ID)
	assert.Equal(t, int64(1), m1.FailureCount)
	assert.Equal(t, int64(1), m2.FailureCount)
}

// TestExecuteSync_noFallback verifies the primary error surfaces when no
// fallback exists.
func TestExecuteSync_noFallback(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "only", 1, true)
	f.registry.Register("only", sourcetest.New())

	boom := errors.New("boom")
	_, err := f.orch.ExecuteSync(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

// TestExecuteSync_latencyAverage verifies the running average.
func TestExecuteSync_latencyAverage(t *testing.T) {
	f := newFixture(t)
	m := f.mapping(t, "X", "only", 1, true)
	f.registry.Register("only", sourcetest.New())

	for _, d := range []time.Duration{20 * time.Millisecond, 40 * time.Millisecond} {
		_, err := f.orch.ExecuteSync(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
			time.Sleep(d)
			return nil
		})
		require.NoError(t, err)
	}

	metrics, err := f.orch.Metrics(context.Background(), "pfa", "X")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, m.ID, metrics[0].MappingID)
	assert.Equal(t, int64(2), metrics[0].TotalAttempts)
	assert.Equal(t, 1.0, metrics[0].SuccessRate)
	assert.GreaterOrEqual(t, metrics[0].AvgLatencyMs, 30.0)
}

// failingMetrics wraps a store and fails every metrics write.
type failingMetrics struct {
	db.MappingStore
}

func (failingMetrics) RecordSourceSuccess(context.Context, models.UUID, time.Duration, time.Time) error {
	return errors.New("metrics table locked")
}

func (failingMetrics) RecordSourceFailure(context.Context, models.UUID, time.Time) error {
	return errors.New("metrics table locked")
}

// TestExecuteSync_metricsFailureSwallowed verifies metric errors never
// change the outcome.
func TestExecuteSync_metricsFailureSwallowed(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "only", 1, true)
	f.registry.Register("only", sourcetest.New())
	orch := New(failingMetrics{f.repo}, f.registry, logging.Discard())

	used, err := orch.ExecuteSync(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "only", used.APIConfigID)

	boom := errors.New("boom")
	_, err = orch.ExecuteActive(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

// TestExecuteActive_noFallback verifies writes never fall back.
func TestExecuteActive_noFallback(t *testing.T) {
	f := newFixture(t)
	f.mapping(t, "X", "a", 1, true)
	f.mapping(t, "X", "b", 2, true)
	f.registry.Register("a", sourcetest.New())
	f.registry.Register("b", sourcetest.New())

	attempts := 0
	_, err := f.orch.ExecuteActive(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
		attempts++
		return apperrors.New(apperrors.ErrPermanentExternal, "rejected")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

// TestExecuteSync_unregisteredConnector counts a missing connector as a
// failed attempt and falls back.
func TestExecuteSync_unregisteredConnector(t *testing.T) {
	f := newFixture(t)
	p1 := f.mapping(t, "X", "missing", 1, true)
	f.mapping(t, "X", "b", 2, true)
	f.registry.Register("b", sourcetest.New())

	used, err := f.orch.ExecuteSync(context.Background(), "pfa", "X", func(context.Context, *models.DataSourceMapping, source.Connector) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", used.APIConfigID)

	m1, _ := f.repo.GetMapping(context.Background(), p1.ID)
	assert.Equal(t, int64(1), m1.FailureCount)
}
