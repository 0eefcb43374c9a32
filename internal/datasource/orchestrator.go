// Package datasource selects which external source serves an entity type
// for an organization, falls back on failure and records per-source
// metrics.
package datasource

import (
	"context"
	"time"

	"github.com/eutimioliusbel/pfasync/backend/internal/db"
	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/source"
)

// ConnectorResolver maps an API configuration id to its connector.
type ConnectorResolver interface {
	Get(apiConfigID string) (source.Connector, error)
}

// Operation runs against one selected source.
type Operation func(ctx context.Context, mapping *models.DataSourceMapping, conn source.Connector) error

// Orchestrator picks sources from the mapping table.
type Orchestrator struct {
	mappings   db.MappingStore
	connectors ConnectorResolver
	logger     *logging.Logger
	now        func() time.Time
}

// New builds an orchestrator.
func New(mappings db.MappingStore, connectors ConnectorResolver, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Get()
	}
	return &Orchestrator{
		mappings:   mappings,
		connectors: connectors,
		logger:     logger.With(map[string]interface{}{"component": "datasource"}),
		now:        time.Now,
	}
}

// GetActiveSource returns the mapping that should serve (entity, org). An
// active organization-specific mapping with the lowest priority number
// wins; otherwise the best active global mapping. With none, the error is
// NO_ACTIVE_SOURCE.
func (o *Orchestrator) GetActiveSource(ctx context.Context, entityType, organizationID string) (*models.DataSourceMapping, error) {
	mappings, err := o.mappings.ListMappings(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	if m := firstActive(mappings, func(m *models.DataSourceMapping) bool { return !m.IsGlobal() }); m != nil {
		return m, nil
	}
	if m := firstActive(mappings, (*models.DataSourceMapping).IsGlobal); m != nil {
		return m, nil
	}
	return nil, apperrors.Newf(apperrors.ErrNoSource, "no active data source for %s in %s", entityType, organizationID)
}

// GetFallbackSource returns the next active mapping whose priority is
// strictly greater than failedPriority, or nil when none is left.
// Organization-specific mappings win ties.
func (o *Orchestrator) GetFallbackSource(ctx context.Context, entityType, organizationID string, failedPriority int) (*models.DataSourceMapping, error) {
	mappings, err := o.mappings.ListMappings(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	return firstActive(mappings, func(m *models.DataSourceMapping) bool { return m.Priority > failedPriority }), nil
}

// firstActive relies on ListMappings ordering by priority.
func firstActive(mappings []*models.DataSourceMapping, match func(*models.DataSourceMapping) bool) *models.DataSourceMapping {
	for _, m := range mappings {
		if m.IsActive && match(m) {
			return m
		}
	}
	return nil
}

// ExecuteSync runs op on the active source. If it fails, the failure is
// recorded and op runs exactly once more on the fallback source before any
// error surfaces. Metrics land on whichever mapping made each attempt. The
// returned mapping is the one that succeeded.
func (o *Orchestrator) ExecuteSync(ctx context.Context, entityType, organizationID string, op Operation) (*models.DataSourceMapping, error) {
	primary, err := o.GetActiveSource(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}

	primaryErr := o.attempt(ctx, primary, op)
	if primaryErr == nil {
		return primary, nil
	}

	fallback, err := o.GetFallbackSource(ctx, entityType, organizationID, primary.Priority)
	if err != nil || fallback == nil {
		if err != nil {
			o.logger.Error("fallback lookup failed", err, map[string]interface{}{"entity_type": entityType, "organization_id": organizationID})
		}
		return nil, primaryErr
	}

	o.logger.Warn("primary source failed, trying fallback", map[string]interface{}{
		"entity_type":     entityType,
		"organization_id": organizationID,
		"primary":         primary.APIConfigID,
		"fallback":        fallback.APIConfigID,
		"error":           primaryErr.Error(),
	})
	if err := o.attempt(ctx, fallback, op); err != nil {
		return nil, err
	}
	return fallback, nil
}

// ExecuteActive runs op on the active source only. Writes use it: they must
// land on the authoritative source, so there is no fallback, but the
// outcome still feeds the metrics.
func (o *Orchestrator) ExecuteActive(ctx context.Context, entityType, organizationID string, op Operation) (*models.DataSourceMapping, error) {
	primary, err := o.GetActiveSource(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	if err := o.attempt(ctx, primary, op); err != nil {
		return nil, err
	}
	return primary, nil
}

func (o *Orchestrator) attempt(ctx context.Context, m *models.DataSourceMapping, op Operation) error {
	conn, err := o.connectors.Get(m.APIConfigID)
	if err != nil {
		o.recordFailure(ctx, m)
		return err
	}

	start := time.Now()
	err = op(ctx, m, conn)
	latency := time.Since(start)
	if err != nil {
		o.recordFailure(ctx, m)
		return err
	}
	o.recordSuccess(ctx, m, latency)
	return nil
}

// Metric writes run detached from the caller's deadline and their failures
// are only logged: they must never change a sync outcome.
func (o *Orchestrator) recordSuccess(ctx context.Context, m *models.DataSourceMapping, latency time.Duration) {
	if err := o.mappings.RecordSourceSuccess(context.WithoutCancel(ctx), m.ID, latency, o.now()); err != nil {
		o.logger.Warn("failed to record source success", map[string]interface{}{"mapping_id": m.ID.String(), "error": err.Error()})
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, m *models.DataSourceMapping) {
	if err := o.mappings.RecordSourceFailure(context.WithoutCancel(ctx), m.ID, o.now()); err != nil {
		o.logger.Warn("failed to record source failure", map[string]interface{}{"mapping_id": m.ID.String(), "error": err.Error()})
	}
}

// Metrics returns the metrics of every mapping serving (entity, org).
func (o *Orchestrator) Metrics(ctx context.Context, entityType, organizationID string) ([]models.SourceMetrics, error) {
	mappings, err := o.mappings.ListMappings(ctx, entityType, organizationID)
	if err != nil {
		return nil, err
	}
	out := make([]models.SourceMetrics, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, m.Metrics())
	}
	return out, nil
}
