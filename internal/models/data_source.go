package models

import (
	"fmt"
	"strings"
	"time"
)

// DataSourceMapping points an entity type at one external source
// configuration, either for one organization or globally (empty
// OrganizationID). Lower Priority numbers are tried first.
type DataSourceMapping struct {
	ID             UUID    `db:"id" json:"id"`
	EntityType     string  `db:"entity_type" json:"entity_type"`
	OrganizationID string  `db:"organization_id" json:"organization_id,omitempty"`
	APIConfigID    string  `db:"api_config_id" json:"api_config_id"`
	Priority       int     `db:"priority" json:"priority"`
	IsActive       bool    `db:"is_active" json:"is_active"`
	SuccessCount   int64   `db:"success_count" json:"success_count"`
	FailureCount   int64   `db:"failure_count" json:"failure_count"`
	AvgLatencyMs   float64 `db:"avg_latency_ms" json:"avg_latency_ms"`
	LastUsedAt     int64   `db:"last_used_at" json:"last_used_at,omitempty"`
	LastSuccessAt  int64   `db:"last_success_at" json:"last_success_at,omitempty"`
	LastFailureAt  int64   `db:"last_failure_at" json:"last_failure_at,omitempty"`
	CreatedAt      int64   `db:"created_at" json:"created_at"`
	UpdatedAt      int64   `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for DataSourceMapping.
func (DataSourceMapping) TableName() string {
	return "data_source_mappings"
}

// IsGlobal reports whether the mapping applies to every organization.
func (d *DataSourceMapping) IsGlobal() bool {
	return d.OrganizationID == ""
}

// TotalAttempts returns successes plus failures.
func (d *DataSourceMapping) TotalAttempts() int64 {
	return d.SuccessCount + d.FailureCount
}

// SuccessRate returns successes over attempts, 0 when never used.
func (d *DataSourceMapping) SuccessRate() float64 {
	total := d.TotalAttempts()
	if total == 0 {
		return 0
	}
	return float64(d.SuccessCount) / float64(total)
}

// FailureRate returns failures over attempts, 0 when never used.
func (d *DataSourceMapping) FailureRate() float64 {
	total := d.TotalAttempts()
	if total == 0 {
		return 0
	}
	return float64(d.FailureCount) / float64(total)
}

// RecordSuccess folds one successful attempt into the metrics.
func (d *DataSourceMapping) RecordSuccess(latency time.Duration, at time.Time) {
	d.AvgLatencyMs = RunningAverage(d.AvgLatencyMs, d.SuccessCount, float64(latency.Milliseconds()))
	d.SuccessCount++
	d.LastUsedAt = at.Unix()
	d.LastSuccessAt = at.Unix()
}

// RecordFailure folds one failed attempt into the metrics.
func (d *DataSourceMapping) RecordFailure(at time.Time) {
	d.FailureCount++
	d.LastUsedAt = at.Unix()
	d.LastFailureAt = at.Unix()
}

// RunningAverage returns (avg*n + sample)/(n+1).
func RunningAverage(avg float64, n int64, sample float64) float64 {
	return (avg*float64(n) + sample) / float64(n+1)
}

// SourceMetrics is the per-mapping metrics surface read by the surrounding
// application.
type SourceMetrics struct {
	MappingID      UUID    `json:"mapping_id"`
	EntityType     string  `json:"entity_type"`
	OrganizationID string  `json:"organization_id,omitempty"`
	APIConfigID    string  `json:"api_config_id"`
	Priority       int     `json:"priority"`
	IsActive       bool    `json:"is_active"`
	SuccessRate    float64 `json:"success_rate"`
	FailureRate    float64 `json:"failure_rate"`
	TotalAttempts  int64   `json:"total_attempts"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LastUsedAt     int64   `json:"last_used_at,omitempty"`
	LastSuccessAt  int64   `json:"last_success_at,omitempty"`
	LastFailureAt  int64   `json:"last_failure_at,omitempty"`
}

// Metrics snapshots the mapping's metrics.
func (d *DataSourceMapping) Metrics() SourceMetrics {
	return SourceMetrics{
		MappingID:      d.ID,
		EntityType:     d.EntityType,
		OrganizationID: d.OrganizationID,
		APIConfigID:    d.APIConfigID,
		Priority:       d.Priority,
		IsActive:       d.IsActive,
		SuccessRate:    d.SuccessRate(),
		FailureRate:    d.FailureRate(),
		TotalAttempts:  d.TotalAttempts(),
		AvgLatencyMs:   d.AvgLatencyMs,
		LastUsedAt:     d.LastUsedAt,
		LastSuccessAt:  d.LastSuccessAt,
		LastFailureAt:  d.LastFailureAt,
	}
}

// Pairing is the unit of scheduled sync work.
type Pairing struct {
	OrganizationID string `json:"organization_id"`
	EntityType     string `json:"entity_type"`
}

// String renders the pairing as "org:entity".
func (p Pairing) String() string {
	return p.OrganizationID + ":" + p.EntityType
}

// ParsePairing parses "org:entity".
func ParsePairing(s string) (Pairing, error) {
	org, entity, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || org == "" || entity == "" {
		return Pairing{}, fmt.Errorf("invalid pairing %q, want org:entity", s)
	}
	return Pairing{OrganizationID: org, EntityType: entity}, nil
}
