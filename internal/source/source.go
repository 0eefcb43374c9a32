// Package source defines connectors to the external systems that own the
// mirrored records, and a registry keyed by API configuration id.
package source

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// FetchRequest asks a source for the current records of one pairing.
type FetchRequest struct {
	OrganizationID string
	EntityType     string
	// Since, when set, lets sources that support it return only newer records.
	Since time.Time
}

// WriteRequest writes one delta back to the owning source.
type WriteRequest struct {
	OrganizationID string
	EntityType     string
	ExternalID     string
	Fields         models.Fields
	BaseVersion    int64
}

// Connector talks to one external source configuration. Errors carry an
// apperrors code: TRANSIENT_EXTERNAL or SYNC_TIMEOUT for retryable
// failures, PERMANENT_EXTERNAL for rejections and CONFIGURATION_ERROR for
// missing or refused credentials.
type Connector interface {
	Fetch(ctx context.Context, req FetchRequest) ([]json.RawMessage, error)
	Write(ctx context.Context, req WriteRequest) error
}

// Registry resolves API configuration ids to connectors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds id to c, replacing any previous binding.
func (r *Registry) Register(id string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[id] = c
}

// Get returns the connector for id.
func (r *Registry) Get(id string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrConfiguration, "no connector registered for api config %q", id)
	}
	return c, nil
}

// IDs returns the registered ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
