// Package sourcetest provides an in-memory source.Connector for tests.
package sourcetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eutimioliusbel/pfasync/backend/internal/source"
)

// Fake is a scriptable connector. Hooks, when set, replace the default
// behaviour of serving Records and accepting every write. An accepted write
// is applied to the stored record whose IDField matches, so later fetches
// see it like they would on a real source.
type Fake struct {
	mu      sync.Mutex
	records map[string][]json.RawMessage
	fetches int
	writes  []source.WriteRequest

	// IDField names the record id field. Empty means "id".
	IDField string

	FetchFn func(ctx context.Context, req source.FetchRequest) ([]json.RawMessage, error)
	WriteFn func(ctx context.Context, req source.WriteRequest) error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{records: make(map[string][]json.RawMessage)}
}

// SetRecords replaces what Fetch returns for one pairing. Records are
// given as JSON strings.
func (f *Fake) SetRecords(org, entity string, records ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := make([]json.RawMessage, len(records))
	for i, r := range records {
		raw[i] = json.RawMessage(r)
	}
	f.records[org+":"+entity] = raw
}

// Fetch implements source.Connector.
func (f *Fake) Fetch(ctx context.Context, req source.FetchRequest) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.fetches++
	fn := f.FetchFn
	records := f.records[req.OrganizationID+":"+req.EntityType]
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return records, nil
}

// Write implements source.Connector.
func (f *Fake) Write(ctx context.Context, req source.WriteRequest) error {
	f.mu.Lock()
	fn := f.WriteFn
	f.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, req); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return f.apply(req)
}

func (f *Fake) apply(req source.WriteRequest) error {
	field := f.IDField
	if field == "" {
		field = "id"
	}
	records := f.records[req.OrganizationID+":"+req.EntityType]
	for i, raw := range records {
		var rec map[string]interface{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if fmt.Sprint(rec[field]) != req.ExternalID {
			continue
		}
		for k, v := range req.Fields {
			rec[k] = v
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		// Fetch may still hold the old slice.
		next := append([]json.RawMessage(nil), records...)
		next[i] = data
		f.records[req.OrganizationID+":"+req.EntityType] = next
		return nil
	}
	return nil
}

// Fetches returns how many times Fetch was called.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Writes returns the accepted writes in order.
func (f *Fake) Writes() []source.WriteRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.WriteRequest(nil), f.writes...)
}
