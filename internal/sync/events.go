package sync

import "github.com/eutimioliusbel/pfasync/backend/internal/models"

// EventSink receives sync events for real-time delivery to an organization.
// Broadcast must not block.
type EventSink interface {
	Broadcast(organizationID string, event models.SyncEvent)
}

type nopSink struct{}

func (nopSink) Broadcast(string, models.SyncEvent) {}

// NopSink discards every event.
var NopSink EventSink = nopSink{}
