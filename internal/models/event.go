package models

import "time"

// EventType discriminates real-time sync events.
type EventType string

const (
	EventConnected      EventType = "CONNECTED"
	EventSyncQueued     EventType = "SYNC_QUEUED"
	EventSyncProcessing EventType = "SYNC_PROCESSING"
	EventSyncSuccess    EventType = "SYNC_SUCCESS"
	EventSyncConflict   EventType = "SYNC_CONFLICT"
	EventSyncFailed     EventType = "SYNC_FAILED"
)

// SyncEvent is the wire message pushed to clients of one organization.
type SyncEvent struct {
	Type           EventType              `json:"type"`
	RecordID       string                 `json:"recordId,omitempty"`
	OrganizationID string                 `json:"organizationId"`
	Timestamp      time.Time              `json:"timestamp"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
}

// NewSyncEvent stamps an event with the current UTC time.
func NewSyncEvent(t EventType, organizationID, recordID string, detail map[string]interface{}) SyncEvent {
	return SyncEvent{
		Type:           t,
		RecordID:       recordID,
		OrganizationID: organizationID,
		Timestamp:      time.Now().UTC(),
		Detail:         detail,
	}
}
