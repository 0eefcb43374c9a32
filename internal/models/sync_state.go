package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncStatus is the persisted discriminator of a modification's state.
type SyncStatus string

const (
	StatusDraft     SyncStatus = "draft"
	StatusCommitted SyncStatus = "committed"
	StatusSyncing   SyncStatus = "syncing"
	StatusSuccess   SyncStatus = "success"
	StatusConflict  SyncStatus = "conflict"
	StatusSyncError SyncStatus = "sync_error"
)

// SyncState is the lifecycle state of a modification. Each concrete type
// carries only the data that state needs.
type SyncState interface {
	Status() SyncStatus
	isSyncState()
}

// Draft is an editable, unsubmitted delta.
type Draft struct{}

// Committed is waiting to be pushed.
type Committed struct{}

// Syncing is being pushed.
type Syncing struct {
	StartedAt time.Time `json:"started_at"`
}

// Succeeded was written to the external system and absorbed into the mirror.
type Succeeded struct {
	Version int64 `json:"version"`
}

// Conflicted collided with a concurrent mirror change on Fields.
type Conflicted struct {
	Fields []string `json:"fields"`
}

// SyncFailed is a failed push. Retryable failures are picked up again once
// NextRetryAt has passed; the rest wait for the user.
type SyncFailed struct {
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	Message     string    `json:"message"`
	Retryable   bool      `json:"retryable"`
}

func (Draft) Status() SyncStatus      { return StatusDraft }
func (Committed) Status() SyncStatus  { return StatusCommitted }
func (Syncing) Status() SyncStatus    { return StatusSyncing }
func (Succeeded) Status() SyncStatus  { return StatusSuccess }
func (Conflicted) Status() SyncStatus { return StatusConflict }
func (SyncFailed) Status() SyncStatus { return StatusSyncError }

func (Draft) isSyncState()      {}
func (Committed) isSyncState()  {}
func (Syncing) isSyncState()    {}
func (Succeeded) isSyncState()  {}
func (Conflicted) isSyncState() {}
func (SyncFailed) isSyncState() {}

// Due reports whether a retryable failure may be attempted at now.
func (s SyncFailed) Due(now time.Time) bool {
	return s.Retryable && !now.Before(s.NextRetryAt)
}

var transitions = map[SyncStatus][]SyncStatus{
	StatusDraft:     {StatusCommitted},
	StatusCommitted: {StatusSyncing},
	StatusSyncing:   {StatusSuccess, StatusConflict, StatusSyncError, StatusCommitted},
	StatusConflict:  {StatusCommitted, StatusSuccess},
	StatusSyncError: {StatusSyncing, StatusDraft},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsOpen reports whether a modification in status still needs work.
func IsOpen(status SyncStatus) bool {
	return status != StatusSuccess
}

// EncodeState splits a state into its status column and JSON detail.
func EncodeState(s SyncState) (SyncStatus, string, error) {
	if s == nil {
		return "", "", fmt.Errorf("nil sync state")
	}
	switch s.(type) {
	case Draft, Committed:
		return s.Status(), "{}", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", "", fmt.Errorf("encode %s state: %w", s.Status(), err)
	}
	return s.Status(), string(data), nil
}

// DecodeState rebuilds a state from its status column and JSON detail.
func DecodeState(status SyncStatus, detail string) (SyncState, error) {
	if detail == "" {
		detail = "{}"
	}
	var (
		state SyncState
		err   error
	)
	switch status {
	case StatusDraft:
		state = Draft{}
	case StatusCommitted:
		state = Committed{}
	case StatusSyncing:
		var s Syncing
		err = json.Unmarshal([]byte(detail), &s)
		state = s
	case StatusSuccess:
		var s Succeeded
		err = json.Unmarshal([]byte(detail), &s)
		state = s
	case StatusConflict:
		var s Conflicted
		err = json.Unmarshal([]byte(detail), &s)
		state = s
	case StatusSyncError:
		var s SyncFailed
		err = json.Unmarshal([]byte(detail), &s)
		state = s
	default:
		return nil, fmt.Errorf("unknown sync status %q", status)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s state: %w", status, err)
	}
	return state, nil
}
