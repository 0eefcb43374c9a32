package models

import "encoding/json"

// Resolution is how a user settled one conflicting field.
type Resolution string

const (
	ResolveUseLocal  Resolution = "use_local"
	ResolveUseRemote Resolution = "use_remote"
	ResolveMerge     Resolution = "merge"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveUseLocal, ResolveUseRemote, ResolveMerge:
		return true
	}
	return false
}

// Conflict is a field-level disagreement raised by one push attempt.
type Conflict struct {
	ID             UUID            `db:"id" json:"id"`
	ModificationID UUID            `db:"modification_id" json:"modification_id"`
	FieldName      string          `db:"field_name" json:"field_name"`
	LocalValue     json.RawMessage `db:"local_value" json:"local_value"`
	RemoteValue    json.RawMessage `db:"remote_value" json:"remote_value"`
	RemoteVersion  int64           `db:"remote_version" json:"remote_version"`
	Resolution     Resolution      `db:"resolution" json:"resolution,omitempty"`
	MergedValue    json.RawMessage `db:"merged_value" json:"merged_value,omitempty"`
	Resolved       bool            `db:"resolved" json:"resolved"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	ResolvedAt     int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "sync_conflicts"
}
