package models

import "time"

// MirrorRecord is the cached baseline of one externally owned record.
// It is unique per (organization, external id) and is only ever mutated by
// pulls and absorbed pushes.
type MirrorRecord struct {
	ID                UUID   `db:"id" json:"id"`
	OrganizationID    string `db:"organization_id" json:"organization_id"`
	ExternalID        string `db:"external_id" json:"external_id"`
	EntityType        string `db:"entity_type" json:"entity_type"`
	Payload           Fields `db:"payload" json:"payload"`
	Version           int64  `db:"version" json:"version"`
	LastSyncedAt      int64  `db:"last_synced_at" json:"last_synced_at"`
	SourceFingerprint string `db:"source_fingerprint" json:"source_fingerprint,omitempty"`
	CreatedAt         int64  `db:"created_at" json:"created_at"`
	UpdatedAt         int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for MirrorRecord.
func (MirrorRecord) TableName() string {
	return "mirror_records"
}

// LastSyncedAtTime returns LastSyncedAt as time.Time.
func (m *MirrorRecord) LastSyncedAtTime() time.Time {
	return time.Unix(m.LastSyncedAt, 0)
}

// ChangeOrigin says what produced a mirror version.
type ChangeOrigin string

const (
	OriginPull ChangeOrigin = "pull"
	OriginPush ChangeOrigin = "push"
)

// MirrorChange records the fields touched by one mirror version bump.
// Conflict detection reads these rows to find what changed since a
// modification's base version.
type MirrorChange struct {
	MirrorID      UUID         `db:"mirror_id" json:"mirror_id"`
	Version       int64        `db:"version" json:"version"`
	ChangedFields StringList   `db:"changed_fields" json:"changed_fields"`
	Origin        ChangeOrigin `db:"origin" json:"origin"`
	ChangedAt     int64        `db:"changed_at" json:"changed_at"`
}

// TableName returns the table name for MirrorChange.
func (MirrorChange) TableName() string {
	return "mirror_changes"
}

// MirrorUpsert is one normalized record produced by a pull.
type MirrorUpsert struct {
	OrganizationID    string
	ExternalID        string
	EntityType        string
	Payload           Fields
	SourceFingerprint string

	// Fenced makes the upsert skip a record whose version is no longer
	// FetchVersion, the version it had before the fetch began (0 when it
	// did not exist). The pulled data is then older than the mirror.
	Fenced       bool
	FetchVersion int64
}

// UpsertOutcome reports what a mirror upsert did.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
	UpsertStale     UpsertOutcome = "stale"
)
