package models

import "time"

// ArchiveMetadata describes one archived bronze batch. Rows are immutable
// and removed only by an operator.
type ArchiveMetadata struct {
	ID               string `db:"id" json:"id"`
	Key              string `db:"object_key" json:"key"`
	Backend          string `db:"backend" json:"backend"`
	OrganizationID   string `db:"organization_id" json:"organization_id,omitempty"`
	EntityType       string `db:"entity_type" json:"entity_type,omitempty"`
	RecordCount      int    `db:"record_count" json:"record_count"`
	CompressedSize   int64  `db:"compressed_size" json:"compressed_size"`
	UncompressedSize int64  `db:"uncompressed_size" json:"uncompressed_size"`
	ArchivedAt       int64  `db:"archived_at" json:"archived_at"`
}

// TableName returns the table name for ArchiveMetadata.
func (ArchiveMetadata) TableName() string {
	return "archive_metadata"
}

// ArchivedAtTime returns ArchivedAt (unix milliseconds) as time.Time.
func (a *ArchiveMetadata) ArchivedAtTime() time.Time {
	return time.UnixMilli(a.ArchivedAt).UTC()
}

// CompressionRatio returns compressed over uncompressed size.
func (a *ArchiveMetadata) CompressionRatio() float64 {
	if a.UncompressedSize == 0 {
		return 0
	}
	return float64(a.CompressedSize) / float64(a.UncompressedSize)
}
