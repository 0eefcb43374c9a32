package archive

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestArchiveID verifies the id layout and that it round-trips its time.
func TestArchiveID(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 5, 123_000_000, time.UTC)
	id := NewArchiveID(at)

	assert.True(t, strings.HasPrefix(id, "bronze-2025-03-01T12-00-05-123Z-"), id)
	assert.NotContains(t, id, ":")
	assert.NotContains(t, id, ".")

	parsed, err := ParseArchiveID(id)
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed), "got %v", parsed)

	later := NewArchiveID(at.Add(time.Millisecond))
	assert.Less(t, id[:len(idPrefix)+len(idTimestamp)], later[:len(idPrefix)+len(idTimestamp)])

	_, err = ParseArchiveID("bronze-garbage")
	assert.Error(t, err)
	_, err = ParseArchiveID("other-2025-03-01T12-00-05-123Z-x")
	assert.Error(t, err)
}

// TestObjectKey verifies key construction and its inverse.
func TestObjectKey(t *testing.T) {
	key := ObjectKey("bronze", "bronze-2025-03-01T12-00-05-123Z-abcd")
	assert.Equal(t, "bronze/bronze-2025-03-01T12-00-05-123Z-abcd.jsonl.gz", key)

	id, ok := idFromKey(key)
	assert.True(t, ok)
	assert.Equal(t, "bronze-2025-03-01T12-00-05-123Z-abcd", id)

	_, ok = idFromKey("bronze/readme.txt")
	assert.False(t, ok)
}

// TestEncodeDecode verifies records survive compression in order and are
// written one compact object per line.
func TestEncodeDecode(t *testing.T) {
	records := []json.RawMessage{
		json.RawMessage(`{"id": "PFA-1",  "cost": 100}`),
		json.RawMessage(`{"id":"PFA-2","tags":["a","b"]}`),
		json.RawMessage(`{"id":"PFA-3","nested":{"x":1}}`),
	}

	data, plainSize, err := encodeBatch(records)
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), data[0], "gzip magic")

	decoded, err := decodeBatch(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	assert.JSONEq(t, string(records[0]), string(decoded[0]))
	assert.Equal(t, `{"id":"PFA-1","cost":100}`, string(decoded[0]))
	assert.Equal(t, int64(len(decoded[0])+len(decoded[1])+len(decoded[2])+3), plainSize)
}

// TestEncode_invalidRecord verifies malformed JSON is rejected.
func TestEncode_invalidRecord(t *testing.T) {
	_, _, err := encodeBatch([]json.RawMessage{json.RawMessage(`{"id":`)})
	assert.Error(t, err)
}

// TestDecode_notGzip verifies corrupt archives fail cleanly.
func TestDecode_notGzip(t *testing.T) {
	_, err := decodeBatch(strings.NewReader(`{"id":"plain"}`))
	assert.Error(t, err)
}

// TestMetadataTags verifies tags round-trip, case-insensitively.
func TestMetadataTags(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewArchiveID(at)
	meta := newMetadata(id, ObjectKey("bronze", id), "s3:aws", at, Batch{
		OrganizationID: "ORG1",
		EntityType:     "pfa",
		Records:        make([]json.RawMessage, 3),
	}, 120, 900)

	tags := metadataTags(meta)
	upper := make(map[string]string, len(tags))
	for k, v := range tags {
		upper[strings.ToUpper(k[:1])+k[1:]] = v
	}

	got := metadataFromTags(id, meta.Key, "s3:aws", 0, upper)
	assert.Equal(t, meta, got)
}

// TestMetadataFromTags_fallback verifies the id supplies the timestamp when
// tags are missing.
func TestMetadataFromTags_fallback(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id := NewArchiveID(at)

	got := metadataFromTags(id, "k", "azure", 55, nil)
	assert.Equal(t, at.UnixMilli(), got.ArchivedAt)
	assert.Equal(t, int64(55), got.CompressedSize)
	assert.Zero(t, got.RecordCount)
}
