package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/uuid"
)

const (
	idPrefix    = "bronze-"
	idTimestamp = "2006-01-02T15:04:05.000Z"
	objectExt   = ".jsonl.gz"
)

// Metadata tag names stored alongside each object.
const (
	tagRecordCount      = "recordcount"
	tagArchivedAt       = "archivetimestamp"
	tagCompressedSize   = "compressedsize"
	tagUncompressedSize = "uncompressedsize"
	tagOrganization     = "organizationid"
	tagEntityType       = "entitytype"
)

// NewArchiveID returns "bronze-<timestamp>-<random>". The timestamp is
// fixed width so ids sort chronologically.
func NewArchiveID(at time.Time) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(at.UTC().Format(idTimestamp))
	return idPrefix + ts + "-" + uuid.Short(8)
}

// ParseArchiveID extracts the creation time encoded in an archive id.
func ParseArchiveID(id string) (time.Time, error) {
	rest := strings.TrimPrefix(id, idPrefix)
	if rest == id || len(rest) < len(idTimestamp) {
		return time.Time{}, fmt.Errorf("malformed archive id %q", id)
	}
	ts := []byte(rest[:len(idTimestamp)])
	ts[13], ts[16], ts[19] = ':', ':', '.'
	return time.Parse(idTimestamp, string(ts))
}

// ObjectKey returns "<prefix>/<id>.jsonl.gz".
func ObjectKey(prefix, id string) string {
	return path.Join(prefix, id+objectExt)
}

// idFromKey is the inverse of ObjectKey; ok is false for foreign objects.
func idFromKey(key string) (string, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, idPrefix) || !strings.HasSuffix(base, objectExt) {
		return "", false
	}
	return strings.TrimSuffix(base, objectExt), true
}

// encodeBatch writes records as compact NDJSON and gzips it at the best
// compression level. It returns the compressed bytes and the NDJSON size.
func encodeBatch(records []json.RawMessage) ([]byte, int64, error) {
	var plain bytes.Buffer
	for i, rec := range records {
		if err := json.Compact(&plain, rec); err != nil {
			return nil, 0, fmt.Errorf("record %d is not valid JSON: %w", i, err)
		}
		plain.WriteByte('\n')
	}

	var out bytes.Buffer
	zw, err := gzip.NewWriterLevel(&out, gzip.BestCompression)
	if err != nil {
		return nil, 0, err
	}
	if _, err := zw.Write(plain.Bytes()); err != nil {
		return nil, 0, err
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	return out.Bytes(), int64(plain.Len()), nil
}

// decodeBatch reverses encodeBatch.
func decodeBatch(r io.Reader) ([]json.RawMessage, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	var records []json.RawMessage
	br := bufio.NewReader(zr)
	for {
		line, err := br.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			if !json.Valid(line) {
				return nil, fmt.Errorf("record %d is not valid JSON", len(records))
			}
			records = append(records, json.RawMessage(line))
		}
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
	}
}

func decodeBatchBytes(data []byte) ([]json.RawMessage, error) {
	return decodeBatch(bytes.NewReader(data))
}

// metadataTags renders the object metadata stored next to an archive.
func metadataTags(meta *models.ArchiveMetadata) map[string]string {
	tags := map[string]string{
		tagRecordCount:      strconv.Itoa(meta.RecordCount),
		tagArchivedAt:       meta.ArchivedAtTime().Format(time.RFC3339Nano),
		tagCompressedSize:   strconv.FormatInt(meta.CompressedSize, 10),
		tagUncompressedSize: strconv.FormatInt(meta.UncompressedSize, 10),
	}
	if meta.OrganizationID != "" {
		tags[tagOrganization] = meta.OrganizationID
	}
	if meta.EntityType != "" {
		tags[tagEntityType] = meta.EntityType
	}
	return tags
}

// metadataFromTags rebuilds metadata from stored tags. Providers may change
// the case of tag names, so lookups are case-insensitive. Missing tags leave
// zero values; the timestamp falls back to the one encoded in the id.
func metadataFromTags(id, key, backend string, size int64, tags map[string]string) *models.ArchiveMetadata {
	lower := make(map[string]string, len(tags))
	for k, v := range tags {
		lower[strings.ToLower(k)] = v
	}

	meta := &models.ArchiveMetadata{
		ID:             id,
		Key:            key,
		Backend:        backend,
		OrganizationID: lower[tagOrganization],
		EntityType:     lower[tagEntityType],
		CompressedSize: size,
	}
	meta.RecordCount, _ = strconv.Atoi(lower[tagRecordCount])
	if v, err := strconv.ParseInt(lower[tagCompressedSize], 10, 64); err == nil {
		meta.CompressedSize = v
	}
	meta.UncompressedSize, _ = strconv.ParseInt(lower[tagUncompressedSize], 10, 64)

	if at, err := time.Parse(time.RFC3339Nano, lower[tagArchivedAt]); err == nil {
		meta.ArchivedAt = at.UnixMilli()
	} else if at, err := ParseArchiveID(id); err == nil {
		meta.ArchivedAt = at.UnixMilli()
	}
	return meta
}

// newMetadata builds the metadata for a freshly encoded batch.
func newMetadata(id, key, backend string, at time.Time, batch Batch, compressed, uncompressed int64) *models.ArchiveMetadata {
	return &models.ArchiveMetadata{
		ID:               id,
		Key:              key,
		Backend:          backend,
		OrganizationID:   batch.OrganizationID,
		EntityType:       batch.EntityType,
		RecordCount:      len(batch.Records),
		CompressedSize:   compressed,
		UncompressedSize: uncompressed,
		ArchivedAt:       at.UnixMilli(),
	}
}
