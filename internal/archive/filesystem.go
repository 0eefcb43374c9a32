package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

var catalogBucket = []byte("archives")

// FilesystemBackend writes archives under a local directory and keeps a
// bbolt catalog of their metadata so listings never decompress objects.
type FilesystemBackend struct {
	dir     string
	prefix  string
	catalog *bolt.DB
	logger  *logging.Logger
	now     func() time.Time
}

// NewFilesystemBackend opens (creating if needed) the archive directory and
// its catalog.
func NewFilesystemBackend(dir, prefix string, logger *logging.Logger) (*FilesystemBackend, error) {
	if err := os.MkdirAll(filepath.Join(dir, filepath.FromSlash(prefix)), 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "create archive directory", err)
	}

	catalog, err := bolt.Open(filepath.Join(dir, "catalog.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "open archive catalog", err)
	}
	err = catalog.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(catalogBucket)
		return err
	})
	if err != nil {
		catalog.Close()
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "init archive catalog", err)
	}

	if logger == nil {
		logger = logging.Discard()
	}
	return &FilesystemBackend{
		dir:     dir,
		prefix:  prefix,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Name implements Backend.
func (b *FilesystemBackend) Name() string { return string(TypeFilesystem) }

func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.dir, filepath.FromSlash(key))
}

// ArchiveBatch implements Backend. The object is written to a temp file and
// renamed so a crash never leaves a partial archive behind.
func (b *FilesystemBackend) ArchiveBatch(ctx context.Context, batch Batch) (*models.ArchiveMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, plainSize, err := encodeBatch(batch.Records)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "encode batch", err)
	}

	at := b.now()
	id := NewArchiveID(at)
	key := ObjectKey(b.prefix, id)
	meta := newMetadata(id, key, b.Name(), at, batch, int64(len(data)), plainSize)

	target := b.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "write archive", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "commit archive", err)
	}

	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "encode metadata", err)
	}
	err = b.catalog.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).Put([]byte(id), encoded)
	})
	if err != nil {
		os.Remove(target)
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "record archive", err)
	}

	b.logger.Info("archived batch", map[string]interface{}{
		"archive_id":   id,
		"records":      meta.RecordCount,
		"compressed":   humanize.Bytes(uint64(meta.CompressedSize)),
		"uncompressed": humanize.Bytes(uint64(meta.UncompressedSize)),
	})
	return meta, nil
}

// RetrieveArchive implements Backend.
func (b *FilesystemBackend) RetrieveArchive(ctx context.Context, id string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(meta.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "archive %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "open archive", err)
	}
	defer f.Close()

	records, err := decodeBatch(f)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "decode archive "+id, err)
	}
	return records, nil
}

func (b *FilesystemBackend) lookup(id string) (*models.ArchiveMetadata, error) {
	var meta *models.ArchiveMetadata
	err := b.catalog.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(catalogBucket).Get([]byte(id))
		if raw == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "archive %s not found", id)
		}
		meta = new(models.ArchiveMetadata)
		return json.Unmarshal(raw, meta)
	})
	return meta, err
}

// ListArchives implements Backend. Catalog keys are archive ids, which
// sort chronologically, so the scan seeks straight to the lower bound.
func (b *FilesystemBackend) ListArchives(ctx context.Context, r DateRange) ([]*models.ArchiveMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seek := []byte(idPrefix)
	if !r.From.IsZero() {
		seek = []byte(NewArchiveID(r.From))
		seek = seek[:len(idPrefix)+len(idTimestamp)]
	}

	var out []*models.ArchiveMetadata
	err := b.catalog.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(catalogBucket).Cursor()
		for k, v := c.Seek(seek); k != nil && bytes.HasPrefix(k, []byte(idPrefix)); k, v = c.Next() {
			meta := new(models.ArchiveMetadata)
			if err := json.Unmarshal(v, meta); err != nil {
				return fmt.Errorf("catalog entry %s: %w", k, err)
			}
			at := meta.ArchivedAtTime()
			if !r.To.IsZero() && at.After(r.To) {
				break
			}
			if r.Contains(at) {
				out = append(out, meta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "list archives", err)
	}
	return out, nil
}

// DeleteArchive implements Backend.
func (b *FilesystemBackend) DeleteArchive(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta, err := b.lookup(id)
	if err != nil {
		return err
	}
	if err := os.Remove(b.path(meta.Key)); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.ErrArchivalFailure, "delete archive", err)
	}
	return b.catalog.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).Delete([]byte(id))
	})
}

// HealthCheck implements Backend by writing and removing a probe file.
func (b *FilesystemBackend) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := os.CreateTemp(b.dir, ".health-*")
	if err != nil {
		return apperrors.Wrap(apperrors.ErrArchivalFailure, "archive directory not writable", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return b.catalog.View(func(tx *bolt.Tx) error {
		if tx.Bucket(catalogBucket) == nil {
			return apperrors.New(apperrors.ErrArchivalFailure, "archive catalog missing bucket")
		}
		return nil
	})
}

// Close releases the catalog.
func (b *FilesystemBackend) Close() error {
	return b.catalog.Close()
}
