package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// errObjectNotFound is returned by object stores for a missing key.
var errObjectNotFound = errors.New("object not found")

// errObjectArchived is returned by object stores for an object that sits
// in a cold tier and must be restored before it can be read.
var errObjectArchived = errors.New("object is in a cold storage tier")

// objectInfo is one listed object. Metadata is nil when the store does not
// return it with listings.
type objectInfo struct {
	Key      string
	Size     int64
	Metadata map[string]string
}

// objectStore is the minimal blob API the object backend needs.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (objectInfo, error)
	List(ctx context.Context, prefix string) ([]objectInfo, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// statConcurrency bounds metadata lookups during a listing.
const statConcurrency = 8

// ObjectBackend archives to a remote object store. The object's own
// metadata tags are the catalog.
type ObjectBackend struct {
	name   string
	prefix string
	store  objectStore
	logger *logging.Logger
	now    func() time.Time
}

func newObjectBackend(name, prefix string, store objectStore, logger *logging.Logger) *ObjectBackend {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ObjectBackend{name: name, prefix: prefix, store: store, logger: logger, now: time.Now}
}

// Name implements Backend.
func (b *ObjectBackend) Name() string { return b.name }

// ArchiveBatch implements Backend.
func (b *ObjectBackend) ArchiveBatch(ctx context.Context, batch Batch) (*models.ArchiveMetadata, error) {
	data, plainSize, err := encodeBatch(batch.Records)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "encode batch", err)
	}

	at := b.now()
	id := NewArchiveID(at)
	key := ObjectKey(b.prefix, id)
	meta := newMetadata(id, key, b.name, at, batch, int64(len(data)), plainSize)

	if err := b.store.Put(ctx, key, data, metadataTags(meta)); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "upload archive "+id, err)
	}

	b.logger.Info("archived batch", map[string]interface{}{
		"backend":      b.name,
		"archive_id":   id,
		"records":      meta.RecordCount,
		"compressed":   humanize.Bytes(uint64(meta.CompressedSize)),
		"uncompressed": humanize.Bytes(uint64(meta.UncompressedSize)),
	})
	return meta, nil
}

// RetrieveArchive implements Backend.
func (b *ObjectBackend) RetrieveArchive(ctx context.Context, id string) ([]json.RawMessage, error) {
	data, err := b.store.Get(ctx, ObjectKey(b.prefix, id))
	if err != nil {
		return nil, b.storeError("download archive "+id, err)
	}
	records, err := decodeBatchBytes(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrArchivalFailure, "decode archive "+id, err)
	}
	return records, nil
}

// ListArchives implements Backend. Ids outside the range are skipped before
// any metadata lookup; stores that omit metadata from listings are
// queried per object with bounded concurrency.
func (b *ObjectBackend) ListArchives(ctx context.Context, r DateRange) ([]*models.ArchiveMetadata, error) {
	infos, err := b.store.List(ctx, b.prefix+"/")
	if err != nil {
		return nil, b.storeError("list archives", err)
	}

	var (
		mu  sync.Mutex
		out []*models.ArchiveMetadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, info := range infos {
		id, ok := idFromKey(info.Key)
		if !ok {
			continue
		}
		at, err := ParseArchiveID(id)
		if err != nil || !r.Contains(at) {
			continue
		}

		g.Go(func() error {
			if info.Metadata == nil {
				full, err := b.store.Stat(gctx, info.Key)
				if errors.Is(err, errObjectNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				info = full
			}
			meta := metadataFromTags(id, info.Key, b.name, info.Size, info.Metadata)
			mu.Lock()
			out = append(out, meta)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, b.storeError("stat archive", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteArchive implements Backend.
func (b *ObjectBackend) DeleteArchive(ctx context.Context, id string) error {
	key := ObjectKey(b.prefix, id)
	if _, err := b.store.Stat(ctx, key); err != nil {
		return b.storeError("delete archive "+id, err)
	}
	if err := b.store.Delete(ctx, key); err != nil {
		return b.storeError("delete archive "+id, err)
	}
	return nil
}

// HealthCheck implements Backend.
func (b *ObjectBackend) HealthCheck(ctx context.Context) error {
	if err := b.store.Ping(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrArchivalFailure, b.name+" unreachable", err)
	}
	return nil
}

// Close implements io.Closer. Remote clients hold no resources.
func (b *ObjectBackend) Close() error { return nil }

func (b *ObjectBackend) storeError(msg string, err error) error {
	if errors.Is(err, errObjectNotFound) {
		return apperrors.Wrap(apperrors.ErrNotFound, msg, err)
	}
	if errors.Is(err, errObjectArchived) {
		return apperrors.Wrap(apperrors.ErrArchivalFailure,
			msg+": object is in the archive tier, rehydrate it (S3 RestoreObject or Azure Set Blob Tier to Hot/Cool) and retry", err)
	}
	return apperrors.Wrap(apperrors.ErrArchivalFailure, msg, err)
}
