package archive

import (
	"context"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
)

// New builds the configured backend. A disabled archive returns a nil
// Backend and no error; callers treat nil as "archival off".
func New(ctx context.Context, cfg Config, logger *logging.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With(map[string]interface{}{"component": "archive", "backend": string(cfg.Type)})

	switch cfg.Type {
	case TypeDisabled:
		return nil, nil
	case TypeFilesystem:
		fs, err := NewFilesystemBackend(cfg.Filesystem.Dir, cfg.Prefix, logger)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case TypeS3:
		store, err := newS3Store(ctx, cfg.S3, cfg.Tier)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "archive s3", err)
		}
		return newObjectBackend(string(TypeS3)+":"+cfg.S3.Provider, cfg.Prefix, store, logger), nil
	case TypeAzure:
		store, err := newAzureStore(cfg.Azure, cfg.Tier)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfiguration, "archive azure", err)
		}
		return newObjectBackend(string(TypeAzure), cfg.Prefix, store, logger), nil
	}
	return nil, apperrors.Newf(apperrors.ErrConfiguration, "unknown archive type %q", cfg.Type)
}
