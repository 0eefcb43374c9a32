package archive

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
)

// BackendType selects the archive backend.
type BackendType string

const (
	TypeDisabled   BackendType = "disabled"
	TypeFilesystem BackendType = "filesystem"
	TypeS3         BackendType = "s3"
	TypeAzure      BackendType = "azure"
)

// Tier is the storage class hint applied to new archives.
type Tier string

const (
	TierHot     Tier = "hot"
	TierCool    Tier = "cool"
	TierArchive Tier = "archive"
)

// S3 providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// Config selects and configures the archive backend. Only the section of
// the selected Type is validated.
type Config struct {
	Type   BackendType `env:"TYPE" envDefault:"disabled" validate:"oneof=disabled filesystem s3 azure"`
	Prefix string      `env:"PREFIX" envDefault:"bronze" validate:"required"`
	Tier   Tier        `env:"TIER" envDefault:"cool" validate:"oneof=hot cool archive"`

	Filesystem FilesystemConfig `envPrefix:"FS_" validate:"-"`
	S3         S3Config         `envPrefix:"S3_" validate:"-"`
	Azure      AzureConfig      `envPrefix:"AZURE_" validate:"-"`
}

// FilesystemConfig configures the local directory backend.
type FilesystemConfig struct {
	Dir string `env:"DIR" envDefault:"data/archive" validate:"required"`
}

// S3Config configures an S3-compatible object store.
type S3Config struct {
	Provider string `env:"PROVIDER" envDefault:"aws" validate:"oneof=aws minio r2"`
	Bucket   string `env:"BUCKET" validate:"required"`
	Region   string `env:"REGION" envDefault:"us-east-1"`
	// Endpoint is required for MinIO ("localhost:9000" or a full URL) and
	// optional for AWS, where it overrides the regional endpoint.
	Endpoint  string `env:"ENDPOINT" validate:"required_if=Provider minio"`
	UseSSL    bool   `env:"USE_SSL"`
	AccountID string `env:"ACCOUNT_ID" validate:"required_if=Provider r2"`
	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string `env:"ACCESS_KEY_ID" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" validate:"required_with=AccessKeyID"`
}

// AzureConfig configures an Azure Blob Storage container.
type AzureConfig struct {
	AccountName      string `env:"ACCOUNT_NAME" validate:"required_without=ConnectionString"`
	AccountKey       string `env:"ACCOUNT_KEY" validate:"required_with=AccountName"`
	ConnectionString string `env:"CONNECTION_STRING"`
	Container        string `env:"CONTAINER" validate:"required"`
	// ServiceURL defaults to https://<account>.blob.core.windows.net/.
	ServiceURL string `env:"SERVICE_URL"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the common settings and the selected backend's section.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return configError("archive", err)
	}

	var section interface{}
	switch c.Type {
	case TypeFilesystem:
		section = c.Filesystem
	case TypeS3:
		section = c.S3
	case TypeAzure:
		section = c.Azure
	default:
		return nil
	}
	if err := validate.Struct(section); err != nil {
		return configError("archive "+string(c.Type), err)
	}
	if c.Type == TypeS3 && c.S3.Provider == ProviderR2 && !IsValidR2AccountID(c.S3.AccountID) {
		return apperrors.Newf(apperrors.ErrConfiguration, "archive s3: invalid R2 account id %q", c.S3.AccountID)
	}
	return nil
}

func configError(scope string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrConfiguration, scope+" config", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return apperrors.Newf(apperrors.ErrConfiguration, "%s config: %s", scope, strings.Join(msgs, "; "))
}
