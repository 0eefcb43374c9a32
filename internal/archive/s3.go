package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Regional AWS S3 endpoints. Unknown regions fall back to the SDK resolver.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// s3Endpoint describes how to reach one S3-compatible provider.
type s3Endpoint struct {
	URL       string // empty means the SDK default
	Region    string
	PathStyle bool
}

// resolveS3Endpoint maps provider settings to an endpoint. AWS uses
// virtual-host style, MinIO needs path style and a scheme, and R2 lives
// at an account-specific host in region "auto".
func resolveS3Endpoint(cfg S3Config) (s3Endpoint, error) {
	switch cfg.Provider {
	case ProviderAWS, "":
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		ep := s3Endpoint{Region: region}
		if cfg.Endpoint != "" {
			ep.URL = withScheme(cfg.Endpoint, true)
		} else if host, ok := awsEndpoints[region]; ok {
			ep.URL = "https://" + host
		}
		return ep, nil
	case ProviderMinIO:
		if cfg.Endpoint == "" {
			return s3Endpoint{}, fmt.Errorf("minio endpoint is required")
		}
		return s3Endpoint{URL: withScheme(cfg.Endpoint, cfg.UseSSL), Region: "us-east-1", PathStyle: true}, nil
	case ProviderR2:
		if !IsValidR2AccountID(cfg.AccountID) {
			return s3Endpoint{}, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
		}
		return s3Endpoint{URL: "https://" + cfg.AccountID + ".r2.cloudflarestorage.com", Region: "auto"}, nil
	default:
		return s3Endpoint{}, fmt.Errorf("unknown s3 provider %q", cfg.Provider)
	}
}

func withScheme(endpoint string, useSSL bool) string {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// IsValidR2AccountID reports whether id looks like a Cloudflare account id
// (32 hex characters).
func IsValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// storageClass maps a tier to an S3 storage class. MinIO ignores classes
// and only AWS offers Glacier; R2 stores archive-tier objects as
// infrequent access.
func storageClass(provider string, tier Tier) types.StorageClass {
	if provider == ProviderMinIO {
		return ""
	}
	switch tier {
	case TierArchive:
		if provider == ProviderAWS {
			return types.StorageClassGlacier
		}
		return types.StorageClassStandardIa
	case TierCool:
		return types.StorageClassStandardIa
	default:
		return types.StorageClassStandard
	}
}

type s3Store struct {
	client *s3.Client
	bucket string
	class  types.StorageClass
}

func newS3Store(ctx context.Context, cfg S3Config, tier Tier) (*s3Store, error) {
	ep, err := resolveS3Endpoint(cfg)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(ep.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep.URL != "" {
			o.BaseEndpoint = aws.String(ep.URL)
		}
		o.UsePathStyle = ep.PathStyle
	})
	return &s3Store{client: client, bucket: cfg.Bucket, class: storageClass(cfg.Provider, tier)}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/gzip"),
		Metadata:      meta,
		StorageClass:  s.class,
	})
	return s3Error(err)
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *s3Store) Stat(ctx context.Context, key string) (objectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectInfo{}, s3Error(err)
	}
	meta := out.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return objectInfo{Key: key, Size: aws.ToInt64(out.ContentLength), Metadata: meta}, nil
}

// List returns keys only; S3 listings carry no user metadata.
func (s *s3Store) List(ctx context.Context, prefix string) ([]objectInfo, error) {
	var out []objectInfo
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, s3Error(err)
		}
		for _, obj := range page.Contents {
			out = append(out, objectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return s3Error(err)
}

func (s *s3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return s3Error(err)
}

// s3Error folds the SDK's not-found shapes into errObjectNotFound.
func s3Error(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", errObjectNotFound, err)
	}
	var cold *types.InvalidObjectState
	if errors.As(err, &cold) {
		return fmt.Errorf("%w: %v", errObjectArchived, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound":
			return fmt.Errorf("%w: %v", errObjectNotFound, err)
		case "InvalidObjectState":
			return fmt.Errorf("%w: %v", errObjectArchived, err)
		}
	}
	return err
}
