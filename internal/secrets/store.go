package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
)

// Store fetches raw secret values from an external secret store.
type Store interface {
	GetSecretValue(ctx context.Context, name string) (string, error)
}

// secretsManagerAPI is the subset of the Secrets Manager client in use.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSStore reads secrets from AWS Secrets Manager.
type AWSStore struct {
	client secretsManagerAPI
}

// NewAWSStore builds a store for region. A non-empty endpoint overrides the
// service URL, e.g. for LocalStack.
func NewAWSStore(ctx context.Context, region, endpoint string) (*AWSStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "load aws config", err)
	}
	client := secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &AWSStore{client: client}, nil
}

// GetSecretValue implements Store. Binary secrets are returned as their
// raw bytes.
func (s *AWSStore) GetSecretValue(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return "", mapStoreError(name, err)
	}
	if out.SecretString != nil {
		return *out.SecretString, nil
	}
	if out.SecretBinary != nil {
		return string(out.SecretBinary), nil
	}
	return "", apperrors.Newf(apperrors.ErrSecretInvalid, "secret %s has no value", name)
}

// mapStoreError turns SDK failures into coded errors whose messages tell an
// operator what to fix. The secret value is never part of the message.
func mapStoreError(name string, err error) error {
	var (
		notFound *types.ResourceNotFoundException
		invalidR *types.InvalidRequestException
		invalidP *types.InvalidParameterException
	)
	switch {
	case errors.As(err, &notFound):
		return apperrors.Wrap(apperrors.ErrSecretNotFound,
			fmt.Sprintf("secret %s not found: create it in Secrets Manager or check the organization id", name), err)
	case errors.As(err, &invalidR), errors.As(err, &invalidP):
		return apperrors.Wrap(apperrors.ErrSecretMalformed,
			fmt.Sprintf("malformed request for secret %s: check the secret name and region", name), err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "AccessDenied", "UnrecognizedClientException":
			return apperrors.Wrap(apperrors.ErrSecretAccessDenied,
				fmt.Sprintf("access denied to secret %s: grant secretsmanager:GetSecretValue to the service role", name), err)
		case "ValidationException":
			return apperrors.Wrap(apperrors.ErrSecretMalformed,
				fmt.Sprintf("malformed request for secret %s: check the secret name and region", name), err)
		}
	}
	return apperrors.Wrap(apperrors.ErrSecretFetch, fmt.Sprintf("failed to fetch secret %s", name), err)
}

// StaticStore serves secrets from memory. It backs local development and
// tests.
type StaticStore map[string]string

// GetSecretValue implements Store.
func (s StaticStore) GetSecretValue(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrSecretNotFound, "secret %s not found", name)
	}
	return v, nil
}
