// Package secrets provides cached, validated access to credentials held in
// an external secret store.
package secrets

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
)

// Defaults for Options.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultCacheSize = 512
)

// PEMSCredentials is the JSON payload stored at {app}/pems/{org}.
type PEMSCredentials struct {
	BaseURL  string `json:"baseUrl" validate:"required,url"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	Tenant   string `json:"tenant" validate:"required"`
	// Organization overrides the organization code sent to PEMS when it
	// differs from the local organization id.
	Organization string `json:"organization,omitempty"`
}

// Options configures a Provider.
type Options struct {
	AppName   string
	TTL       time.Duration
	CacheSize int
	Logger    *logging.Logger
}

// Provider fetches secrets through a process-wide cache with an absolute
// TTL. Concurrent misses for one name may both reach the store; the store
// is read-idempotent so no singleflight is used.
type Provider struct {
	store    Store
	app      string
	cache    *expirable.LRU[string, string]
	validate *validator.Validate
	logger   *logging.Logger
}

// NewProvider builds a provider over store.
func NewProvider(store Store, opts Options) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Provider{
		store:    store,
		app:      opts.AppName,
		cache:    expirable.NewLRU[string, string](opts.CacheSize, nil, opts.TTL),
		validate: validator.New(),
		logger:   opts.Logger.With(map[string]interface{}{"component": "secrets"}),
	}
}

// GetSecret returns the named secret, from cache when fresh.
func (p *Provider) GetSecret(ctx context.Context, name string) (string, error) {
	if v, ok := p.cache.Get(name); ok {
		p.logger.Debug("secret cache hit", map[string]interface{}{"secret": name})
		return v, nil
	}

	v, err := p.store.GetSecretValue(ctx, name)
	if err != nil {
		p.logger.ErrorWithCode("secret fetch failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{"secret": name})
		return "", err
	}
	p.cache.Add(name, v)
	p.logger.Debug("secret fetched", map[string]interface{}{"secret": name})
	return v, nil
}

// PEMSSecretName returns "{app}/pems/{org}".
func (p *Provider) PEMSSecretName(org string) string {
	return p.app + "/pems/" + org
}

// AISecretName returns "{app}/ai/{provider}".
func (p *Provider) AISecretName(provider string) string {
	return p.app + "/ai/" + strings.ToLower(provider)
}

// GetPEMSCredentials fetches and validates the PEMS credentials of org.
func (p *Provider) GetPEMSCredentials(ctx context.Context, org string) (*PEMSCredentials, error) {
	if strings.TrimSpace(org) == "" {
		return nil, apperrors.New(apperrors.ErrSecretMalformed, "organization id is required for PEMS credentials")
	}
	name := p.PEMSSecretName(org)
	raw, err := p.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	var creds PEMSCredentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		// The decode error may quote the payload, so it is not wrapped.
		return nil, apperrors.Newf(apperrors.ErrSecretInvalid, "secret %s is not a JSON object", name)
	}
	if err := p.validate.Struct(&creds); err != nil {
		return nil, apperrors.Newf(apperrors.ErrSecretInvalid, "secret %s is missing required fields: %s", name, invalidFields(err))
	}
	return &creds, nil
}

// GetAIProviderKey fetches the plain API key stored for an AI provider.
func (p *Provider) GetAIProviderKey(ctx context.Context, provider string) (string, error) {
	if strings.TrimSpace(provider) == "" {
		return "", apperrors.New(apperrors.ErrSecretMalformed, "provider name is required")
	}
	name := p.AISecretName(provider)
	key, err := p.GetSecret(ctx, name)
	if err != nil {
		return "", err
	}
	if key = strings.TrimSpace(key); key == "" {
		return "", apperrors.Newf(apperrors.ErrSecretInvalid, "secret %s is empty", name)
	}
	return key, nil
}

// InvalidateCache drops one cached secret.
func (p *Provider) InvalidateCache(name string) {
	p.cache.Remove(name)
}

// RefreshPEMSCredentials drops the cached PEMS credentials of org.
func (p *Provider) RefreshPEMSCredentials(org string) {
	p.InvalidateCache(p.PEMSSecretName(org))
}

// ClearCache drops every cached secret.
func (p *Provider) ClearCache() {
	p.cache.Purge()
}

// Close clears the cache. The provider must not be used afterwards.
func (p *Provider) Close() error {
	p.cache.Purge()
	return nil
}

// invalidFields lists the fields that failed validation by JSON-ish name.
func invalidFields(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return "invalid payload"
	}
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		names = append(names, fe.Field())
	}
	return strings.Join(names, ", ")
}
