package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/logging"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
	"github.com/eutimioliusbel/pfasync/backend/internal/secrets"
)

type staticCreds struct {
	creds *secrets.PEMSCredentials
	err   error
}

func (s staticCreds) GetPEMSCredentials(context.Context, string) (*secrets.PEMSCredentials, error) {
	return s.creds, s.err
}

var testCreds = staticCreds{creds: &secrets.PEMSCredentials{Username: "svc", Password: "pw", Tenant: "T1"}}

// TestHTTPConnector_fetch covers both response shapes and request details.
func TestHTTPConnector_fetch(t *testing.T) {
	var gotPath, gotOrg, gotTenant, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOrg = r.URL.Query().Get("organization")
		gotTenant = r.Header.Get("X-Tenant")
		gotUser, _, _ = r.BasicAuth()
		if r.URL.Query().Get("since") != "" {
			w.Write([]byte(`{"records":[{"id":"PFA-2"}]}`))
			return
		}
		w.Write([]byte(`[{"id":"PFA-1"},{"id":"PFA-2"}]`))
	}))
	defer srv.Close()

	c := NewHTTPConnector(srv.URL+"/", testCreds, srv.Client())
	ctx := context.Background()

	records, err := c.Fetch(ctx, FetchRequest{OrganizationID: "ORG 1", EntityType: "pfa"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "/pfa", gotPath)
	assert.Equal(t, "ORG 1", gotOrg)
	assert.Equal(t, "T1", gotTenant)
	assert.Equal(t, "svc", gotUser)

	records, err = c.Fetch(ctx, FetchRequest{OrganizationID: "ORG1", EntityType: "pfa", Since: time.Now()})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"id":"PFA-2"}`, string(records[0]))
}

// TestHTTPConnector_write verifies the write body and path escaping.
func TestHTTPConnector_write(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPConnector(srv.URL, testCreds, srv.Client())
	err := c.Write(context.Background(), WriteRequest{
		OrganizationID: "ORG1",
		EntityType:     "pfa",
		ExternalID:     "PFA/7",
		Fields:         models.Fields{"monthlyRate": 5500},
		BaseVersion:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/pfa/PFA%2F7", gotPath)
	assert.Equal(t, float64(2), gotBody["baseVersion"])
	assert.Equal(t, map[string]interface{}{"monthlyRate": float64(5500)}, gotBody["fields"])
}

// TestHTTPConnector_classification maps statuses to error codes.
func TestHTTPConnector_classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperrors.ErrorCode
		msg    string
	}{
		{"server error", 503, "down", apperrors.ErrTransientExternal, "down"},
		{"throttled", 429, "", apperrors.ErrTransientExternal, "Too Many Requests"},
		{"unauthorized", 401, "", apperrors.ErrConfiguration, "401"},
		{"validation", 422, `{"message":"forecastEnd before forecastStart"}`, apperrors.ErrPermanentExternal, "forecastEnd before forecastStart"},
		{"bad request text", 400, "rate must be positive", apperrors.ErrPermanentExternal, "rate must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPConnector(srv.URL, testCreds, srv.Client())
			err := c.Write(context.Background(), WriteRequest{OrganizationID: "ORG1", EntityType: "pfa", ExternalID: "1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// TestHTTPConnector_timeout verifies deadlines are retryable timeouts.
func TestHTTPConnector_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewHTTPConnector(srv.URL, testCreds, srv.Client())
	_, err := c.Fetch(ctx, FetchRequest{OrganizationID: "ORG1", EntityType: "pfa"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrSyncTimeout, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}

// TestHTTPConnector_missingCredentials verifies secrets failures are
// configuration errors.
func TestHTTPConnector_missingCredentials(t *testing.T) {
	c := NewHTTPConnector("http://unused", staticCreds{err: apperrors.New(apperrors.ErrSecretNotFound, "missing")}, nil)
	_, err := c.Fetch(context.Background(), FetchRequest{OrganizationID: "ORG1", EntityType: "pfa"})
	assert.Equal(t, apperrors.ErrConfiguration, apperrors.CodeOf(err))
	assert.True(t, apperrors.Is(err, apperrors.ErrSecretNotFound))
}

// TestRegistry verifies lookups.
func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("pems-b", NewHTTPConnector("http://b", testCreds, nil))
	r.Register("pems-a", NewHTTPConnector("http://a", testCreds, nil))

	assert.Equal(t, []string{"pems-a", "pems-b"}, r.IDs())
	_, err := r.Get("pems-a")
	assert.NoError(t, err)
	_, err = r.Get("missing")
	assert.Equal(t, apperrors.ErrConfiguration, apperrors.CodeOf(err))
}

// TestHTTPConnector_refusedCredentialsAreReread verifies a rotated password
// is picked up on the call after the source refuses the cached one.
func TestHTTPConnector_refusedCredentialsAreReread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pw, _ := r.BasicAuth(); pw != "rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"id":"PFA-1"}]`))
	}))
	defer srv.Close()

	const name = "pfa-vanguard/pems/ORG1"
	store := secrets.StaticStore{name: `{"baseUrl":"https://pems.example.com","username":"svc","password":"old","tenant":"T1"}`}
	provider := secrets.NewProvider(store, secrets.Options{AppName: "pfa-vanguard", TTL: time.Hour, Logger: logging.Discard()})
	c := NewHTTPConnector(srv.URL, provider, srv.Client())
	ctx := context.Background()
	req := FetchRequest{OrganizationID: "ORG1", EntityType: "pfa"}

	_, err := c.Fetch(ctx, req)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration), "got %v", err)

	store[name] = `{"baseUrl":"https://pems.example.com","username":"svc","password":"rotated","tenant":"T1"}`
	records, err := c.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

var _ CredentialRefresher = (*secrets.Provider)(nil)
