package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/eutimioliusbel/pfasync/backend/internal/errors"
	"github.com/eutimioliusbel/pfasync/backend/internal/secrets"
)

// maxErrorBody caps how much of a rejection body is read into a message.
const maxErrorBody = 4 << 10

// CredentialSource supplies per-organization credentials.
type CredentialSource interface {
	GetPEMSCredentials(ctx context.Context, org string) (*secrets.PEMSCredentials, error)
}

// CredentialRefresher is implemented by credential sources that cache. The
// connector calls it when the source refuses the credentials it sent, so
// the next call reads them fresh.
type CredentialRefresher interface {
	RefreshPEMSCredentials(org string)
}

// HTTPConnector speaks the PEMS REST dialect:
//
//	GET {base}/{entity}?organization={org}[&since=RFC3339]
//	PUT {base}/{entity}/{externalId}?organization={org}
//
// Credentials come from the secrets provider on every call, so rotated
// secrets take effect once the cache entry expires.
type HTTPConnector struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
}

// NewHTTPConnector builds a connector. An empty baseURL defers to the
// BaseURL in each organization's credentials.
func NewHTTPConnector(baseURL string, creds CredentialSource, client *http.Client) *HTTPConnector {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPConnector{baseURL: strings.TrimSuffix(baseURL, "/"), creds: creds, client: client}
}

type fetchEnvelope struct {
	Records []json.RawMessage `json:"records"`
	Data    []json.RawMessage `json:"data"`
}

// Fetch implements Connector. The body may be a JSON array or an object
// holding the array under "records" or "data".
func (c *HTTPConnector) Fetch(ctx context.Context, req FetchRequest) ([]json.RawMessage, error) {
	query := url.Values{"organization": {req.OrganizationID}}
	if !req.Since.IsZero() {
		query.Set("since", req.Since.UTC().Format(time.RFC3339))
	}

	body, err := c.do(ctx, http.MethodGet, req.OrganizationID, []string{req.EntityType}, query, nil)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []json.RawMessage
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPermanentExternal, "decode fetch response", err)
		}
		return records, nil
	}
	var env fetchEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPermanentExternal, "decode fetch response", err)
	}
	if env.Records != nil {
		return env.Records, nil
	}
	return env.Data, nil
}

// Write implements Connector.
func (c *HTTPConnector) Write(ctx context.Context, req WriteRequest) error {
	payload, err := json.Marshal(map[string]interface{}{
		"fields":      req.Fields,
		"baseVersion": req.BaseVersion,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode write request", err)
	}
	query := url.Values{"organization": {req.OrganizationID}}
	_, err = c.do(ctx, http.MethodPut, req.OrganizationID, []string{req.EntityType, req.ExternalID}, query, payload)
	return err
}

func (c *HTTPConnector) do(ctx context.Context, method, org string, segments []string, query url.Values, payload []byte) ([]byte, error) {
	creds, err := c.creds.GetPEMSCredentials(ctx, org)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "pems credentials for "+org, err)
	}

	base := c.baseURL
	if base == "" {
		base = strings.TrimSuffix(creds.BaseURL, "/")
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	target := base + "/" + strings.Join(escaped, "/") + "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfiguration, "build request", err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Tenant", creds.Tenant)
	if creds.Organization != "" {
		req.Header.Set("X-Organization", creds.Organization)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transportError(err)
		}
		return data, nil
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if r, ok := c.creds.(CredentialRefresher); ok {
			r.RefreshPEMSCredentials(org)
		}
	}
	return nil, statusError(resp)
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, "external call timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrTransientExternal, "external call failed", err)
}

// statusError classifies a non-2xx response. Throttling and server errors
// are transient; refused credentials are configuration problems; every
// other 4xx is a permanent rejection carrying the source's own message.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := rejectionMessage(raw)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.Newf(apperrors.ErrTransientExternal, "source returned %d: %s", resp.StatusCode, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperrors.Newf(apperrors.ErrConfiguration, "source refused credentials (%d)", resp.StatusCode)
	default:
		return apperrors.New(apperrors.ErrPermanentExternal, msg)
	}
}

// rejectionMessage pulls a human message out of an error body.
func rejectionMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

// String identifies the connector in logs.
func (c *HTTPConnector) String() string {
	if c.baseURL == "" {
		return "http(per-organization)"
	}
	return fmt.Sprintf("http(%s)", c.baseURL)
}
