// Package credential obtains session credentials from the token endpoint.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultField is the JSON field holding the token in the endpoint response.
const DefaultField = "token"

const maxErrorBody = 256

// ErrUnavailable is returned for every fetch failure.
var ErrUnavailable = errors.New("credential unavailable")

// Credential is an opaque session token. It prints redacted; use string(c)
// to hand it to a transport.
type Credential string

func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

// HTTPFetcher fetches a credential with a single GET and no retries.
type HTTPFetcher struct {
	url    string
	field  string
	client *http.Client
}

// NewHTTPFetcher creates a fetcher for url. An empty field means DefaultField.
func NewHTTPFetcher(url, field string, timeout time.Duration) *HTTPFetcher {
	if field == "" {
		field = DefaultField
	}
	return &HTTPFetcher{
		url:    url,
		field:  field,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch performs one round trip to the token endpoint.
func (f *HTTPFetcher) Fetch(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: GET %s: %v", ErrUnavailable, f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: GET %s: %d %s", ErrUnavailable, f.url, resp.StatusCode, string(body))
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	raw, ok := fields[f.field]
	if !ok {
		return "", fmt.Errorf("%w: response has no %q field", ErrUnavailable, f.field)
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return "", fmt.Errorf("%w: %q is not a non-empty string", ErrUnavailable, f.field)
	}
	return Credential(token), nil
}
