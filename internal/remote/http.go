package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/statesync/statesync/internal/schema"
)

// HTTPClient implements Client against the sync service's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTP returns a client for the service at baseURL. token is sent
// as a bearer credential on every request.
func NewHTTP(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) resourceURL(kind schema.Kind) string {
	return c.baseURL + "/v1/resource/" + string(kind)
}

// Read fetches the latest payload for kind, conditionally when lastRef
// is set.
func (c *HTTPClient) Read(ctx context.Context, kind schema.Kind, lastRef string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resourceURL(kind), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to build read request: %w", err)
	}
	c.setHeaders(req)
	if lastRef != "" {
		req.Header.Set("If-None-Match", lastRef)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read %s: %w", kind, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var data schema.SyncData
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
		return Snapshot{Ref: resp.Header.Get("ETag"), Data: &data}, nil
	case http.StatusNotModified:
		return Snapshot{Ref: lastRef, NotModified: true}, nil
	case http.StatusNotFound:
		return Snapshot{}, nil
	default:
		return Snapshot{}, c.statusError("read", kind, resp)
	}
}

// Write stores data for kind, conditionally when expectedRef is set,
// and returns the new reference.
func (c *HTTPClient) Write(ctx context.Context, kind schema.Kind, data *schema.SyncData, expectedRef string) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.resourceURL(kind), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build write request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	if expectedRef != "" {
		req.Header.Set("If-Match", expectedRef)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError("write", kind, resp)
	}
	return resp.Header.Get("ETag"), nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *HTTPClient) statusError(op string, kind schema.Kind, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", op, kind, ErrSessionExpired)
	case http.StatusGone:
		return fmt.Errorf("%s %s: %w", op, kind, ErrTurnedOff)
	case http.StatusPreconditionFailed:
		return fmt.Errorf("%s %s: %w", op, kind, ErrPreconditionFailed)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: %w", op, kind, ErrTooManyRequests)
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: unexpected status %d: %s", op, kind, resp.StatusCode, strings.TrimSpace(string(msg)))
}
