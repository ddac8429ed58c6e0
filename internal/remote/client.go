package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"assetsync/internal/config"

	"github.com/rs/zerolog"
)

// HTTPClient talks to the remote asset-management API. One instance is shared
// by all workers; the underlying http.Client enforces the hard call timeout.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	entityPath string
	http       *http.Client
	logger     zerolog.Logger
}

func NewHTTPClient(cfg config.RemoteConfig, logger zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		entityPath: strings.Trim(cfg.EntityPath, "/"),
		http:       &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "remote_client").Logger(),
	}
}

// Create pushes a new record to the remote system.
func (c *HTTPClient) Create(ctx context.Context, entityID string, payload map[string]any) Result {
	return c.do(ctx, http.MethodPost, c.collectionURL(), payload)
}

// Update pushes changed fields for an existing remote record.
func (c *HTTPClient) Update(ctx context.Context, entityID string, payload map[string]any) Result {
	return c.do(ctx, http.MethodPatch, c.recordURL(entityID), payload)
}

// Delete removes a record from the remote system. A 404 counts as success
// since the record being gone is exactly the intended end state.
func (c *HTTPClient) Delete(ctx context.Context, entityID string) Result {
	return c.do(ctx, http.MethodDelete, c.recordURL(entityID), nil)
}

// GetCurrentVersion fetches the remote record's version and field values for
// conflict detection. A 404 is not a failure: it reports Deleted=true.
func (c *HTTPClient) GetCurrentVersion(ctx context.Context, entityID string) (Record, Result) {
	rawURL := c.recordURL(entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Record{}, permanentFailure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Record{}, transientFailure(fmt.Sprintf("GET %s: %v", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Record{Deleted: true}, success(nil, 0)
	}

	res := c.classify(http.MethodGet, resp)
	if !res.OK() {
		return Record{}, res
	}
	return Record{Version: res.Version, Fields: res.Data}, res
}

func (c *HTTPClient) collectionURL() string {
	return fmt.Sprintf("%s/%s", c.baseURL, c.entityPath)
}

func (c *HTTPClient) recordURL(entityID string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.entityPath, url.PathEscape(entityID))
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL string, payload map[string]any) Result {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return permanentFailure(fmt.Sprintf("encode payload: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return permanentFailure(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, connection resets, DNS failures: all retryable.
		return transientFailure(fmt.Sprintf("%s %s: %v", method, rawURL, err))
	}
	defer resp.Body.Close()

	return c.classify(method, resp)
}

func (c *HTTPClient) classify(method string, resp *http.Response) Result {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientFailure(fmt.Sprintf("read response: %v", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, version := decodeRecord(raw)
		return success(data, version)
	case resp.StatusCode == http.StatusNotFound && method == http.MethodDelete:
		// The record is already gone; deletes are idempotent against the
		// remote system.
		return success(nil, 0)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return authFailure(fmt.Sprintf("%s: status %d: %s", method, resp.StatusCode, truncate(raw)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transientFailure(fmt.Sprintf("%s: status %d: %s", method, resp.StatusCode, truncate(raw)))
	default:
		return permanentFailure(fmt.Sprintf("%s: status %d: %s", method, resp.StatusCode, truncate(raw)))
	}
}

// decodeRecord pulls the record body and its version field out of a response.
// The remote API reports versions either as "version" or "sys_version".
func decodeRecord(raw []byte) (map[string]any, int64) {
	if len(raw) == 0 {
		return nil, 0
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, 0
	}

	for _, key := range []string{"version", "sys_version"} {
		if v, ok := data[key]; ok {
			if f, ok := v.(float64); ok {
				return data, int64(f)
			}
		}
	}
	return data, 0
}

func truncate(raw []byte) string {
	const max = 200
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
