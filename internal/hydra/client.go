// Package hydra is a minimal client for the Hydra HTTP API, covering the
// two endpoints the sentinel consumes.
//
// https://editor.swagger.io/?url=https://raw.githubusercontent.com/NixOS/hydra/master/hydra-api.yaml
package hydra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nathanregner/hydra-sentinel/internal/model"
)

// Client defines the Hydra API operations the sentinel uses. The
// interface allows for easy mocking in tests.
type Client interface {
	// GetQueue returns every build currently in the Hydra queue.
	GetQueue(ctx context.Context) ([]Build, error)

	// Push forwards a raw VCS push event to Hydra so it re-evaluates the
	// affected jobsets. Returns Hydra's JSON response.
	Push(ctx context.Context, event []byte) (json.RawMessage, error)
}

// HTTPClient is the real Hydra client using HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Hydra client for the given base URL.
func NewClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetQueue returns every build currently in the Hydra queue.
func (c *HTTPClient) GetQueue(ctx context.Context) ([]Build, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return nil, err
	}

	var builds []Build
	if err := c.doRequest(req, &builds); err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return builds, nil
}

// Push forwards a raw VCS push event to Hydra's push endpoint.
func (c *HTTPClient) Push(ctx context.Context, event []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/push-github", bytes.NewReader(event))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var response json.RawMessage
	if err := c.doRequest(req, &response); err != nil {
		return nil, fmt.Errorf("push event: %w", err)
	}
	return response, nil
}

// doRequest executes an HTTP request and unmarshals the response.
func (c *HTTPClient) doRequest(req *http.Request, result any) error {
	req.Header.Set("Accept", "application/json")
	// Hydra rejects cross-origin POSTs; a Referer matching the base URL
	// bypasses its XSRF check.
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned HTTP %d with body %q", req.URL, resp.StatusCode, body)
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response from %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

// Build is one entry of Hydra's /queue response. Only System feeds the
// store; the remaining fields are decoded but not read by the sentinel.
type Build struct {
	Project     string       `json:"project"`
	Jobset      string       `json:"jobset"`
	Finished    IntBool      `json:"finished"`
	StartTime   *int64       `json:"starttime"`
	StopTime    *int64       `json:"stoptime"`
	BuildStatus *int         `json:"buildstatus"`
	System      model.System `json:"system"`
}

// IntBool decodes Hydra's 0/1 integer booleans.
type IntBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *IntBool) UnmarshalJSON(data []byte) error {
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("expected 0/1 integer: %w", err)
	}
	*b = n != 0
	return nil
}

// Ensure HTTPClient implements Client interface.
var _ Client = (*HTTPClient)(nil)
