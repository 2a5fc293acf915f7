// Package usage carries lifecycle events between the worker and the
// admission process's accounting, decoupling the two over HTTP so
// accounting stays authoritative in a single process.
package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/model"
)

// Client posts usage events to the admission process's usage-event
// endpoint.
type Client struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

// NewClient builds a usage-event client. endpoint may be empty, in which
// case Post is a no-op (used by tests and by workers not wired to an
// admission process).
func NewClient(endpoint, secret string) *Client {
	return &Client{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Post sends one usage event. It returns nil without making a request if
// no endpoint is configured.
func (c *Client) Post(ctx context.Context, event model.UsageEvent) error {
	if c == nil || c.endpoint == "" {
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode usage event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("x-usage-secret", c.secret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post usage event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("usage event endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
