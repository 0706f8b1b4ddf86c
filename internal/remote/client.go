// Package remote dispatches queued entries to the remote HTTP API.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

// maxErrorBody bounds how much of a rejected response is kept for diagnostics.
const maxErrorBody = 512

// ErrNotConfigured is returned when no remote base URL is set.
var ErrNotConfigured = errors.New("remote URL not configured")

// Route is the endpoint an action is sent to.
type Route struct {
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
}

// DefaultRoutes maps the built-in actions to their endpoints.
func DefaultRoutes() map[offsync.Action]Route {
	return map[offsync.Action]Route{
		offsync.ActionCreateRecord:  {Method: http.MethodPost, Path: "/api/records"},
		offsync.ActionUpdateRecord:  {Method: http.MethodPut, Path: "/api/records"},
		offsync.ActionFileReport:    {Method: http.MethodPost, Path: "/api/reports"},
		offsync.ActionCreateProduct: {Method: http.MethodPost, Path: "/api/emo/products"},
		offsync.ActionUpdateProduct: {Method: http.MethodPut, Path: "/api/emo/products"},
		offsync.ActionCreateOrder:   {Method: http.MethodPost, Path: "/api/emo/orders"},
		offsync.ActionFileComplaint: {Method: http.MethodPost, Path: "/api/emo/complaints"},
	}
}

// StatusError is returned when the remote answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	ClientID   string
	HealthPath string
	Timeout    time.Duration
	Routes     map[offsync.Action]Route
	HTTPClient *http.Client
}

// Client sends entries to the remote API. It implements offsync.Dispatcher.
type Client struct {
	baseURL    string
	apiKey     string
	clientID   string
	healthPath string
	routes     map[offsync.Action]Route
	client     *http.Client
}

var _ offsync.Dispatcher = (*Client)(nil)

// NewClient creates a Client. Missing routes fall back to DefaultRoutes.
func NewClient(opts Options) *Client {
	routes := opts.Routes
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/api/health"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		clientID:   opts.ClientID,
		healthPath: healthPath,
		routes:     routes,
		client:     httpClient,
	}
}

// Actions returns the actions this client can dispatch, sorted.
func (c *Client) Actions() []offsync.Action {
	actions := make([]offsync.Action, 0, len(c.routes))
	for a := range c.routes {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// Dispatch sends the entry's payload to the route for its action.
// It does not retry; any transport error or non-2xx status is returned.
func (c *Client) Dispatch(ctx context.Context, e offsync.Entry) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}
	route, ok := c.routes[e.Action]
	if !ok {
		return fmt.Errorf("%w: no route for %q", offsync.ErrUnknownAction, e.Action)
	}

	req, err := c.newRequest(ctx, route.Method, route.Path, bytes.NewReader(e.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.Key != "" {
		req.Header.Set("Idempotency-Key", e.Key)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", route.Method, route.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Ping checks connectivity to the remote health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// newRequest builds an authenticated request against the remote.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	return req, nil
}
