package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/markus-barta/routedeck/internal/auth"
)

// API is the backend resource API as seen by the console.
// This interface allows for easy mocking in tests.
type API interface {
	// ListRoutes returns every configured route.
	ListRoutes(ctx context.Context) ([]Route, error)

	// GetRoute returns one route with its destinations.
	GetRoute(ctx context.Context, id string) (*Route, error)

	// StartRoute starts a route. The returned status is nil when the backend
	// answered without a status payload.
	StartRoute(ctx context.Context, id string) (*Status, error)

	// StopRoute stops a route. Same return convention as StartRoute.
	StopRoute(ctx context.Context, id string) (*Status, error)

	// DeleteRoute removes a route.
	DeleteRoute(ctx context.Context, id string) error

	// DeleteDestination removes one destination from a route.
	DeleteDestination(ctx context.Context, routeID, destID string) error
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Op         string // "start", "get", ...
	Path       string
	StatusCode int
	Reason     string // machine-readable reason, when the body carried one
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = e.Body
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s (status %d): %s", e.Op, e.Path, e.StatusCode, msg)
}

// HTTPClient is the real resource API client.
type HTTPClient struct {
	baseURL      string
	tokens       auth.TokenProvider
	actionMethod string
	httpClient   *http.Client
}

// ClientConfig holds configuration for the resource API client.
type ClientConfig struct {
	BaseURL string             // e.g. http://127.0.0.1:4000
	Tokens  auth.TokenProvider // bearer credential source
	Timeout time.Duration      // transport timeout (default 30s)

	// ActionMethod is the HTTP method for start/stop (default POST).
	ActionMethod string
}

// NewClient creates a new resource API client.
func NewClient(cfg ClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	method := strings.ToUpper(cfg.ActionMethod)
	if method == "" {
		method = http.MethodPost
	}

	return &HTTPClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:       cfg.Tokens,
		actionMethod: method,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ListRoutes returns every configured route.
func (c *HTTPClient) ListRoutes(ctx context.Context) ([]Route, error) {
	var out struct {
		Data []Route `json:"data"`
	}
	if err := c.do(ctx, "list", http.MethodGet, "/api/routes", &out); err != nil {
		return nil, err
	}
	for i := range out.Data {
		out.Data[i].normalize()
	}
	return out.Data, nil
}

// GetRoute returns one route with its destinations.
func (c *HTTPClient) GetRoute(ctx context.Context, id string) (*Route, error) {
	var out struct {
		Data *Route `json:"data"`
	}
	if err := c.do(ctx, "get", http.MethodGet, "/api/routes/"+id, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("get route %s: empty response", id)
	}
	out.Data.normalize()
	return out.Data, nil
}

// StartRoute starts a route.
func (c *HTTPClient) StartRoute(ctx context.Context, id string) (*Status, error) {
	return c.action(ctx, "start", id)
}

// StopRoute stops a route.
func (c *HTTPClient) StopRoute(ctx context.Context, id string) (*Status, error) {
	return c.action(ctx, "stop", id)
}

// DeleteRoute removes a route.
func (c *HTTPClient) DeleteRoute(ctx context.Context, id string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/api/routes/"+id, nil)
}

// DeleteDestination removes one destination from a route.
func (c *HTTPClient) DeleteDestination(ctx context.Context, routeID, destID string) error {
	path := fmt.Sprintf("/api/routes/%s/destinations/%s", routeID, destID)
	return c.do(ctx, "delete destination", http.MethodDelete, path, nil)
}

// action performs start/stop. An empty body or a body without a
// status yields a nil status.
func (c *HTTPClient) action(ctx context.Context, op, id string) (*Status, error) {
	var out struct {
		Data *struct {
			Status *string `json:"status"`
		} `json:"data"`
	}
	if err := c.do(ctx, op, c.actionMethod, fmt.Sprintf("/api/routes/%s/%s", id, op), &out); err != nil {
		return nil, err
	}
	if out.Data == nil || out.Data.Status == nil || *out.Data.Status == "" {
		return nil, nil
	}
	status := ParseStatus(*out.Data.Status)
	return &status, nil
}

// do executes an authenticated request and decodes a JSON body into result.
// A nil result or an empty body skips decoding.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s %s: obtain token: %w", op, path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		auth.Reject(c.tokens)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:         op,
			Path:       path,
			StatusCode: resp.StatusCode,
			Reason:     extractReason(body),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if result == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parse response from %s: %w", path, err)
	}
	return nil
}

// extractReason pulls a reason string out of the common error bodies:
// {"error": "..."}, {"reason": "..."}, {"errors": {"detail": "..."}}.
func extractReason(body []byte) string {
	var envelope struct {
		Error  json.RawMessage `json:"error"`
		Reason string          `json:"reason"`
		Errors struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		return ""
	}
	if envelope.Reason != "" {
		return envelope.Reason
	}
	var s string
	if json.Unmarshal(envelope.Error, &s) == nil && s != "" {
		return s
	}
	return envelope.Errors.Detail
}

// normalize fills the invariants the rest of the console relies on.
func (r *Route) normalize() {
	if r.Status == "" {
		r.Status = StatusUnknown
	}
	if r.Destinations == nil {
		r.Destinations = []Destination{}
	}
	for i := range r.Destinations {
		if r.Destinations[i].RouteID == "" {
			r.Destinations[i].RouteID = r.ID
		}
	}
}

// AsAPIError unwraps an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Ensure HTTPClient implements API interface.
var _ API = (*HTTPClient)(nil)
