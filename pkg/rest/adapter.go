// Package rest implements the resource adapter for plain JSON/HTTP
// backends.
//
// Resources map onto conventional CRUD routes: POST {base}{endpoint}
// creates, GET/PUT/DELETE {base}{endpoint}/{id} operate on one resource.
// The endpoint per resource type comes from Config.Endpoints, falling
// back to "/" + resourceType. Created ids are pulled out of the response
// body with JSONPath.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/util"
)

// Name identifies this adapter in errors.
const Name = "rest"

// Defaults applied by New.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = 250 * time.Millisecond
)

// Config configures the REST adapter.
type Config struct {
	// BaseURL is the backend root, e.g. "https://api.example.com".
	// Required.
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`

	// Endpoints maps resource types to paths ("tenant" ->
	// "/api/v1/tenants"). Types without an entry use "/" + type.
	Endpoints map[string]string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`

	// Headers are sent with every request (API keys, tenant headers).
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout bounds each HTTP attempt. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxRetries is the number of extra attempts for idempotent
	// requests that hit transport errors or 5xx. POST is never
	// retried. Defaults to 2; set -1 to disable retries.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// RetryBackoff is the base delay between attempts, doubled each
	// retry. Defaults to 250ms.
	RetryBackoff time.Duration `json:"retryBackoff,omitempty" yaml:"retryBackoff,omitempty"`

	// IDPaths are JSONPath expressions tried in order against create
	// responses to find the new resource id. Defaults to "$.id" then
	// "$.data.id". A top-level "{type}_id" key is tried last.
	IDPaths []string `json:"idPaths,omitempty" yaml:"idPaths,omitempty"`

	// HTTPClient overrides the default client (tests, custom TLS).
	HTTPClient *http.Client `json:"-" yaml:"-"`

	// Logger receives request-level debug output.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Adapter talks to one REST backend.
type Adapter struct {
	baseURL   string
	endpoints map[string]string
	headers   map[string]string
	retries   int
	backoff   time.Duration
	idPaths   []jp.Expr
	client    *http.Client
	log       *slog.Logger
}

var _ manager.Adapter = (*Adapter)(nil)

// New creates a REST adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	retries := cfg.MaxRetries
	switch {
	case retries < 0:
		retries = 0
	case retries == 0:
		retries = DefaultMaxRetries
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	paths := cfg.IDPaths
	if len(paths) == 0 {
		paths = []string{"$.id", "$.data.id"}
	}
	idPaths := make([]jp.Expr, 0, len(paths))
	for _, p := range paths {
		expr, err := jp.ParseString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid id path %q: %w", p, err)
		}
		idPaths = append(idPaths, expr)
	}

	return &Adapter{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		endpoints: cfg.Endpoints,
		headers:   cfg.Headers,
		retries:   retries,
		backoff:   backoff,
		idPaths:   idPaths,
		client:    client,
		log:       logging.Component(cfg.Logger, Name),
	}, nil
}

// endpointFor resolves the path for a resource type.
func (a *Adapter) endpointFor(resourceType string) string {
	if ep, ok := a.endpoints[resourceType]; ok {
		if !strings.HasPrefix(ep, "/") {
			ep = "/" + ep
		}
		return ep
	}
	return "/" + resourceType
}

func (a *Adapter) opErr(op, resourceType string, err error) error {
	return &manager.AdapterError{Adapter: Name, Op: op, Type: resourceType, Err: err}
}

// Create posts the payload and extracts the backend-issued id from the
// response body.
func (a *Adapter) Create(ctx context.Context, resourceType string, data map[string]any) (string, error) {
	body, err := oj.Marshal(data)
	if err != nil {
		return "", a.opErr(manager.OpCreate, resourceType, fmt.Errorf("encode payload: %w", err))
	}

	status, respBody, err := a.do(ctx, http.MethodPost, a.endpointFor(resourceType), body)
	if err != nil {
		return "", a.opErr(manager.OpCreate, resourceType, err)
	}
	if status < 200 || status > 299 {
		return "", a.opErr(manager.OpCreate, resourceType, httpError(status, respBody))
	}

	id, err := a.extractID(resourceType, respBody)
	if err != nil {
		return "", a.opErr(manager.OpCreate, resourceType, err)
	}
	a.log.Debug("resource created", "type", resourceType, "id", id)
	return id, nil
}

// Read fetches one resource as a JSON object.
func (a *Adapter) Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	path := a.endpointFor(resourceType) + "/" + resourceID

	status, body, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, a.opErr(manager.OpRead, resourceType, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, &manager.NotFoundError{Type: resourceType, ID: resourceID}
	case status < 200 || status > 299:
		return nil, a.opErr(manager.OpRead, resourceType, httpError(status, body))
	}

	return decodeObject(body)
}

// Update replaces the resource with a PUT.
func (a *Adapter) Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error {
	body, err := oj.Marshal(data)
	if err != nil {
		return a.opErr(manager.OpUpdate, resourceType, fmt.Errorf("encode payload: %w", err))
	}
	path := a.endpointFor(resourceType) + "/" + resourceID

	status, respBody, err := a.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return a.opErr(manager.OpUpdate, resourceType, err)
	}
	switch {
	case status == http.StatusNotFound:
		return &manager.NotFoundError{Type: resourceType, ID: resourceID}
	case status < 200 || status > 299:
		return a.opErr(manager.OpUpdate, resourceType, httpError(status, respBody))
	}
	return nil
}

// Delete removes the resource. A 404/410 answer means it was already
// gone and reports (false, nil) so rollback retries stay safe.
func (a *Adapter) Delete(ctx context.Context, resourceType, resourceID string) (bool, error) {
	path := a.endpointFor(resourceType) + "/" + resourceID

	status, body, err := a.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return false, a.opErr(manager.OpDelete, resourceType, err)
	}
	switch {
	case status >= 200 && status <= 299:
		return true, nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return false, nil
	default:
		return false, a.opErr(manager.OpDelete, resourceType, httpError(status, body))
	}
}

// Close releases pooled connections.
func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// do performs one HTTP request with retries for idempotent methods.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	url := a.baseURL + path
	attempts := 1
	if method != http.MethodPost {
		attempts += a.retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := a.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
			a.log.Debug("retrying request", "method", method, "url", url, "attempt", attempt+1)
		}

		status, respBody, err := a.roundTrip(ctx, method, url, body)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 && attempt < attempts-1 {
			lastErr = httpError(status, respBody)
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

func (a *Adapter) roundTrip(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	a.log.Debug("request complete", "method", method, "url", url, "status", resp.StatusCode)
	return resp.StatusCode, respBody, nil
}

// extractID finds the new resource id in a create response.
func (a *Adapter) extractID(resourceType string, body []byte) (string, error) {
	var data any
	if err := oj.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("response is not JSON: %w", err)
	}

	for _, expr := range a.idPaths {
		if results := expr.Get(data); len(results) > 0 {
			if id := formatID(results[0]); id != "" {
				return id, nil
			}
		}
	}

	// Last resort: APIs that answer {"tenant_id": "..."}.
	if obj, ok := data.(map[string]any); ok {
		if id := formatID(obj[resourceType+"_id"]); id != "" {
			return id, nil
		}
	}

	return "", errors.New("response contains no resource id")
}

// formatID renders a JSON scalar as an id string.
func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// decodeObject parses a JSON object body.
func decodeObject(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var data any
	if err := oj.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", data)
	}
	return obj, nil
}

// httpError summarizes a non-2xx response.
func httpError(status int, body []byte) error {
	snippet := util.Snippet(string(body), 0)
	if snippet == "" {
		return fmt.Errorf("server returned status %d", status)
	}
	return fmt.Errorf("server returned status %d: %s", status, snippet)
}
