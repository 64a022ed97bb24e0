// Package auth implements the resource adapter for user-account
// backends with a register/login/refresh token flow.
//
// A "user" resource is a registered account: create registers it and
// logs in, read/update/delete hit the users endpoint with the cached
// bearer token. A "session" resource is a login: create authenticates
// with the supplied credentials, delete logs out. The adapter keeps one
// active token and refreshes it transparently before it expires.
package auth

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
	"sync"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/util"
)

// Name identifies this adapter in errors.
const Name = "auth"

// Resource types the adapter understands.
const (
	TypeUser    = "user"
	TypeSession = "session"
)

// Defaults applied by New.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultExpiryBuffer = 30 * time.Second
	DefaultRegisterPath = "/auth/register"
	DefaultLoginPath    = "/auth/login"
	DefaultRefreshPath  = "/auth/refresh"
	DefaultUsersPath    = "/users"
)

// Response field names tried in order when extracting a new user id.
var userIDFields = []string{"id", "user_id", "userId", "_id"}

// Config configures the auth adapter.
type Config struct {
	// BaseURL is the backend root. Required.
	BaseURL string `json:"baseUrl" yaml:"baseUrl"`

	// Endpoint paths, relative to BaseURL.
	RegisterPath string `json:"registerPath,omitempty" yaml:"registerPath,omitempty"`
	LoginPath    string `json:"loginPath,omitempty" yaml:"loginPath,omitempty"`
	RefreshPath  string `json:"refreshPath,omitempty" yaml:"refreshPath,omitempty"`
	UsersPath    string `json:"usersPath,omitempty" yaml:"usersPath,omitempty"`

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExpiryBuffer is how long before expiry a token counts as expired
	// and gets refreshed. Defaults to 30s.
	ExpiryBuffer time.Duration `json:"expiryBuffer,omitempty" yaml:"expiryBuffer,omitempty"`

	// HTTPClient overrides the default client (tests, custom TLS).
	HTTPClient *http.Client `json:"-" yaml:"-"`

	// Logger receives auth flow debug output.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// credentials is a login pair kept for re-authentication.
type credentials struct {
	email    string
	password string
}

// Status describes the adapter's current authentication state.
type Status struct {
	LoggedIn        bool
	UserID          string
	HasRefreshToken bool
	ExpiresAt       time.Time
}

// Adapter drives one auth backend. Operations are serialized: the token
// cache and the login state behind it are a single session.
type Adapter struct {
	baseURL      string
	registerPath string
	loginPath    string
	refreshPath  string
	usersPath    string
	buffer       time.Duration
	client       *http.Client
	log          *slog.Logger

	mu            sync.Mutex
	token         *token
	creds         credentials
	currentUserID string
	users         map[string]credentials
	sessions      map[string]struct{}
}

var _ manager.Adapter = (*Adapter)(nil)

// New creates an auth adapter.
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
	buffer := cfg.ExpiryBuffer
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}

	return &Adapter{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		registerPath: pathOr(cfg.RegisterPath, DefaultRegisterPath),
		loginPath:    pathOr(cfg.LoginPath, DefaultLoginPath),
		refreshPath:  pathOr(cfg.RefreshPath, DefaultRefreshPath),
		usersPath:    pathOr(cfg.UsersPath, DefaultUsersPath),
		buffer:       buffer,
		client:       client,
		log:          logging.Component(cfg.Logger, Name),
		users:        make(map[string]credentials),
		sessions:     make(map[string]struct{}),
	}, nil
}

func pathOr(p, fallback string) string {
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (a *Adapter) opErr(op, resourceType string, err error) error {
	return &manager.AdapterError{Adapter: Name, Op: op, Type: resourceType, Err: err}
}

// Create registers a user or opens a login session. Both need "email"
// and "password" in data; user registration forwards every other field
// to the backend.
func (a *Adapter) Create(ctx context.Context, resourceType string, data map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeUser:
		return a.createUser(ctx, data)
	case TypeSession:
		return a.createSession(ctx, data)
	default:
		return "", a.opErr(manager.OpCreate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// loginFields pulls the credential pair out of resource data.
func loginFields(data map[string]any) (string, string, error) {
	email, _ := data["email"].(string)
	password, _ := data["password"].(string)
	if email == "" || password == "" {
		return "", "", errors.New("email and password are required")
	}
	return email, password, nil
}

func (a *Adapter) createUser(ctx context.Context, data map[string]any) (string, error) {
	email, password, err := loginFields(data)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeUser, err)
	}

	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[k] = v
	}

	status, body, err := a.post(ctx, a.registerPath, payload, false)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeUser, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", a.opErr(manager.OpCreate, TypeUser, httpError(status, body))
	}

	resp, err := decodeObject(body)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeUser, err)
	}
	userID := extractUserID(resp)
	if userID == "" {
		return "", a.opErr(manager.OpCreate, TypeUser, errors.New("response contains no user id"))
	}

	// The fresh account becomes the active session. A registered user
	// that cannot log in is a backend defect worth failing on.
	if err := a.login(ctx, email, password); err != nil {
		return "", a.opErr(manager.OpCreate, TypeUser, fmt.Errorf("registered but login failed: %w", err))
	}

	a.currentUserID = userID
	a.users[userID] = credentials{email: email, password: password}
	a.log.Debug("user registered", "userId", userID)
	return userID, nil
}

func (a *Adapter) createSession(ctx context.Context, data map[string]any) (string, error) {
	email, password, err := loginFields(data)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeSession, err)
	}
	if err := a.login(ctx, email, password); err != nil {
		return "", a.opErr(manager.OpCreate, TypeSession, err)
	}

	sessionID := id.UUID()
	a.sessions[sessionID] = struct{}{}
	a.log.Debug("session opened", "sessionId", sessionID)
	return sessionID, nil
}

// Read fetches a user profile or reports a session's auth state.
func (a *Adapter) Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeUser:
		return a.readUser(ctx, resourceID)
	case TypeSession:
		return a.readSession(resourceID)
	default:
		return nil, a.opErr(manager.OpRead, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

func (a *Adapter) readUser(ctx context.Context, userID string) (map[string]any, error) {
	if err := a.ensureToken(ctx); err != nil {
		return nil, a.opErr(manager.OpRead, TypeUser, err)
	}

	status, body, err := a.request(ctx, http.MethodGet, a.usersPath+"/"+userID, nil, true)
	if err != nil {
		return nil, a.opErr(manager.OpRead, TypeUser, err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, &manager.NotFoundError{Type: TypeUser, ID: userID}
	case status != http.StatusOK:
		return nil, a.opErr(manager.OpRead, TypeUser, httpError(status, body))
	}
	return decodeObject(body)
}

func (a *Adapter) readSession(sessionID string) (map[string]any, error) {
	if _, ok := a.sessions[sessionID]; !ok {
		return nil, &manager.NotFoundError{Type: TypeSession, ID: sessionID}
	}

	state := map[string]any{
		"session_id":        sessionID,
		"logged_in":         a.token != nil,
		"user_id":           a.currentUserID,
		"has_refresh_token": a.token != nil && a.token.refresh != "",
		"token_expired":     a.token.expired(a.buffer),
	}
	if a.token != nil && !a.token.expiresAt.IsZero() {
		state["expires_at"] = a.token.expiresAt.UTC().Format(time.RFC3339)
	}
	return state, nil
}

// Update writes user profile fields through the users endpoint.
func (a *Adapter) Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error {
	if resourceType != TypeUser {
		return a.opErr(manager.OpUpdate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureToken(ctx); err != nil {
		return a.opErr(manager.OpUpdate, TypeUser, err)
	}

	status, body, err := a.request(ctx, http.MethodPut, a.usersPath+"/"+resourceID, data, true)
	if err != nil {
		return a.opErr(manager.OpUpdate, TypeUser, err)
	}
	switch {
	case status == http.StatusNotFound:
		return &manager.NotFoundError{Type: TypeUser, ID: resourceID}
	case status != http.StatusOK && status != http.StatusNoContent:
		return a.opErr(manager.OpUpdate, TypeUser, httpError(status, body))
	}
	return nil
}

// Delete removes a user from the backend or closes a session. A user
// the backend no longer has, or a session the adapter is not tracking,
// reports (false, nil).
func (a *Adapter) Delete(ctx context.Context, resourceType, resourceID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeUser:
		return a.deleteUser(ctx, resourceID)
	case TypeSession:
		return a.deleteSession(resourceID), nil
	default:
		return false, a.opErr(manager.OpDelete, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

func (a *Adapter) deleteUser(ctx context.Context, userID string) (bool, error) {
	// A closed session does not block deleting a user this adapter
	// registered: log back in with its stored credentials. Rollback
	// tears down sessions before users, so this path is routine.
	if a.token == nil {
		if creds, ok := a.users[userID]; ok {
			if err := a.login(ctx, creds.email, creds.password); err != nil {
				return false, a.opErr(manager.OpDelete, TypeUser, fmt.Errorf("re-login for delete failed: %w", err))
			}
			a.currentUserID = userID
		}
	}
	if err := a.ensureToken(ctx); err != nil {
		return false, a.opErr(manager.OpDelete, TypeUser, err)
	}

	status, body, err := a.request(ctx, http.MethodDelete, a.usersPath+"/"+userID, nil, true)
	if err != nil {
		return false, a.opErr(manager.OpDelete, TypeUser, err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusNoContent:
	case status == http.StatusNotFound:
		delete(a.users, userID)
		return false, nil
	default:
		return false, a.opErr(manager.OpDelete, TypeUser, httpError(status, body))
	}

	delete(a.users, userID)
	// Deleting the account behind the active token ends the session.
	if userID == a.currentUserID {
		a.logout()
	}
	a.log.Debug("user deleted", "userId", userID)
	return true, nil
}

func (a *Adapter) deleteSession(sessionID string) bool {
	if _, ok := a.sessions[sessionID]; !ok {
		return false
	}
	delete(a.sessions, sessionID)
	a.logout()
	a.log.Debug("session closed", "sessionId", sessionID)
	return true
}

// logout drops the client-side auth state. The backends this adapter
// targets have no logout endpoint; tokens lapse on their own.
func (a *Adapter) logout() {
	a.token = nil
	a.creds = credentials{}
	a.currentUserID = ""
}

// Close drops the session and releases pooled connections.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.logout()
	a.mu.Unlock()

	a.client.CloseIdleConnections()
	return nil
}

// Status reports the current authentication state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{UserID: a.currentUserID}
	if a.token != nil {
		s.LoggedIn = true
		s.HasRefreshToken = a.token.refresh != ""
		s.ExpiresAt = a.token.expiresAt
	}
	return s
}

// login authenticates and caches the resulting token. Callers hold a.mu.
func (a *Adapter) login(ctx context.Context, email, password string) error {
	payload := map[string]any{"email": email, "password": password}
	status, body, err := a.post(ctx, a.loginPath, payload, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return httpError(status, body)
	}

	resp, err := decodeObject(body)
	if err != nil {
		return err
	}
	t, err := tokenFromResponse(resp)
	if err != nil {
		return err
	}

	a.token = t
	a.creds = credentials{email: email, password: password}
	a.log.Debug("logged in", "hasRefreshToken", t.refresh != "")
	return nil
}

// refresh trades the refresh token for a new access token. Callers hold
// a.mu.
func (a *Adapter) refresh(ctx context.Context) error {
	if a.token == nil || a.token.refresh == "" {
		return errors.New("no refresh token")
	}

	payload := map[string]any{"refresh_token": a.token.refresh}
	status, body, err := a.post(ctx, a.refreshPath, payload, false)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return httpError(status, body)
	}

	resp, err := decodeObject(body)
	if err != nil {
		return err
	}
	t, err := tokenFromResponse(resp)
	if err != nil {
		return err
	}
	// Refresh responses often omit the refresh token; the old one stays
	// valid.
	if t.refresh == "" {
		t.refresh = a.token.refresh
	}

	a.token = t
	a.log.Debug("token refreshed")
	return nil
}

// ensureToken guarantees a usable access token, refreshing or logging
// in again as needed. Callers hold a.mu.
func (a *Adapter) ensureToken(ctx context.Context) error {
	if a.token == nil {
		return errors.New("not authenticated, create a user or session first")
	}
	if !a.token.expired(a.buffer) {
		return nil
	}

	refreshErr := a.refresh(ctx)
	if refreshErr == nil {
		return nil
	}

	// Stale refresh token. Fall back to a full login.
	if a.creds.email == "" {
		return fmt.Errorf("token refresh failed: %w", refreshErr)
	}
	a.log.Debug("refresh failed, logging in again", "error", refreshErr)
	if err := a.login(ctx, a.creds.email, a.creds.password); err != nil {
		return fmt.Errorf("token refresh failed (%v) and re-login failed: %w", refreshErr, err)
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, payload map[string]any, authed bool) (int, []byte, error) {
	return a.request(ctx, http.MethodPost, path, payload, authed)
}

func (a *Adapter) request(ctx context.Context, method, path string, payload map[string]any, authed bool) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := oj.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode payload: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if authed && a.token != nil {
		req.Header.Set("Authorization", "Bearer "+a.token.access)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	a.log.Debug("request complete", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, body, nil
}

// extractUserID finds the new user's id in a register response.
func extractUserID(data map[string]any) string {
	for _, field := range userIDFields {
		switch v := data[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
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
