package testkit

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Backend is an in-memory JSON backend double. It serves the
// conventional CRUD routes the rest adapter drives (POST /{collection}
// creates, GET/PUT/DELETE /{collection}/{id} operate on one resource)
// plus the register/login/refresh surface the auth adapter drives.
//
// Collections appear on first write. Created resources get ids of the
// form "{collection}-{n}" unless the request body carries its own
// "id". All state is process-local and discarded with the test.
type Backend struct {
	srv *httptest.Server

	mu          sync.Mutex
	resources   map[string]map[string]map[string]any
	seq         int
	accounts    map[string]backendAccount
	tokens      map[string]string
	refreshes   map[string]string
	tokenTTL    int
	requireAuth bool
	failures    map[string][]int
	requests    []RequestLog
}

type backendAccount struct {
	password string
	userID   string
}

// StartBackend starts the double on an ephemeral port. It shuts down
// with the test.
func StartBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		resources: make(map[string]map[string]map[string]any),
		accounts:  make(map[string]backendAccount),
		tokens:    make(map[string]string),
		refreshes: make(map[string]string),
		tokenTTL:  3600,
		failures:  make(map[string][]int),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

// URL returns the backend's base URL.
func (b *Backend) URL() string {
	return b.srv.URL
}

// Client returns an HTTP client wired to the backend.
func (b *Backend) Client() *http.Client {
	return b.srv.Client()
}

// RequireAuth makes resource routes demand a bearer token minted by
// the login or refresh routes. The auth routes themselves stay open.
func (b *Backend) RequireAuth() *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requireAuth = true
	return b
}

// TokenTTL sets the expires_in value handed out with tokens, in
// seconds. Zero or negative means tokens are born expired, which
// forces clients onto their refresh path on the next authenticated
// request.
func (b *Backend) TokenTTL(seconds int) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenTTL = seconds
	return b
}

// Seed stores a resource directly, bypassing HTTP. The collection name
// matches the URL path without the leading slash, so resources for a
// type the rest adapter maps to "/api/v1/tenants" live in collection
// "api/v1/tenants".
func (b *Backend) Seed(collection, id string, doc map[string]any) *Backend {
	copied := copyDoc(doc)
	copied["id"] = id

	b.mu.Lock()
	defer b.mu.Unlock()
	b.collectionLocked(collection)[id] = copied
	return b
}

// Resource returns a copy of a stored resource.
func (b *Backend) Resource(collection, id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, ok := b.resources[collection][id]
	if !ok {
		return nil, false
	}
	return copyDoc(doc), true
}

// Count reports how many resources a collection holds.
func (b *Backend) Count(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resources[collection])
}

// FailNext queues a forced status code for the next request matching
// method and path. Repeated calls queue further failures in order; the
// path may use {param} placeholders.
func (b *Backend) FailNext(method, path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.ToUpper(method) + " " + path
	b.failures[key] = append(b.failures[key], status)
}

// RevokeAccessTokens invalidates every access token handed out so far.
// Refresh tokens stay valid, so clients holding one can recover.
func (b *Backend) RevokeAccessTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = make(map[string]string)
}

// Reset drops all resources, accounts, tokens, queued failures, and
// logged requests.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resources = make(map[string]map[string]map[string]any)
	b.accounts = make(map[string]backendAccount)
	b.tokens = make(map[string]string)
	b.refreshes = make(map[string]string)
	b.failures = make(map[string][]int)
	b.requests = nil
}

// Requests returns the logged requests in arrival order.
func (b *Backend) Requests() []RequestLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RequestLog, len(b.requests))
	copy(out, b.requests)
	return out
}

// AssertCalled asserts that at least one request matched method and
// path. The path may use {param} placeholders.
func (b *Backend) AssertCalled(t testing.TB, method, path string) {
	t.Helper()
	if n := b.countCalls(method, path); n == 0 {
		t.Errorf("expected %s %s to be called, but it was not", method, path)
	}
}

// AssertCalledTimes asserts an exact call count for method and path.
func (b *Backend) AssertCalledTimes(t testing.TB, method, path string, times int) {
	t.Helper()
	if n := b.countCalls(method, path); n != times {
		t.Errorf("expected %s %s to be called %d times, got %d", method, path, times, n)
	}
}

// AssertNotCalled asserts that no request matched method and path.
func (b *Backend) AssertNotCalled(t testing.TB, method, path string) {
	t.Helper()
	if n := b.countCalls(method, path); n > 0 {
		t.Errorf("expected %s %s not to be called, but it was called %d times", method, path, n)
	}
}

func (b *Backend) countCalls(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, req := range b.requests {
		if strings.EqualFold(req.Method, method) && matchesPath(req.Path, path) {
			n++
		}
	}
	return n
}

// matchesPath compares a concrete request path against a pattern that
// may contain {param} segments.
func matchesPath(actual, pattern string) bool {
	if actual == pattern {
		return true
	}

	actualParts := strings.Split(strings.Trim(actual, "/"), "/")
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(actualParts) != len(patternParts) {
		return false
	}
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			continue
		}
		if actualParts[i] != part {
			return false
		}
	}
	return true
}

func (b *Backend) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	b.record(r, body)

	if status, ok := b.popFailure(r.Method, r.URL.Path); ok {
		writeJSON(w, status, map[string]any{"error": http.StatusText(status)})
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/register":
		b.handleRegister(w, body)
	case r.Method == http.MethodPost && r.URL.Path == "/auth/login":
		b.handleLogin(w, body)
	case r.Method == http.MethodPost && r.URL.Path == "/auth/refresh":
		b.handleRefresh(w, body)
	default:
		b.handleResource(w, r, body)
	}
}

func (b *Backend) record(r *http.Request, body []byte) {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, RequestLog{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Body:    string(body),
		Query:   r.URL.RawQuery,
	})
}

// popFailure consumes the next queued failure matching the request, if
// any.
func (b *Backend) popFailure(method, path string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, queue := range b.failures {
		keyMethod, keyPath, _ := strings.Cut(key, " ")
		if !strings.EqualFold(keyMethod, method) || !matchesPath(path, keyPath) {
			continue
		}
		status := queue[0]
		if len(queue) == 1 {
			delete(b.failures, key)
		} else {
			b.failures[key] = queue[1:]
		}
		return status, true
	}
	return 0, false
}

func (b *Backend) handleResource(w http.ResponseWriter, r *http.Request, body []byte) {
	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such route"})
		return
	}

	if b.authRequired() && !b.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or missing token"})
		return
	}

	// POST targets the collection; everything else splits off a
	// trailing id.
	if r.Method == http.MethodPost {
		b.handleCreate(w, path, body)
		return
	}
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "collection routes only accept POST"})
		return
	}
	b.handleByID(w, r.Method, path[:idx], path[idx+1:], body)
}

func (b *Backend) handleCreate(w http.ResponseWriter, collection string, body []byte) {
	doc, err := decodeDoc(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}

	b.mu.Lock()
	id, _ := doc["id"].(string)
	if id == "" {
		b.seq++
		id = fmt.Sprintf("%s-%d", lastSegment(collection), b.seq)
		doc["id"] = id
	}
	b.collectionLocked(collection)[id] = doc
	resp := copyDoc(doc)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, resp)
}

func (b *Backend) handleByID(w http.ResponseWriter, method, collection, id string, body []byte) {
	switch method {
	case http.MethodGet:
		doc, ok := b.Resource(collection, id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case http.MethodPut, http.MethodPatch:
		doc, err := decodeDoc(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
			return
		}

		b.mu.Lock()
		stored, ok := b.collectionLocked(collection)[id]
		if !ok {
			b.mu.Unlock()
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		for k, v := range doc {
			stored[k] = v
		}
		stored["id"] = id
		resp := copyDoc(stored)
		b.mu.Unlock()

		writeJSON(w, http.StatusOK, resp)

	case http.MethodDelete:
		b.mu.Lock()
		col := b.collectionLocked(collection)
		_, ok := col[id]
		delete(col, id)
		b.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "unsupported method"})
	}
}

func (b *Backend) handleRegister(w http.ResponseWriter, body []byte) {
	doc, err := decodeDoc(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	email, _ := doc["email"].(string)
	password, _ := doc["password"].(string)
	if email == "" || password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "email and password are required"})
		return
	}

	b.mu.Lock()
	if _, exists := b.accounts[email]; exists {
		b.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"error": "email already registered"})
		return
	}
	b.seq++
	userID := fmt.Sprintf("usr-%d", b.seq)
	b.accounts[email] = backendAccount{password: password, userID: userID}

	profile := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "password" {
			continue
		}
		profile[k] = v
	}
	profile["id"] = userID
	b.collectionLocked("users")[userID] = profile
	resp := copyDoc(profile)
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, resp)
}

func (b *Backend) handleLogin(w http.ResponseWriter, body []byte) {
	doc, err := decodeDoc(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	email, _ := doc["email"].(string)
	password, _ := doc["password"].(string)

	b.mu.Lock()
	account, ok := b.accounts[email]
	if !ok || account.password != password {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}
	access, refresh := b.mintLocked(email)
	ttl := b.tokenTTL
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    ttl,
	})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, body []byte) {
	doc, err := decodeDoc(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	refresh, _ := doc["refresh_token"].(string)

	b.mu.Lock()
	email, ok := b.refreshes[refresh]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unknown refresh token"})
		return
	}
	b.seq++
	access := fmt.Sprintf("tok-%d", b.seq)
	b.tokens[access] = email
	ttl := b.tokenTTL
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"expires_in":   ttl,
	})
}

// mintLocked issues a fresh access/refresh token pair. Callers hold
// b.mu.
func (b *Backend) mintLocked(email string) (string, string) {
	b.seq++
	access := fmt.Sprintf("tok-%d", b.seq)
	b.seq++
	refresh := fmt.Sprintf("ref-%d", b.seq)
	b.tokens[access] = email
	b.refreshes[refresh] = email
	return access, refresh
}

func (b *Backend) authRequired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requireAuth
}

func (b *Backend) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	_, valid := b.tokens[token]
	return valid
}

// collectionLocked returns the named collection, creating it if
// needed. Callers hold b.mu.
func (b *Backend) collectionLocked(name string) map[string]map[string]any {
	col, ok := b.resources[name]
	if !ok {
		col = make(map[string]map[string]any)
		b.resources[name] = col
	}
	return col
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func copyDoc(doc map[string]any) map[string]any {
	copied := make(map[string]any, len(doc))
	for k, v := range doc {
		copied[k] = v
	}
	return copied
}

func decodeDoc(body []byte) (map[string]any, error) {
	doc := make(map[string]any)
	if len(body) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func writeJSON(w http.ResponseWriter, status int, doc map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(doc)
}
