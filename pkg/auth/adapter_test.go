package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargekit/chargekit/pkg/manager"
)

// fakeAuthBackend is an in-memory register/login/refresh/users server.
type fakeAuthBackend struct {
	mu        sync.Mutex
	users     map[string]map[string]any
	passwords map[string]string
	nextID    int
	nextToken int

	validAccess  string
	validRefresh string

	// expiresIn, when non-zero, is sent with every token response.
	expiresIn int
	// refreshFails makes the refresh endpoint answer 401.
	refreshFails bool

	loginCount   int
	refreshCount int
}

func newFakeAuthBackend() *fakeAuthBackend {
	return &fakeAuthBackend{
		users:     make(map[string]map[string]any),
		passwords: make(map[string]string),
	}
}

func (b *fakeAuthBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/register", b.handleRegister)
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("/users/", b.handleUsers)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *fakeAuthBackend) tokenResponse() map[string]any {
	b.nextToken++
	b.validAccess = fmt.Sprintf("acc-%d", b.nextToken)
	b.validRefresh = fmt.Sprintf("ref-%d", b.nextToken)

	resp := map[string]any{
		"access_token":  b.validAccess,
		"refresh_token": b.validRefresh,
	}
	if b.expiresIn > 0 {
		resp["expires_in"] = b.expiresIn
	}
	return resp
}

func (b *fakeAuthBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	email, _ := req["email"].(string)
	password, _ := req["password"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.passwords[email]; exists {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "email taken"})
		return
	}

	b.nextID++
	userID := fmt.Sprintf("u-%d", b.nextID)
	profile := map[string]any{"id": userID}
	for k, v := range req {
		if k != "password" {
			profile[k] = v
		}
	}
	b.users[userID] = profile
	b.passwords[email] = password
	writeJSON(w, http.StatusCreated, profile)
}

func (b *fakeAuthBackend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	email, _ := req["email"].(string)
	password, _ := req["password"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.passwords[email]
	if !ok || stored != password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad credentials"})
		return
	}
	b.loginCount++
	writeJSON(w, http.StatusOK, b.tokenResponse())
}

func (b *fakeAuthBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshCount++
	if b.refreshFails || req["refresh_token"] != b.validRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, b.tokenResponse())
}

func (b *fakeAuthBackend) handleUsers(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+b.validAccess {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	userID := strings.TrimPrefix(r.URL.Path, "/users/")
	profile, exists := b.users[userID]
	if !exists {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such user"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		for k, v := range req {
			profile[k] = v
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodDelete:
		delete(b.users, userID)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *fakeAuthBackend) counts() (logins, refreshes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loginCount, b.refreshCount
}

func newTestAdapter(t *testing.T, backend *fakeAuthBackend) *Adapter {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	adapter, err := New(&Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Config{})
	require.Error(t, err)
}

func TestCreateUserRegistersAndLogsIn(t *testing.T) {
	backend := newFakeAuthBackend()
	adapter := newTestAdapter(t, backend)
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{
		"email":    "driver@example.com",
		"password": "hunter2",
		"name":     "Test Driver",
	})
	require.NoError(t, err)
	assert.Equal(t, "u-1", userID)

	logins, _ := backend.counts()
	assert.Equal(t, 1, logins)

	status := adapter.Status()
	assert.True(t, status.LoggedIn)
	assert.Equal(t, "u-1", status.UserID)
	assert.True(t, status.HasRefreshToken)

	profile, err := adapter.Read(ctx, TypeUser, userID)
	require.NoError(t, err)
	assert.Equal(t, "driver@example.com", profile["email"])
	assert.Equal(t, "Test Driver", profile["name"])
}

func TestCreateUserRequiresCredentials(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())

	_, err := adapter.Create(context.Background(), TypeUser, map[string]any{"email": "x@y.z"})
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	data := map[string]any{"email": "dup@example.com", "password": "pw"}
	_, err := adapter.Create(ctx, TypeUser, data)
	require.NoError(t, err)

	_, err = adapter.Create(ctx, TypeUser, data)
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
	assert.Contains(t, err.Error(), "409")
}

func TestReadRequiresLogin(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())

	_, err := adapter.Read(context.Background(), TypeUser, "u-1")
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
	assert.Contains(t, err.Error(), "not authenticated")
}

func TestReadUnknownUser(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	_, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "a@b.c", "password": "pw"})
	require.NoError(t, err)

	_, err = adapter.Read(ctx, TypeUser, "u-999")
	assert.True(t, manager.IsNotFound(err))
}

func TestUpdateUserProfile(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "a@b.c", "password": "pw"})
	require.NoError(t, err)

	require.NoError(t, adapter.Update(ctx, TypeUser, userID, map[string]any{"name": "Renamed"}))

	profile, err := adapter.Read(ctx, TypeUser, userID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", profile["name"])

	err = adapter.Update(ctx, TypeUser, "u-999", map[string]any{"name": "x"})
	assert.True(t, manager.IsNotFound(err))
}

func TestDeleteUser(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "a@b.c", "password": "pw"})
	require.NoError(t, err)

	deleted, err := adapter.Delete(ctx, TypeUser, userID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Deleting the account behind the active token logs out.
	assert.False(t, adapter.Status().LoggedIn)

	// The backend answers 404 now, but without a token the adapter
	// cannot even ask.
	_, err = adapter.Delete(ctx, TypeUser, userID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authenticated")
}

func TestDeleteUserAfterLogout(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	first, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "first@b.c", "password": "pw"})
	require.NoError(t, err)
	second, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "second@b.c", "password": "pw"})
	require.NoError(t, err)

	// Deleting the active account ends the session.
	deleted, err := adapter.Delete(ctx, TypeUser, second)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, adapter.Status().LoggedIn)

	// The first user is still deletable: the adapter logs back in with
	// the credentials it registered.
	deleted, err = adapter.Delete(ctx, TypeUser, first)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDeleteUserAlreadyGone(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	_, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "keep@b.c", "password": "pw"})
	require.NoError(t, err)

	deleted, err := adapter.Delete(ctx, TypeUser, "u-999")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSessionLifecycle(t *testing.T) {
	backend := newFakeAuthBackend()
	adapter := newTestAdapter(t, backend)
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "s@b.c", "password": "pw"})
	require.NoError(t, err)

	sessionID, err := adapter.Create(ctx, TypeSession, map[string]any{"email": "s@b.c", "password": "pw"})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	state, err := adapter.Read(ctx, TypeSession, sessionID)
	require.NoError(t, err)
	assert.Equal(t, true, state["logged_in"])
	assert.Equal(t, true, state["has_refresh_token"])
	assert.Equal(t, userID, state["user_id"])

	deleted, err := adapter.Delete(ctx, TypeSession, sessionID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, adapter.Status().LoggedIn)

	deleted, err = adapter.Delete(ctx, TypeSession, sessionID)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = adapter.Read(ctx, TypeSession, sessionID)
	assert.True(t, manager.IsNotFound(err))
}

func TestSessionBadCredentials(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())

	_, err := adapter.Create(context.Background(), TypeSession, map[string]any{
		"email": "ghost@b.c", "password": "wrong",
	})
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
}

func TestTokenRefreshedWhenExpired(t *testing.T) {
	backend := newFakeAuthBackend()
	backend.expiresIn = 1 // expires inside the 30s buffer immediately
	adapter := newTestAdapter(t, backend)
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "r@b.c", "password": "pw"})
	require.NoError(t, err)

	_, err = adapter.Read(ctx, TypeUser, userID)
	require.NoError(t, err)

	logins, refreshes := backend.counts()
	assert.Equal(t, 1, logins)
	assert.GreaterOrEqual(t, refreshes, 1)
}

func TestReloginWhenRefreshFails(t *testing.T) {
	backend := newFakeAuthBackend()
	backend.expiresIn = 1
	backend.refreshFails = true
	adapter := newTestAdapter(t, backend)
	ctx := context.Background()

	userID, err := adapter.Create(ctx, TypeUser, map[string]any{"email": "rl@b.c", "password": "pw"})
	require.NoError(t, err)

	_, err = adapter.Read(ctx, TypeUser, userID)
	require.NoError(t, err)

	logins, refreshes := backend.counts()
	assert.GreaterOrEqual(t, refreshes, 1)
	assert.GreaterOrEqual(t, logins, 2, "refresh failure falls back to login")
}

func TestUnsupportedResourceType(t *testing.T) {
	adapter := newTestAdapter(t, newFakeAuthBackend())
	ctx := context.Background()

	_, err := adapter.Create(ctx, "invoice", map[string]any{"email": "a@b.c", "password": "pw"})
	assert.True(t, manager.IsAdapterError(err))

	_, err = adapter.Read(ctx, "invoice", "x")
	assert.True(t, manager.IsAdapterError(err))

	err = adapter.Update(ctx, TypeSession, "x", nil)
	assert.True(t, manager.IsAdapterError(err))

	_, err = adapter.Delete(ctx, "invoice", "x")
	assert.True(t, manager.IsAdapterError(err))
}

func TestRollbackThroughManager(t *testing.T) {
	backend := newFakeAuthBackend()
	adapter := newTestAdapter(t, backend)

	m := manager.New()
	m.RegisterAdapter(Name, adapter)
	ctx := context.Background()

	userID, err := m.Create(ctx, TypeUser, map[string]any{"email": "rb@b.c", "password": "pw"}, Name)
	require.NoError(t, err)
	_, err = m.Create(ctx, TypeSession, map[string]any{"email": "rb@b.c", "password": "pw"}, Name)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count(""))

	// Rollback tears down newest first: the session closes before the
	// user delete needs its own fresh login.
	require.NoError(t, m.Rollback(ctx))
	assert.Equal(t, 0, m.Count(""))

	backend.mu.Lock()
	_, stillThere := backend.users[userID]
	backend.mu.Unlock()
	assert.False(t, stillThere)
}
