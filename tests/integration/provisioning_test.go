package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargekit/chargekit/pkg/auth"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/rest"
	"github.com/chargekit/chargekit/pkg/testkit"
)

// newRESTManager wires a rest adapter against the backend double and
// registers it as the manager default.
func newRESTManager(t *testing.T, backend *testkit.Backend, mutate func(*rest.Config)) *manager.Manager {
	t.Helper()

	cfg := &rest.Config{
		BaseURL: backend.URL(),
		Endpoints: map[string]string{
			"tenant": "/tenants",
			"user":   "/users",
		},
		HTTPClient: backend.Client(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	adapter, err := rest.New(cfg)
	require.NoError(t, err)

	m := testkit.NewManager(t, manager.WithDefaultAdapter(rest.Name))
	m.RegisterAdapter(rest.Name, adapter)
	return m
}

func TestProvisionTenantAndUsers(t *testing.T) {
	backend := testkit.StartBackend(t)
	m := newRESTManager(t, backend, nil)
	ctx := context.Background()

	tenantID, err := m.Create(ctx, "tenant", map[string]any{"name": "acme-fleet"}, "")
	require.NoError(t, err)
	assert.Equal(t, "tenants-1", tenantID)

	userID, err := m.Create(ctx, "user", map[string]any{
		"email":     "driver@acme.test",
		"tenant_id": tenantID,
	}, "")
	require.NoError(t, err)

	doc, ok := backend.Resource("tenants", tenantID)
	require.True(t, ok)
	assert.Equal(t, "acme-fleet", doc["name"])

	got, err := m.Read(ctx, "user", userID, "")
	require.NoError(t, err)
	assert.Equal(t, "driver@acme.test", got["email"])

	// Updates merge into the stored document instead of replacing it.
	require.NoError(t, m.Update(ctx, "tenant", tenantID, map[string]any{"plan": "fleet-pro"}, ""))
	doc, ok = backend.Resource("tenants", tenantID)
	require.True(t, ok)
	assert.Equal(t, "acme-fleet", doc["name"])
	assert.Equal(t, "fleet-pro", doc["plan"])

	backend.AssertCalledTimes(t, http.MethodPost, "/tenants", 1)
	backend.AssertCalledTimes(t, http.MethodPost, "/users", 1)
	assert.Equal(t, 2, m.Count(""))
}

func TestRollbackDeletesInReverseOrder(t *testing.T) {
	backend := testkit.StartBackend(t)
	m := newRESTManager(t, backend, nil)
	ctx := context.Background()

	tenantID, err := m.Create(ctx, "tenant", map[string]any{"name": "acme"}, "")
	require.NoError(t, err)
	firstUser, err := m.Create(ctx, "user", map[string]any{"email": "a@acme.test"}, "")
	require.NoError(t, err)
	secondUser, err := m.Create(ctx, "user", map[string]any{"email": "b@acme.test"}, "")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx))

	// Newest first, so dependents go before the tenant they hang off.
	assert.Equal(t, []string{
		"/users/" + secondUser,
		"/users/" + firstUser,
		"/tenants/" + tenantID,
	}, deletePaths(backend.Requests()))

	assert.Zero(t, m.Count(""))
	assert.Zero(t, backend.Count("tenants"))
	assert.Zero(t, backend.Count("users"))
}

func TestRollbackContinuesPastBackendFailure(t *testing.T) {
	backend := testkit.StartBackend(t)
	m := newRESTManager(t, backend, func(cfg *rest.Config) {
		// The injected 500 must reach the manager, not the retry loop.
		cfg.MaxRetries = -1
	})
	ctx := context.Background()

	_, err := m.Create(ctx, "tenant", map[string]any{"name": "acme"}, "")
	require.NoError(t, err)
	userID, err := m.Create(ctx, "user", map[string]any{"email": "a@acme.test"}, "")
	require.NoError(t, err)

	backend.FailNext(http.MethodDelete, "/users/"+userID, http.StatusInternalServerError)

	err = m.Rollback(ctx)
	rbErr, ok := manager.AsRollbackError(err)
	require.True(t, ok, "expected a rollback error, got %v", err)
	require.Len(t, rbErr.Failures, 1)

	failure := rbErr.Failures[0]
	assert.Equal(t, "user", failure.Type)
	assert.Equal(t, userID, failure.ID)
	assert.Equal(t, rest.Name, failure.Adapter)

	// The walk kept going past the failure: the tenant is gone and only
	// the failed record is still tracked.
	assert.Zero(t, backend.Count("tenants"))
	records := m.Resources("")
	require.Len(t, records, 1)
	assert.Equal(t, userID, records[0].ID)

	// The injected failure was consumed, so a second pass retries just
	// the survivor and clears the ledger.
	require.NoError(t, m.Rollback(ctx))
	assert.Zero(t, m.Count(""))
	assert.Zero(t, backend.Count("users"))
}

func TestAuthAccountLifecycle(t *testing.T) {
	backend := testkit.StartBackend(t)
	adapter, err := auth.New(&auth.Config{
		BaseURL:    backend.URL(),
		HTTPClient: backend.Client(),
	})
	require.NoError(t, err)

	m := testkit.NewManager(t, manager.WithDefaultAdapter(auth.Name))
	m.RegisterAdapter(auth.Name, adapter)
	ctx := context.Background()

	userID, err := m.Create(ctx, auth.TypeUser, map[string]any{
		"email":    "ops@acme.test",
		"password": "hunter2",
		"name":     "Ops",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "usr-1", userID)
	assert.True(t, adapter.Status().LoggedIn)

	sessionID, err := m.Create(ctx, auth.TypeSession, map[string]any{
		"email":    "ops@acme.test",
		"password": "hunter2",
	}, "")
	require.NoError(t, err)

	state, err := m.Read(ctx, auth.TypeSession, sessionID, "")
	require.NoError(t, err)
	assert.Equal(t, true, state["logged_in"])
	assert.Equal(t, userID, state["user_id"])

	profile, err := m.Read(ctx, auth.TypeUser, userID, "")
	require.NoError(t, err)
	assert.Equal(t, "Ops", profile["name"])

	// Rollback closes the session first, then deletes the account. The
	// adapter logs back in with the stored credentials to do so.
	require.NoError(t, m.Rollback(ctx))
	backend.AssertCalled(t, http.MethodDelete, "/users/"+userID)
	assert.Zero(t, backend.Count("users"))
	assert.False(t, adapter.Status().LoggedIn)
}

func TestExpiredTokenRefreshesBeforeRequest(t *testing.T) {
	// Zero TTL means every minted token is born expired, forcing the
	// adapter through its refresh path on the next authenticated call.
	backend := testkit.StartBackend(t).TokenTTL(0)
	adapter, err := auth.New(&auth.Config{
		BaseURL:    backend.URL(),
		HTTPClient: backend.Client(),
	})
	require.NoError(t, err)

	m := testkit.NewManager(t, manager.WithDefaultAdapter(auth.Name))
	m.RegisterAdapter(auth.Name, adapter)
	ctx := context.Background()

	userID, err := m.Create(ctx, auth.TypeUser, map[string]any{
		"email":    "ops@acme.test",
		"password": "hunter2",
	}, "")
	require.NoError(t, err)
	backend.AssertNotCalled(t, http.MethodPost, "/auth/refresh")

	_, err = m.Read(ctx, auth.TypeUser, userID, "")
	require.NoError(t, err)
	backend.AssertCalled(t, http.MethodPost, "/auth/refresh")
}

func TestUnknownAdapterFailsCreate(t *testing.T) {
	backend := testkit.StartBackend(t)
	m := newRESTManager(t, backend, nil)

	_, err := m.Create(context.Background(), "tenant", nil, "billing")
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
	assert.ErrorIs(t, err, manager.ErrUnknownAdapter)
	backend.AssertNotCalled(t, http.MethodPost, "/tenants")
}
