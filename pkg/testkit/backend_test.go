package testkit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargekit/chargekit/pkg/auth"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/rest"
)

func postJSON(t *testing.T, url string, doc map[string]any) *http.Response {
	t.Helper()

	body, err := json.Marshal(doc)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestBackendCreateAndRead(t *testing.T) {
	backend := StartBackend(t)

	resp := postJSON(t, backend.URL()+"/tenant", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody(t, resp)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "acme", created["name"])

	doc, ok := backend.Resource("tenant", id)
	require.True(t, ok)
	assert.Equal(t, "acme", doc["name"])
	assert.Equal(t, 1, backend.Count("tenant"))

	get, err := http.Get(backend.URL() + "/tenant/" + id)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.Equal(t, "acme", decodeBody(t, get)["name"])
}

func TestBackendCreateKeepsClientID(t *testing.T) {
	backend := StartBackend(t)

	resp := postJSON(t, backend.URL()+"/tenant", map[string]any{"id": "t-custom", "name": "acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "t-custom", decodeBody(t, resp)["id"])

	_, ok := backend.Resource("tenant", "t-custom")
	assert.True(t, ok)
}

func TestBackendUpdateMerges(t *testing.T) {
	backend := StartBackend(t)
	backend.Seed("tenant", "t-1", map[string]any{"name": "acme", "plan": "free"})

	body, _ := json.Marshal(map[string]any{"plan": "pro"})
	req, err := http.NewRequest(http.MethodPut, backend.URL()+"/tenant/t-1", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc, ok := backend.Resource("tenant", "t-1")
	require.True(t, ok)
	assert.Equal(t, "acme", doc["name"])
	assert.Equal(t, "pro", doc["plan"])
}

func TestBackendDelete(t *testing.T) {
	backend := StartBackend(t)
	backend.Seed("tenant", "t-1", nil)

	req, err := http.NewRequest(http.MethodDelete, backend.URL()+"/tenant/t-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, backend.Count("tenant"))

	// Second delete finds nothing.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendNestedEndpoints(t *testing.T) {
	backend := StartBackend(t)

	resp := postJSON(t, backend.URL()+"/api/v1/tenants", map[string]any{"name": "acme"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := decodeBody(t, resp)["id"].(string)
	require.NotEmpty(t, id)
	assert.NotContains(t, id, "/")

	doc, ok := backend.Resource("api/v1/tenants", id)
	require.True(t, ok)
	assert.Equal(t, "acme", doc["name"])
}

func TestBackendWithRESTAdapter(t *testing.T) {
	backend := StartBackend(t)
	adapter, err := rest.New(&rest.Config{BaseURL: backend.URL()})
	require.NoError(t, err)

	ctx := context.Background()
	id, err := adapter.Create(ctx, "charger", map[string]any{"model": "AC_22kW"})
	require.NoError(t, err)

	state, err := adapter.Read(ctx, "charger", id)
	require.NoError(t, err)
	assert.Equal(t, "AC_22kW", state["model"])

	require.NoError(t, adapter.Update(ctx, "charger", id, map[string]any{"model": "DC_150kW"}))
	doc, _ := backend.Resource("charger", id)
	assert.Equal(t, "DC_150kW", doc["model"])

	deleted, err := adapter.Delete(ctx, "charger", id)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Absent resources read back as not found and delete as already
	// gone.
	_, err = adapter.Read(ctx, "charger", id)
	assert.True(t, manager.IsNotFound(err))
	deleted, err = adapter.Delete(ctx, "charger", id)
	require.NoError(t, err)
	assert.False(t, deleted)

	backend.AssertCalled(t, "POST", "/charger")
	backend.AssertCalledTimes(t, "PUT", "/charger/{id}", 1)
}

func TestBackendFailNextDrivesRetries(t *testing.T) {
	backend := StartBackend(t)
	backend.Seed("charger", "c-1", map[string]any{"status": "Available"})
	backend.FailNext("GET", "/charger/c-1", http.StatusServiceUnavailable)

	adapter, err := rest.New(&rest.Config{
		BaseURL:      backend.URL(),
		RetryBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	state, err := adapter.Read(context.Background(), "charger", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Available", state["status"])

	// One failed attempt plus the successful retry.
	backend.AssertCalledTimes(t, "GET", "/charger/c-1", 2)
}

func TestBackendFailNextQueuesInOrder(t *testing.T) {
	backend := StartBackend(t)
	backend.Seed("charger", "c-1", nil)
	backend.FailNext("GET", "/charger/{id}", http.StatusBadGateway)
	backend.FailNext("GET", "/charger/{id}", http.StatusServiceUnavailable)

	for _, want := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusOK} {
		resp, err := http.Get(backend.URL() + "/charger/c-1")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode)
	}
}

func TestBackendAuthFlow(t *testing.T) {
	backend := StartBackend(t)
	backend.RequireAuth()

	adapter, err := auth.New(&auth.Config{BaseURL: backend.URL()})
	require.NoError(t, err)

	ctx := context.Background()
	userID, err := adapter.Create(ctx, auth.TypeUser, map[string]any{
		"email":    "driver@example.com",
		"password": "hunter2",
		"name":     "Test Driver",
	})
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	profile, err := adapter.Read(ctx, auth.TypeUser, userID)
	require.NoError(t, err)
	assert.Equal(t, "driver@example.com", profile["email"])
	assert.Equal(t, "Test Driver", profile["name"])
	assert.NotContains(t, profile, "password")

	// The register payload should never carry credentials onward.
	backend.AssertCalled(t, "POST", "/auth/register")
	backend.AssertCalled(t, "POST", "/auth/login")
	backend.AssertCalled(t, "GET", "/users/{id}")
}

func TestBackendLoginRejectsBadPassword(t *testing.T) {
	backend := StartBackend(t)

	resp := postJSON(t, backend.URL()+"/auth/register", map[string]any{
		"email": "a@b.c", "password": "right",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, backend.URL()+"/auth/login", map[string]any{
		"email": "a@b.c", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBackendRegisterRejectsDuplicateEmail(t *testing.T) {
	backend := StartBackend(t)

	doc := map[string]any{"email": "a@b.c", "password": "pw"}
	resp := postJSON(t, backend.URL()+"/auth/register", doc)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, backend.URL()+"/auth/register", doc)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestBackendRequireAuthBlocksAnonymous(t *testing.T) {
	backend := StartBackend(t)
	backend.RequireAuth()
	backend.Seed("charger", "c-1", nil)

	resp, err := http.Get(backend.URL() + "/charger/c-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBackendRevokedTokenForcesRefresh(t *testing.T) {
	backend := StartBackend(t)
	backend.RequireAuth().TokenTTL(0)

	adapter, err := auth.New(&auth.Config{BaseURL: backend.URL()})
	require.NoError(t, err)

	ctx := context.Background()
	userID, err := adapter.Create(ctx, auth.TypeUser, map[string]any{
		"email": "a@b.c", "password": "pw",
	})
	require.NoError(t, err)

	// Every token is born expired, so the read has to refresh first.
	backend.RevokeAccessTokens()
	_, err = adapter.Read(ctx, auth.TypeUser, userID)
	require.NoError(t, err)
	backend.AssertCalled(t, "POST", "/auth/refresh")
}

func TestBackendReset(t *testing.T) {
	backend := StartBackend(t)
	backend.Seed("charger", "c-1", nil)
	backend.FailNext("GET", "/charger/c-1", http.StatusBadGateway)

	resp, err := http.Get(backend.URL() + "/charger/c-1")
	require.NoError(t, err)
	resp.Body.Close()

	backend.Reset()
	assert.Equal(t, 0, backend.Count("charger"))
	assert.Empty(t, backend.Requests())

	// Queued failures are gone too; the resource itself was dropped.
	resp, err = http.Get(backend.URL() + "/charger/c-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendRequestLogAssertions(t *testing.T) {
	backend := StartBackend(t)

	resp := postJSON(t, backend.URL()+"/charger", map[string]any{
		"model":  "AC_22kW",
		"config": map[string]any{"maxPowerKw": 22},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	reqs := backend.Requests()
	require.Len(t, reqs, 1)

	req := reqs[0]
	req.AssertHeader(t, "content-type", "application/json")
	req.AssertBodyContains(t, "AC_22kW")
	req.AssertJSONField(t, "model", "AC_22kW")
	req.AssertJSONField(t, "config.maxPowerKw", float64(22))
	req.AssertJSONBody(t, map[string]any{
		"model":  "AC_22kW",
		"config": map[string]any{"maxPowerKw": 22},
	})
	assert.Equal(t, float64(22), req.JSONField("config.maxPowerKw"))
	assert.Nil(t, req.JSONField("config.missing.deeper"))
}

func TestMatchesPath(t *testing.T) {
	tests := []struct {
		actual  string
		pattern string
		want    bool
	}{
		{"/charger/c-1", "/charger/c-1", true},
		{"/charger/c-1", "/charger/{id}", true},
		{"/charger/c-1/meter", "/charger/{id}/meter", true},
		{"/charger/c-1", "/charger/{id}/meter", false},
		{"/tenant/t-1", "/charger/{id}", false},
		{"/charger", "/charger/{id}", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchesPath(tt.actual, tt.pattern), "%s vs %s", tt.actual, tt.pattern)
	}
}
