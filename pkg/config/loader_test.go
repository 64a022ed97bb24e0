package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeTempFile(t, "chargekit.yaml", `
logging:
  level: debug
  format: json
broker:
  port: 1884
  users:
    - username: harness
      password: secret
adapters:
  rest:
    baseUrl: http://localhost:8080
    timeout: 5s
    retryBackoff: 250
    endpoints:
      tenant: /api/v1/tenants
  mqtt:
    brokerUrl: tcp://localhost:1884
    publishTopic: chargers/events
    qos: 1
  emulator:
    connectors: 4
    maxPowerKw: 150
    tickInterval: 100ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NotNil(t, cfg.Broker)
	assert.Equal(t, 1884, cfg.Broker.Port)
	require.Len(t, cfg.Broker.Users, 1)
	assert.Equal(t, "harness", cfg.Broker.Users[0].Username)

	require.NotNil(t, cfg.Adapters.REST)
	assert.Equal(t, "http://localhost:8080", cfg.Adapters.REST.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Adapters.REST.Timeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Adapters.REST.RetryBackoff.Std())
	assert.Equal(t, "/api/v1/tenants", cfg.Adapters.REST.Endpoints["tenant"])

	require.NotNil(t, cfg.Adapters.MQTT)
	assert.Equal(t, byte(1), cfg.Adapters.MQTT.QoS)

	require.NotNil(t, cfg.Adapters.Emulator)
	assert.Equal(t, 4, cfg.Adapters.Emulator.Connectors)
	assert.Equal(t, 100*time.Millisecond, cfg.Adapters.Emulator.TickInterval.Std())

	assert.Nil(t, cfg.Adapters.OCPP)
	assert.Nil(t, cfg.Adapters.Auth)
}

func TestLoad_ValidJSON(t *testing.T) {
	path := writeTempFile(t, "chargekit.json", `{
		"adapters": {
			"ocpp": {"url": "ws://localhost:8887/ocpp", "callTimeout": "10s"},
			"auth": {"baseUrl": "http://localhost:9000"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Adapters.OCPP)
	assert.Equal(t, "ws://localhost:8887/ocpp", cfg.Adapters.OCPP.URL)
	assert.Equal(t, 10*time.Second, cfg.Adapters.OCPP.CallTimeout.Std())
	require.NotNil(t, cfg.Adapters.Auth)
	assert.Equal(t, "http://localhost:9000", cfg.Adapters.Auth.BaseURL)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeTempFile(t, "empty.yaml", "")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrEmptyFile)
}

func TestLoad_Directory(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorContains(t, err, "directory")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempFile(t, "bad.yaml", "adapters: [unclosed")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeTempFile(t, "bad.json", "{ not json }")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeTempFile(t, "chargekit.yaml", `
adapters:
  rest:
    timeout: 5s
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "baseUrl is required")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CHARGEKIT_TEST_URL", "http://backend:9999")

	path := writeTempFile(t, "chargekit.yaml", `
adapters:
  rest:
    baseUrl: ${CHARGEKIT_TEST_URL}
  auth:
    baseUrl: ${CHARGEKIT_TEST_MISSING:-http://fallback:1234}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://backend:9999", cfg.Adapters.REST.BaseURL)
	assert.Equal(t, "http://fallback:1234", cfg.Adapters.Auth.BaseURL)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CHARGEKIT_TEST_VAR", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"${CHARGEKIT_TEST_VAR}", "value"},
		{"prefix-${CHARGEKIT_TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${CHARGEKIT_TEST_UNSET:-default}", "default"},
		{"${CHARGEKIT_TEST_UNSET}", ""},
		{"no variables here", "no variables here"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnvVars(tt.input), "input %q", tt.input)
	}
}

func TestSave_RoundTripYAML(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "warn"},
		Adapters: AdaptersConfig{
			REST: &RESTConfig{
				BaseURL: "http://localhost:8080",
				Timeout: Duration(5 * time.Second),
			},
		},
	}

	path := filepath.Join(t.TempDir(), "nested", "dir", "chargekit.yaml")
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_RoundTripJSON(t *testing.T) {
	rollback := false
	sc := &Scenario{
		Name:     "smoke",
		Defaults: map[string]any{"tenant": "acme"},
		Resources: []ResourceSpec{
			{Type: "charger", Adapter: "emulator", Count: 2},
		},
		Hold:     Duration(2 * time.Second),
		Rollback: &rollback,
	}

	path := filepath.Join(t.TempDir(), "smoke.json")
	require.NoError(t, Save(path, sc))

	loaded, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, sc, loaded)
}

func TestSave_NilValue(t *testing.T) {
	err := Save(filepath.Join(t.TempDir(), "x.yaml"), nil)
	require.ErrorContains(t, err, "cannot be nil")
}

func TestSave_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chargekit.yaml")
	require.NoError(t, Save(path, &Config{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chargekit.yaml", entries[0].Name())
}
