package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargekit/chargekit/pkg/config"
)

func TestBuildLogger_Default(t *testing.T) {
	logFile = ""
	log, closeLog, err := buildLogger(&cobra.Command{}, &config.Config{})
	require.NoError(t, err)
	require.NotNil(t, log)
	closeLog()
}

func TestBuildLogger_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logFile = path
	defer func() { logFile = "" }()

	log, closeLog, err := buildLogger(&cobra.Command{}, &config.Config{})
	require.NoError(t, err)

	log.Info("scenario starting", "resources", 3)
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// The file sink always gets JSON regardless of the stderr format.
	assert.Contains(t, string(data), `"msg":"scenario starting"`)
	assert.Contains(t, string(data), `"resources":3`)
}

func TestBuildLogger_LogFileOpenFailure(t *testing.T) {
	logFile = filepath.Join(t.TempDir(), "no-such-dir", "run.log")
	defer func() { logFile = "" }()

	_, _, err := buildLogger(&cobra.Command{}, &config.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open log file")
}
