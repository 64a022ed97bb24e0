// Package cliconfig locates the toolkit config file for the chargekit
// CLI. Discovery order, highest priority first:
//
//  1. CHARGEKIT_CONFIG environment variable
//  2. chargekit.yaml / chargekit.yml / chargekit.json in the current directory
//  3. config.yaml under os.UserConfigDir()/chargekit
//
// Discovery is optional: when no file exists anywhere, Discover returns
// an empty path and the CLI runs on built-in defaults.
package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfig is the environment variable that pins the config file path.
const EnvConfig = "CHARGEKIT_CONFIG"

// DiscoveryOrder lists the project config file names probed in the
// working directory, in priority order.
var DiscoveryOrder = []string{
	"chargekit.yaml",
	"chargekit.yml",
	"chargekit.json",
}

// Per-user config location under os.UserConfigDir().
const (
	GlobalConfigDir      = "chargekit"
	GlobalConfigFileName = "config.yaml"
)

// Discover returns the path of the toolkit config file, or "" when none
// exists. It only errors when CHARGEKIT_CONFIG names a file that is not
// there; a dangling override is always a mistake worth surfacing.
func Discover() (string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
		return "", fmt.Errorf("%s points to non-existent file: %s", EnvConfig, envPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	if path := FindProjectConfig(cwd); path != "" {
		return path, nil
	}
	return FindGlobalConfig(), nil
}

// FindProjectConfig probes dir for the names in DiscoveryOrder and
// returns the first that exists, or "".
func FindProjectConfig(dir string) string {
	for _, name := range DiscoveryOrder {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// FindGlobalConfig returns the per-user config file path if it exists,
// or "".
func FindGlobalConfig() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(configDir, GlobalConfigDir, GlobalConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
