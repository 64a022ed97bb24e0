package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading and saving.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidJSON      = errors.New("invalid JSON syntax")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrEmptyFile        = errors.New("configuration file is empty")
)

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnvVars expands environment variables in the input string.
// Supports ${VAR_NAME} and ${VAR_NAME:-default} syntax.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatch := envVarPattern.FindStringSubmatch(match)
		if len(submatch) < 2 {
			return match
		}
		if val := os.Getenv(submatch[1]); val != "" {
			return val
		}
		if len(submatch) >= 3 {
			return submatch[2]
		}
		return ""
	})
}

// Load reads a toolkit Config from a YAML or JSON file. The format is
// detected from the extension (.yaml/.yml for YAML, otherwise JSON).
func Load(path string) (*Config, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := decodeByExt(path, data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// Kind says what a config document describes.
type Kind string

// Document kinds Detect can report.
const (
	KindConfig   Kind = "config"
	KindScenario Kind = "scenario"
)

// Detect sniffs whether the file at path holds a toolkit config or a
// scenario. A document with a top-level "resources" list is a
// scenario; anything else is treated as a config.
func Detect(path string) (Kind, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return "", err
	}

	var doc struct {
		Resources []any `yaml:"resources" json:"resources"`
	}
	if err := decodeByExt(path, data, &doc); err != nil {
		return "", err
	}
	if doc.Resources != nil {
		return KindScenario, nil
	}
	return KindConfig, nil
}

// LoadScenario reads a Scenario from a YAML or JSON file. The document
// is checked against the scenario schema before decoding.
func LoadScenario(path string) (*Scenario, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	if err := validateScenarioDocument(path, data); err != nil {
		return nil, err
	}

	var sc Scenario
	if err := decodeByExt(path, data, &sc); err != nil {
		return nil, err
	}
	sc.normalize()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &sc, nil
}

// Save writes a Config or Scenario to a file using a temp-file write
// and atomic rename. The format follows the extension; parent
// directories are created as needed.
func Save(path string, v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}

	var data []byte
	var err error
	if isYAMLExt(path) {
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// readConfigFile reads a file with environment expansion applied,
// mapping common failure cases onto the sentinel errors.
func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	return []byte(ExpandEnvVars(string(data))), nil
}

func decodeByExt(path string, data []byte, v any) error {
	if isYAMLExt(path) {
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w in file: %s", ErrInvalidJSON, path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return nil
}

func isYAMLExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
