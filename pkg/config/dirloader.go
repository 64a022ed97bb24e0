package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Glob expands a glob pattern to the matching config file paths
// (.yaml/.yml/.json), sorted for deterministic ordering. Patterns
// containing ** match across nested directories, e.g.
// "scenarios/**/*.yaml".
func Glob(pattern string) ([]string, error) {
	matches, err := expandGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expanding glob pattern: %w", err)
	}

	var paths []string
	for _, match := range matches {
		ext := strings.ToLower(filepath.Ext(match))
		if ext == ".yaml" || ext == ".yml" || ext == ".json" {
			paths = append(paths, match)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadScenarioDir loads every scenario matching a glob pattern, in
// path order. Matching a file that is not a valid scenario fails the
// whole load.
func LoadScenarioDir(pattern string) ([]*Scenario, error) {
	paths, err := Glob(pattern)
	if err != nil {
		return nil, err
	}

	scenarios := make([]*Scenario, 0, len(paths))
	for _, path := range paths {
		sc, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// expandGlob expands a glob pattern to matching file paths. Patterns
// containing ** use doublestar, simple patterns use filepath.Glob.
func expandGlob(pattern string) ([]string, error) {
	if strings.Contains(pattern, "**") {
		return doublestar.FilepathGlob(pattern)
	}
	return filepath.Glob(pattern)
}
