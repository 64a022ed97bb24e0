package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Scenario is a declarative resource plan: resources are created in
// order, held for an optional duration, and rolled back unless the
// document opts out.
type Scenario struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Defaults are merged under every resource's data.
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	Resources []ResourceSpec `json:"resources" yaml:"resources"`

	// Hold keeps the resources alive after creation, e.g. for external
	// observation. Zero means no hold.
	Hold Duration `json:"hold,omitempty" yaml:"hold,omitempty"`

	// Rollback controls teardown after the hold. Defaults to true.
	Rollback *bool `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// ResourceSpec names one resource batch to create.
type ResourceSpec struct {
	Type    string         `json:"type" yaml:"type"`
	Adapter string         `json:"adapter" yaml:"adapter"`
	Count   int            `json:"count,omitempty" yaml:"count,omitempty"`
	Data    map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// ShouldRollback reports whether the scenario tears its resources down.
func (s *Scenario) ShouldRollback() bool {
	return s.Rollback == nil || *s.Rollback
}

// DataFor merges the scenario defaults under a resource's data. The
// resource's own fields win.
func (s *Scenario) DataFor(spec ResourceSpec) map[string]any {
	merged := make(map[string]any, len(s.Defaults)+len(spec.Data))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range spec.Data {
		merged[k] = v
	}
	return merged
}

// normalize fills in implied values after decoding.
func (s *Scenario) normalize() {
	for i := range s.Resources {
		if s.Resources[i].Count == 0 {
			s.Resources[i].Count = 1
		}
	}
}

// Validate checks the scenario beyond what the schema enforces.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(s.Resources) == 0 {
		return &ValidationError{Field: "resources", Message: "at least one resource is required"}
	}
	for i, r := range s.Resources {
		if r.Type == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("resources[%d].type", i),
				Message: "type is required",
			}
		}
		if r.Adapter == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("resources[%d].adapter", i),
				Message: "adapter is required",
			}
		}
		if r.Count < 1 {
			return &ValidationError{
				Field:   fmt.Sprintf("resources[%d].count", i),
				Message: "count must be at least 1",
			}
		}
	}
	if s.Hold < 0 {
		return &ValidationError{Field: "hold", Message: "hold must not be negative"}
	}
	return nil
}

// scenarioSchema structurally validates scenario documents before they
// are decoded, catching typos like misspelled keys early.
const scenarioSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "resources"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "defaults": {"type": "object"},
    "hold": {"type": ["string", "integer"]},
    "rollback": {"type": "boolean"},
    "resources": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "adapter"],
        "properties": {
          "type": {"type": "string", "minLength": 1},
          "adapter": {"type": "string", "minLength": 1},
          "count": {"type": "integer", "minimum": 1},
          "data": {"type": "object"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var (
	scenarioSchemaOnce     sync.Once
	compiledScenarioSchema *jsonschema.Schema
	scenarioSchemaErr      error
)

func loadScenarioSchema() (*jsonschema.Schema, error) {
	scenarioSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("scenario.json", strings.NewReader(scenarioSchema)); err != nil {
			scenarioSchemaErr = err
			return
		}
		compiledScenarioSchema, scenarioSchemaErr = compiler.Compile("scenario.json")
	})
	return compiledScenarioSchema, scenarioSchemaErr
}

// validateScenarioDocument checks raw file bytes against the scenario
// schema. YAML documents are round-tripped through JSON so the schema
// sees consistent types.
func validateScenarioDocument(path string, data []byte) error {
	var doc any
	if isYAMLExt(path) {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		jsonBytes, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to normalize document: %w", err)
		}
		if err := json.Unmarshal(jsonBytes, &doc); err != nil {
			return fmt.Errorf("failed to normalize document: %w", err)
		}
	} else {
		if !json.Valid(data) {
			return fmt.Errorf("%w in file: %s", ErrInvalidJSON, path)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
	}

	schema, err := loadScenarioSchema()
	if err != nil {
		return fmt.Errorf("failed to compile scenario schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("scenario document invalid: %w", err)
	}
	return nil
}
