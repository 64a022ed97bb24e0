// Package config provides file-based configuration for the toolkit.
//
// Two document kinds are supported, both in YAML or JSON with the
// format detected from the file extension:
//
//   - Config: toolkit settings — logging, an optional embedded broker,
//     and one block per adapter (rest, ocpp, mqtt, auth, emulator).
//     Blocks are declarative; they convert into the adapter packages'
//     runtime configs via Build.
//   - Scenario: a declarative resource plan — ordered resource specs
//     with per-scenario defaults, an optional hold duration, and a
//     rollback switch. Scenario documents are validated structurally
//     against a JSON schema before decoding.
//
// Environment variables are expanded in loaded files using
// ${VAR_NAME} and ${VAR_NAME:-default} syntax:
//
//	adapters:
//	  rest:
//	    baseUrl: ${BACKEND_URL:-http://localhost:8080}
//
// LoadScenarioDir loads a scenario suite from a glob pattern, with **
// matching nested directories.
package config
