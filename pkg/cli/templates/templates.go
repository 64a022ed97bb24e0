// Package templates embeds the starter files chargekit init writes.
package templates

import _ "embed"

// Config is the starter toolkit config.
//
//go:embed chargekit.yaml
var Config []byte

// Scenario is the starter smoke scenario.
//
//go:embed smoke.yaml
var Scenario []byte
