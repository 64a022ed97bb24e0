// Package id generates the identifiers used across the toolkit: call
// ids, message ids, client ids, and charge-point serials.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUID generates a UUID v4 (random) string.
// Used for OCPP-J call ids and MQTT message ids.
func UUID() string {
	return uuid.NewString()
}

// Short generates a short random hex ID (16 characters).
// Suitable for user-facing IDs where brevity matters.
func Short() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var serialCounter atomic.Uint64

// Serial generates a charge-point style serial number: an uppercased
// prefix, a process-unique counter, and four random hex characters,
// e.g. "CP-000017-A3F9". Counter uniqueness holds within one process;
// the random suffix keeps parallel test runs from colliding.
func Serial(prefix string) string {
	if prefix == "" {
		prefix = "CP"
	}
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s-%06d-%s",
		strings.ToUpper(prefix), serialCounter.Add(1), strings.ToUpper(hex.EncodeToString(b)))
}
