// Package util provides small shared helpers for chargekit packages.
package util

import "strings"

// MaxErrorSnippet is the default cap on backend response bodies quoted
// in error messages.
const MaxErrorSnippet = 200

// Snippet trims a backend response body for quoting in an error: it
// strips surrounding whitespace and truncates to maxSize bytes,
// appending "..." when it cuts. If maxSize <= 0, MaxErrorSnippet is
// used. Error pages can be arbitrarily large HTML or stack traces;
// errors that quote them stay readable this way.
func Snippet(body string, maxSize int) string {
	if maxSize <= 0 {
		maxSize = MaxErrorSnippet
	}
	trimmed := strings.TrimSpace(body)
	if len(trimmed) > maxSize {
		return trimmed[:maxSize] + "..."
	}
	return trimmed
}
