package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnippet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		maxSize int
		want    string
	}{
		{"short string no truncation", "not found", 100, "not found"},
		{"exact length", "12345", 5, "12345"},
		{"one over", "123456", 5, "12345..."},
		{"strips surrounding whitespace", "  {\"error\":\"bad\"}\n", 100, `{"error":"bad"}`},
		{"whitespace only", " \n\t ", 100, ""},
		{"empty string", "", 10, ""},
		{"trim then truncate", "  abcdefghij  ", 3, "abc..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Snippet(tt.body, tt.maxSize)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnippet_DefaultMaxSize(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", MaxErrorSnippet+100)

	result := Snippet(body, 0)
	assert.Equal(t, MaxErrorSnippet+len("..."), len(result))
	assert.True(t, strings.HasSuffix(result, "..."))

	// Under the limit with a negative max — still the default cap, no cut.
	short := body[:MaxErrorSnippet]
	assert.Equal(t, short, Snippet(short, -1))
}
