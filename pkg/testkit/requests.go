package testkit

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

// RequestLog is one HTTP request the backend double received.
type RequestLog struct {
	// Method is the HTTP method.
	Method string
	// Path is the request URL path.
	Path string
	// Headers holds the request headers, first value per key.
	Headers map[string]string
	// Body is the raw request body.
	Body string
	// Query is the raw query string.
	Query string
}

// AssertJSONBody asserts that the request body matches the expected
// JSON. Expected may be a string, []byte, or any value that marshals
// to JSON; both sides are normalized before comparison so key order
// and formatting do not matter.
func (r *RequestLog) AssertJSONBody(t testing.TB, expected any) {
	t.Helper()

	var want any
	switch v := expected.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &want); err != nil {
			t.Errorf("expected value is not valid JSON: %v", err)
			return
		}
	case []byte:
		if err := json.Unmarshal(v, &want); err != nil {
			t.Errorf("expected value is not valid JSON: %v", err)
			return
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			t.Errorf("expected value does not marshal: %v", err)
			return
		}
		if err := json.Unmarshal(data, &want); err != nil {
			t.Errorf("expected value does not round-trip: %v", err)
			return
		}
	}

	var got any
	if err := json.Unmarshal([]byte(r.Body), &got); err != nil {
		t.Errorf("request body is not valid JSON: %v\nbody: %s", err, r.Body)
		return
	}

	if !reflect.DeepEqual(got, want) {
		wantJSON, _ := json.MarshalIndent(want, "", "  ")
		gotJSON, _ := json.MarshalIndent(got, "", "  ")
		t.Errorf("request body mismatch\nwant:\n%s\ngot:\n%s", wantJSON, gotJSON)
	}
}

// AssertHeader asserts the request carried a header with the given
// value. Header names compare case-insensitively.
func (r *RequestLog) AssertHeader(t testing.TB, key, expected string) {
	t.Helper()

	actual, ok := r.header(key)
	if !ok {
		t.Errorf("request has no header %q", key)
		return
	}
	if actual != expected {
		t.Errorf("header %q mismatch\nwant: %q\ngot:  %q", key, expected, actual)
	}
}

// AssertBodyContains asserts the request body contains substr.
func (r *RequestLog) AssertBodyContains(t testing.TB, substr string) {
	t.Helper()

	if !strings.Contains(r.Body, substr) {
		t.Errorf("request body does not contain %q\nbody: %s", substr, r.Body)
	}
}

// JSONField extracts a field from the request body JSON, with dot
// notation for nesting ("config.maxPowerKw"). Returns nil when the
// body is not JSON or the field is absent.
func (r *RequestLog) JSONField(field string) any {
	var data map[string]any
	if err := json.Unmarshal([]byte(r.Body), &data); err != nil {
		return nil
	}

	var current any = data
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[part]
	}
	return current
}

// AssertJSONField asserts that a JSON field in the request body has
// the expected value.
func (r *RequestLog) AssertJSONField(t testing.TB, field string, expected any) {
	t.Helper()

	actual := r.JSONField(field)
	if actual == nil {
		t.Errorf("JSON field %q not found in request body: %s", field, r.Body)
		return
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("JSON field %q mismatch\nwant: %v (%T)\ngot:  %v (%T)",
			field, expected, expected, actual, actual)
	}
}

func (r *RequestLog) header(key string) (string, bool) {
	if v, ok := r.Headers[key]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
