package manager

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAdapter is wrapped by the AdapterError returned when an
// operation names an adapter that was never registered.
var ErrUnknownAdapter = errors.New("unknown adapter")

// AdapterError is returned when an adapter could not complete an
// operation: the backend rejected the payload, the transport failed, or
// the named adapter does not exist.
type AdapterError struct {
	Adapter string
	Op      string
	Type    string
	Err     error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %q: %s %s: %v", e.Adapter, e.Op, e.Type, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned by read/update when the backend does not
// recognize the resource id.
type NotFoundError struct {
	Type string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Type, e.ID)
}

// Failure records a single resource that could not be deleted during
// rollback.
type Failure struct {
	Type    string
	ID      string
	Adapter string
	Err     error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s %q (adapter %q): %v", f.Type, f.ID, f.Adapter, f.Err)
}

// RollbackError aggregates every delete failure from a rollback pass.
// The ledger keeps exactly the failed entries, so callers can inspect
// Manager.Resources after catching it to see what is still live.
type RollbackError struct {
	Failures []Failure
}

func (e *RollbackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rollback incomplete: %d resource(s) failed to delete", len(e.Failures))
	for _, f := range e.Failures {
		b.WriteString("\n  ")
		b.WriteString(f.String())
	}
	return b.String()
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAdapterError reports whether err is (or wraps) an AdapterError.
func IsAdapterError(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}

// AsRollbackError extracts a RollbackError from err, if there is one.
func AsRollbackError(err error) (*RollbackError, bool) {
	var re *RollbackError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
