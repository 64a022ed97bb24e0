package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/chargekit/chargekit/pkg/manager"
)

// rollbackTimeout bounds the automatic cleanup; a wedged backend should
// fail the test, not hang the run.
const rollbackTimeout = time.Minute

// NewManager returns a resource manager that rolls back its ledger and
// closes its adapters when the test finishes. Cleanup failures are
// reported through t.Errorf so leaked resources surface as test
// failures.
func NewManager(t testing.TB, opts ...manager.Option) *manager.Manager {
	t.Helper()

	m := manager.New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		defer cancel()

		if err := m.Rollback(ctx); err != nil {
			t.Errorf("testkit: rollback failed: %v", err)
		}
		if err := m.Close(); err != nil {
			t.Errorf("testkit: close failed: %v", err)
		}
	})
	return m
}
