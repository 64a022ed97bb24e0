package manager

import (
	"context"
	"fmt"
)

// Rollback deletes every tracked resource in reverse creation order
// (highest sequence number first) through the adapter each record was
// created with, resolved by name at delete time.
//
// The pass never aborts early: a failed delete is recorded and the walk
// continues, so one unreachable backend cannot strand resources created
// before it. Successfully deleted records leave the ledger immediately;
// after a partial failure the ledger holds exactly the records that
// failed, and the returned *RollbackError lists them. A second Rollback
// retries only those.
//
// Deletes run sequentially. Backends are order-sensitive (a transaction
// must be gone before its charger), which is the point of the reverse
// walk; parallel deletes would reintroduce the races it exists to avoid.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.RLock()
	snapshot := make([]Record, len(m.ledger))
	copy(snapshot, m.ledger)
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.log.Debug("rollback: ledger empty")
		return nil
	}

	m.log.Info("rollback started", "tracked", len(snapshot))

	var failures []Failure
	// The ledger is ordered by sequence number, so walking the snapshot
	// backwards visits the newest record first.
	for i := len(snapshot) - 1; i >= 0; i-- {
		rec := snapshot[i]

		adapter, ok := m.Adapter(rec.Adapter)
		if !ok {
			failures = append(failures, Failure{
				Type:    rec.Type,
				ID:      rec.ID,
				Adapter: rec.Adapter,
				Err:     fmt.Errorf("%w: %q is not registered", ErrUnknownAdapter, rec.Adapter),
			})
			continue
		}

		if _, err := adapter.Delete(ctx, rec.Type, rec.ID); err != nil {
			m.log.Warn("rollback delete failed",
				"type", rec.Type, "id", rec.ID, "adapter", rec.Adapter, "error", err)
			failures = append(failures, Failure{
				Type:    rec.Type,
				ID:      rec.ID,
				Adapter: rec.Adapter,
				Err:     err,
			})
			continue
		}

		m.untrack(rec.Type, rec.ID, rec.Adapter)
	}

	if len(failures) > 0 {
		m.log.Error("rollback incomplete", "failed", len(failures), "deleted", len(snapshot)-len(failures))
		return &RollbackError{Failures: failures}
	}

	m.log.Info("rollback complete", "deleted", len(snapshot))
	return nil
}
