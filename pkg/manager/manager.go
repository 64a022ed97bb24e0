package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargekit/chargekit/pkg/logging"
)

// DefaultAdapterName is used when an operation passes an empty adapter
// name.
const DefaultAdapterName = "default"

// Manager dispatches CRUD calls to registered adapters and tracks every
// resource it creates in an ordered ledger.
//
// One mutex guards the adapter registry, the ledger, and the sequence
// counter. Adapter calls happen outside the lock, so a slow backend never
// blocks ledger inspection.
type Manager struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	ledger      []Record
	seq         uint64
	defaultName string
	log         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logging.Component(logger, "manager")
		}
	}
}

// WithDefaultAdapter changes the adapter name used when operations pass
// an empty one.
func WithDefaultAdapter(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.defaultName = name
		}
	}
}

// New creates a Manager with an empty ledger and no adapters.
func New(opts ...Option) *Manager {
	m := &Manager{
		adapters:    make(map[string]Adapter),
		defaultName: DefaultAdapterName,
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAdapter binds a name to an adapter. Pure bookkeeping, no
// backend calls. Registering an existing name replaces the binding;
// ledger entries reference adapters by name, so rollback of records
// created under the old binding goes through the replacement.
func (m *Manager) RegisterAdapter(name string, adapter Adapter) {
	if name == "" {
		name = m.defaultName
	}
	m.mu.Lock()
	_, replaced := m.adapters[name]
	m.adapters[name] = adapter
	m.mu.Unlock()

	if replaced {
		m.log.Warn("adapter replaced", "adapter", name)
	} else {
		m.log.Debug("adapter registered", "adapter", name)
	}
}

// Adapter returns the adapter registered under name, resolving the
// empty string to the default.
func (m *Manager) Adapter(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultName
	}
	a, ok := m.adapters[name]
	return a, ok
}

// AdapterNames returns the registered adapter names, unordered.
func (m *Manager) AdapterNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// resolve maps an adapter name (empty = default) to its adapter. The
// returned name is the one the ledger records, never "".
func (m *Manager) resolve(op, resourceType, name string) (Adapter, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name == "" {
		name = m.defaultName
	}
	a, ok := m.adapters[name]
	if !ok {
		return nil, name, &AdapterError{
			Adapter: name,
			Op:      op,
			Type:    resourceType,
			Err:     fmt.Errorf("%w: %q is not registered", ErrUnknownAdapter, name),
		}
	}
	return a, name, nil
}

// Create provisions a resource through the named adapter and, on
// success, appends a ledger record carrying the next sequence number.
// A failed adapter call leaves the ledger untouched. Returns the
// backend-issued resource id.
func (m *Manager) Create(ctx context.Context, resourceType string, data map[string]any, adapterName string) (string, error) {
	adapter, name, err := m.resolve(OpCreate, resourceType, adapterName)
	if err != nil {
		return "", err
	}

	id, err := adapter.Create(ctx, resourceType, data)
	if err != nil {
		return "", err
	}

	m.track(Record{
		Type:      resourceType,
		ID:        id,
		Adapter:   name,
		Data:      data,
		CreatedAt: time.Now(),
	})
	m.log.Debug("resource created", "type", resourceType, "id", id, "adapter", name)
	return id, nil
}

// track appends the record with the next sequence number. If the same
// (adapter, type, id) triple is already live the existing record's data
// is refreshed in place instead, keeping its original position so
// rollback order still reflects first creation.
func (m *Manager) track(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.ledger {
		if m.ledger[i].matches(rec.Type, rec.ID, rec.Adapter) {
			m.ledger[i].Data = rec.Data
			return
		}
	}

	m.seq++
	rec.Seq = m.seq
	m.ledger = append(m.ledger, rec)
}

// Read fetches a resource through the named adapter. The ledger is not
// consulted or modified; adapter errors propagate unchanged.
func (m *Manager) Read(ctx context.Context, resourceType, resourceID, adapterName string) (map[string]any, error) {
	adapter, _, err := m.resolve(OpRead, resourceType, adapterName)
	if err != nil {
		return nil, err
	}
	return adapter.Read(ctx, resourceType, resourceID)
}

// Update replaces a resource's data through the named adapter. The
// ledger is not modified; adapter errors propagate unchanged.
func (m *Manager) Update(ctx context.Context, resourceType, resourceID string, data map[string]any, adapterName string) error {
	adapter, _, err := m.resolve(OpUpdate, resourceType, adapterName)
	if err != nil {
		return err
	}
	return adapter.Update(ctx, resourceType, resourceID, data)
}

// Delete removes a resource through the named adapter and drops the
// matching ledger entry. A resource the ledger never tracked is still
// deleted from the backend; the ledger part is then a no-op.
func (m *Manager) Delete(ctx context.Context, resourceType, resourceID, adapterName string) (bool, error) {
	adapter, name, err := m.resolve(OpDelete, resourceType, adapterName)
	if err != nil {
		return false, err
	}

	deleted, err := adapter.Delete(ctx, resourceType, resourceID)
	if err != nil {
		return deleted, err
	}

	if m.untrack(resourceType, resourceID, name) {
		m.log.Debug("resource deleted", "type", resourceType, "id", resourceID, "adapter", name)
	}
	return deleted, nil
}

// untrack removes the first ledger entry matching the triple. Reports
// whether an entry was removed.
func (m *Manager) untrack(resourceType, resourceID, adapterName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.ledger {
		if m.ledger[i].matches(resourceType, resourceID, adapterName) {
			m.ledger = append(m.ledger[:i], m.ledger[i+1:]...)
			return true
		}
	}
	return false
}

// Resources returns a snapshot of tracked records in creation order,
// optionally filtered by resource type. Pass "" for all types. The
// returned slice is a copy; mutating it does not affect the ledger.
func (m *Manager) Resources(resourceType string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.ledger))
	for _, rec := range m.ledger {
		if resourceType == "" || rec.Type == resourceType {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of tracked records, optionally filtered by
// type.
func (m *Manager) Count(resourceType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if resourceType == "" {
		return len(m.ledger)
	}
	n := 0
	for _, rec := range m.ledger {
		if rec.Type == resourceType {
			n++
		}
	}
	return n
}

// ClearResources empties the ledger WITHOUT deleting anything from the
// backends. Escape hatch for when cleanup is known to happen elsewhere;
// every tracked resource is silently abandoned. Not a rollback.
func (m *Manager) ClearResources() {
	m.mu.Lock()
	abandoned := len(m.ledger)
	m.ledger = nil
	m.mu.Unlock()

	if abandoned > 0 {
		m.log.Warn("ledger cleared without deletion", "abandoned", abandoned)
	}
}

// Close closes every registered adapter, joining their errors. The
// ledger is left as is; call Rollback first if the tracked resources
// should be deleted.
func (m *Manager) Close() error {
	m.mu.RLock()
	adapters := make(map[string]Adapter, len(m.adapters))
	for name, a := range m.adapters {
		adapters[name] = a
	}
	m.mu.RUnlock()

	var errs []error
	for name, a := range adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close adapter %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
