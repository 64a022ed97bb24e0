package manager

import "context"

// Adapter is the contract every protocol backend satisfies. One concrete
// implementation exists per protocol (REST, OCPP, MQTT, emulator); the
// Manager dispatches to adapters by registered name and never looks inside
// the payloads it passes through.
//
// Adapters own their transport policy: retries, backoff, and timeouts
// happen inside the adapter. The Manager passes the caller's context
// through verbatim and imposes no deadline of its own.
type Adapter interface {
	// Create provisions a resource of the given type and returns the
	// backend-issued id. The contract does not guarantee idempotence;
	// callers that need it must supply idempotency keys in data.
	Create(ctx context.Context, resourceType string, data map[string]any) (string, error)

	// Read fetches the resource. Unknown ids return *NotFoundError,
	// transport and protocol failures return *AdapterError.
	Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error)

	// Update replaces the resource's data. Same failure modes as Read.
	Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error

	// Delete removes the resource and reports whether the backend
	// actually deleted anything. Deleting an already-absent resource
	// MUST return (false, nil), not an error, so rollback can be
	// retried safely.
	Delete(ctx context.Context, resourceType, resourceID string) (bool, error)

	// Close releases the adapter's connections. Called once the owning
	// test context is done with the backend.
	Close() error
}

// Adapter operation names used in error reporting.
const (
	OpCreate = "create"
	OpRead   = "read"
	OpUpdate = "update"
	OpDelete = "delete"
)
