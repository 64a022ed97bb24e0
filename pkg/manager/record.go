package manager

import "time"

// Record is one ledger entry: a resource the Manager created and will
// delete on rollback.
type Record struct {
	// Type is the caller-defined resource type ("tenant", "charger", ...).
	Type string `json:"type"`

	// ID is the backend-issued identifier, opaque to the Manager and
	// unique within the owning adapter's namespace.
	ID string `json:"id"`

	// Adapter is the registered name of the adapter that created the
	// resource. Rollback resolves the adapter by this name at delete
	// time, so a re-registered adapter takes over existing entries.
	Adapter string `json:"adapter"`

	// Data is the creation payload, kept for diagnostics. It is never
	// re-sent on rollback.
	Data map[string]any `json:"data,omitempty"`

	// Seq reflects creation order. Strictly increasing for the life of
	// the Manager and never reused, even after the record is removed.
	Seq uint64 `json:"seq"`

	// CreatedAt is when the create call succeeded.
	CreatedAt time.Time `json:"createdAt"`
}

// matches reports whether the record refers to the given resource.
func (r Record) matches(resourceType, resourceID, adapterName string) bool {
	return r.Type == resourceType && r.ID == resourceID && r.Adapter == adapterName
}
