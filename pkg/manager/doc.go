// Package manager tracks test resources created against external backends
// and tears them down in reverse creation order.
//
// A Manager dispatches create/read/update/delete calls to named Adapters
// (REST, OCPP, MQTT, emulated devices), records every successful create in
// an in-memory ledger, and on Rollback deletes the tracked resources
// most-recent-first so children go away before their parents. Rollback is
// best-effort: a failing delete never blocks cleanup of the remaining
// resources, and all failures come back in one aggregate RollbackError.
//
// A Manager instance is meant to serve a single logical test actor (one
// load-test virtual user, one test function). All methods are safe for
// concurrent use, but the ordering guarantees only make sense when one
// actor drives the instance.
//
//	m := manager.New()
//	m.RegisterAdapter("rest", restAdapter)
//
//	tenantID, err := m.Create(ctx, "tenant", map[string]any{"name": "acme"}, "rest")
//	...
//	defer m.Rollback(ctx)
package manager
