// Package testkit provides test fixtures for writing Go tests against
// chargekit-managed backends without standing up real infrastructure.
//
// Every fixture takes a testing.TB, registers its own cleanup, and
// fails the test on setup errors, so tests read as straight-line code.
//
// # Manager Fixture
//
// NewManager returns a resource manager that rolls back everything it
// created when the test finishes:
//
//	func TestProvisioning(t *testing.T) {
//	    mgr := testkit.NewManager(t)
//	    mgr.RegisterAdapter("emulator", emulatorAdapter)
//
//	    id, err := mgr.Create(ctx, "charger", data, "emulator")
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    // ... test against the charger; rollback happens automatically
//	}
//
// # Backend Double
//
// StartBackend runs an in-memory JSON backend implementing the CRUD
// and auth surfaces the rest and auth adapters expect:
//
//	func TestRESTAdapter(t *testing.T) {
//	    backend := testkit.StartBackend(t)
//
//	    adapter, _ := rest.New(&rest.Config{BaseURL: backend.URL()})
//	    id, err := adapter.Create(ctx, "tenant", map[string]any{"name": "acme"})
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//
//	    backend.AssertCalled(t, "POST", "/tenant")
//	    doc, ok := backend.Resource("tenant", id)
//	    // ...
//	}
//
// Seed pre-populates resources, FailNext forces error responses for
// retry testing, and Requests exposes a request log with assertion
// helpers:
//
//	backend.Seed("tenant", "t-1", map[string]any{"name": "existing"})
//	backend.FailNext("GET", "/tenant/t-1", 503)
//
//	reqs := backend.Requests()
//	reqs[0].AssertHeader(t, "Content-Type", "application/json")
//	reqs[0].AssertJSONField(t, "name", "acme")
//
// # Broker and Central System
//
// StartBroker runs an embedded MQTT broker on an ephemeral port, and
// StartCentralSystem serves an OCPP central system over a test HTTP
// server, returning the ws:// URL charge points dial:
//
//	broker := testkit.StartBroker(t, nil)
//	adapter, _ := mqtt.New(mqtt.Config{BrokerURL: broker.URL()})
//
//	cs, wsURL := testkit.StartCentralSystem(t)
//	cp, _ := ocpp.Dial(ctx, wsURL, "CP-001")
package testkit
