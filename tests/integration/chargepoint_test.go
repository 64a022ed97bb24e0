package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/ocpp"
	"github.com/chargekit/chargekit/pkg/testkit"
)

// newOCPPManager connects an ocpp adapter to the central system double
// and registers it as the manager default.
func newOCPPManager(t *testing.T, wsURL string) *manager.Manager {
	t.Helper()

	adapter, err := ocpp.New(ocpp.Config{URL: wsURL})
	require.NoError(t, err)

	m := testkit.NewManager(t, manager.WithDefaultAdapter(ocpp.Name))
	m.RegisterAdapter(ocpp.Name, adapter)
	return m
}

// actions projects recorded calls down to their action names.
func actions(calls []ocpp.RecordedCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Action
	}
	return out
}

func TestChargePointBootSequence(t *testing.T) {
	cs, wsURL := testkit.StartCentralSystem(t)
	m := newOCPPManager(t, wsURL)
	ctx := context.Background()

	chargerID, err := m.Create(ctx, ocpp.TypeCharger, map[string]any{"charger_id": "CP-INT-1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "CP-INT-1", chargerID)
	assert.True(t, cs.Connected("CP-INT-1"))

	assert.Equal(t, []string{
		ocpp.ActionBootNotification,
		ocpp.ActionStatusNotification,
	}, actions(cs.Calls("CP-INT-1")))

	state, err := m.Read(ctx, ocpp.TypeCharger, chargerID, "")
	require.NoError(t, err)
	assert.Equal(t, ocpp.StatusAvailable, state["status"])
}

func TestTransactionRunsFullSessionSequence(t *testing.T) {
	cs, wsURL := testkit.StartCentralSystem(t)
	m := newOCPPManager(t, wsURL)
	ctx := context.Background()

	chargerID, err := m.Create(ctx, ocpp.TypeCharger, map[string]any{"charger_id": "CP-INT-2"}, "")
	require.NoError(t, err)

	txID, err := m.Create(ctx, ocpp.TypeTransaction, map[string]any{
		"charger_id": chargerID,
		"id_tag":     "TAG-42",
	}, "")
	require.NoError(t, err)

	state, err := m.Read(ctx, ocpp.TypeTransaction, txID, "")
	require.NoError(t, err)
	assert.Equal(t, "active", state["status"])
	assert.Equal(t, "TAG-42", state["id_tag"])

	charger, err := m.Read(ctx, ocpp.TypeCharger, chargerID, "")
	require.NoError(t, err)
	assert.Equal(t, ocpp.StatusCharging, charger["status"])

	// Boot, then the OCPP 1.6 session opening: Preparing, Authorize,
	// StartTransaction, Charging.
	assert.Equal(t, []string{
		ocpp.ActionBootNotification,
		ocpp.ActionStatusNotification,
		ocpp.ActionStatusNotification,
		ocpp.ActionAuthorize,
		ocpp.ActionStartTransaction,
		ocpp.ActionStatusNotification,
	}, actions(cs.Calls("CP-INT-2")))
}

func TestRollbackStopsTransactionsBeforeDisconnect(t *testing.T) {
	cs, wsURL := testkit.StartCentralSystem(t)
	m := newOCPPManager(t, wsURL)
	ctx := context.Background()

	chargerID, err := m.Create(ctx, ocpp.TypeCharger, map[string]any{"charger_id": "CP-INT-3"}, "")
	require.NoError(t, err)
	_, err = m.Create(ctx, ocpp.TypeTransaction, map[string]any{"charger_id": chargerID}, "")
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx))
	assert.Zero(t, m.Count(""))

	// The session closes cleanly before the socket does: Finishing,
	// StopTransaction, Available, and only then the disconnect.
	calls := cs.Calls("CP-INT-3")
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, []string{
		ocpp.ActionStatusNotification,
		ocpp.ActionStopTransaction,
		ocpp.ActionStatusNotification,
	}, actions(calls[len(calls)-3:]))

	require.Eventually(t, func() bool { return !cs.Connected("CP-INT-3") },
		waitTimeout, 10*time.Millisecond, "charge point should disconnect after rollback")
}

func TestRejectedIDTagFailsTransaction(t *testing.T) {
	cs, wsURL := testkit.StartCentralSystem(t)
	m := newOCPPManager(t, wsURL)
	ctx := context.Background()

	chargerID, err := m.Create(ctx, ocpp.TypeCharger, map[string]any{"charger_id": "CP-INT-4"}, "")
	require.NoError(t, err)

	cs.RejectIDTag("TAG-BLOCKED", "Blocked")

	_, err = m.Create(ctx, ocpp.TypeTransaction, map[string]any{
		"charger_id": chargerID,
		"id_tag":     "TAG-BLOCKED",
	}, "")
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
	assert.Contains(t, err.Error(), "Blocked")

	// The failed transaction tracked nothing; only the charger is live.
	records := m.Resources("")
	require.Len(t, records, 1)
	assert.Equal(t, ocpp.TypeCharger, records[0].Type)
}

func TestCentralSystemFailActionSurfacesAsCallError(t *testing.T) {
	cs, wsURL := testkit.StartCentralSystem(t)
	m := newOCPPManager(t, wsURL)
	ctx := context.Background()

	chargerID, err := m.Create(ctx, ocpp.TypeCharger, map[string]any{"charger_id": "CP-INT-5"}, "")
	require.NoError(t, err)

	cs.FailAction(ocpp.ActionStartTransaction, "InternalError")

	_, err = m.Create(ctx, ocpp.TypeTransaction, map[string]any{"charger_id": chargerID}, "")
	require.Error(t, err)
	assert.True(t, manager.IsAdapterError(err))
	assert.Contains(t, err.Error(), "InternalError")
	assert.Zero(t, m.Count(ocpp.TypeTransaction))
}
