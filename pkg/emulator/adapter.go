package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/ocpp"
)

// Name identifies this adapter when registering it with a Manager.
const Name = "emulator"

// Resource types the adapter manages.
const (
	TypeCharger     = "charger"
	TypeTransaction = "transaction"
)

// Config controls the emulator adapter.
type Config struct {
	// Defaults seeds every spawned charger. Per-charger data overrides
	// individual fields.
	Defaults ChargerConfig `json:"defaults" yaml:"defaults"`

	// Publisher receives events from every spawned charger.
	Publisher Publisher `json:"-" yaml:"-"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

// Adapter manages emulated chargers and their transactions behind the
// manager.Adapter contract. Creating a "charger" spawns and starts an
// emulator; creating a "transaction" plugs in on a named charger.
type Adapter struct {
	cfg   Config
	log   *slog.Logger
	fleet *Fleet

	mu      sync.Mutex
	txIndex map[string]string // transaction ID -> charger ID
}

// New returns an adapter with an empty fleet.
func New(cfg Config) *Adapter {
	if cfg.Publisher == nil {
		cfg.Publisher = Discard
	}
	return &Adapter{
		cfg:     cfg,
		log:     logging.Component(cfg.Logger, "emulator"),
		fleet:   NewFleet(cfg.Logger),
		txIndex: make(map[string]string),
	}
}

// Fleet exposes the underlying fleet for direct charger access.
func (a *Adapter) Fleet() *Fleet {
	return a.fleet
}

func (a *Adapter) opErr(op, resourceType string, err error) error {
	return &manager.AdapterError{Adapter: Name, Op: op, Type: resourceType, Err: err}
}

// Create spawns a charger or starts a transaction on an existing one.
func (a *Adapter) Create(ctx context.Context, resourceType string, data map[string]any) (string, error) {
	switch resourceType {
	case TypeCharger:
		return a.createCharger(ctx, data)
	case TypeTransaction:
		return a.createTransaction(ctx, data)
	default:
		return "", a.opErr(manager.OpCreate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

func (a *Adapter) createCharger(ctx context.Context, data map[string]any) (string, error) {
	cfg := a.cfg.Defaults
	cfg.Publisher = a.cfg.Publisher
	cfg.Logger = a.cfg.Logger

	if v := stringField(data, "charger_id", "id"); v != "" {
		cfg.ChargerID = v
	}
	if v := stringField(data, "model"); v != "" {
		cfg.Model = v
	}
	if v := stringField(data, "vendor"); v != "" {
		cfg.Vendor = v
	}
	if v := stringField(data, "serial_number"); v != "" {
		cfg.SerialNumber = v
	}
	if v, ok := intField(data, "connectors"); ok {
		cfg.Connectors = v
	}
	if v, ok := floatField(data, "max_power_kw"); ok {
		cfg.MaxPowerKW = v
	}
	if v, ok := floatField(data, "initial_soc"); ok {
		cfg.InitialSoC = v
	}
	if v, ok := intField(data, "tick_interval_ms"); ok {
		cfg.TickInterval = time.Duration(v) * time.Millisecond
	}

	charger, err := a.fleet.Spawn(ctx, cfg)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeCharger, err)
	}
	return charger.ID(), nil
}

func (a *Adapter) createTransaction(ctx context.Context, data map[string]any) (string, error) {
	chargerID := stringField(data, "charger_id")
	if chargerID == "" {
		return "", a.opErr(manager.OpCreate, TypeTransaction, fmt.Errorf("transaction data requires a charger_id"))
	}
	charger, ok := a.fleet.Charger(chargerID)
	if !ok {
		return "", a.opErr(manager.OpCreate, TypeTransaction, fmt.Errorf("charger %q does not exist", chargerID))
	}

	connectorID := 1
	if v, ok := intField(data, "connector_id"); ok {
		connectorID = v
	}
	idTag := stringField(data, "id_tag")
	if idTag == "" {
		idTag = ocpp.DefaultIDTag
	}
	meterStart := 0.0
	if v, ok := floatField(data, "meter_start"); ok {
		meterStart = v
	}

	txID, err := charger.StartTransaction(ctx, connectorID, idTag, meterStart)
	if err != nil {
		return "", a.opErr(manager.OpCreate, TypeTransaction, err)
	}

	a.mu.Lock()
	a.txIndex[txID] = chargerID
	a.mu.Unlock()
	return txID, nil
}

// Read returns a charger snapshot or the state of a tracked transaction.
func (a *Adapter) Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	switch resourceType {
	case TypeCharger:
		charger, ok := a.fleet.Charger(resourceID)
		if !ok {
			return nil, &manager.NotFoundError{Type: TypeCharger, ID: resourceID}
		}
		return chargerState(charger.Snapshot()), nil

	case TypeTransaction:
		a.mu.Lock()
		chargerID, tracked := a.txIndex[resourceID]
		a.mu.Unlock()
		if !tracked {
			return nil, &manager.NotFoundError{Type: TypeTransaction, ID: resourceID}
		}
		charger, ok := a.fleet.Charger(chargerID)
		if !ok {
			return nil, &manager.NotFoundError{Type: TypeTransaction, ID: resourceID}
		}
		tx, ok := charger.Transaction(resourceID)
		if !ok {
			return nil, &manager.NotFoundError{Type: TypeTransaction, ID: resourceID}
		}
		return transactionState(chargerID, tx), nil

	default:
		return nil, a.opErr(manager.OpRead, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// Update adjusts a running charger: "status" forces the charger status,
// "tick_interval_ms" retunes its tick loop. Transactions are driven by
// the charging model and cannot be updated.
func (a *Adapter) Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error {
	switch resourceType {
	case TypeCharger:
		charger, ok := a.fleet.Charger(resourceID)
		if !ok {
			return &manager.NotFoundError{Type: TypeCharger, ID: resourceID}
		}
		applied := false
		if v := stringField(data, "status"); v != "" {
			charger.ForceStatus(ctx, v)
			applied = true
		}
		if v, ok := intField(data, "tick_interval_ms"); ok {
			if err := charger.SetTickInterval(time.Duration(v) * time.Millisecond); err != nil {
				return a.opErr(manager.OpUpdate, TypeCharger, err)
			}
			applied = true
		}
		if !applied {
			return a.opErr(manager.OpUpdate, TypeCharger, fmt.Errorf("update data requires a status or tick_interval_ms"))
		}
		return nil

	case TypeTransaction:
		return a.opErr(manager.OpUpdate, TypeTransaction, fmt.Errorf("transactions cannot be updated, stop them instead"))

	default:
		return a.opErr(manager.OpUpdate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// Delete stops a charger (unplugging every active transaction with it) or
// stops one transaction. Deleting an unknown or already stopped resource
// reports false without error.
func (a *Adapter) Delete(ctx context.Context, resourceType, resourceID string) (bool, error) {
	switch resourceType {
	case TypeCharger:
		removed := a.fleet.Remove(resourceID)
		if removed {
			a.mu.Lock()
			for txID, chargerID := range a.txIndex {
				if chargerID == resourceID {
					delete(a.txIndex, txID)
				}
			}
			a.mu.Unlock()
		}
		return removed, nil

	case TypeTransaction:
		a.mu.Lock()
		chargerID, tracked := a.txIndex[resourceID]
		if tracked {
			delete(a.txIndex, resourceID)
		}
		a.mu.Unlock()
		if !tracked {
			return false, nil
		}
		charger, ok := a.fleet.Charger(chargerID)
		if !ok {
			return false, nil
		}
		charger.StopTransaction(ctx, resourceID, "Remote")
		return true, nil

	default:
		return false, a.opErr(manager.OpDelete, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// Close stops the fleet and forgets every tracked transaction.
func (a *Adapter) Close() error {
	a.fleet.StopAll()
	a.mu.Lock()
	a.txIndex = make(map[string]string)
	a.mu.Unlock()
	return nil
}

func chargerState(snap Snapshot) map[string]any {
	connectors := make([]any, 0, len(snap.Connectors))
	for _, conn := range snap.Connectors {
		connectors = append(connectors, map[string]any{
			"connector_id": conn.ID,
			"status":       conn.Status,
			"error_code":   conn.ErrorCode,
			"info":         conn.Info,
		})
	}
	return map[string]any{
		"charger_id":          snap.ChargerID,
		"running":             snap.Running,
		"status":              snap.Status,
		"connectors":          connectors,
		"active_transactions": snap.ActiveTransactions,
		"total_energy_kwh":    snap.TotalEnergyKWh,
		"uptime_seconds":      snap.Uptime.Seconds(),
	}
}

func transactionState(chargerID string, tx TransactionSnapshot) map[string]any {
	state := map[string]any{
		"transaction_id": tx.ID,
		"charger_id":     chargerID,
		"connector_id":   tx.ConnectorID,
		"id_tag":         tx.IDTag,
		"status":         tx.Status,
		"started_at":     tx.StartedAt.Format(time.RFC3339),
		"meter_start":    tx.MeterStart,
		"meter_stop":     tx.MeterStop,
		"energy_kwh":     tx.EnergyKWh,
		"power_kw":       tx.PowerKW,
		"soc":            tx.SoC,
	}
	if tx.StoppedAt != nil {
		state["stopped_at"] = tx.StoppedAt.Format(time.RFC3339)
	}
	return state
}

func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatField(data map[string]any, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
