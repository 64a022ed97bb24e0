package ocpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/manager"
)

// Name is the adapter name used in error reporting.
const Name = "ocpp"

// Resource types the adapter understands.
const (
	TypeCharger     = "charger"
	TypeTransaction = "transaction"
)

// DefaultIDTag authorizes transactions that carry no id tag of their own.
const DefaultIDTag = "CHARGEKIT"

// Config carries the central system connection settings.
type Config struct {
	// URL is the central system endpoint, e.g. ws://host:8887/ocpp.
	// The charge point id is appended as the last path segment.
	URL string `json:"url" yaml:"url"`

	// CallTimeout bounds each OCPP call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`

	// BootModel and BootVendor are reported in BootNotification.
	BootModel  string `json:"bootModel,omitempty" yaml:"bootModel,omitempty"`
	BootVendor string `json:"bootVendor,omitempty" yaml:"bootVendor,omitempty"`

	// DefaultIDTag authorizes transactions whose data carries no id_tag.
	DefaultIDTag string `json:"defaultIdTag,omitempty" yaml:"defaultIdTag,omitempty"`

	// ConnectorID is used when transaction data names no connector.
	ConnectorID int `json:"connectorId,omitempty" yaml:"connectorId,omitempty"`

	// Logger receives connection and call events. Nil disables logging.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

type transactionState struct {
	id         string
	numericID  int
	chargerID  string
	idTag      string
	connector  int
	meterStart int
	status     string
	startedAt  time.Time
	extra      map[string]any
}

type chargerState struct {
	cp     *ChargePoint
	status string
	txs    map[string]*transactionState
}

// Adapter drives charge points and charging transactions against an
// OCPP 1.6-J central system. Creating a charger dials a WebSocket
// connection and boots it; creating a transaction authorizes and starts
// a session on an already connected charger. Operations are serialized.
type Adapter struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	chargers map[string]*chargerState
	txs      map[string]*transactionState
}

var _ manager.Adapter = (*Adapter)(nil)

// New builds an Adapter for the central system named in cfg.
func New(cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("central system url is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.BootModel == "" {
		cfg.BootModel = DefaultBootModel
	}
	if cfg.BootVendor == "" {
		cfg.BootVendor = DefaultBootVendor
	}
	if cfg.DefaultIDTag == "" {
		cfg.DefaultIDTag = DefaultIDTag
	}
	if cfg.ConnectorID <= 0 {
		cfg.ConnectorID = 1
	}
	return &Adapter{
		cfg:      cfg,
		log:      logging.Component(cfg.Logger, "ocpp"),
		chargers: make(map[string]*chargerState),
		txs:      make(map[string]*transactionState),
	}, nil
}

func opErr(op, resourceType string, err error) error {
	return &manager.AdapterError{Adapter: Name, Op: op, Type: resourceType, Err: err}
}

// Create connects a charger or starts a transaction.
func (a *Adapter) Create(ctx context.Context, resourceType string, data map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeCharger:
		return a.createCharger(ctx, data)
	case TypeTransaction:
		return a.createTransaction(ctx, data)
	default:
		return "", opErr(manager.OpCreate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

func (a *Adapter) createCharger(ctx context.Context, data map[string]any) (string, error) {
	chargerID := stringField(data, "charger_id", "id")
	if chargerID == "" {
		chargerID = id.Serial("CP")
	}
	if _, ok := a.chargers[chargerID]; ok {
		return "", opErr(manager.OpCreate, TypeCharger, fmt.Errorf("charger %q is already connected", chargerID))
	}

	model := stringField(data, "model")
	if model == "" {
		model = a.cfg.BootModel
	}
	vendor := stringField(data, "vendor")
	if vendor == "" {
		vendor = a.cfg.BootVendor
	}

	cp, err := Dial(ctx, a.cfg.URL, chargerID,
		WithBootInfo(model, vendor),
		WithCallTimeout(a.cfg.CallTimeout),
		WithLogger(a.cfg.Logger),
	)
	if err != nil {
		return "", opErr(manager.OpCreate, TypeCharger, err)
	}

	if err := cp.BootNotification(ctx); err != nil {
		_ = cp.Close()
		return "", opErr(manager.OpCreate, TypeCharger, err)
	}
	if err := cp.StatusNotification(ctx, a.cfg.ConnectorID, StatusAvailable); err != nil {
		_ = cp.Close()
		return "", opErr(manager.OpCreate, TypeCharger, err)
	}

	a.chargers[chargerID] = &chargerState{
		cp:     cp,
		status: StatusAvailable,
		txs:    make(map[string]*transactionState),
	}
	a.log.Info("charger connected", "chargerId", chargerID)
	return chargerID, nil
}

func (a *Adapter) createTransaction(ctx context.Context, data map[string]any) (string, error) {
	chargerID := stringField(data, "charger_id")
	if chargerID == "" {
		return "", opErr(manager.OpCreate, TypeTransaction, fmt.Errorf("transaction data requires a charger_id"))
	}
	charger, ok := a.chargers[chargerID]
	if !ok {
		return "", opErr(manager.OpCreate, TypeTransaction, fmt.Errorf("charger %q is not connected", chargerID))
	}

	idTag := stringField(data, "id_tag", "user_id")
	if idTag == "" {
		idTag = a.cfg.DefaultIDTag
	}
	connector := intFromData(data, "connector_id", a.cfg.ConnectorID)
	meterStart := intFromData(data, "meter_start", 0)

	if err := charger.cp.StatusNotification(ctx, connector, StatusPreparing); err != nil {
		return "", opErr(manager.OpCreate, TypeTransaction, err)
	}
	if err := charger.cp.Authorize(ctx, idTag); err != nil {
		return "", opErr(manager.OpCreate, TypeTransaction, err)
	}
	numericID, err := charger.cp.StartTransaction(ctx, connector, idTag, meterStart)
	if err != nil {
		return "", opErr(manager.OpCreate, TypeTransaction, err)
	}
	if err := charger.cp.StatusNotification(ctx, connector, StatusCharging); err != nil {
		return "", opErr(manager.OpCreate, TypeTransaction, err)
	}

	tx := &transactionState{
		id:         strconv.Itoa(numericID),
		numericID:  numericID,
		chargerID:  chargerID,
		idTag:      idTag,
		connector:  connector,
		meterStart: meterStart,
		status:     "active",
		startedAt:  time.Now(),
		extra:      make(map[string]any),
	}
	charger.txs[tx.id] = tx
	charger.status = StatusCharging
	a.txs[tx.id] = tx
	a.log.Info("transaction started", "chargerId", chargerID, "transactionId", tx.id, "idTag", idTag)
	return tx.id, nil
}

// Read returns a snapshot of local charger or transaction state.
func (a *Adapter) Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeCharger:
		charger, ok := a.chargers[resourceID]
		if !ok {
			return nil, &manager.NotFoundError{Type: TypeCharger, ID: resourceID}
		}
		active := make([]string, 0, len(charger.txs))
		for txID := range charger.txs {
			active = append(active, txID)
		}
		return map[string]any{
			"charger_id":          resourceID,
			"status":              charger.status,
			"active_transactions": active,
		}, nil

	case TypeTransaction:
		tx, ok := a.txs[resourceID]
		if !ok {
			return nil, &manager.NotFoundError{Type: TypeTransaction, ID: resourceID}
		}
		snapshot := map[string]any{
			"transaction_id": tx.id,
			"charger_id":     tx.chargerID,
			"id_tag":         tx.idTag,
			"connector_id":   tx.connector,
			"meter_start":    tx.meterStart,
			"status":         tx.status,
			"started_at":     tx.startedAt.UTC().Format(time.RFC3339),
		}
		for k, v := range tx.extra {
			snapshot[k] = v
		}
		return snapshot, nil

	default:
		return nil, opErr(manager.OpRead, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// Update pushes a charger status change or merges transaction data.
func (a *Adapter) Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeCharger:
		charger, ok := a.chargers[resourceID]
		if !ok {
			return &manager.NotFoundError{Type: TypeCharger, ID: resourceID}
		}
		status := stringField(data, "status")
		if status == "" {
			return nil
		}
		connector := intFromData(data, "connector_id", a.cfg.ConnectorID)
		if err := charger.cp.StatusNotification(ctx, connector, status); err != nil {
			return opErr(manager.OpUpdate, TypeCharger, err)
		}
		charger.status = status
		return nil

	case TypeTransaction:
		tx, ok := a.txs[resourceID]
		if !ok {
			return &manager.NotFoundError{Type: TypeTransaction, ID: resourceID}
		}
		for k, v := range data {
			tx.extra[k] = v
		}
		return nil

	default:
		return opErr(manager.OpUpdate, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

// Delete stops a transaction or disconnects a charger. Resources the
// adapter no longer tracks report (false, nil).
func (a *Adapter) Delete(ctx context.Context, resourceType, resourceID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch resourceType {
	case TypeCharger:
		return a.deleteCharger(ctx, resourceID)
	case TypeTransaction:
		return a.deleteTransaction(ctx, resourceID)
	default:
		return false, opErr(manager.OpDelete, resourceType, fmt.Errorf("unsupported resource type %q", resourceType))
	}
}

func (a *Adapter) deleteTransaction(ctx context.Context, resourceID string) (bool, error) {
	tx, ok := a.txs[resourceID]
	if !ok {
		return false, nil
	}
	charger, ok := a.chargers[tx.chargerID]
	if !ok {
		// The charger went away underneath; the session is gone too.
		delete(a.txs, resourceID)
		return false, nil
	}

	if err := a.stopTransaction(ctx, charger, tx); err != nil {
		return false, opErr(manager.OpDelete, TypeTransaction, err)
	}
	delete(charger.txs, tx.id)
	delete(a.txs, tx.id)
	if len(charger.txs) == 0 {
		charger.status = StatusAvailable
	}
	a.log.Info("transaction stopped", "chargerId", tx.chargerID, "transactionId", tx.id)
	return true, nil
}

func (a *Adapter) deleteCharger(ctx context.Context, resourceID string) (bool, error) {
	charger, ok := a.chargers[resourceID]
	if !ok {
		return false, nil
	}

	for txID, tx := range charger.txs {
		if err := a.stopTransaction(ctx, charger, tx); err != nil {
			return false, opErr(manager.OpDelete, TypeCharger,
				fmt.Errorf("failed to stop transaction %q: %w", txID, err))
		}
		delete(charger.txs, txID)
		delete(a.txs, txID)
	}

	err := charger.cp.Close()
	delete(a.chargers, resourceID)
	if err != nil {
		a.log.Warn("charger connection closed uncleanly", "chargerId", resourceID, "error", err)
	}
	a.log.Info("charger disconnected", "chargerId", resourceID)
	return true, nil
}

func (a *Adapter) stopTransaction(ctx context.Context, charger *chargerState, tx *transactionState) error {
	if err := charger.cp.StatusNotification(ctx, tx.connector, StatusFinishing); err != nil {
		return err
	}
	meterStop := intFromData(tx.extra, "meter_stop", tx.meterStart)
	if err := charger.cp.StopTransaction(ctx, tx.numericID, meterStop, "Local"); err != nil {
		return err
	}
	return charger.cp.StatusNotification(ctx, tx.connector, StatusAvailable)
}

// Close disconnects every charger without stopping transactions.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for chargerID, charger := range a.chargers {
		if err := charger.cp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close charger %q: %w", chargerID, err))
		}
		delete(a.chargers, chargerID)
	}
	a.txs = make(map[string]*transactionState)
	return errors.Join(errs...)
}

// Chargers returns the ids of currently connected chargers.
func (a *Adapter) Chargers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.chargers))
	for chargerID := range a.chargers {
		ids = append(ids, chargerID)
	}
	return ids
}

func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intFromData(data map[string]any, key string, fallback int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
