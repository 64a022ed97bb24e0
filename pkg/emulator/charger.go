package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/ocpp"
)

// Transaction states.
const (
	TxActive    = "Active"
	TxStopped   = "Stopped"
	TxCompleted = "Completed"
)

// Actions emitted through the Publisher beyond the OCPP ones.
const (
	ActionPeriodicData       = "ChargerPeriodicData"
	ActionTransactionStarted = "TransactionStarted"
	ActionTransactionStopped = "TransactionStopped"
)

// forcedManual marks a status pinned by ForceStatus rather than a fault
// rule. Fault rules never revert it.
const forcedManual = "manual"

// Defaults applied by NewCharger.
const (
	DefaultModel              = "AC_22kW"
	DefaultVendor             = "ChargeKit"
	DefaultFirmwareVersion    = "1.0.0"
	DefaultConnectors         = 2
	DefaultMaxPowerKW         = 22.0
	DefaultBatteryCapacityKWh = 60.0
	DefaultInitialSoC         = 20.0
	DefaultTickInterval       = 5 * time.Second
	DefaultPreparingDelay     = 3 * time.Second
	DefaultFinishingDelay     = 2 * time.Second
)

// Rule forces a charger status while its expression matches. When is an
// expression over {status, soc, power_kw, energy_kwh, tx_active,
// elapsed_s}.
type Rule struct {
	Name   string `json:"name" yaml:"name"`
	When   string `json:"when" yaml:"when"`
	Status string `json:"status" yaml:"status"`
}

// ChargerConfig configures one emulated charge point.
type ChargerConfig struct {
	// ChargerID identifies the charge point. Generated when empty.
	ChargerID string `json:"chargerId,omitempty" yaml:"chargerId,omitempty"`

	Model           string `json:"model,omitempty" yaml:"model,omitempty"`
	Vendor          string `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	SerialNumber    string `json:"serialNumber,omitempty" yaml:"serialNumber,omitempty"`
	FirmwareVersion string `json:"firmwareVersion,omitempty" yaml:"firmwareVersion,omitempty"`

	// Connectors is the number of physical connectors. Defaults to 2.
	Connectors int `json:"connectors,omitempty" yaml:"connectors,omitempty"`

	// MaxPowerKW is the peak charging power. Defaults to 22.
	MaxPowerKW float64 `json:"maxPowerKw,omitempty" yaml:"maxPowerKw,omitempty"`

	// BatteryCapacityKWh and InitialSoC model the vehicle battery the
	// state-of-charge estimate is derived from.
	BatteryCapacityKWh float64 `json:"batteryCapacityKwh,omitempty" yaml:"batteryCapacityKwh,omitempty"`
	InitialSoC         float64 `json:"initialSoc,omitempty" yaml:"initialSoc,omitempty"`

	// TickInterval is the period between emulation ticks. Defaults to 5s.
	TickInterval time.Duration `json:"tickInterval,omitempty" yaml:"tickInterval,omitempty"`

	// PreparingDelay is how long a connector stays Preparing before
	// charging begins; FinishingDelay how long Finishing lasts after a
	// stop.
	PreparingDelay time.Duration `json:"preparingDelay,omitempty" yaml:"preparingDelay,omitempty"`
	FinishingDelay time.Duration `json:"finishingDelay,omitempty" yaml:"finishingDelay,omitempty"`

	// Rules are fault injection rules checked every tick.
	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	// Publisher receives every emitted event. Nil discards them.
	Publisher Publisher `json:"-" yaml:"-"`

	// Logger receives emulation events. Nil disables logging.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

type connector struct {
	id        int
	status    string
	errorCode string
	info      string
}

type transaction struct {
	id          string
	connectorID int
	idTag       string
	status      string
	startedAt   time.Time
	stoppedAt   time.Time
	meterStart  float64
	meterStop   float64
	energyKWh   float64
	powerKW     float64
	soc         float64
}

// compiledRule is a Rule with its expression compiled once.
type compiledRule struct {
	name    string
	status  string
	program *vm.Program
}

// event is one emission queued while holding the lock and published
// after releasing it.
type event struct {
	action  string
	payload map[string]any
}

// ConnectorSnapshot is the observable state of one connector.
type ConnectorSnapshot struct {
	ID        int    `json:"connectorId"`
	Status    string `json:"status"`
	ErrorCode string `json:"errorCode"`
	Info      string `json:"info,omitempty"`
}

// TransactionSnapshot is the observable state of one transaction.
type TransactionSnapshot struct {
	ID          string     `json:"transactionId"`
	ConnectorID int        `json:"connectorId"`
	IDTag       string     `json:"idTag"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
	MeterStart  float64    `json:"meterStart"`
	MeterStop   float64    `json:"meterStop"`
	EnergyKWh   float64    `json:"energyKwh"`
	PowerKW     float64    `json:"powerKw"`
	SoC         float64    `json:"soc"`
}

// Snapshot is the observable state of one charger.
type Snapshot struct {
	ChargerID          string              `json:"chargerId"`
	Running            bool                `json:"running"`
	Status             string              `json:"status"`
	Connectors         []ConnectorSnapshot `json:"connectors"`
	ActiveTransactions int                 `json:"activeTransactions"`
	TotalEnergyKWh     float64             `json:"totalEnergyKwh"`
	Uptime             time.Duration       `json:"uptime"`
}

// Charger emulates one charge point.
type Charger struct {
	cfg       ChargerConfig
	publisher Publisher
	log       *slog.Logger
	rules     []compiledRule

	mu         sync.RWMutex
	running    bool
	startedAt  time.Time
	status     string
	forcedBy   string
	connectors map[int]*connector
	txs        map[string]*transaction
	timers     []*time.Timer

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCharger builds a charger from the config, compiling its fault
// rules.
func NewCharger(cfg ChargerConfig) (*Charger, error) {
	if cfg.ChargerID == "" {
		cfg.ChargerID = id.Serial("CHG")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Vendor == "" {
		cfg.Vendor = DefaultVendor
	}
	if cfg.SerialNumber == "" {
		cfg.SerialNumber = fmt.Sprintf("SN_%s_%d", cfg.ChargerID, time.Now().Unix())
	}
	if cfg.FirmwareVersion == "" {
		cfg.FirmwareVersion = DefaultFirmwareVersion
	}
	if cfg.Connectors <= 0 {
		cfg.Connectors = DefaultConnectors
	}
	if cfg.MaxPowerKW <= 0 {
		cfg.MaxPowerKW = DefaultMaxPowerKW
	}
	if cfg.BatteryCapacityKWh <= 0 {
		cfg.BatteryCapacityKWh = DefaultBatteryCapacityKWh
	}
	if cfg.InitialSoC <= 0 {
		cfg.InitialSoC = DefaultInitialSoC
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PreparingDelay <= 0 {
		cfg.PreparingDelay = DefaultPreparingDelay
	}
	if cfg.FinishingDelay <= 0 {
		cfg.FinishingDelay = DefaultFinishingDelay
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = Discard
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}

	c := &Charger{
		cfg:        cfg,
		publisher:  publisher,
		log:        logging.Component(cfg.Logger, "emulator").With("chargerId", cfg.ChargerID),
		rules:      rules,
		status:     ocpp.StatusAvailable,
		connectors: make(map[int]*connector, cfg.Connectors),
		txs:        make(map[string]*transaction),
		done:       make(chan struct{}),
	}
	for i := 1; i <= cfg.Connectors; i++ {
		c.connectors[i] = &connector{id: i, status: ocpp.StatusAvailable, errorCode: "NoError"}
	}
	return c, nil
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	// The env sample fixes the field types the expressions may use.
	sample := ruleEnv("", 0, 0, 0, false, 0)

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Name == "" || r.When == "" || r.Status == "" {
			return nil, fmt.Errorf("rule needs name, when, and status: %+v", r)
		}
		program, err := expr.Compile(r.When, expr.Env(sample))
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, status: r.Status, program: program})
	}
	return compiled, nil
}

func ruleEnv(status string, soc, powerKW, energyKWh float64, txActive bool, elapsedS float64) map[string]any {
	return map[string]any{
		"status":     status,
		"soc":        soc,
		"power_kw":   powerKW,
		"energy_kwh": energyKWh,
		"tx_active":  txActive,
		"elapsed_s":  elapsedS,
	}
}

// ID returns the charge point id.
func (c *Charger) ID() string {
	return c.cfg.ChargerID
}

// Start sends the boot notification and begins the tick loop.
func (c *Charger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("charger is already running")
	}
	c.running = true
	c.startedAt = time.Now()
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.cfg.TickInterval)
	c.mu.Unlock()

	c.emit(ctx, ocpp.ActionBootNotification, map[string]any{
		"chargerId":               c.cfg.ChargerID,
		"chargePointModel":        c.cfg.Model,
		"chargePointVendor":       c.cfg.Vendor,
		"chargePointSerialNumber": c.cfg.SerialNumber,
		"firmwareVersion":         c.cfg.FirmwareVersion,
		"timestamp":               time.Now().UTC().Format(time.RFC3339),
	})

	c.wg.Add(1)
	go c.runLoop()

	c.log.Debug("charger started")
	return nil
}

// Stop halts the tick loop and cancels pending state changes.
func (c *Charger) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.ticker.Stop()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	c.wg.Wait()
	c.log.Debug("charger stopped")
}

// IsRunning reports whether the tick loop is active.
func (c *Charger) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// SetTickInterval changes the emulation tick period of a running
// charger.
func (c *Charger) SetTickInterval(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", interval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg.TickInterval = interval
	if c.ticker != nil {
		c.ticker.Reset(interval)
	}
	return nil
}

func (c *Charger) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.ticker.C:
			c.tick()
		}
	}
}

// tick advances every active transaction along the charging curve,
// applies fault rules, and emits the periodic telemetry.
func (c *Charger) tick() {
	c.mu.Lock()
	now := time.Now()
	tickHours := c.cfg.TickInterval.Hours()

	var events []event
	for _, tx := range c.txs {
		if tx.status != TxActive {
			continue
		}
		conn := c.connectors[tx.connectorID]
		if conn == nil || conn.status != ocpp.StatusCharging {
			continue
		}

		tx.powerKW = c.cfg.MaxPowerKW * powerFactor(now.Sub(tx.startedAt))
		tx.energyKWh += tx.powerKW * tickHours
		tx.soc = c.cfg.InitialSoC + tx.energyKWh/c.cfg.BatteryCapacityKWh*100
		if tx.soc > 100 {
			tx.soc = 100
		}
		events = append(events, c.meterValuesLocked(tx, now))
	}

	if ev, changed := c.applyRulesLocked(now); changed {
		events = append(events, ev)
	}
	events = append(events, c.periodicDataLocked(now))
	c.mu.Unlock()

	ctx := context.Background()
	for _, ev := range events {
		c.emit(ctx, ev.action, ev.payload)
	}
}

// applyRulesLocked evaluates fault rules against the live state. The
// first matching rule forces the charger status; when nothing matches a
// previously forced status reverts to the derived one.
func (c *Charger) applyRulesLocked(now time.Time) (event, bool) {
	if len(c.rules) == 0 {
		return event{}, false
	}

	var soc, powerKW, energyKWh float64
	txActive := false
	for _, tx := range c.txs {
		if tx.status != TxActive {
			continue
		}
		txActive = true
		powerKW += tx.powerKW
		energyKWh += tx.energyKWh
		if tx.soc > soc {
			soc = tx.soc
		}
	}
	env := ruleEnv(c.status, soc, powerKW, energyKWh, txActive, now.Sub(c.startedAt).Seconds())

	for _, rule := range c.rules {
		result, err := expr.Run(rule.program, env)
		if err != nil {
			c.log.Warn("fault rule failed", "rule", rule.name, "error", err)
			continue
		}
		matched, _ := result.(bool)
		if !matched {
			continue
		}
		if c.status == rule.status && c.forcedBy == rule.name {
			return event{}, false
		}
		c.status = rule.status
		c.forcedBy = rule.name
		c.log.Debug("fault rule matched", "rule", rule.name, "status", rule.status)
		return c.statusEventLocked(0, rule.status, rule.name), true
	}

	if c.forcedBy != "" && c.forcedBy != forcedManual {
		c.forcedBy = ""
		c.status = c.derivedStatusLocked()
		return c.statusEventLocked(0, c.status, ""), true
	}
	return event{}, false
}

// derivedStatusLocked computes the charger status from its connectors.
func (c *Charger) derivedStatusLocked() string {
	byStatus := make(map[string]bool, len(c.connectors))
	for _, conn := range c.connectors {
		byStatus[conn.status] = true
	}
	for _, status := range []string{ocpp.StatusCharging, ocpp.StatusPreparing, ocpp.StatusFinishing} {
		if byStatus[status] {
			return status
		}
	}
	return ocpp.StatusAvailable
}

// refreshStatusLocked recomputes the charger status unless a rule or
// ForceStatus pinned it.
func (c *Charger) refreshStatusLocked() {
	if c.forcedBy != "" {
		return
	}
	c.status = c.derivedStatusLocked()
}

// StartTransaction begins charging on a connector. The connector walks
// Preparing and then Charging after the configured preparation delay.
func (c *Charger) StartTransaction(ctx context.Context, connectorID int, idTag string, meterStart float64) (string, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return "", errors.New("charger is not running")
	}
	conn, ok := c.connectors[connectorID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("invalid connector id %d", connectorID)
	}
	if conn.status != ocpp.StatusAvailable {
		c.mu.Unlock()
		return "", fmt.Errorf("connector %d is %s, not Available", connectorID, conn.status)
	}

	now := time.Now()
	tx := &transaction{
		id:          id.UUID(),
		connectorID: connectorID,
		idTag:       idTag,
		status:      TxActive,
		startedAt:   now,
		meterStart:  meterStart,
		soc:         c.cfg.InitialSoC,
	}
	c.txs[tx.id] = tx
	conn.status = ocpp.StatusPreparing

	events := []event{
		c.statusEventLocked(connectorID, ocpp.StatusPreparing, ""),
		{action: ActionTransactionStarted, payload: map[string]any{
			"chargerId":     c.cfg.ChargerID,
			"transactionId": tx.id,
			"connectorId":   connectorID,
			"idTag":         idTag,
			"meterStart":    meterStart,
			"timestamp":     now.UTC().Format(time.RFC3339),
		}},
	}
	c.refreshStatusLocked()
	c.afterLocked(c.cfg.PreparingDelay, func() { c.beginCharging(tx.id) })
	c.mu.Unlock()

	for _, ev := range events {
		c.emit(ctx, ev.action, ev.payload)
	}
	c.log.Debug("transaction started", "transactionId", tx.id, "connectorId", connectorID)
	return tx.id, nil
}

// beginCharging moves a prepared transaction into the Charging state.
func (c *Charger) beginCharging(txID string) {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok || !c.running || tx.status != TxActive {
		c.mu.Unlock()
		return
	}
	conn := c.connectors[tx.connectorID]
	conn.status = ocpp.StatusCharging
	tx.powerKW = c.cfg.MaxPowerKW * 0.1
	ev := c.statusEventLocked(tx.connectorID, ocpp.StatusCharging, "")
	c.refreshStatusLocked()
	c.mu.Unlock()

	c.emit(context.Background(), ev.action, ev.payload)
}

// StopTransaction ends an active transaction. The connector walks
// Finishing and returns to Available after the finishing delay. It
// reports false when the transaction is unknown or already stopped.
func (c *Charger) StopTransaction(ctx context.Context, txID, reason string) bool {
	if reason == "" {
		reason = "Local"
	}

	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok || tx.status != TxActive {
		c.mu.Unlock()
		return false
	}

	now := time.Now()
	tx.status = TxStopped
	tx.stoppedAt = now
	tx.meterStop = tx.meterStart + tx.energyKWh
	tx.powerKW = 0

	conn := c.connectors[tx.connectorID]
	conn.status = ocpp.StatusFinishing

	events := []event{
		c.statusEventLocked(tx.connectorID, ocpp.StatusFinishing, ""),
		{action: ActionTransactionStopped, payload: map[string]any{
			"chargerId":       c.cfg.ChargerID,
			"transactionId":   tx.id,
			"connectorId":     tx.connectorID,
			"meterStop":       tx.meterStop,
			"reason":          reason,
			"energyDelivered": tx.energyKWh,
			"timestamp":       now.UTC().Format(time.RFC3339),
		}},
	}
	c.refreshStatusLocked()
	c.afterLocked(c.cfg.FinishingDelay, func() { c.finishTransaction(tx.id) })
	c.mu.Unlock()

	for _, ev := range events {
		c.emit(ctx, ev.action, ev.payload)
	}
	c.log.Debug("transaction stopped", "transactionId", txID, "reason", reason)
	return true
}

// finishTransaction completes a stopped transaction and frees its
// connector.
func (c *Charger) finishTransaction(txID string) {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	if !ok || tx.status != TxStopped {
		c.mu.Unlock()
		return
	}
	tx.status = TxCompleted
	conn := c.connectors[tx.connectorID]
	conn.status = ocpp.StatusAvailable
	ev := c.statusEventLocked(tx.connectorID, ocpp.StatusAvailable, "")
	c.refreshStatusLocked()
	c.mu.Unlock()

	c.emit(context.Background(), ev.action, ev.payload)
	c.log.Debug("transaction completed", "transactionId", txID)
}

// ForceStatus pins the charger status until the next ForceStatus call.
// Fault rules may override the pin while they match but never revert it.
func (c *Charger) ForceStatus(ctx context.Context, status string) {
	c.mu.Lock()
	c.status = status
	c.forcedBy = forcedManual
	ev := c.statusEventLocked(0, status, "")
	c.mu.Unlock()

	c.emit(ctx, ev.action, ev.payload)
}

// afterLocked schedules a state change and tracks the timer so Stop can
// cancel it. Callers hold c.mu.
func (c *Charger) afterLocked(d time.Duration, f func()) {
	c.timers = append(c.timers, time.AfterFunc(d, f))
}

func (c *Charger) statusEventLocked(connectorID int, status, info string) event {
	errorCode := "NoError"
	if status == ocpp.StatusFaulted {
		errorCode = "OtherError"
	}
	if conn, ok := c.connectors[connectorID]; ok {
		conn.errorCode = errorCode
		conn.info = info
	}
	return event{action: ocpp.ActionStatusNotification, payload: map[string]any{
		"chargerId":   c.cfg.ChargerID,
		"connectorId": connectorID,
		"status":      status,
		"errorCode":   errorCode,
		"info":        info,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}}
}

func (c *Charger) meterValuesLocked(tx *transaction, now time.Time) event {
	powerW := tx.powerKW * 1000
	samples := []map[string]any{
		{"value": formatValue(tx.energyKWh, 3), "context": "Sample.Periodic", "measurand": "Energy.Active.Import.Register", "unit": "kWh"},
		{"value": formatValue(powerW, 1), "context": "Sample.Periodic", "measurand": "Power.Active.Import", "unit": "W"},
		{"value": formatValue(powerW/230, 2), "context": "Sample.Periodic", "measurand": "Current.Import", "unit": "A"},
		{"value": "230", "context": "Sample.Periodic", "measurand": "Voltage", "unit": "V"},
	}
	ts := now.UTC().Format(time.RFC3339)
	return event{action: ocpp.ActionMeterValues, payload: map[string]any{
		"chargerId":     c.cfg.ChargerID,
		"transactionId": tx.id,
		"connectorId":   tx.connectorID,
		"timestamp":     ts,
		"meterValue": []map[string]any{
			{"timestamp": ts, "sampledValue": samples},
		},
	}}
}

func (c *Charger) periodicDataLocked(now time.Time) event {
	connectors := make([]map[string]any, 0, len(c.connectors))
	for _, connID := range sortedConnectorIDs(c.connectors) {
		conn := c.connectors[connID]
		connectors = append(connectors, map[string]any{
			"connectorId": conn.id,
			"status":      conn.status,
			"errorCode":   conn.errorCode,
			"info":        conn.info,
		})
	}

	active := 0
	totalEnergy := 0.0
	for _, tx := range c.txs {
		if tx.status == TxActive {
			active++
		}
		totalEnergy += tx.energyKWh
	}

	return event{action: ActionPeriodicData, payload: map[string]any{
		"chargerId":            c.cfg.ChargerID,
		"timestamp":            now.UTC().Format(time.RFC3339),
		"status":               c.status,
		"connectors":           connectors,
		"activeTransactions":   active,
		"totalEnergyDelivered": totalEnergy,
	}}
}

func (c *Charger) emit(ctx context.Context, action string, payload map[string]any) {
	if err := c.publisher.Publish(ctx, c.cfg.ChargerID, action, payload); err != nil {
		c.log.Warn("publish failed", "action", action, "error", err)
	}
}

// Snapshot returns the charger's observable state.
func (c *Charger) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		ChargerID:  c.cfg.ChargerID,
		Running:    c.running,
		Status:     c.status,
		Connectors: make([]ConnectorSnapshot, 0, len(c.connectors)),
	}
	if c.running {
		snap.Uptime = time.Since(c.startedAt)
	}
	for _, connID := range sortedConnectorIDs(c.connectors) {
		conn := c.connectors[connID]
		snap.Connectors = append(snap.Connectors, ConnectorSnapshot{
			ID:        conn.id,
			Status:    conn.status,
			ErrorCode: conn.errorCode,
			Info:      conn.info,
		})
	}
	for _, tx := range c.txs {
		if tx.status == TxActive {
			snap.ActiveTransactions++
		}
		snap.TotalEnergyKWh += tx.energyKWh
	}
	return snap
}

// Transaction returns the snapshot of one transaction.
func (c *Charger) Transaction(txID string) (TransactionSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tx, ok := c.txs[txID]
	if !ok {
		return TransactionSnapshot{}, false
	}
	return txSnapshot(tx), true
}

// ActiveTransactions returns snapshots of all active transactions.
func (c *Charger) ActiveTransactions() []TransactionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TransactionSnapshot, 0, len(c.txs))
	for _, tx := range c.txs {
		if tx.status == TxActive {
			out = append(out, txSnapshot(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func txSnapshot(tx *transaction) TransactionSnapshot {
	snap := TransactionSnapshot{
		ID:          tx.id,
		ConnectorID: tx.connectorID,
		IDTag:       tx.idTag,
		Status:      tx.status,
		StartedAt:   tx.startedAt,
		MeterStart:  tx.meterStart,
		MeterStop:   tx.meterStop,
		EnergyKWh:   tx.energyKWh,
		PowerKW:     tx.powerKW,
		SoC:         tx.soc,
	}
	if !tx.stoppedAt.IsZero() {
		stopped := tx.stoppedAt
		snap.StoppedAt = &stopped
	}
	return snap
}

func sortedConnectorIDs(connectors map[int]*connector) []int {
	ids := make([]int, 0, len(connectors))
	for connID := range connectors {
		ids = append(ids, connID)
	}
	sort.Ints(ids)
	return ids
}

// powerFactor follows the charging curve: ramp from 10% to full power
// over the first five minutes, hold full power until minute 30, then
// taper down to a 30% floor.
func powerFactor(elapsed time.Duration) float64 {
	minutes := elapsed.Minutes()
	switch {
	case minutes < 5:
		return 0.1 + (minutes/5)*0.9
	case minutes < 30:
		return 1.0
	default:
		factor := 1.0 - ((minutes-30)/60)*0.7
		if factor < 0.3 {
			return 0.3
		}
		return factor
	}
}

// formatValue renders a meter reading the way charge points report
// them, as a decimal string.
func formatValue(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
