package ocpp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
)

// Defaults applied when the charge point options leave them unset.
const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBootModel        = "ChargeKit Virtual"
	DefaultBootVendor       = "ChargeKit"
)

// CallHandler answers a call initiated by the central system. Returning
// a nil payload sends a NotImplemented call error instead of a result.
type CallHandler func(action string, payload map[string]any) map[string]any

// callOutcome carries the settled result of an outbound call.
type callOutcome struct {
	payload map[string]any
	err     error
}

// ChargePoint is one OCPP 1.6-J charge point connection. All outbound
// calls are correlated by unique id, so concurrent calls are safe.
type ChargePoint struct {
	ID     string
	Model  string
	Vendor string

	conn    *websocket.Conn
	log     *slog.Logger
	timeout time.Duration
	handler CallHandler

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callOutcome
	closed  bool

	readDone chan struct{}
	readErr  error
}

// Option configures a ChargePoint before it connects.
type Option func(*ChargePoint)

// WithLogger sets the logger used for connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(cp *ChargePoint) {
		cp.log = logging.Component(logger, "ocpp")
	}
}

// WithCallTimeout bounds how long each call waits for its result.
func WithCallTimeout(d time.Duration) Option {
	return func(cp *ChargePoint) {
		if d > 0 {
			cp.timeout = d
		}
	}
}

// WithBootInfo sets the model and vendor reported in BootNotification.
func WithBootInfo(model, vendor string) Option {
	return func(cp *ChargePoint) {
		if model != "" {
			cp.Model = model
		}
		if vendor != "" {
			cp.Vendor = vendor
		}
	}
}

// WithCallHandler overrides how calls from the central system are
// answered. Without it, remote start/stop and data transfer are
// accepted and everything else is rejected with NotImplemented.
func WithCallHandler(h CallHandler) Option {
	return func(cp *ChargePoint) {
		cp.handler = h
	}
}

// Dial connects to the central system at rawURL and identifies as
// chargePointID, which becomes the last path segment per OCPP-J.
func Dial(ctx context.Context, rawURL, chargePointID string, opts ...Option) (*ChargePoint, error) {
	if chargePointID == "" {
		return nil, fmt.Errorf("charge point id is required")
	}

	cp := &ChargePoint{
		ID:       chargePointID,
		Model:    DefaultBootModel,
		Vendor:   DefaultBootVendor,
		log:      logging.Nop(),
		timeout:  DefaultCallTimeout,
		pending:  make(map[string]chan callOutcome),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cp)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}

	endpoint := strings.TrimSuffix(rawURL, "/") + "/" + chargePointID
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to central system: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to central system: %w", err)
	}
	cp.conn = conn

	cp.log.Debug("charge point connected",
		"chargePointId", chargePointID,
		"url", endpoint,
		"subprotocol", conn.Subprotocol())

	go cp.readPump()
	return cp, nil
}

// readPump routes inbound frames until the connection dies: results and
// errors settle pending calls, calls from the central system get
// answered inline.
func (cp *ChargePoint) readPump() {
	defer close(cp.readDone)
	for {
		_, data, err := cp.conn.ReadMessage()
		if err != nil {
			cp.readErr = err
			cp.failPending(err)
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			cp.log.Warn("discarding malformed message", "chargePointId", cp.ID, "error", err)
			continue
		}

		switch f.Type {
		case MessageTypeCallResult:
			payload, perr := f.resultPayload()
			cp.settle(f.UniqueID, callOutcome{payload: payload, err: perr})
		case MessageTypeCallError:
			cp.settle(f.UniqueID, callOutcome{err: f.callError()})
		case MessageTypeCall:
			cp.handleCall(f)
		}
	}
}

func (cp *ChargePoint) settle(uniqueID string, out callOutcome) {
	cp.mu.Lock()
	ch, ok := cp.pending[uniqueID]
	delete(cp.pending, uniqueID)
	cp.mu.Unlock()
	if !ok {
		cp.log.Warn("result for unknown call", "chargePointId", cp.ID, "uniqueId", uniqueID)
		return
	}
	ch <- out
}

func (cp *ChargePoint) failPending(err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for uniqueID, ch := range cp.pending {
		ch <- callOutcome{err: fmt.Errorf("connection lost: %w", err)}
		delete(cp.pending, uniqueID)
	}
}

// handleCall answers a central system initiated call.
func (cp *ChargePoint) handleCall(f *frame) {
	action, err := f.callAction()
	if err != nil {
		cp.log.Warn("discarding call with invalid action", "chargePointId", cp.ID, "error", err)
		return
	}
	payload, err := f.callPayload()
	if err != nil {
		payload = map[string]any{}
	}

	result := cp.answer(action, payload)

	var data []byte
	if result == nil {
		data, err = encodeCallError(f.UniqueID, "NotImplemented", fmt.Sprintf("action %q is not supported", action))
	} else {
		data, err = encodeCallResult(f.UniqueID, result)
	}
	if err != nil {
		cp.log.Warn("failed to encode reply", "chargePointId", cp.ID, "action", action, "error", err)
		return
	}
	if err := cp.write(data); err != nil {
		cp.log.Warn("failed to send reply", "chargePointId", cp.ID, "action", action, "error", err)
	}
}

func (cp *ChargePoint) answer(action string, payload map[string]any) map[string]any {
	if cp.handler != nil {
		return cp.handler(action, payload)
	}
	switch action {
	case ActionRemoteStartTransaction, ActionRemoteStopTransaction, ActionDataTransfer:
		return map[string]any{"status": "Accepted"}
	default:
		return nil
	}
}

func (cp *ChargePoint) write(data []byte) error {
	cp.writeMu.Lock()
	defer cp.writeMu.Unlock()
	return cp.conn.WriteMessage(websocket.TextMessage, data)
}

// Call sends an action to the central system and waits for the matching
// result. A CallError from the central system is returned as the error.
func (cp *ChargePoint) Call(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
	uniqueID := id.UUID()
	data, err := encodeCall(uniqueID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}

	ch := make(chan callOutcome, 1)
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, fmt.Errorf("charge point %q is closed", cp.ID)
	}
	cp.pending[uniqueID] = ch
	cp.mu.Unlock()

	if err := cp.write(data); err != nil {
		cp.mu.Lock()
		delete(cp.pending, uniqueID)
		cp.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", action, err)
	}

	if cp.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cp.timeout)
		defer cancel()
	}

	select {
	case out := <-ch:
		return out.payload, out.err
	case <-ctx.Done():
		cp.mu.Lock()
		delete(cp.pending, uniqueID)
		cp.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", action, ctx.Err())
	}
}

// BootNotification announces the charge point and fails unless the
// central system accepts the registration.
func (cp *ChargePoint) BootNotification(ctx context.Context) error {
	payload, err := cp.Call(ctx, ActionBootNotification, map[string]any{
		"chargePointModel":  cp.Model,
		"chargePointVendor": cp.Vendor,
	})
	if err != nil {
		return err
	}
	if status, _ := payload["status"].(string); status != "Accepted" {
		return fmt.Errorf("boot notification rejected with status %q", status)
	}
	return nil
}

// StatusNotification reports a connector status change.
func (cp *ChargePoint) StatusNotification(ctx context.Context, connectorID int, status string) error {
	_, err := cp.Call(ctx, ActionStatusNotification, map[string]any{
		"connectorId": connectorID,
		"errorCode":   "NoError",
		"status":      status,
	})
	return err
}

// Authorize checks an id tag and fails unless it is accepted.
func (cp *ChargePoint) Authorize(ctx context.Context, idTag string) error {
	payload, err := cp.Call(ctx, ActionAuthorize, map[string]any{"idTag": idTag})
	if err != nil {
		return err
	}
	if status := idTagStatus(payload); status != "Accepted" {
		return fmt.Errorf("id tag %q rejected with status %q", idTag, status)
	}
	return nil
}

// StartTransaction begins a charging session and returns the
// transaction id assigned by the central system.
func (cp *ChargePoint) StartTransaction(ctx context.Context, connectorID int, idTag string, meterStart int) (int, error) {
	payload, err := cp.Call(ctx, ActionStartTransaction, map[string]any{
		"connectorId": connectorID,
		"idTag":       idTag,
		"meterStart":  meterStart,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	if status := idTagStatus(payload); status != "Accepted" {
		return 0, fmt.Errorf("id tag %q rejected with status %q", idTag, status)
	}
	txID, ok := intField(payload, "transactionId")
	if !ok {
		return 0, fmt.Errorf("start transaction response carries no transaction id")
	}
	return txID, nil
}

// StopTransaction ends a charging session.
func (cp *ChargePoint) StopTransaction(ctx context.Context, transactionID, meterStop int, reason string) error {
	if reason == "" {
		reason = "Local"
	}
	_, err := cp.Call(ctx, ActionStopTransaction, map[string]any{
		"transactionId": transactionID,
		"meterStop":     meterStop,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"reason":        reason,
	})
	return err
}

// Sample is one measured value inside a MeterValues call.
type Sample struct {
	Value     string
	Measurand string
	Unit      string
}

// MeterValues reports sampled measurements for a running transaction.
func (cp *ChargePoint) MeterValues(ctx context.Context, connectorID, transactionID int, samples []Sample) error {
	sampled := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		sampled = append(sampled, map[string]any{
			"value":     s.Value,
			"context":   "Sample.Periodic",
			"measurand": s.Measurand,
			"unit":      s.Unit,
		})
	}
	_, err := cp.Call(ctx, ActionMeterValues, map[string]any{
		"connectorId":   connectorID,
		"transactionId": transactionID,
		"meterValue": []map[string]any{{
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"sampledValue": sampled,
		}},
	})
	return err
}

// Heartbeat pings the central system and returns its clock.
func (cp *ChargePoint) Heartbeat(ctx context.Context) (time.Time, error) {
	payload, err := cp.Call(ctx, ActionHeartbeat, nil)
	if err != nil {
		return time.Time{}, err
	}
	raw, _ := payload["currentTime"].(string)
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("central system returned invalid currentTime %q: %w", raw, err)
	}
	return ts, nil
}

// Close sends a normal closure and tears down the connection. Safe to
// call more than once.
func (cp *ChargePoint) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	// Best effort: the peer may already be gone.
	cp.writeMu.Lock()
	_ = cp.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cp.writeMu.Unlock()

	err := cp.conn.Close()

	select {
	case <-cp.readDone:
	case <-time.After(time.Second):
	}
	return err
}

// idTagStatus digs idTagInfo.status out of an authorize or start
// transaction response.
func idTagStatus(payload map[string]any) string {
	info, _ := payload["idTagInfo"].(map[string]any)
	status, _ := info["status"].(string)
	return status
}

// intField reads a numeric payload field, tolerating the float64 that
// encoding/json produces for JSON numbers.
func intField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
