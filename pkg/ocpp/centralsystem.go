package ocpp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
)

// DefaultHeartbeatInterval is the interval the central system hands out
// in BootNotification responses, in seconds.
const DefaultHeartbeatInterval = 300

const maxMessageSize = 1 << 20

// RecordedCall is one charge point initiated call the central system saw.
type RecordedCall struct {
	Action  string
	Payload map[string]any
}

type csConn struct {
	conn *ws.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callOutcome
}

func (c *csConn) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, ws.MessageText, data)
}

func (c *csConn) settle(uniqueID string, out callOutcome) {
	c.mu.Lock()
	ch, ok := c.pending[uniqueID]
	delete(c.pending, uniqueID)
	c.mu.Unlock()
	if ok {
		ch <- out
	}
}

func (c *csConn) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uniqueID, ch := range c.pending {
		ch <- callOutcome{err: err}
		delete(c.pending, uniqueID)
	}
}

// CentralSystem is an in-process OCPP 1.6-J central system. It accepts
// charge point connections over WebSocket, answers their calls with
// canned responses, assigns transaction ids, and records everything it
// receives so tests can assert on the traffic. Mount it on an HTTP
// server; the charge point id is the last path segment.
type CentralSystem struct {
	log *slog.Logger

	mu          sync.Mutex
	nextTxID    int
	interval    int
	connections map[string]*csConn
	calls       map[string][]RecordedCall
	rejectTags  map[string]string
	failActions map[string]string
}

// NewCentralSystem builds a central system that accepts everything.
func NewCentralSystem(logger *slog.Logger) *CentralSystem {
	return &CentralSystem{
		log:         logging.Component(logger, "centralsystem"),
		interval:    DefaultHeartbeatInterval,
		connections: make(map[string]*csConn),
		calls:       make(map[string][]RecordedCall),
		rejectTags:  make(map[string]string),
		failActions: make(map[string]string),
	}
}

// RejectIDTag makes Authorize and StartTransaction answer the given id
// tag with status, e.g. "Blocked" or "Invalid".
func (cs *CentralSystem) RejectIDTag(idTag, status string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.rejectTags[idTag] = status
}

// FailAction makes every call with the given action fail with a call
// error of the given code. Pass an empty code to clear the injection.
func (cs *CentralSystem) FailAction(action, code string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if code == "" {
		delete(cs.failActions, action)
		return
	}
	cs.failActions[action] = code
}

// Calls returns the calls received from one charge point, in order.
func (cs *CentralSystem) Calls(chargePointID string) []RecordedCall {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]RecordedCall, len(cs.calls[chargePointID]))
	copy(out, cs.calls[chargePointID])
	return out
}

// Connected reports whether a charge point currently holds a connection.
func (cs *CentralSystem) Connected(chargePointID string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.connections[chargePointID]
	return ok
}

// ServeHTTP upgrades the request and serves the charge point until it
// disconnects.
func (cs *CentralSystem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chargePointID := path.Base(r.URL.Path)
	if chargePointID == "" || chargePointID == "." || chargePointID == "/" {
		http.Error(w, "missing charge point id", http.StatusBadRequest)
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		InsecureSkipVerify: true,
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		cs.log.Warn("websocket accept failed", "chargePointId", chargePointID, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	cc := &csConn{conn: conn, pending: make(map[string]chan callOutcome)}
	cs.mu.Lock()
	cs.connections[chargePointID] = cc
	cs.mu.Unlock()
	cs.log.Debug("charge point connected", "chargePointId", chargePointID)

	defer func() {
		cs.mu.Lock()
		if cs.connections[chargePointID] == cc {
			delete(cs.connections, chargePointID)
		}
		cs.mu.Unlock()
		cc.failPending(fmt.Errorf("charge point %q disconnected", chargePointID))
		_ = conn.CloseNow()
		cs.log.Debug("charge point disconnected", "chargePointId", chargePointID)
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			cs.log.Warn("discarding malformed message", "chargePointId", chargePointID, "error", err)
			continue
		}

		switch f.Type {
		case MessageTypeCall:
			cs.handleCall(ctx, chargePointID, cc, f)
		case MessageTypeCallResult:
			payload, perr := f.resultPayload()
			cc.settle(f.UniqueID, callOutcome{payload: payload, err: perr})
		case MessageTypeCallError:
			cc.settle(f.UniqueID, callOutcome{err: f.callError()})
		}
	}
}

func (cs *CentralSystem) handleCall(ctx context.Context, chargePointID string, cc *csConn, f *frame) {
	action, err := f.callAction()
	if err != nil {
		cs.log.Warn("discarding call with invalid action", "chargePointId", chargePointID, "error", err)
		return
	}
	payload, err := f.callPayload()
	if err != nil {
		payload = map[string]any{}
	}

	cs.mu.Lock()
	cs.calls[chargePointID] = append(cs.calls[chargePointID], RecordedCall{Action: action, Payload: payload})
	failCode := cs.failActions[action]
	cs.mu.Unlock()

	var data []byte
	if failCode != "" {
		data, err = encodeCallError(f.UniqueID, failCode, "injected failure")
	} else {
		data, err = encodeCallResult(f.UniqueID, cs.respond(action, payload))
	}
	if err != nil {
		cs.log.Warn("failed to encode response", "chargePointId", chargePointID, "action", action, "error", err)
		return
	}
	if err := cc.write(ctx, data); err != nil {
		cs.log.Warn("failed to send response", "chargePointId", chargePointID, "action", action, "error", err)
	}
}

func (cs *CentralSystem) respond(action string, payload map[string]any) map[string]any {
	switch action {
	case ActionBootNotification:
		cs.mu.Lock()
		interval := cs.interval
		cs.mu.Unlock()
		return map[string]any{
			"status":      "Accepted",
			"interval":    interval,
			"currentTime": time.Now().UTC().Format(time.RFC3339),
		}
	case ActionHeartbeat:
		return map[string]any{"currentTime": time.Now().UTC().Format(time.RFC3339)}
	case ActionAuthorize:
		return map[string]any{"idTagInfo": map[string]any{"status": cs.tagStatus(payload)}}
	case ActionStartTransaction:
		status := cs.tagStatus(payload)
		cs.mu.Lock()
		cs.nextTxID++
		txID := cs.nextTxID
		cs.mu.Unlock()
		return map[string]any{
			"transactionId": txID,
			"idTagInfo":     map[string]any{"status": status},
		}
	case ActionStopTransaction:
		return map[string]any{"idTagInfo": map[string]any{"status": "Accepted"}}
	case ActionDataTransfer:
		return map[string]any{"status": "Accepted"}
	default:
		// StatusNotification, MeterValues, and anything else that only
		// needs an empty confirmation.
		return map[string]any{}
	}
}

func (cs *CentralSystem) tagStatus(payload map[string]any) string {
	idTag, _ := payload["idTag"].(string)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if status, ok := cs.rejectTags[idTag]; ok {
		return status
	}
	return "Accepted"
}

// Push sends a central system initiated call, e.g. RemoteStartTransaction,
// and waits for the charge point's answer.
func (cs *CentralSystem) Push(ctx context.Context, chargePointID, action string, payload map[string]any) (map[string]any, error) {
	cs.mu.Lock()
	cc := cs.connections[chargePointID]
	cs.mu.Unlock()
	if cc == nil {
		return nil, fmt.Errorf("charge point %q is not connected", chargePointID)
	}

	uniqueID := id.UUID()
	data, err := encodeCall(uniqueID, action, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}

	ch := make(chan callOutcome, 1)
	cc.mu.Lock()
	cc.pending[uniqueID] = ch
	cc.mu.Unlock()

	if err := cc.write(ctx, data); err != nil {
		cc.mu.Lock()
		delete(cc.pending, uniqueID)
		cc.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", action, err)
	}

	select {
	case out := <-ch:
		return out.payload, out.err
	case <-ctx.Done():
		cc.mu.Lock()
		delete(cc.pending, uniqueID)
		cc.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", action, ctx.Err())
	}
}
