package ocpp

import (
	"encoding/json"
	"fmt"
)

// OCPP-J message type identifiers (first element of every frame).
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Charge point initiated actions.
const (
	ActionBootNotification   = "BootNotification"
	ActionStatusNotification = "StatusNotification"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionHeartbeat          = "Heartbeat"
	ActionDataTransfer       = "DataTransfer"
)

// Central system initiated actions the charge point answers.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
)

// ChargePointStatus values (OCPP 1.6 §7.7).
const (
	StatusAvailable     = "Available"
	StatusPreparing     = "Preparing"
	StatusCharging      = "Charging"
	StatusSuspendedEVSE = "SuspendedEVSE"
	StatusSuspendedEV   = "SuspendedEV"
	StatusFinishing     = "Finishing"
	StatusReserved      = "Reserved"
	StatusUnavailable   = "Unavailable"
	StatusFaulted       = "Faulted"
)

// Subprotocol is the WebSocket subprotocol for OCPP 1.6 JSON.
const Subprotocol = "ocpp1.6"

// CallError is the decoded form of a [4, id, code, description, details]
// frame: the central system rejected a call.
type CallError struct {
	Code        string
	Description string
	Details     map[string]any
}

func (e *CallError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("call rejected: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("call rejected: %s", e.Code)
}

// frame is a partially decoded OCPP-J message. Fields beyond the type
// and unique id stay raw until the type is known.
type frame struct {
	Type     int
	UniqueID string
	rest     []json.RawMessage
}

// encodeCall builds a [2, id, action, payload] frame.
func encodeCall(uniqueID, action string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCall, uniqueID, action, payload})
}

// encodeCallResult builds a [3, id, payload] frame.
func encodeCallResult(uniqueID string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCallResult, uniqueID, payload})
}

// encodeCallError builds a [4, id, code, description, details] frame.
func encodeCallError(uniqueID, code, description string) ([]byte, error) {
	return json.Marshal([]any{MessageTypeCallError, uniqueID, code, description, map[string]any{}})
}

// decodeFrame splits a raw OCPP-J message into type, unique id, and the
// remaining elements.
func decodeFrame(data []byte) (*frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("message is not a JSON array: %w", err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("message has %d elements, want at least 3", len(parts))
	}

	f := &frame{rest: parts[2:]}
	if err := json.Unmarshal(parts[0], &f.Type); err != nil {
		return nil, fmt.Errorf("invalid message type: %w", err)
	}
	if err := json.Unmarshal(parts[1], &f.UniqueID); err != nil {
		return nil, fmt.Errorf("invalid unique id: %w", err)
	}

	switch f.Type {
	case MessageTypeCall:
		if len(parts) != 4 {
			return nil, fmt.Errorf("call frame has %d elements, want 4", len(parts))
		}
	case MessageTypeCallResult:
		if len(parts) != 3 {
			return nil, fmt.Errorf("call result frame has %d elements, want 3", len(parts))
		}
	case MessageTypeCallError:
		if len(parts) != 5 {
			return nil, fmt.Errorf("call error frame has %d elements, want 5", len(parts))
		}
	default:
		return nil, fmt.Errorf("unknown message type %d", f.Type)
	}
	return f, nil
}

// callAction returns the action of a call frame.
func (f *frame) callAction() (string, error) {
	var action string
	if err := json.Unmarshal(f.rest[0], &action); err != nil {
		return "", fmt.Errorf("invalid action: %w", err)
	}
	return action, nil
}

// callPayload returns the payload of a call frame.
func (f *frame) callPayload() (map[string]any, error) {
	payload := map[string]any{}
	if err := json.Unmarshal(f.rest[1], &payload); err != nil {
		return nil, fmt.Errorf("invalid call payload: %w", err)
	}
	return payload, nil
}

// resultPayload returns the payload of a call result frame.
func (f *frame) resultPayload() (map[string]any, error) {
	payload := map[string]any{}
	if err := json.Unmarshal(f.rest[0], &payload); err != nil {
		return nil, fmt.Errorf("invalid result payload: %w", err)
	}
	return payload, nil
}

// callError decodes a call error frame into a CallError.
func (f *frame) callError() *CallError {
	ce := &CallError{}
	_ = json.Unmarshal(f.rest[0], &ce.Code)
	_ = json.Unmarshal(f.rest[1], &ce.Description)
	if len(f.rest) > 2 {
		_ = json.Unmarshal(f.rest[2], &ce.Details)
	}
	return ce
}
