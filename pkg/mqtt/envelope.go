package mqtt

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
)

// envelopeFrameType is the first element of every envelope, kept for
// compatibility with the platform's device message format.
const envelopeFrameType = 2

// Message type names used by the adapter.
const (
	MessageTypeData   = "data"
	MessageTypeUpdate = "update"
	MessageTypeDelete = "delete"
)

// Envelope is the wire frame telemetry rides in:
//
//	[2, "<uuid>", "<messageType>", {payload}]
type Envelope struct {
	ID          string
	MessageType string
	Payload     map[string]any
}

// Encode renders the envelope as its JSON array form.
func (e Envelope) Encode() ([]byte, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("envelope requires an id")
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := oj.Marshal([]any{envelopeFrameType, e.ID, e.MessageType, payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses the JSON array form back into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw any
	if err := oj.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON: %w", err)
	}
	parts, ok := raw.([]any)
	if !ok {
		return Envelope{}, fmt.Errorf("envelope is not a JSON array")
	}
	if len(parts) != 4 {
		return Envelope{}, fmt.Errorf("envelope has %d elements, want 4", len(parts))
	}

	frameType, ok := toInt(parts[0])
	if !ok || frameType != envelopeFrameType {
		return Envelope{}, fmt.Errorf("unexpected frame type %v", parts[0])
	}
	envID, ok := parts[1].(string)
	if !ok || envID == "" {
		return Envelope{}, fmt.Errorf("envelope id is not a string")
	}
	messageType, ok := parts[2].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("envelope message type is not a string")
	}
	payload, ok := parts[3].(map[string]any)
	if !ok {
		return Envelope{}, fmt.Errorf("envelope payload is not an object")
	}

	return Envelope{ID: envID, MessageType: messageType, Payload: payload}, nil
}

// toInt folds the numeric types ojg may produce for a JSON number.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
