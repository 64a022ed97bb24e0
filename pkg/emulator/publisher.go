package emulator

import (
	"context"
	"fmt"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/mqtt"
	"github.com/chargekit/chargekit/pkg/ocpp"
)

// Publisher delivers charger events to a backend. Implementations decide
// the transport; the charger only supplies the charge point identity, the
// OCPP action name, and the payload.
type Publisher interface {
	Publish(ctx context.Context, chargePointID, action string, payload map[string]any) error
}

// PublishFunc adapts a function to the Publisher interface.
type PublishFunc func(ctx context.Context, chargePointID, action string, payload map[string]any) error

func (f PublishFunc) Publish(ctx context.Context, chargePointID, action string, payload map[string]any) error {
	return f(ctx, chargePointID, action, payload)
}

// Discard drops every event. Chargers without a configured publisher use it.
var Discard Publisher = discardPublisher{}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, string, map[string]any) error {
	return nil
}

type callPublisher struct {
	cp *ocpp.ChargePoint
}

// NewCallPublisher routes charger events through an established OCPP
// connection as calls. The connection carries a single charge point
// identity, so events from any other charger are rejected.
func NewCallPublisher(cp *ocpp.ChargePoint) Publisher {
	return &callPublisher{cp: cp}
}

func (p *callPublisher) Publish(ctx context.Context, chargePointID, action string, payload map[string]any) error {
	if chargePointID != p.cp.ID {
		return fmt.Errorf("connection belongs to charge point %q, cannot publish for %q", p.cp.ID, chargePointID)
	}
	_, err := p.cp.Call(ctx, action, payload)
	return err
}

type envelopePublisher struct {
	topicPrefix string
	send        func(topic string, payload []byte) error
}

// NewEnvelopePublisher wraps charger events in wire envelopes and hands
// them to send, one topic per charger under topicPrefix. The send function
// is typically a broker or MQTT client publish.
func NewEnvelopePublisher(topicPrefix string, send func(topic string, payload []byte) error) Publisher {
	return &envelopePublisher{topicPrefix: topicPrefix, send: send}
}

func (p *envelopePublisher) Publish(_ context.Context, chargePointID, action string, payload map[string]any) error {
	env := mqtt.Envelope{
		ID:          id.UUID(),
		MessageType: action,
		Payload:     payload,
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", action, err)
	}
	return p.send(p.topicPrefix+"/"+chargePointID, data)
}
