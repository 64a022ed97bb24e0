package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqttclient "github.com/eclipse/paho.mqtt.golang"

	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/logging"
	"github.com/chargekit/chargekit/pkg/manager"
)

// Name is the adapter name used in error reporting.
const Name = "mqtt"

// TypeMessage is the only resource type the adapter understands.
const TypeMessage = "message"

// Defaults applied when the adapter config leaves them unset.
const (
	DefaultPublishTopic   = "chargekit/messages"
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second

	disconnectGraceMillis = 250
)

// Config carries the broker connection settings.
type Config struct {
	// BrokerURL is the broker address, e.g. tcp://127.0.0.1:1883.
	BrokerURL string `json:"brokerUrl" yaml:"brokerUrl"`

	// ClientID identifies this client to the broker. Generated when
	// empty.
	ClientID string `json:"clientId,omitempty" yaml:"clientId,omitempty"`

	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// PublishTopic receives messages whose data names no topic.
	PublishTopic string `json:"publishTopic,omitempty" yaml:"publishTopic,omitempty"`

	// SubscribeTopics are filters the adapter listens on; inbound
	// envelopes land in the message store.
	SubscribeTopics []string `json:"subscribeTopics,omitempty" yaml:"subscribeTopics,omitempty"`

	// QoS applies to every publish and subscription.
	QoS byte `json:"qos,omitempty" yaml:"qos,omitempty"`

	ConnectTimeout time.Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	PublishTimeout time.Duration `json:"publishTimeout,omitempty" yaml:"publishTimeout,omitempty"`

	// Logger receives connection and message events. Nil disables logging.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

// StoredMessage is the adapter's local copy of one published or
// received envelope.
type StoredMessage struct {
	ID          string
	Topic       string
	MessageType string
	Payload     map[string]any
	Direction   string
	Delivered   bool
	PublishedAt time.Time
}

// Adapter publishes messages as tracked resources. A published message
// cannot be unsent, so delete drops the local copy and publishes a
// tombstone envelope for downstream consumers.
type Adapter struct {
	cfg    Config
	client mqttclient.Client
	log    *slog.Logger

	mu    sync.RWMutex
	store map[string]*StoredMessage
}

var _ manager.Adapter = (*Adapter)(nil)

// New connects to the broker and subscribes to the configured topics.
func New(cfg Config) (*Adapter, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "chargekit-" + id.Short()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	a := &Adapter{
		cfg:   cfg,
		log:   logging.Component(cfg.Logger, "mqtt"),
		store: make(map[string]*StoredMessage),
	}

	opts := mqttclient.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions live in the connect handler so they survive
	// reconnects.
	opts.SetOnConnectHandler(func(client mqttclient.Client) {
		for _, topic := range cfg.SubscribeTopics {
			token := client.Subscribe(topic, cfg.QoS, a.onMessage)
			if !token.WaitTimeout(cfg.ConnectTimeout) || token.Error() != nil {
				a.log.Warn("subscription failed", "topic", topic, "error", token.Error())
			}
		}
	})

	a.client = mqttclient.NewClient(opts)
	token := a.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s timed out after %s", cfg.BrokerURL, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.BrokerURL, err)
	}

	a.log.Debug("connected", "broker", cfg.BrokerURL, "clientId", cfg.ClientID)
	return a, nil
}

// onMessage stores inbound envelopes. An envelope whose id the adapter
// published itself marks the original as delivered instead.
func (a *Adapter) onMessage(_ mqttclient.Client, msg mqttclient.Message) {
	env, err := DecodeEnvelope(msg.Payload())
	if err != nil {
		a.log.Debug("ignoring non-envelope message", "topic", msg.Topic(), "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.store[env.ID]; ok {
		existing.Delivered = true
		return
	}
	a.store[env.ID] = &StoredMessage{
		ID:          env.ID,
		Topic:       msg.Topic(),
		MessageType: env.MessageType,
		Payload:     env.Payload,
		Direction:   "received",
		Delivered:   true,
		PublishedAt: time.Now(),
	}
}

func opErr(op string, err error) error {
	return &manager.AdapterError{Adapter: Name, Op: op, Type: TypeMessage, Err: err}
}

// Create publishes an envelope and tracks it. Data may carry "topic",
// "message_type", and "payload"; fields outside those become the
// payload when no explicit one is given.
func (a *Adapter) Create(ctx context.Context, resourceType string, data map[string]any) (string, error) {
	if resourceType != TypeMessage {
		return "", &manager.AdapterError{
			Adapter: Name, Op: manager.OpCreate, Type: resourceType,
			Err: fmt.Errorf("unsupported resource type %q", resourceType),
		}
	}

	topic := stringField(data, "topic")
	if topic == "" {
		topic = a.cfg.PublishTopic
	}
	if topic == "" {
		return "", opErr(manager.OpCreate, fmt.Errorf("message data requires a topic"))
	}
	messageType := stringField(data, "message_type")
	if messageType == "" {
		messageType = MessageTypeData
	}

	payload := payloadFrom(data)
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	env := Envelope{ID: id.UUID(), MessageType: messageType, Payload: payload}
	if err := a.publish(ctx, topic, env); err != nil {
		return "", opErr(manager.OpCreate, err)
	}

	a.mu.Lock()
	a.store[env.ID] = &StoredMessage{
		ID:          env.ID,
		Topic:       topic,
		MessageType: messageType,
		Payload:     payload,
		Direction:   "sent",
		PublishedAt: time.Now(),
	}
	a.mu.Unlock()

	a.log.Debug("message published", "topic", topic, "messageId", env.ID, "messageType", messageType)
	return env.ID, nil
}

// Read returns the local copy of a sent or received message.
func (a *Adapter) Read(ctx context.Context, resourceType, resourceID string) (map[string]any, error) {
	if resourceType != TypeMessage {
		return nil, &manager.AdapterError{
			Adapter: Name, Op: manager.OpRead, Type: resourceType,
			Err: fmt.Errorf("unsupported resource type %q", resourceType),
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	msg, ok := a.store[resourceID]
	if !ok {
		return nil, &manager.NotFoundError{Type: TypeMessage, ID: resourceID}
	}

	payload := make(map[string]any, len(msg.Payload))
	for k, v := range msg.Payload {
		payload[k] = v
	}
	return map[string]any{
		"message_id":   msg.ID,
		"topic":        msg.Topic,
		"message_type": msg.MessageType,
		"payload":      payload,
		"direction":    msg.Direction,
		"delivered":    msg.Delivered,
		"published_at": msg.PublishedAt.UTC().Format(time.RFC3339),
	}, nil
}

// Update republishes the message under the same id with the merged
// payload and message type "update".
func (a *Adapter) Update(ctx context.Context, resourceType, resourceID string, data map[string]any) error {
	if resourceType != TypeMessage {
		return &manager.AdapterError{
			Adapter: Name, Op: manager.OpUpdate, Type: resourceType,
			Err: fmt.Errorf("unsupported resource type %q", resourceType),
		}
	}

	a.mu.Lock()
	msg, ok := a.store[resourceID]
	if !ok {
		a.mu.Unlock()
		return &manager.NotFoundError{Type: TypeMessage, ID: resourceID}
	}
	merged := make(map[string]any, len(msg.Payload))
	for k, v := range msg.Payload {
		merged[k] = v
	}
	for k, v := range payloadFrom(data) {
		merged[k] = v
	}
	topic := msg.Topic
	a.mu.Unlock()

	env := Envelope{ID: resourceID, MessageType: MessageTypeUpdate, Payload: merged}
	if err := a.publish(ctx, topic, env); err != nil {
		return opErr(manager.OpUpdate, err)
	}

	a.mu.Lock()
	if msg, ok := a.store[resourceID]; ok {
		msg.Payload = merged
		msg.MessageType = MessageTypeUpdate
	}
	a.mu.Unlock()
	return nil
}

// Delete publishes a tombstone envelope and drops the local copy. A
// message the adapter does not track reports (false, nil).
func (a *Adapter) Delete(ctx context.Context, resourceType, resourceID string) (bool, error) {
	if resourceType != TypeMessage {
		return false, &manager.AdapterError{
			Adapter: Name, Op: manager.OpDelete, Type: resourceType,
			Err: fmt.Errorf("unsupported resource type %q", resourceType),
		}
	}

	a.mu.Lock()
	msg, ok := a.store[resourceID]
	if !ok {
		a.mu.Unlock()
		return false, nil
	}
	topic := msg.Topic
	a.mu.Unlock()

	env := Envelope{
		ID:          resourceID,
		MessageType: MessageTypeDelete,
		Payload:     map[string]any{"message_id": resourceID},
	}
	if err := a.publish(ctx, topic, env); err != nil {
		return false, opErr(manager.OpDelete, err)
	}

	a.mu.Lock()
	delete(a.store, resourceID)
	a.mu.Unlock()

	a.log.Debug("message tombstoned", "topic", topic, "messageId", resourceID)
	return true, nil
}

// Close disconnects from the broker.
func (a *Adapter) Close() error {
	a.client.Disconnect(disconnectGraceMillis)
	return nil
}

// Messages returns a snapshot of all tracked messages.
func (a *Adapter) Messages() []StoredMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]StoredMessage, 0, len(a.store))
	for _, msg := range a.store {
		out = append(out, *msg)
	}
	return out
}

func (a *Adapter) publish(ctx context.Context, topic string, env Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	token := a.client.Publish(topic, a.cfg.QoS, false, data)

	timeout := a.cfg.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %q timed out after %s", topic, timeout)
	}
	return token.Error()
}

func stringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// payloadFrom extracts the message payload: an explicit "payload" map
// wins, otherwise every field except the routing keys is the payload.
func payloadFrom(data map[string]any) map[string]any {
	if p, ok := data["payload"].(map[string]any); ok {
		out := make(map[string]any, len(p))
		for k, v := range p {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any)
	for k, v := range data {
		if k == "topic" || k == "message_type" {
			continue
		}
		out[k] = v
	}
	return out
}
