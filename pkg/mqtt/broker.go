package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/chargekit/chargekit/pkg/logging"
)

// DefaultBrokerPort is the standard MQTT port used when the config
// leaves Port unset.
const DefaultBrokerPort = 1883

// DefaultStopTimeout bounds broker shutdown when the caller's context
// carries no deadline.
const DefaultStopTimeout = 5 * time.Second

// SubscriptionHandler receives messages matching an internal
// subscription.
type SubscriptionHandler func(topic string, payload []byte)

// BrokerCredentials is one username/password pair the broker accepts.
type BrokerCredentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// BrokerAuth restricts connections to the listed users. Disabled means
// anonymous access.
type BrokerAuth struct {
	Enabled bool                `json:"enabled" yaml:"enabled"`
	Users   []BrokerCredentials `json:"users,omitempty" yaml:"users,omitempty"`
}

// BrokerConfig configures the embedded broker.
type BrokerConfig struct {
	Port int         `json:"port" yaml:"port"`
	Auth *BrokerAuth `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Broker is an embedded MQTT broker backed by mochi-mqtt. It exists so
// test runs have a real broker without standing up infrastructure:
// adapters and emulators connect to it like any other, and tests can
// publish or observe traffic through the inline client.
type Broker struct {
	config *BrokerConfig
	server *mochi.Server
	log    *slog.Logger

	mu                  sync.RWMutex
	running             bool
	startedAt           time.Time
	internalSubscribers map[string][]SubscriptionHandler
	clientSubscriptions map[string][]string

	// stopping is set during shutdown so hook callbacks skip acquiring
	// b.mu, which would deadlock with server.Close().
	stopping atomic.Int32
}

// NewBroker builds a broker from config. Call Start to begin listening.
func NewBroker(config *BrokerConfig) (*Broker, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.Port <= 0 {
		config.Port = DefaultBrokerPort
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})

	broker := &Broker{
		config:              config,
		server:              server,
		log:                 logging.Nop(),
		internalSubscribers: make(map[string][]SubscriptionHandler),
		clientSubscriptions: make(map[string][]string),
	}

	// mochi requires an auth hook; AllowHook opens the broker up when
	// no credentials are configured.
	if config.Auth != nil && config.Auth.Enabled {
		if err := server.AddHook(newAuthHook(config.Auth), nil); err != nil {
			return nil, fmt.Errorf("failed to add auth hook: %w", err)
		}
	} else {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("failed to add allow hook: %w", err)
		}
	}

	if err := server.AddHook(newMessageHook(broker), nil); err != nil {
		return nil, fmt.Errorf("failed to add message hook: %w", err)
	}

	return broker, nil
}

// SetLogger sets the operational logger for the broker.
func (b *Broker) SetLogger(log *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log != nil {
		b.log = logging.Component(log, "broker")
	} else {
		b.log = logging.Nop()
	}
}

// Start begins listening on the configured TCP port.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("broker is already running")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("mqtt-%d", b.config.Port),
		Address: fmt.Sprintf(":%d", b.config.Port),
	})
	if err := b.server.AddListener(listener); err != nil {
		return fmt.Errorf("failed to add listener: %w", err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.log.Error("broker serve error", "error", err)
		}
	}()

	b.running = true
	b.startedAt = time.Now()
	b.log.Info("broker started", "port", b.config.Port, "auth", b.config.Auth != nil && b.config.Auth.Enabled)
	return nil
}

// Stop shuts the broker down, waiting for the context (or
// DefaultStopTimeout when it carries no deadline). Stopping a stopped
// broker is a no-op.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	// Hook callbacks fired by server.Close() must not take b.mu while
	// we wait on Close, or shutdown deadlocks.
	b.stopping.Store(1)
	b.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultStopTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- b.server.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-ctx.Done():
		closeErr = fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	b.mu.Lock()
	b.running = false
	b.startedAt = time.Time{}
	b.stopping.Store(0)
	b.mu.Unlock()

	if closeErr != nil {
		return fmt.Errorf("failed to close broker: %w", closeErr)
	}
	b.log.Info("broker stopped")
	return nil
}

// IsRunning reports whether the broker is serving.
func (b *Broker) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Port returns the configured listen port.
func (b *Broker) Port() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.Port
}

// URL returns the broker address in the form paho clients dial.
func (b *Broker) URL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("tcp://127.0.0.1:%d", b.config.Port)
}

// Publish injects a message through the broker's inline client.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retain bool) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()

	if !running {
		return errors.New("broker is not running")
	}
	return b.server.Publish(topic, payload, retain, qos)
}

// Subscribe registers an internal handler for topics matching pattern.
// Handlers observe every publish that flows through the broker; they
// run on their own goroutines.
func (b *Broker) Subscribe(pattern string, handler SubscriptionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.internalSubscribers[pattern] = append(b.internalSubscribers[pattern], handler)
}

// Unsubscribe drops all internal handlers for the pattern.
func (b *Broker) Unsubscribe(pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.internalSubscribers, pattern)
}

func (b *Broker) notifySubscribers(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, handlers := range b.internalSubscribers {
		if MatchTopic(pattern, topic) {
			for _, handler := range handlers {
				go handler(topic, payload)
			}
		}
	}
}

// Clients returns the ids of currently connected clients.
func (b *Broker) Clients() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	clients := b.server.Clients.GetAll()
	ids := make([]string, 0, len(clients))
	for clientID := range clients {
		ids = append(ids, clientID)
	}
	return ids
}

// Subscriptions returns the active topic filters per client id.
func (b *Broker) Subscriptions() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make(map[string][]string, len(b.clientSubscriptions))
	for clientID, subs := range b.clientSubscriptions {
		result[clientID] = append([]string{}, subs...)
	}
	return result
}

// BrokerStats is a point-in-time snapshot of broker state.
type BrokerStats struct {
	Running     bool          `json:"running"`
	ClientCount int           `json:"clientCount"`
	Port        int           `json:"port"`
	AuthEnabled bool          `json:"authEnabled"`
	Uptime      time.Duration `json:"uptime"`
}

// Stats returns current broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var uptime time.Duration
	if b.running && !b.startedAt.IsZero() {
		uptime = time.Since(b.startedAt)
	}
	return BrokerStats{
		Running:     b.running,
		ClientCount: len(b.server.Clients.GetAll()),
		Port:        b.config.Port,
		AuthEnabled: b.config.Auth != nil && b.config.Auth.Enabled,
		Uptime:      uptime,
	}
}

// MatchTopic reports whether an MQTT topic filter matches a topic.
// Supports the + (single level) and # (multi-level) wildcards.
func MatchTopic(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part == "+" {
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}
	return len(patternParts) == len(topicParts)
}
