package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqttclient "github.com/eclipse/paho.mqtt.golang"

	"github.com/chargekit/chargekit/internal/cliconfig"
	"github.com/chargekit/chargekit/internal/id"
	"github.com/chargekit/chargekit/pkg/auth"
	"github.com/chargekit/chargekit/pkg/config"
	"github.com/chargekit/chargekit/pkg/emulator"
	"github.com/chargekit/chargekit/pkg/manager"
	"github.com/chargekit/chargekit/pkg/mqtt"
	"github.com/chargekit/chargekit/pkg/ocpp"
	"github.com/chargekit/chargekit/pkg/rest"
)

// runtime holds everything a scenario run stands up: the manager with
// its registered adapters, the embedded broker when the config declares
// one, and any extra connections that need closing.
type runtime struct {
	manager *manager.Manager
	broker  *mqtt.Broker
	log     *slog.Logger

	closers []func()
}

// loadToolkitConfig reads the toolkit config file. When no path is
// given it falls back to discovery (CHARGEKIT_CONFIG, then chargekit.yaml
// in the working directory, then the per-user config); with nothing
// discovered either, an empty config is fine — the emulator adapter
// works without one.
func loadToolkitConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := cliconfig.Discover()
		if err != nil {
			return nil, err
		}
		if discovered == "" {
			return &config.Config{}, nil
		}
		path = discovered
	}
	return config.Load(path)
}

// buildRuntime starts the embedded broker if configured and constructs
// the manager with every adapter the config declares. The emulator
// adapter is always registered: it needs no external backend.
func buildRuntime(cfg *config.Config, log *slog.Logger) (*runtime, error) {
	rt := &runtime{
		manager: manager.New(manager.WithLogger(log)),
		log:     log,
	}

	if cfg.Broker != nil {
		broker, err := mqtt.NewBroker(cfg.Broker.Build())
		if err != nil {
			return nil, fmt.Errorf("embedded broker: %w", err)
		}
		broker.SetLogger(log)
		if err := broker.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("embedded broker: %w", err)
		}
		rt.broker = broker
		log.Info("embedded broker started", "url", broker.URL())
	}

	if err := rt.registerAdapters(cfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) registerAdapters(cfg *config.Config) error {
	if c := cfg.Adapters.REST; c != nil {
		rc := c.Build()
		rc.Logger = rt.log
		a, err := rest.New(&rc)
		if err != nil {
			return fmt.Errorf("rest adapter: %w", err)
		}
		rt.manager.RegisterAdapter(rest.Name, a)
	}

	if c := cfg.Adapters.Auth; c != nil {
		ac := c.Build()
		ac.Logger = rt.log
		a, err := auth.New(&ac)
		if err != nil {
			return fmt.Errorf("auth adapter: %w", err)
		}
		rt.manager.RegisterAdapter(auth.Name, a)
	}

	if c := cfg.Adapters.OCPP; c != nil {
		oc := c.Build()
		oc.Logger = rt.log
		a, err := ocpp.New(oc)
		if err != nil {
			return fmt.Errorf("ocpp adapter: %w", err)
		}
		rt.manager.RegisterAdapter(ocpp.Name, a)
	}

	if c := cfg.Adapters.MQTT; c != nil {
		mc := c.Build()
		mc.Logger = rt.log
		a, err := mqtt.New(mc)
		if err != nil {
			return fmt.Errorf("mqtt adapter: %w", err)
		}
		rt.manager.RegisterAdapter(mqtt.Name, a)
	}

	publisher, err := rt.emulatorPublisher(cfg)
	if err != nil {
		return err
	}
	ec := emulator.Config{Publisher: publisher, Logger: rt.log}
	if c := cfg.Adapters.Emulator; c != nil {
		ec.Defaults = c.Build().Defaults
	}
	rt.manager.RegisterAdapter(emulator.Name, emulator.New(ec))
	return nil
}

// emulatorPublisher wires emulator events onto MQTT when the config
// names a topic prefix: through the embedded broker's inline client
// when one is running, otherwise over a dedicated connection to the
// configured external broker.
func (rt *runtime) emulatorPublisher(cfg *config.Config) (emulator.Publisher, error) {
	emu := cfg.Adapters.Emulator
	if emu == nil || emu.TopicPrefix == "" {
		return emulator.Discard, nil
	}

	var qos byte
	if mc := cfg.Adapters.MQTT; mc != nil {
		qos = mc.QoS
	}

	if rt.broker != nil {
		return emulator.NewEnvelopePublisher(emu.TopicPrefix, func(topic string, payload []byte) error {
			return rt.broker.Publish(topic, payload, qos, false)
		}), nil
	}

	mc := cfg.Adapters.MQTT
	if mc == nil {
		return nil, fmt.Errorf("emulator topicPrefix %q needs a broker: configure adapters.mqtt or the embedded broker block", emu.TopicPrefix)
	}

	send, closeClient, err := dialPublishClient(mc.BrokerURL, mc.Username, mc.Password, qos, mc.ConnectTimeout.Std())
	if err != nil {
		return nil, fmt.Errorf("emulator publisher: %w", err)
	}
	rt.closers = append(rt.closers, closeClient)
	return emulator.NewEnvelopePublisher(emu.TopicPrefix, send), nil
}

// dialPublishClient connects a raw MQTT client used only for publishing
// emulator event envelopes.
func dialPublishClient(brokerURL, username, password string, qos byte, timeout time.Duration) (func(string, []byte) error, func(), error) {
	if timeout <= 0 {
		timeout = mqtt.DefaultConnectTimeout
	}

	opts := mqttclient.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID("chargekit-emulator-" + id.Short())
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqttclient.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, nil, fmt.Errorf("connect to %s timed out after %s", brokerURL, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", brokerURL, err)
	}

	send := func(topic string, payload []byte) error {
		t := client.Publish(topic, qos, false, payload)
		if !t.WaitTimeout(timeout) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		return t.Error()
	}
	closeClient := func() { client.Disconnect(250) }
	return send, closeClient, nil
}

// Close tears the runtime down in reverse construction order: adapters
// first, then extra connections, the embedded broker last.
func (rt *runtime) Close() {
	if err := rt.manager.Close(); err != nil {
		rt.log.Warn("adapter shutdown", "error", err)
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	if rt.broker != nil {
		if err := rt.broker.Stop(context.Background()); err != nil {
			rt.log.Warn("broker shutdown", "error", err)
		}
	}
}
