package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	mqttclient "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func startTestBroker(t *testing.T, config *BrokerConfig) *Broker {
	t.Helper()
	if config == nil {
		config = &BrokerConfig{Port: getFreePort(t)}
	}
	broker, err := NewBroker(config)
	require.NoError(t, err)
	require.NoError(t, broker.Start(context.Background()))
	t.Cleanup(func() { _ = broker.Stop(context.Background()) })

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)
	return broker
}

func newPahoClient(t *testing.T, broker *Broker, clientID, username, password string) mqttclient.Client {
	t.Helper()
	opts := mqttclient.NewClientOptions()
	opts.AddBroker(broker.URL())
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(5 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqttclient.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect timed out")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(disconnectGraceMillis) })
	return client
}

func TestNewBroker(t *testing.T) {
	tests := []struct {
		name    string
		config  *BrokerConfig
		wantErr bool
	}{
		{name: "nil config", config: nil, wantErr: true},
		{name: "default port", config: &BrokerConfig{}, wantErr: false},
		{name: "custom port", config: &BrokerConfig{Port: 18831}, wantErr: false},
		{
			name: "auth users",
			config: &BrokerConfig{
				Port: 18832,
				Auth: &BrokerAuth{
					Enabled: true,
					Users:   []BrokerCredentials{{Username: "fleet", Password: "secret"}},
				},
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, err := NewBroker(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, broker)
		})
	}
}

func TestNewBrokerDefaultsPort(t *testing.T) {
	broker, err := NewBroker(&BrokerConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBrokerPort, broker.Port())
}

func TestBrokerStartStop(t *testing.T) {
	port := getFreePort(t)
	broker, err := NewBroker(&BrokerConfig{Port: port})
	require.NoError(t, err)

	require.NoError(t, broker.Start(context.Background()))
	assert.True(t, broker.IsRunning())

	// Double start fails.
	require.Error(t, broker.Start(context.Background()))

	// The port is actually listening.
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	conn.Close()

	// Let the server notice the probe connection before shutdown.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, broker.Stop(context.Background()))
	assert.False(t, broker.IsRunning())

	// Stopping again is a no-op.
	assert.NoError(t, broker.Stop(context.Background()))
}

func TestBrokerPubSubThroughClients(t *testing.T) {
	broker := startTestBroker(t, nil)

	subscriber := newPahoClient(t, broker, "subscriber", "", "")
	received := make(chan string, 1)
	token := subscriber.Subscribe("chargers/CP-1/telemetry", 1, func(_ mqttclient.Client, msg mqttclient.Message) {
		received <- string(msg.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	publisher := newPahoClient(t, broker, "publisher", "", "")
	token = publisher.Publish("chargers/CP-1/telemetry", 1, false, `{"soc":42}`)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"soc":42}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBrokerInlinePublish(t *testing.T) {
	broker := startTestBroker(t, nil)

	client := newPahoClient(t, broker, "inline-sub", "", "")
	received := make(chan []byte, 1)
	token := client.Subscribe("fleet/status", 1, func(_ mqttclient.Client, msg mqttclient.Message) {
		received <- msg.Payload()
	})
	require.True(t, token.WaitTimeout(5*time.Second))

	require.NoError(t, broker.Publish("fleet/status", []byte("ready"), 1, false))

	select {
	case payload := <-received:
		assert.Equal(t, "ready", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inline publish")
	}
}

func TestBrokerPublishNotRunning(t *testing.T) {
	broker, err := NewBroker(&BrokerConfig{Port: getFreePort(t)})
	require.NoError(t, err)
	require.Error(t, broker.Publish("x", nil, 0, false))
}

func TestBrokerInternalSubscribe(t *testing.T) {
	broker := startTestBroker(t, nil)

	received := make(chan string, 2)
	broker.Subscribe("chargers/+/telemetry", func(topic string, payload []byte) {
		received <- topic
	})

	publisher := newPahoClient(t, broker, "pub-internal", "", "")
	publisher.Publish("chargers/CP-7/telemetry", 1, false, "x").Wait()
	publisher.Publish("chargers/CP-7/other", 1, false, "x").Wait()

	select {
	case topic := <-received:
		assert.Equal(t, "chargers/CP-7/telemetry", topic)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for internal handler")
	}

	select {
	case topic := <-received:
		t.Fatalf("handler saw non-matching topic %q", topic)
	case <-time.After(200 * time.Millisecond):
	}

	broker.Unsubscribe("chargers/+/telemetry")
	publisher.Publish("chargers/CP-7/telemetry", 1, false, "x").Wait()
	select {
	case <-received:
		t.Fatal("handler fired after Unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBrokerAuthEnforced(t *testing.T) {
	broker := startTestBroker(t, &BrokerConfig{
		Port: getFreePort(t),
		Auth: &BrokerAuth{
			Enabled: true,
			Users:   []BrokerCredentials{{Username: "fleet", Password: "secret"}},
		},
	})

	// Wrong password is refused.
	opts := mqttclient.NewClientOptions()
	opts.AddBroker(broker.URL())
	opts.SetClientID("intruder")
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(2 * time.Second)
	opts.SetUsername("fleet")
	opts.SetPassword("wrong")

	client := mqttclient.NewClient(opts)
	token := client.Connect()
	token.WaitTimeout(5 * time.Second)
	require.Error(t, token.Error())

	// Correct credentials connect and publish.
	authed := newPahoClient(t, broker, "fleet-client", "fleet", "secret")
	token = authed.Publish("fleet/hello", 1, false, "hi")
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

func TestBrokerTracksSubscriptions(t *testing.T) {
	broker := startTestBroker(t, nil)

	client := newPahoClient(t, broker, "tracked-client", "", "")
	token := client.Subscribe("chargers/#", 1, nil)
	require.True(t, token.WaitTimeout(5*time.Second))

	assert.Eventually(t, func() bool {
		subs := broker.Subscriptions()
		filters, ok := subs["tracked-client"]
		if !ok {
			return false
		}
		for _, f := range filters {
			if f == "chargers/#" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	token = client.Unsubscribe("chargers/#")
	require.True(t, token.WaitTimeout(5*time.Second))

	assert.Eventually(t, func() bool {
		_, ok := broker.Subscriptions()["tracked-client"]
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBrokerStats(t *testing.T) {
	broker := startTestBroker(t, nil)
	newPahoClient(t, broker, "stats-client", "", "")

	assert.Eventually(t, func() bool {
		stats := broker.Stats()
		return stats.Running && stats.ClientCount >= 1
	}, 2*time.Second, 20*time.Millisecond)

	stats := broker.Stats()
	assert.Equal(t, broker.Port(), stats.Port)
	assert.False(t, stats.AuthEnabled)
	assert.Greater(t, stats.Uptime, time.Duration(0))
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c/d", true},
		{"#", "anything/at/all", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic))
		})
	}
}
