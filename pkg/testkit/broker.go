package testkit

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/chargekit/chargekit/pkg/mqtt"
)

// FreePort reserves an ephemeral TCP port and returns it. The listener
// closes before returning, so another process could grab the port in
// the gap; good enough for tests.
func FreePort(t testing.TB) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("testkit: reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

// StartBroker runs an embedded MQTT broker for the duration of the
// test. A nil config gets an ephemeral port; a config with Port 0 is
// assigned one. The returned broker is accepting connections.
func StartBroker(t testing.TB, config *mqtt.BrokerConfig) *mqtt.Broker {
	t.Helper()

	if config == nil {
		config = &mqtt.BrokerConfig{}
	}
	if config.Port == 0 {
		config.Port = FreePort(t)
	}

	broker, err := mqtt.NewBroker(config)
	if err != nil {
		t.Fatalf("testkit: create broker: %v", err)
	}
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("testkit: start broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Stop(context.Background()) })

	waitForListener(t, fmt.Sprintf("127.0.0.1:%d", config.Port))
	return broker
}

// waitForListener polls until the address accepts TCP connections.
func waitForListener(t testing.TB, addr string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("testkit: nothing listening on %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
