// Package integration exercises chargekit end to end: adapters driven
// through the resource manager against the testkit doubles, scenario
// documents executed against a live fleet, and rollback ordering across
// real transports.
package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/chargekit/chargekit/pkg/mqtt"
	"github.com/chargekit/chargekit/pkg/testkit"
)

// waitTimeout bounds every wait in this package. The brokers and
// servers under test are local; anything slower than this is a hang.
const waitTimeout = 5 * time.Second

// published is one envelope observed on the broker, with the topic it
// arrived on.
type published struct {
	Topic    string
	Envelope mqtt.Envelope
}

// watchTopics collects every envelope published on topics matching
// pattern, via the broker's internal subscription hook. Non-envelope
// payloads are dropped.
func watchTopics(t *testing.T, broker *mqtt.Broker, pattern string) <-chan published {
	t.Helper()

	out := make(chan published, 64)
	broker.Subscribe(pattern, func(topic string, payload []byte) {
		env, err := mqtt.DecodeEnvelope(payload)
		if err != nil {
			return
		}
		out <- published{Topic: topic, Envelope: env}
	})
	return out
}

// awaitMessageType drains the channel until an envelope with the wanted
// message type arrives, skipping interleaved traffic such as periodic
// telemetry ticks.
func awaitMessageType(t *testing.T, ch <-chan published, messageType string) published {
	t.Helper()

	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-ch:
			if msg.Envelope.MessageType == messageType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q envelope", messageType)
			return published{}
		}
	}
}

// deletePaths filters the backend's request log down to the paths of
// DELETE requests, in arrival order.
func deletePaths(requests []testkit.RequestLog) []string {
	var paths []string
	for _, r := range requests {
		if r.Method == http.MethodDelete {
			paths = append(paths, r.Path)
		}
	}
	return paths
}
