package mqtt

import (
	"bytes"
	"crypto/subtle"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// authHook authenticates clients against the configured user list.
type authHook struct {
	mochi.HookBase
	config *BrokerAuth
}

func newAuthHook(config *BrokerAuth) *authHook {
	return &authHook{config: config}
}

func (h *authHook) ID() string {
	return "auth-hook"
}

func (h *authHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
	}, []byte{b})
}

func (h *authHook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	if h.config == nil || !h.config.Enabled {
		return true
	}

	username := string(cl.Properties.Username)
	password := string(pk.Connect.Password)

	for _, user := range h.config.Users {
		usernameMatch := subtle.ConstantTimeCompare([]byte(user.Username), []byte(username)) == 1
		passwordMatch := subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) == 1
		if usernameMatch && passwordMatch {
			return true
		}
	}
	return false
}

// OnACLCheck grants authenticated clients full topic access.
func (h *authHook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	return true
}

// messageHook feeds broker-level observers: internal subscribers and
// the per-client subscription index.
type messageHook struct {
	mochi.HookBase
	broker *Broker
}

func newMessageHook(broker *Broker) *messageHook {
	return &messageHook{broker: broker}
}

func (h *messageHook) ID() string {
	return "message-hook"
}

func (h *messageHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnPublish,
		mochi.OnSubscribed,
		mochi.OnUnsubscribed,
	}, []byte{b})
}

func (h *messageHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	h.broker.notifySubscribers(pk.TopicName, pk.Payload)
	return pk, nil
}

func (h *messageHook) OnSubscribed(cl *mochi.Client, pk packets.Packet, reasonCodes []byte) {
	// Skip during shutdown: server.Close() fires hooks while Stop()
	// waits on it, and taking b.mu here would deadlock.
	if h.broker.stopping.Load() != 0 {
		return
	}
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()

	for _, sub := range pk.Filters {
		h.broker.clientSubscriptions[cl.ID] = append(h.broker.clientSubscriptions[cl.ID], sub.Filter)
	}
}

func (h *messageHook) OnUnsubscribed(cl *mochi.Client, pk packets.Packet) {
	if h.broker.stopping.Load() != 0 {
		return
	}
	h.broker.mu.Lock()
	defer h.broker.mu.Unlock()

	current := h.broker.clientSubscriptions[cl.ID]
	var remaining []string
	for _, sub := range current {
		removed := false
		for _, filter := range pk.Filters {
			if sub == filter.Filter {
				removed = true
				break
			}
		}
		if !removed {
			remaining = append(remaining, sub)
		}
	}

	if len(remaining) == 0 {
		delete(h.broker.clientSubscriptions, cl.ID)
	} else {
		h.broker.clientSubscriptions[cl.ID] = remaining
	}
}
