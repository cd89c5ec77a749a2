// Package pushbridge implements a subscriber to an external pub/sub
// topic that forwards commands to specific agents or broadcasts them.
// Uses redis/go-redis/v9 for the transport, with a reconnect-with-backoff
// loop shaped like whisper-darkly-sticky-dvr's overseer/client.go.
package pushbridge

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/fluxguard/internal/server/observability"
)

const reconnectBackoff = 5 * time.Second

// AgentSender is the subset of the connection registry the bridge needs.
type AgentSender interface {
	IsAgentRegistered(deviceID string) bool
	AllAgentIDs() []string
	SendToAgent(deviceID string, payload interface{}) (sent bool, err error)
}

// Bridge subscribes to a Redis pub/sub channel and forwards envelopes.
type Bridge struct {
	client *redis.Client
	topic  string
	conns  AgentSender
}

func New(client *redis.Client, topic string, conns AgentSender) *Bridge {
	return &Bridge{client: client, topic: topic, conns: conns}
}

// envelope is the pub/sub message shape: a raw command plus an optional
// device_id routing hint.
type envelope struct {
	DeviceID string          `json:"device_id"`
	Command  json.RawMessage `json:"-"`
}

// Run subscribes and forwards messages until ctx is cancelled, reconnecting
// with a fixed backoff on transport errors.
func (b *Bridge) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := b.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("pushbridge: subscription error: %v — retrying in %s", err, reconnectBackoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (b *Bridge) runOnce(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.topic)
	defer sub.Close()

	// Dedup within this connection session is the transport's job; we don't track seen-message IDs here.
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil // channel closed, reconnect
			}
			b.handle(msg.Payload)
		}
	}
}

func (b *Bridge) handle(raw string) {
	var e struct {
		DeviceID string `json:"device_id"`
	}
	payload := json.RawMessage(raw)
	if err := json.Unmarshal(payload, &e); err != nil {
		log.Printf("pushbridge: malformed message dropped: %v", err)
		return
	}

	if e.DeviceID != "" {
		if !b.conns.IsAgentRegistered(e.DeviceID) {
			return
		}
		if _, err := b.conns.SendToAgent(e.DeviceID, payload); err != nil {
			log.Printf("pushbridge: targeted send to %s failed: %v", e.DeviceID, err)
			return
		}
		observability.PushBridgeDeliveries.WithLabelValues("targeted").Inc()
		return
	}

	for _, id := range b.conns.AllAgentIDs() {
		if _, err := b.conns.SendToAgent(id, payload); err != nil {
			log.Printf("pushbridge: broadcast send to %s failed: %v", id, err)
		}
	}
	observability.PushBridgeDeliveries.WithLabelValues("broadcast").Inc()
}
