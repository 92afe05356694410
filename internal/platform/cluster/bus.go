// Package cluster lets several realtime instances behave as one: deliveries
// are fanned out over Redis pub/sub, presence is mirrored into a shared
// directory, and call-room initiator election happens in Redis.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

const DefaultChannel = "medconnect:realtime"

// Envelope carries one delivery between instances.
type Envelope struct {
	Origin string           `json:"origin"`
	Target websocket.Target `json:"target"`
	Frame  json.RawMessage  `json:"frame"`
}

// Deliverer hands a frame to local connections.
type Deliverer interface {
	Deliver(t websocket.Target, frame []byte) int
}

// Bus publishes local deliveries to the other instances and replays theirs
// on this one.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
}

func NewBus(client *redis.Client, instanceID string, logger zerolog.Logger) *Bus {
	return &Bus{
		client:  client,
		channel: DefaultChannel,
		origin:  instanceID,
		log:     logger.With().Str("component", "cluster-bus").Logger(),
	}
}

// Publish sends a delivery to every other instance. Messages from one
// publisher arrive in publish order.
func (b *Bus) Publish(ctx context.Context, t websocket.Target, frame []byte) error {
	payload, err := json.Marshal(Envelope{Origin: b.origin, Target: t, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Run delivers envelopes from other instances to d until ctx is done.
func (b *Bus) Run(ctx context.Context, d Deliverer) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Str("origin", b.origin).Msg("cluster bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(msg.Payload, d)
		}
	}
}

func (b *Bus) handle(payload string, d Deliverer) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn().Err(err).Msg("malformed envelope dropped")
		return
	}
	if env.Origin == b.origin {
		return
	}
	d.Deliver(env.Target, env.Frame)
}
