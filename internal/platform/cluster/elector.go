package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const callRoomPrefix = "medconnect:callroom:"

// Elector tracks call-room membership across instances. The member that
// turns an empty room into a room of one is the initiator.
type Elector struct {
	client *redis.Client
	ttl    time.Duration
}

// NewElector expires idle rooms after ttl.
func NewElector(client *redis.Client, ttl time.Duration) *Elector {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Elector{client: client, ttl: ttl}
}

// Join adds connID to room and returns the membership size observed by this
// insert. SADD and SCARD run in one MULTI, so concurrent joiners on
// different instances see distinct sizes.
func (e *Elector) Join(ctx context.Context, room, connID string) (int64, error) {
	key := callRoomPrefix + room
	var card *redis.IntCmd
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		card = pipe.SCard(ctx, key)
		pipe.Expire(ctx, key, e.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("join call room %s: %w", room, err)
	}
	return card.Val(), nil
}

// Leave removes connID from room.
func (e *Elector) Leave(ctx context.Context, room, connID string) error {
	if err := e.client.SRem(ctx, callRoomPrefix+room, connID).Err(); err != nil {
		return fmt.Errorf("leave call room %s: %w", room, err)
	}
	return nil
}
