// Package realtime is the presence, chat fan-out and call-signaling
// coordinator behind the /ws endpoint.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medconnect/medconnect/internal/chat"
	"github.com/medconnect/medconnect/internal/platform/websocket"
)

// Options tunes the coordinator.
type Options struct {
	InstanceID string
	TypingTTL  time.Duration
	Rate       RateConfig
}

// Deps are the coordinator's collaborators. Bus, Directory and Elector are
// only set when running as part of a cluster.
type Deps struct {
	Hub       *websocket.Hub
	Chats     chat.Store
	Users     chat.UserDirectory
	Unread    *chat.UnreadCounter
	Bus       Publisher
	Directory Directory
	Elector   Elector
}

// Coordinator wires the components together. It is the hub's FrameHandler
// and the cluster bus's Deliverer.
type Coordinator struct {
	*Dispatcher
	hub *websocket.Hub

	Emitter   *Emitter
	Presence  *Presence
	Typing    *Typing
	Rooms     *Rooms
	Fanout    *Fanout
	Signaling *Signaling
	Receipts  *Receipts
}

func New(opts Options, deps Deps, logger zerolog.Logger) *Coordinator {
	logger = logger.With().Str("instance", opts.InstanceID).Logger()

	emit := NewEmitter(deps.Hub, deps.Bus, logger)
	presence := NewPresence(deps.Hub, emit, deps.Chats, logger)
	if deps.Directory != nil {
		presence.WithDirectory(deps.Directory, opts.InstanceID)
	}
	rooms := NewRooms(deps.Hub, logger)
	if deps.Elector != nil {
		rooms.WithElector(deps.Elector)
	}
	typing := NewTyping(emit, opts.TypingTTL, logger)
	fanout := NewFanout(deps.Chats, deps.Users, presence, typing, emit, logger)
	signaling := NewSignaling(presence, rooms, emit, logger)
	receipts := NewReceipts(deps.Unread, emit, logger)

	return &Coordinator{
		Dispatcher: &Dispatcher{
			presence:  presence,
			typing:    typing,
			rooms:     rooms,
			fanout:    fanout,
			signaling: signaling,
			receipts:  receipts,
			validate:  newValidator(),
			rate:      opts.Rate,
			limiters:  make(map[string]*rate.Limiter),
			log:       logger.With().Str("component", "dispatcher").Logger(),
		},
		hub:       deps.Hub,
		Emitter:   emit,
		Presence:  presence,
		Typing:    typing,
		Rooms:     rooms,
		Fanout:    fanout,
		Signaling: signaling,
		Receipts:  receipts,
	}
}

// Deliver hands a frame published by another instance to the local
// connections. Session handovers are applied to presence instead.
func (c *Coordinator) Deliver(t websocket.Target, frame []byte) int {
	if bytes.Contains(frame, []byte(EventSessionReplaced)) {
		if f, err := websocket.Decode(frame); err == nil && f.Event == EventSessionReplaced {
			var r SessionReplaced
			if err := json.Unmarshal(f.Data, &r); err != nil {
				c.Presence.log.Warn().Err(err).Msg("malformed session handover dropped")
				return 0
			}
			c.Presence.Handover(r.UserID, r.ConnID, r.At)
			return 0
		}
	}
	return c.hub.Deliver(t, frame)
}

// Run drives the coordinator's background work until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	return c.Typing.Run(ctx)
}
