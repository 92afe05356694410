package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

// Room names. Users, chats and call rooms live in separate namespaces of
// the hub.
func UserRoom(userID string) string { return "user:" + userID }
func ChatRoom(chatID string) string { return "chat:" + chatID }
func CallRoom(room string) string   { return "call:" + room }

// Publisher forwards deliveries to other instances.
type Publisher interface {
	Publish(ctx context.Context, t websocket.Target, frame []byte) error
}

// Emitter encodes events and delivers them to local connections, then to
// the rest of the cluster when a publisher is configured.
type Emitter struct {
	hub *websocket.Hub
	pub Publisher
	log zerolog.Logger
}

func NewEmitter(hub *websocket.Hub, pub Publisher, logger zerolog.Logger) *Emitter {
	return &Emitter{
		hub: hub,
		pub: pub,
		log: logger.With().Str("component", "emitter").Logger(),
	}
}

// Emit delivers event to t. A connection target that was found locally is
// not published; every other target is, since members may live elsewhere.
func (e *Emitter) Emit(ctx context.Context, t websocket.Target, event string, data interface{}) {
	frame, err := websocket.Encode(event, data)
	if err != nil {
		e.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	n := e.hub.Deliver(t, frame)
	if e.pub == nil || (t.Kind == websocket.TargetConn && n > 0) {
		return
	}
	if err := e.pub.Publish(ctx, t, frame); err != nil {
		e.log.Warn().Err(err).Str("event", event).Str("target", t.Kind.String()).Msg("cluster publish failed")
	}
}

// Publish sends event to the other instances only.
func (e *Emitter) Publish(ctx context.Context, event string, data interface{}) {
	if e.pub == nil {
		return
	}
	frame, err := websocket.Encode(event, data)
	if err != nil {
		e.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	if err := e.pub.Publish(ctx, websocket.ToAll(), frame); err != nil {
		e.log.Warn().Err(err).Str("event", event).Msg("cluster publish failed")
	}
}

func (e *Emitter) ToConn(ctx context.Context, connID, event string, data interface{}) {
	e.Emit(ctx, websocket.ToConn(connID), event, data)
}

// ToRoom delivers to every member of room except the connection except.
func (e *Emitter) ToRoom(ctx context.Context, room, except, event string, data interface{}) {
	e.Emit(ctx, websocket.ToRoomExcept(room, except), event, data)
}

// ToUser delivers to every connection that registered as userID.
func (e *Emitter) ToUser(ctx context.Context, userID, event string, data interface{}) {
	e.Emit(ctx, websocket.ToRoom(UserRoom(userID)), event, data)
}

func (e *Emitter) ToAll(ctx context.Context, event string, data interface{}) {
	e.Emit(ctx, websocket.ToAll(), event, data)
}
