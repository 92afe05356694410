package realtime

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

// Elector decides call-room initiators across instances.
type Elector interface {
	Join(ctx context.Context, room, connID string) (int64, error)
	Leave(ctx context.Context, room, connID string) error
}

// Rooms manages chat and call room membership on top of the hub.
type Rooms struct {
	hub     *websocket.Hub
	elector Elector
	log     zerolog.Logger
}

func NewRooms(hub *websocket.Hub, logger zerolog.Logger) *Rooms {
	return &Rooms{hub: hub, log: logger.With().Str("component", "rooms").Logger()}
}

// WithElector moves initiator election to a cluster-wide elector.
func (r *Rooms) WithElector(e Elector) *Rooms {
	r.elector = e
	return r
}

// JoinChat subscribes connID to a chat's room.
func (r *Rooms) JoinChat(connID, chatID string) bool {
	_, ok := r.hub.Join(connID, ChatRoom(chatID))
	return ok
}

// JoinCall adds connID to a call room and reports whether it is the
// initiator, i.e. the member that found the room empty. The membership
// insert and the size read are one atomic step.
func (r *Rooms) JoinCall(ctx context.Context, connID, room string) (isInitiator, ok bool) {
	size, ok := r.hub.Join(connID, CallRoom(room))
	if !ok {
		return false, false
	}
	if r.elector == nil {
		return size == 1, true
	}
	n, err := r.elector.Join(ctx, room, connID)
	if err != nil {
		r.log.Warn().Err(err).Str("room", room).Msg("cluster election failed, using local membership")
		return size == 1, true
	}
	return n == 1, true
}

// CallRoomsOf returns the call rooms connID is in, without the namespace.
func (r *Rooms) CallRoomsOf(connID string) []string {
	var out []string
	for _, room := range r.hub.Rooms(connID) {
		if name, ok := strings.CutPrefix(room, "call:"); ok {
			out = append(out, name)
		}
	}
	return out
}

// LeaveCalls releases the cluster membership of every call room connID is
// in. Local membership goes away with the hub registration.
func (r *Rooms) LeaveCalls(ctx context.Context, connID string) {
	if r.elector == nil {
		return
	}
	for _, name := range r.CallRoomsOf(connID) {
		if err := r.elector.Leave(ctx, name, connID); err != nil {
			r.log.Warn().Err(err).Str("room", name).Msg("cluster leave failed")
		}
	}
}

// CallRoomSize returns the local member count of a call room.
func (r *Rooms) CallRoomSize(room string) int {
	return r.hub.RoomSize(CallRoom(room))
}
