package realtime

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

func TestRooms_JoinChatUnknownConn(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	r := NewRooms(hub, zerolog.Nop())

	assert.False(t, r.JoinChat("ghost", "c1"))

	hub.Register(websocket.NewClient("c-a", nil, 4))
	assert.True(t, r.JoinChat("c-a", "c1"))
	assert.Equal(t, 1, hub.RoomSize(ChatRoom("c1")))
	assert.Equal(t, 0, r.CallRoomSize("c1"), "chat and call rooms do not share names")
}

func TestRooms_LocalInitiator(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	r := NewRooms(hub, zerolog.Nop())
	hub.Register(websocket.NewClient("c-a", nil, 4))
	hub.Register(websocket.NewClient("c-b", nil, 4))
	ctx := context.Background()

	first, ok := r.JoinCall(ctx, "c-a", "room-1")
	assert.True(t, ok)
	assert.True(t, first)

	second, ok := r.JoinCall(ctx, "c-b", "room-1")
	assert.True(t, ok)
	assert.False(t, second)
	assert.Equal(t, 2, r.CallRoomSize("room-1"))

	_, ok = r.JoinCall(ctx, "ghost", "room-1")
	assert.False(t, ok)
}

func TestRooms_LeaveCallsOnlyReleasesCallRooms(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	el := &fakeElector{}
	r := NewRooms(hub, zerolog.Nop()).WithElector(el)
	hub.Register(websocket.NewClient("c-a", nil, 4))
	ctx := context.Background()

	r.JoinChat("c-a", "c1")
	r.JoinCall(ctx, "c-a", "room-1")
	r.JoinCall(ctx, "c-a", "room-2")

	r.LeaveCalls(ctx, "c-a")
	assert.EqualValues(t, 2, atomic.LoadInt32(&el.leaves))
}
