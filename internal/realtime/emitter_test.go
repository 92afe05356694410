package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

type recordingPublisher struct {
	mu      sync.Mutex
	targets []websocket.Target
	err     error
}

func (r *recordingPublisher) Publish(_ context.Context, t websocket.Target, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
	return r.err
}

func TestEmitter_PublishesWhatMayLiveElsewhere(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	local := websocket.NewClient("local", nil, 8)
	hub.Register(local)
	pub := &recordingPublisher{}
	e := NewEmitter(hub, pub, zerolog.Nop())
	ctx := context.Background()

	e.ToConn(ctx, "local", EventJoined, Joined{Room: "r"})
	e.ToConn(ctx, "remote", EventCallRequest, map[string]string{"room": "r"})
	e.ToRoom(ctx, ChatRoom("c1"), "local", EventTyping, nil)
	e.ToUser(ctx, "u1", EventMessageReceived, nil)
	e.ToAll(ctx, EventUserOnline, UserOnline{UserID: "u1", Online: true})

	assert.Equal(t, []websocket.Target{
		websocket.ToConn("remote"),
		websocket.ToRoomExcept("chat:c1", "local"),
		websocket.ToRoom("user:u1"),
		websocket.ToAll(),
	}, pub.targets)
	assert.Equal(t, []string{EventJoined, EventUserOnline}, eventNames(drain(local)))
}

func TestEmitter_PublishFailureIsNotFatal(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	c := websocket.NewClient("c", nil, 8)
	hub.Register(c)
	e := NewEmitter(hub, &recordingPublisher{err: errors.New("redis down")}, zerolog.Nop())

	e.ToAll(context.Background(), EventUserOnline, UserOnline{UserID: "u1"})
	assert.Len(t, drain(c), 1)
}

func TestEmitter_UnencodablePayloadDropped(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	c := websocket.NewClient("c", nil, 8)
	hub.Register(c)
	e := NewEmitter(hub, nil, zerolog.Nop())

	e.ToAll(context.Background(), EventMessage, map[string]interface{}{"bad": make(chan int)})
	assert.Empty(t, drain(c))
}
