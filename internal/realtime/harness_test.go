package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medconnect/medconnect/internal/chat"
	"github.com/medconnect/medconnect/internal/platform/websocket"
)

type harness struct {
	t      *testing.T
	hub    *websocket.Hub
	store  *chat.MemoryStore
	unread *chat.UnreadCounter
	svc    *chat.Service
	c      *Coordinator
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, Options{InstanceID: "test"}, nil)
}

// newHarnessWith builds a coordinator over an in-memory store. tweak may
// adjust the dependencies before they are wired.
func newHarnessWith(t *testing.T, opts Options, tweak func(*Deps)) *harness {
	t.Helper()
	hub := websocket.NewHub(zerolog.Nop())
	store := chat.NewMemoryStore()
	unread := chat.NewUnreadCounter(store, zerolog.Nop())
	deps := Deps{Hub: hub, Chats: store, Users: store, Unread: unread}
	if tweak != nil {
		tweak(&deps)
	}
	return &harness{
		t:      t,
		hub:    hub,
		store:  store,
		unread: unread,
		svc:    chat.NewService(store, unread),
		c:      New(opts, deps, zerolog.Nop()),
	}
}

func (h *harness) connect(connID string) *websocket.Client {
	c := websocket.NewClient(connID, nil, 128)
	h.hub.Register(c)
	return c
}

func (h *harness) send(c *websocket.Client, event string, data interface{}) {
	h.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	h.c.HandleFrame(context.Background(), c, websocket.Frame{Event: event, Data: raw})
}

func (h *harness) sendRaw(c *websocket.Client, event, raw string) {
	h.c.HandleFrame(context.Background(), c, websocket.Frame{Event: event, Data: json.RawMessage(raw)})
}

func (h *harness) disconnect(c *websocket.Client) {
	h.c.HandleDisconnect(context.Background(), c)
	h.hub.Unregister(c)
}

// online connects a client and registers it as userID.
func (h *harness) online(connID, userID, role string) *websocket.Client {
	c := h.connect(connID)
	h.send(c, EventSetup, SetupPayload{ID: userID, Role: role})
	return c
}

func (h *harness) newChat(participants ...string) *chat.ChatRoom {
	h.t.Helper()
	c := &chat.ChatRoom{Participants: participants, IsGroup: len(participants) > 2}
	require.NoError(h.t, h.store.CreateChat(context.Background(), c))
	return c
}

// drain returns every frame queued on c and empties its buffer.
func drain(c *websocket.Client) []websocket.Frame {
	var out []websocket.Frame
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			f, err := websocket.Decode(b)
			if err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func drainAll(clients ...*websocket.Client) {
	for _, c := range clients {
		drain(c)
	}
}

func eventNames(frames []websocket.Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func only(frames []websocket.Frame, event string) []websocket.Frame {
	var out []websocket.Frame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func decodeData(t *testing.T, f websocket.Frame, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.Data, v))
}
