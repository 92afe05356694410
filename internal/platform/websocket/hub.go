// Package websocket is the realtime transport: a hub of live connections with
// room membership, and an echo handler that upgrades HTTP requests and runs
// the read/write pumps of each connection.
package websocket

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Conn abstracts a WebSocket connection for testability. It is satisfied by
// *github.com/gorilla/websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID string
	// Subject is the token subject when the handshake carried a verified
	// token, empty otherwise.
	Subject string
	Send    chan []byte

	conn  Conn
	rooms map[string]struct{} // guarded by Hub.mu
}

// NewClient creates a client with a send buffer of size buf. conn may be nil
// for clients that are only driven through their Send channel.
func NewClient(id string, conn Conn, buf int) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, buf),
		conn:  conn,
		rooms: make(map[string]struct{}),
	}
}

// Hub is the central connection manager that tracks clients and their room
// memberships. All operations are thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client             // conn id -> client
	rooms   map[string]map[*Client]struct{} // room -> members
	log     zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
		log:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and every room it joined, and
// closes its Send channel. It returns the rooms the client was in.
func (h *Hub) Unregister(client *Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[client.ID]; !ok || cur != client {
		return nil
	}

	left := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		h.removeFromRoom(client, room)
		left = append(left, room)
	}
	delete(h.clients, client.ID)
	close(client.Send)
	return left
}

// Join adds the connection to room and returns the room size right after
// the insert. Insert and size are read under the same lock, so exactly one
// of several concurrent joiners of an empty room observes 1. ok is false
// when the connection is unknown.
func (h *Hub) Join(connID, room string) (size int, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return 0, false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	client.rooms[room] = struct{}{}
	return len(members), true
}

// Leave removes the connection from room.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[connID]; ok {
		h.removeFromRoom(client, room)
	}
}

// caller holds h.mu
func (h *Hub) removeFromRoom(client *Client, room string) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Rooms returns the rooms a connection is in.
func (h *Hub) Rooms(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		out = append(out, room)
	}
	return out
}

// Deliver queues frame on every connection addressed by t and returns how
// many accepted it. A connection whose buffer is full misses the frame.
func (h *Hub) Deliver(t Target, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch t.Kind {
	case TargetConn:
		client, ok := h.clients[t.ID]
		if !ok {
			return 0
		}
		return h.enqueue(client, frame)
	case TargetRoom:
		n := 0
		for client := range h.rooms[t.ID] {
			if client.ID != t.Except {
				n += h.enqueue(client, frame)
			}
		}
		return n
	case TargetAll:
		n := 0
		for _, client := range h.clients {
			if client.ID != t.Except {
				n += h.enqueue(client, frame)
			}
		}
		return n
	}
	return 0
}

// caller holds h.mu (read)
func (h *Hub) enqueue(client *Client, frame []byte) int {
	select {
	case client.Send <- frame:
		return 1
	default:
		h.log.Warn().Str("conn_id", client.ID).Msg("send buffer full, frame dropped")
		return 0
	}
}

// Has reports whether a connection is registered.
func (h *Hub) Has(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll closes the underlying connection of every client. Their read
// pumps then run the normal disconnect path.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.conn != nil {
			_ = client.conn.Close()
		}
	}
}
