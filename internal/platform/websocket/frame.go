package websocket

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope of every message on the socket, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data and wraps it in a frame for event.
func Encode(event string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Decode parses an inbound frame. A frame without an event name is invalid.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode frame: missing event")
	}
	return f, nil
}

// TargetKind selects which connections a frame is delivered to.
type TargetKind int

const (
	TargetConn TargetKind = iota
	TargetRoom
	TargetAll
)

func (k TargetKind) String() string {
	switch k {
	case TargetConn:
		return "conn"
	case TargetRoom:
		return "room"
	case TargetAll:
		return "all"
	}
	return fmt.Sprintf("TargetKind(%d)", int(k))
}

// Target addresses a delivery. Except skips one connection id for room and
// broadcast deliveries.
type Target struct {
	Kind   TargetKind `json:"kind"`
	ID     string     `json:"id,omitempty"`
	Except string     `json:"except,omitempty"`
}

func ToConn(connID string) Target { return Target{Kind: TargetConn, ID: connID} }

func ToRoom(room string) Target { return Target{Kind: TargetRoom, ID: room} }

// ToRoomExcept addresses every member of room but connID.
func ToRoomExcept(room, connID string) Target {
	return Target{Kind: TargetRoom, ID: room, Except: connID}
}

func ToAll() Target { return Target{Kind: TargetAll} }
