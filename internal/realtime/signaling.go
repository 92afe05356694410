package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CallState is the lifecycle position of a call room.
type CallState int

const (
	CallIdle CallState = iota
	CallRequesting
	CallRinging
	CallRejected
	CallAccepted
	CallActive
	CallEnded
)

var callStateNames = [...]string{"idle", "requesting", "ringing", "rejected", "accepted", "active", "ended"}

func (s CallState) String() string {
	if int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

var callTransitions = map[CallState][]CallState{
	CallIdle:       {CallRequesting, CallActive, CallEnded},
	CallRequesting: {CallRinging, CallRejected, CallEnded},
	CallRinging:    {CallAccepted, CallRejected, CallActive, CallEnded},
	CallAccepted:   {CallActive, CallEnded},
	CallActive:     {CallEnded},
}

func (s CallState) canMoveTo(next CallState) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// terminal states are evicted from the session table
func (s CallState) terminal() bool { return s == CallRejected || s == CallEnded }

// CallSession is the coordinator's view of one call room.
type CallSession struct {
	Room       string
	CallerID   string
	ReceiverID string
	State      CallState
	UpdatedAt  time.Time

	// connections that placed and were offered the call
	callerConn, receiverConn string
}

// Signaling brokers WebRTC call setup. It relays SDP and ICE payloads
// without looking inside them. The session table only follows the calls;
// relays never depend on it.
type Signaling struct {
	mu       sync.Mutex
	sessions map[string]*CallSession

	presence *Presence
	rooms    *Rooms
	emit     *Emitter
	now      func() time.Time
	log      zerolog.Logger
}

func NewSignaling(presence *Presence, rooms *Rooms, emit *Emitter, logger zerolog.Logger) *Signaling {
	return &Signaling{
		sessions: make(map[string]*CallSession),
		presence: presence,
		rooms:    rooms,
		emit:     emit,
		now:      time.Now,
		log:      logger.With().Str("component", "signaling").Logger(),
	}
}

// advance moves the session of room to next when the transition is legal.
// init fills caller and receiver on a fresh session.
func (s *Signaling) advance(room string, next CallState, init func(*CallSession)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[room]
	if !ok {
		sess = &CallSession{Room: room, State: CallIdle}
		s.sessions[room] = sess
	}
	if init != nil {
		init(sess)
	}
	if !sess.State.canMoveTo(next) {
		s.log.Debug().Str("room", room).Stringer("from", sess.State).Stringer("to", next).Msg("ignored call transition")
		if sess.State == CallIdle {
			delete(s.sessions, room)
		}
		return
	}
	sess.State = next
	sess.UpdatedAt = s.now()
	if next.terminal() {
		delete(s.sessions, room)
	}
}

// Session returns a copy of the session of room.
func (s *Signaling) Session(room string) (CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[room]
	if !ok {
		return CallSession{}, false
	}
	return *sess, true
}

func (s *Signaling) evict(room string) {
	s.mu.Lock()
	delete(s.sessions, room)
	s.mu.Unlock()
}

// DropConn evicts the sessions of the call rooms connID was in, and of the
// calls it placed or was offered. It returns the number evicted.
func (s *Signaling) DropConn(connID string, rooms []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, room := range rooms {
		if _, ok := s.sessions[room]; ok {
			delete(s.sessions, room)
			n++
		}
	}
	for room, sess := range s.sessions {
		if sess.callerConn == connID || sess.receiverConn == connID {
			delete(s.sessions, room)
			n++
		}
	}
	if n > 0 {
		s.log.Debug().Str("conn_id", connID).Int("sessions", n).Msg("call sessions evicted on disconnect")
	}
	return n
}

// ActiveCalls returns the number of tracked call sessions.
func (s *Signaling) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Request rings the receiver, or rejects the call at once when the
// receiver is not connected anywhere.
func (s *Signaling) Request(ctx context.Context, connID string, p *CallRequestPayload, raw json.RawMessage) {
	callerID := p.Caller.ID
	if callerID == "" {
		callerID, _ = s.presence.UserOf(connID)
	}
	// a request always opens a new call, even in a room name used before
	s.evict(p.Room)
	s.advance(p.Room, CallRequesting, func(sess *CallSession) {
		sess.CallerID = callerID
		sess.ReceiverID = p.ReceiverID
		sess.callerConn = connID
	})

	target, ok := s.presence.Locate(ctx, p.ReceiverID)
	if !ok {
		s.advance(p.Room, CallRejected, nil)
		s.log.Info().Str("room", p.Room).Str("receiver_id", p.ReceiverID).Msg("call rejected, receiver offline")
		s.emit.ToConn(ctx, connID, EventCallRejected, CallRejection{
			Room:       p.Room,
			CallerID:   callerID,
			ReceiverID: p.ReceiverID,
			Reason:     ReasonOffline,
			Timestamp:  s.now().UnixMilli(),
		})
		return
	}

	s.advance(p.Room, CallRinging, func(sess *CallSession) {
		sess.receiverConn = target.ConnID
	})
	s.emit.ToConn(ctx, target.ConnID, EventCallRequest, raw)
}

// Accept relays call-accepted to the caller.
func (s *Signaling) Accept(ctx context.Context, p *CallReplyPayload, raw json.RawMessage) {
	s.advance(p.Room, CallAccepted, nil)
	s.relayToCaller(ctx, EventCallAccepted, p, raw)
}

// Reject relays call-rejected to the caller.
func (s *Signaling) Reject(ctx context.Context, p *CallReplyPayload, raw json.RawMessage) {
	s.advance(p.Room, CallRejected, nil)
	s.relayToCaller(ctx, EventCallRejected, p, raw)
}

func (s *Signaling) relayToCaller(ctx context.Context, event string, p *CallReplyPayload, raw json.RawMessage) {
	caller, ok := s.presence.Locate(ctx, p.CallerID)
	if !ok {
		s.log.Info().Str("event", event).Str("caller_id", p.CallerID).Msg("caller gone, reply dropped")
		return
	}
	s.emit.ToConn(ctx, caller.ConnID, event, raw)
}

// JoinRoom admits connID into a call room. The first member becomes the
// initiator; later members are announced to the room.
func (s *Signaling) JoinRoom(ctx context.Context, connID string, p *JoinRoomPayload) {
	isInitiator, ok := s.rooms.JoinCall(ctx, connID, p.Room)
	if !ok {
		s.log.Warn().Str("conn_id", connID).Str("room", p.Room).Msg("join from unknown connection")
		return
	}
	userID := p.UserID
	if userID == "" {
		userID, _ = s.presence.UserOf(connID)
	}

	s.emit.ToConn(ctx, connID, EventJoined, Joined{Room: p.Room, IsInitiator: isInitiator})
	if isInitiator {
		return
	}
	s.advance(p.Room, CallActive, nil)
	s.emit.ToRoom(ctx, CallRoom(p.Room), connID, EventUserJoined, UserJoined{Room: p.Room, UserID: userID})
}

// Relay forwards an SDP, ICE or in-call payload to the other members of
// the call room.
func (s *Signaling) Relay(ctx context.Context, connID, event, room string, raw json.RawMessage) {
	s.emit.ToRoom(ctx, CallRoom(room), connID, event, raw)
}

// End relays call-ended and closes the session.
func (s *Signaling) End(ctx context.Context, connID string, p *CallEndedPayload, raw json.RawMessage) {
	s.advance(p.Room, CallEnded, nil)
	s.emit.ToRoom(ctx, CallRoom(p.Room), connID, EventCallEnded, raw)
}
