package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/medconnect/medconnect/internal/platform/websocket"
)

// RateConfig limits inbound events per connection. A zero PerSecond
// disables the limit.
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// Dispatcher decodes inbound frames and routes them to the coordinator's
// components. Nothing it does produces an error for the peer: malformed or
// unknown events are logged and dropped.
type Dispatcher struct {
	presence  *Presence
	typing    *Typing
	rooms     *Rooms
	fanout    *Fanout
	signaling *Signaling
	receipts  *Receipts

	validate *validator.Validate
	rate     RateConfig
	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	log      zerolog.Logger
}

func (d *Dispatcher) allow(connID string) bool {
	if d.rate.PerSecond <= 0 {
		return true
	}
	d.limMu.Lock()
	defer d.limMu.Unlock()
	lim, ok := d.limiters[connID]
	if !ok {
		burst := d.rate.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(d.rate.PerSecond), burst)
		d.limiters[connID] = lim
	}
	return lim.Allow()
}

// decode unmarshals data into v and validates it.
func (d *Dispatcher) decode(connID, event string, data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		d.log.Debug().Err(err).Str("conn_id", connID).Str("event", event).Msg("undecodable payload dropped")
		return false
	}
	if err := d.validate.Struct(v); err != nil {
		d.log.Debug().Err(err).Str("conn_id", connID).Str("event", event).Msg("invalid payload dropped")
		return false
	}
	return true
}

// HandleFrame implements websocket.FrameHandler.
func (d *Dispatcher) HandleFrame(ctx context.Context, client *websocket.Client, f websocket.Frame) {
	connID := client.ID
	if !d.allow(connID) {
		d.log.Warn().Str("conn_id", connID).Str("event", f.Event).Msg("rate limited, event dropped")
		return
	}

	switch f.Event {
	case EventSetup:
		var p SetupPayload
		if !d.decode(connID, f.Event, f.Data, &p) {
			return
		}
		if client.Subject != "" && client.Subject != p.ID {
			d.log.Warn().Str("conn_id", connID).Str("subject", client.Subject).Str("user_id", p.ID).Msg("setup for another user refused")
			return
		}
		d.presence.Register(ctx, p.ID, p.Role, connID)

	case EventJoinChat:
		var chatID string
		if err := json.Unmarshal(f.Data, &chatID); err != nil || strings.TrimSpace(chatID) == "" {
			d.log.Debug().Str("conn_id", connID).Msg("join-chat without chat id dropped")
			return
		}
		d.rooms.JoinChat(connID, chatID)

	case EventTyping, EventStopTyping:
		var p TypingPayload
		if !d.decode(connID, f.Event, f.Data, &p) {
			return
		}
		if f.Event == EventTyping {
			d.typing.Set(ctx, connID, p)
		} else {
			d.typing.Clear(ctx, connID, p)
		}

	case EventNewMessage:
		var p NewMessagePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			d.log.Debug().Err(err).Str("conn_id", connID).Msg("undecodable message dropped")
			return
		}
		d.fanout.Deliver(ctx, connID, &p, f.Data)

	case EventMessageRead:
		var p MessageReadPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.receipts.MarkRead(ctx, connID, &p)
		}

	case EventCallRequest:
		var p CallRequestPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.Request(ctx, connID, &p, f.Data)
		}

	case EventCallAccepted, EventCallRejected:
		var p CallReplyPayload
		if !d.decode(connID, f.Event, f.Data, &p) {
			return
		}
		if f.Event == EventCallAccepted {
			d.signaling.Accept(ctx, &p, f.Data)
		} else {
			d.signaling.Reject(ctx, &p, f.Data)
		}

	case EventJoinRoom:
		var p JoinRoomPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.JoinRoom(ctx, connID, &p)
		}

	case EventOffer:
		var p OfferPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.Relay(ctx, connID, f.Event, p.Room, f.Data)
		}

	case EventAnswer:
		var p AnswerPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.Relay(ctx, connID, f.Event, p.Room, f.Data)
		}

	case EventICECandidate:
		var p ICECandidatePayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.Relay(ctx, connID, f.Event, p.Room, f.Data)
		}

	case EventMessage:
		var p InCallMessagePayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.Relay(ctx, connID, f.Event, p.Room, f.Data)
		}

	case EventCallEnded:
		var p CallEndedPayload
		if d.decode(connID, f.Event, f.Data, &p) {
			d.signaling.End(ctx, connID, &p, f.Data)
		}

	default:
		d.log.Debug().Str("conn_id", connID).Str("event", f.Event).Msg("unknown event dropped")
	}
}

// HandleDisconnect implements websocket.FrameHandler. It runs before the
// connection leaves the hub, so its rooms are still known.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, client *websocket.Client) {
	d.typing.DropConn(ctx, client.ID)
	calls := d.rooms.CallRoomsOf(client.ID)
	d.rooms.LeaveCalls(ctx, client.ID)
	d.signaling.DropConn(client.ID, calls)
	d.presence.Unregister(ctx, client.ID)

	d.limMu.Lock()
	delete(d.limiters, client.ID)
	d.limMu.Unlock()
}
