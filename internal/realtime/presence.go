package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/chat"
	"github.com/medconnect/medconnect/internal/platform/cluster"
	"github.com/medconnect/medconnect/internal/platform/websocket"
)

// Connection is a registered user's live session.
type Connection struct {
	ConnID string
	UserID string
	Role   string
	// Instance is set when the session lives on another instance.
	Instance string

	since time.Time
}

// Directory mirrors presence across instances.
type Directory interface {
	Put(ctx context.Context, userID string, e cluster.Entry) error
	Remove(ctx context.Context, userID, connID string) (bool, error)
	Get(ctx context.Context, userID string) (cluster.Entry, bool, error)
}

// Presence tracks which user is connected on which connection. The last
// setup for a user wins.
type Presence struct {
	mu     sync.RWMutex
	byUser map[string]Connection
	byConn map[string]string // conn id -> user id

	hub      *websocket.Hub
	emit     *Emitter
	chats    chat.Store
	dir      Directory
	instance string
	log      zerolog.Logger
}

func NewPresence(hub *websocket.Hub, emit *Emitter, chats chat.Store, logger zerolog.Logger) *Presence {
	return &Presence{
		byUser: make(map[string]Connection),
		byConn: make(map[string]string),
		hub:    hub,
		emit:   emit,
		chats:  chats,
		log:    logger.With().Str("component", "presence").Logger(),
	}
}

// WithDirectory mirrors registrations into dir under the given instance id.
func (p *Presence) WithDirectory(dir Directory, instance string) *Presence {
	p.dir = dir
	p.instance = instance
	return p
}

// Register binds userID to connID, replacing any previous session of the
// user, and announces it.
func (p *Presence) Register(ctx context.Context, userID, role, connID string) {
	now := time.Now()

	// the user room holds exactly the connection recorded in byUser, so
	// membership changes under the same lock as the maps
	p.mu.Lock()
	// a connection that set up as someone else first goes offline as them
	prevUser, rebound := p.byConn[connID]
	rebound = rebound && prevUser != userID
	if prior, ok := p.byUser[userID]; ok && prior.ConnID != connID {
		delete(p.byConn, prior.ConnID)
		p.hub.Leave(prior.ConnID, UserRoom(userID))
	}
	p.byUser[userID] = Connection{ConnID: connID, UserID: userID, Role: role, since: now}
	p.byConn[connID] = userID
	if rebound && p.byUser[prevUser].ConnID == connID {
		delete(p.byUser, prevUser)
		p.hub.Leave(connID, UserRoom(prevUser))
	} else {
		rebound = false
	}
	p.hub.Join(connID, UserRoom(userID))
	p.mu.Unlock()

	if rebound {
		p.announceOffline(ctx, prevUser, connID)
	}

	if p.dir != nil {
		entry := cluster.Entry{ConnID: connID, Role: role, Instance: p.instance}
		if err := p.dir.Put(ctx, userID, entry); err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("directory put failed")
		}
		p.emit.Publish(ctx, EventSessionReplaced, SessionReplaced{
			UserID:   userID,
			ConnID:   connID,
			Instance: p.instance,
			At:       now.UnixNano(),
		})
	}

	p.log.Debug().Str("user_id", userID).Str("role", role).Str("conn_id", connID).Msg("registered")
	p.emit.ToConn(ctx, connID, EventConnected, UserOnline{UserID: userID, Online: true, Role: role})
	p.emit.ToAll(ctx, EventUserOnline, UserOnline{UserID: userID, Online: true, Role: role})

	if role == chat.RoleDoctor || role == chat.RolePatient {
		p.notifyCounterparts(ctx, userID, role)
	}
}

// notifyCounterparts tells the online partner of every one-on-one chat that
// this doctor or patient came online. Lookup failures are only logged.
func (p *Presence) notifyCounterparts(ctx context.Context, userID, role string) {
	chats, err := p.chats.ChatsForUser(ctx, userID)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("counterpart lookup failed")
		return
	}
	for _, c := range chats {
		other, ok := c.Counterpart(userID)
		if !ok {
			continue
		}
		if _, online := p.Locate(ctx, other); !online {
			continue
		}
		if role == chat.RoleDoctor {
			p.emit.ToUser(ctx, other, EventDoctorOnline, map[string]string{"doctorId": userID})
		} else {
			p.emit.ToUser(ctx, other, EventPatientOnline, map[string]string{"patientId": userID})
		}
	}
}

// Unregister removes the session bound to connID. The offline broadcast is
// sent only when connID was still the user's current session.
func (p *Presence) Unregister(ctx context.Context, connID string) (string, bool) {
	p.mu.Lock()
	userID, ok := p.byConn[connID]
	if !ok {
		p.mu.Unlock()
		return "", false
	}
	delete(p.byConn, connID)
	current := p.byUser[userID].ConnID == connID
	if current {
		delete(p.byUser, userID)
	}
	p.mu.Unlock()

	if !current {
		return userID, false
	}
	p.announceOffline(ctx, userID, connID)
	return userID, true
}

func (p *Presence) announceOffline(ctx context.Context, userID, connID string) {
	if p.dir != nil {
		removed, err := p.dir.Remove(ctx, userID, connID)
		if err != nil {
			p.log.Warn().Err(err).Str("user_id", userID).Msg("directory remove failed")
		} else if !removed {
			// the user set up again on another instance
			p.log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("session replaced elsewhere, offline not announced")
			return
		}
	}
	p.log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("unregistered")
	p.emit.ToAll(ctx, EventUserOnline, UserOnline{UserID: userID, Online: false})
}

// Handover drops the local session of userID after the user set up again on
// connID at another instance, at the given time in unix nanoseconds. A local
// session newer than that is kept. The local connection stays open but no
// longer receives the user's events.
func (p *Presence) Handover(userID, connID string, at int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior, ok := p.byUser[userID]
	if !ok || prior.ConnID == connID || prior.since.UnixNano() > at {
		return false
	}
	delete(p.byUser, userID)
	delete(p.byConn, prior.ConnID)
	p.hub.Leave(prior.ConnID, UserRoom(userID))
	p.log.Debug().Str("user_id", userID).Str("conn_id", prior.ConnID).Msg("session handed over to another instance")
	return true
}

// Lookup returns the local session of userID. It never blocks on I/O.
func (p *Presence) Lookup(userID string) (Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.byUser[userID]
	return c, ok
}

// Locate is Lookup with a fallback to the cluster directory.
func (p *Presence) Locate(ctx context.Context, userID string) (Connection, bool) {
	if c, ok := p.Lookup(userID); ok {
		return c, true
	}
	if p.dir == nil {
		return Connection{}, false
	}
	e, ok, err := p.dir.Get(ctx, userID)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("directory get failed")
		return Connection{}, false
	}
	if !ok {
		return Connection{}, false
	}
	return Connection{ConnID: e.ConnID, UserID: userID, Role: e.Role, Instance: e.Instance}, true
}

// UserOf returns the user registered on connID.
func (p *Presence) UserOf(connID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.byConn[connID]
	return u, ok
}

// Count returns the number of locally registered users.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byUser)
}
