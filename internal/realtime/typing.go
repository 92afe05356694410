package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTypingTTL = 10 * time.Second

type typingKey struct {
	chatID string
	userID string
}

type typingEntry struct {
	userName string
	connID   string
	at       time.Time
}

// Typing holds the live "is typing" indicators. Entries are cleared by
// stop-typing, by the sender's next message, by disconnect, or by the sweep
// once they are older than the TTL.
type Typing struct {
	mu      sync.Mutex
	entries map[typingKey]typingEntry
	emit    *Emitter
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewTyping(emit *Emitter, ttl time.Duration, logger zerolog.Logger) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{
		entries: make(map[typingKey]typingEntry),
		emit:    emit,
		ttl:     ttl,
		now:     time.Now,
		log:     logger.With().Str("component", "typing").Logger(),
	}
}

// Set records that userID is typing in chatID and relays it to the rest of
// the chat room.
func (t *Typing) Set(ctx context.Context, connID string, p TypingPayload) {
	t.mu.Lock()
	t.entries[typingKey{p.ChatID, p.UserID}] = typingEntry{userName: p.UserName, connID: connID, at: t.now()}
	t.mu.Unlock()

	t.emit.ToRoom(ctx, ChatRoom(p.ChatID), connID, EventTyping, p)
}

// Clear removes the indicator and relays stop-typing, whether or not an
// indicator was recorded.
func (t *Typing) Clear(ctx context.Context, connID string, p TypingPayload) {
	t.Take(p.ChatID, p.UserID)
	t.emit.ToRoom(ctx, ChatRoom(p.ChatID), connID, EventStopTyping, TypingPayload{ChatID: p.ChatID, UserID: p.UserID})
}

// Take removes the indicator for (chatID, userID) and reports whether one
// was active.
func (t *Typing) Take(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{chatID, userID}
	_, ok := t.entries[k]
	delete(t.entries, k)
	return ok
}

// Active reports whether userID is typing in chatID.
func (t *Typing) Active(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{chatID, userID}]
	return ok
}

// DropConn clears every indicator set from connID.
func (t *Typing) DropConn(ctx context.Context, connID string) {
	t.clearWhere(ctx, func(e typingEntry) bool { return e.connID == connID })
}

// Sweep clears indicators older than the TTL and returns how many.
func (t *Typing) Sweep(ctx context.Context) int {
	cutoff := t.now().Add(-t.ttl)
	return t.clearWhere(ctx, func(e typingEntry) bool { return e.at.Before(cutoff) })
}

func (t *Typing) clearWhere(ctx context.Context, match func(typingEntry) bool) int {
	type cleared struct {
		key    typingKey
		connID string
	}
	var out []cleared

	t.mu.Lock()
	for k, e := range t.entries {
		if match(e) {
			out = append(out, cleared{k, e.connID})
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for _, c := range out {
		t.emit.ToRoom(ctx, ChatRoom(c.key.chatID), c.connID, EventStopTyping,
			TypingPayload{ChatID: c.key.chatID, UserID: c.key.userID})
	}
	return len(out)
}

// Run sweeps expired indicators until ctx is done.
func (t *Typing) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(ctx); n > 0 {
				t.log.Debug().Int("cleared", n).Msg("expired typing indicators")
			}
		}
	}
}
