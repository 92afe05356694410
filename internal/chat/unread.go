package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const zeroTimeout = 5 * time.Second

// UnreadCounter maintains the per-participant unread counters of a chat.
//
// A Zero racing an increment for the same (chat, user) is not ordered: the
// counter may end at 0 or 1. Clients re-fetch, so this is accepted.
type UnreadCounter struct {
	store Store
	log   zerolog.Logger
}

func NewUnreadCounter(store Store, logger zerolog.Logger) *UnreadCounter {
	return &UnreadCounter{
		store: store,
		log:   logger.With().Str("component", "unread").Logger(),
	}
}

// Increment bumps a single participant's counter.
func (u *UnreadCounter) Increment(ctx context.Context, chatID, participantID string) error {
	return u.store.IncrementUnread(ctx, chatID, participantID)
}

// RecordMessage appends m and increments every participant but the sender.
func (u *UnreadCounter) RecordMessage(ctx context.Context, chatID string, m *Message) error {
	return u.store.AppendMessage(ctx, chatID, m)
}

// Zero resets the counter of userID. Calling it repeatedly is harmless.
func (u *UnreadCounter) Zero(ctx context.Context, chatID, userID string) error {
	return u.store.ZeroUnread(ctx, chatID, userID)
}

// ZeroAsync resets the counter on a detached goroutine. Failures are logged
// and never reach the caller. The returned channel is closed when the
// attempt finishes.
func (u *UnreadCounter) ZeroAsync(chatID, userID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), zeroTimeout)
		defer cancel()
		if err := u.store.ZeroUnread(ctx, chatID, userID); err != nil {
			u.log.Warn().Err(err).
				Str("chat_id", chatID).
				Str("user_id", userID).
				Msg("zero unread failed")
		}
	}()
	return done
}
