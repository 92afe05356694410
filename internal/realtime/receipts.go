package realtime

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/medconnect/medconnect/internal/chat"
)

// Receipts handles read receipts coming over the socket.
type Receipts struct {
	unread *chat.UnreadCounter
	emit   *Emitter
	log    zerolog.Logger
}

func NewReceipts(unread *chat.UnreadCounter, emit *Emitter, logger zerolog.Logger) *Receipts {
	return &Receipts{unread: unread, emit: emit, log: logger.With().Str("component", "receipts").Logger()}
}

// MarkRead zeroes the reader's counter in the background and tells the
// rest of the chat room. Mock or malformed ids are ignored.
func (r *Receipts) MarkRead(ctx context.Context, connID string, p *MessageReadPayload) {
	if !chat.ValidID(p.ChatID) || !chat.ValidID(p.UserID) {
		r.log.Debug().Str("chat_id", p.ChatID).Str("user_id", p.UserID).Msg("read receipt with invalid id ignored")
		return
	}
	if r.unread != nil {
		r.unread.ZeroAsync(p.ChatID, p.UserID)
	}
	r.emit.ToRoom(ctx, ChatRoom(p.ChatID), connID, EventMessagesMarkedRead, MessagesMarkedRead{ChatID: p.ChatID, UserID: p.UserID})
}
