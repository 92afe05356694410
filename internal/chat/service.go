package chat

import (
	"context"
	"fmt"

	"github.com/medconnect/medconnect/pkg/pagination"
)

// Service is the durable chat write/read path. It is the library surface the
// external REST layer calls; the medconnect binary serves only the realtime
// side and never constructs one. The coordinator only echoes what has been
// written here.
type Service struct {
	store  Store
	unread *UnreadCounter
}

func NewService(store Store, unread *UnreadCounter) *Service {
	return &Service{store: store, unread: unread}
}

// SendMessage persists a message from senderID and bumps the unread counters
// of the other participants in the same store operation.
func (s *Service) SendMessage(ctx context.Context, chatID string, m *Message) error {
	if !ValidID(chatID) {
		return fmt.Errorf("%w: chat %q", ErrInvalidID, chatID)
	}
	if m.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if !m.HasContent() {
		return ErrEmptyMessage
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.HasParticipant(m.Sender) {
		return fmt.Errorf("%w: %s", ErrNotParticipant, m.Sender)
	}
	return s.unread.RecordMessage(ctx, chatID, m)
}

// ListMessages returns a page of the chat history for a participant and
// clears that participant's unread counter in the background. The response
// never waits on, or fails because of, the counter update.
func (s *Service) ListMessages(ctx context.Context, chatID, userID string, limit, offset int) (*pagination.Response, error) {
	if !ValidID(chatID) {
		return nil, fmt.Errorf("%w: chat %q", ErrInvalidID, chatID)
	}
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	pg := pagination.New(limit, offset)
	items, total, err := s.store.Messages(ctx, chatID, pg.Limit, pg.Offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	s.unread.ZeroAsync(chatID, userID)
	return pagination.NewResponse(items, total, pg.Limit, pg.Offset), nil
}

// MarkRead handles an explicit read receipt.
func (s *Service) MarkRead(ctx context.Context, chatID, userID string) error {
	if !ValidID(chatID) {
		return fmt.Errorf("%w: chat %q", ErrInvalidID, chatID)
	}
	return s.unread.Zero(ctx, chatID, userID)
}

// UnreadCount returns userID's counter for a chat.
func (s *Service) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !c.HasParticipant(userID) {
		return 0, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}
	return c.UnreadCounts[userID], nil
}
