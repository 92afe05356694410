package chat

import (
	"context"
)

// Store is the persisted chat collection shared by the REST layer and the
// realtime coordinator.
type Store interface {
	CreateChat(ctx context.Context, c *ChatRoom) error
	GetChat(ctx context.Context, chatID string) (*ChatRoom, error)
	FindParticipants(ctx context.Context, chatID string) ([]string, error)
	ChatsForUser(ctx context.Context, userID string) ([]*ChatRoom, error)
	// AppendMessage appends m and increments the unread counter of every
	// participant except m.Sender in a single update.
	AppendMessage(ctx context.Context, chatID string, m *Message) error
	IncrementUnread(ctx context.Context, chatID, participantID string) error
	ZeroUnread(ctx context.Context, chatID, userID string) error
	Messages(ctx context.Context, chatID string, limit, offset int) ([]*Message, int, error)
}

// UserDirectory resolves the role of a user when an event does not carry it.
type UserDirectory interface {
	UserRole(ctx context.Context, userID string) (string, error)
}
