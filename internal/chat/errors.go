package chat

import "errors"

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrNotParticipant = errors.New("user is not a participant of the chat")
	ErrInvalidID      = errors.New("invalid identifier")
	ErrEmptyMessage   = errors.New("message must have content or attachments")
)
