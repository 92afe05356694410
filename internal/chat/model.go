package chat

import (
	"time"
)

// Roles recognised by the realtime layer. Anything else is carried through
// untouched but never produces role-specific events.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// Attachment is a reference to an uploaded file. Uploading is handled
// elsewhere; the chat store only keeps the reference.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an immutable entry in a chat's append-only history.
type Message struct {
	ID          string       `json:"_id"`
	ChatID      string       `json:"chatId"`
	Sender      string       `json:"sender"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ChatRoom is the persisted conversation. UnreadCounts holds one entry per
// participant; the sender of a message is never incremented for it.
type ChatRoom struct {
	ID           string         `json:"_id"`
	Participants []string       `json:"participants"`
	IsGroup      bool           `json:"isGroup"`
	LastMessage  *Message       `json:"lastMessage,omitempty"`
	UnreadCounts map[string]int `json:"unreadCounts"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c *ChatRoom) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant of a one-on-one chat.
func (c *ChatRoom) Counterpart(userID string) (string, bool) {
	if c.IsGroup || len(c.Participants) != 2 {
		return "", false
	}
	switch userID {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return "", false
}

// HasContent reports whether the message carries text or at least one attachment.
func (m *Message) HasContent() bool {
	return m.Content != "" || len(m.Attachments) > 0
}

// normalizeUnread fills missing participant keys with zero so that the
// unread map always covers every participant.
func normalizeUnread(c *ChatRoom) {
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int, len(c.Participants))
	}
	for _, p := range c.Participants {
		if _, ok := c.UnreadCounts[p]; !ok {
			c.UnreadCounts[p] = 0
		}
	}
}
