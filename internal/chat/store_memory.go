package chat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps chats in process memory. It backs tests and
// CHAT_STORE=memory deployments.
type MemoryStore struct {
	mu       sync.Mutex
	chats    map[string]*ChatRoom
	messages map[string][]*Message
	roles    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*ChatRoom),
		messages: make(map[string][]*Message),
		roles:    make(map[string]string),
	}
}

// SetUserRole records the role returned by UserRole.
func (s *MemoryStore) SetUserRole(userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[userID] = role
}

func (s *MemoryStore) CreateChat(_ context.Context, c *ChatRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	normalizeUnread(c)
	s.chats[c.ID] = cloneChat(c)
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return cloneChat(c), nil
}

func (s *MemoryStore) FindParticipants(ctx context.Context, chatID string) ([]string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

func (s *MemoryStore) ChatsForUser(_ context.Context, userID string) ([]*ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ChatRoom
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, cloneChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, chatID string, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if m.ID == "" {
		m.ID = NewID()
	}
	m.ChatID = chatID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	stored := *m
	s.messages[chatID] = append(s.messages[chatID], &stored)
	for _, p := range c.Participants {
		if p != m.Sender {
			c.UnreadCounts[p]++
		}
	}
	last := stored
	c.LastMessage = &last
	c.UpdatedAt = m.CreatedAt
	return nil
}

func (s *MemoryStore) IncrementUnread(_ context.Context, chatID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.participantChat(chatID, participantID)
	if err != nil {
		return err
	}
	c.UnreadCounts[participantID]++
	return nil
}

func (s *MemoryStore) ZeroUnread(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.participantChat(chatID, userID)
	if err != nil {
		return err
	}
	c.UnreadCounts[userID] = 0
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, chatID string, limit, offset int) ([]*Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	all := s.messages[chatID]
	total := len(all)
	if offset >= total {
		return []*Message{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]*Message, 0, end-offset)
	for _, m := range all[offset:end] {
		cp := *m
		out = append(out, &cp)
	}
	return out, total, nil
}

func (s *MemoryStore) UserRole(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return role, nil
}

// caller holds s.mu
func (s *MemoryStore) participantChat(chatID, userID string) (*ChatRoom, error) {
	c, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if !c.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}
	return c, nil
}

func cloneChat(c *ChatRoom) *ChatRoom {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		cp.LastMessage = &last
	}
	return &cp
}
