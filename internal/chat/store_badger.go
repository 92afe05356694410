package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerConflictRetries = 5

// BadgerStore is an embedded Store for single-node deployments without
// PostgreSQL. Keys:
//
//	chat:{id}                       chat document
//	member:{user}:{chat}            participant index
//	msg:{chat}:{unix_nano_padded}:{id}  message, ordered by time
//	role:{user}                     role directory
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store under dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func chatKey(id string) []byte { return []byte("chat:" + id) }

func memberKey(userID, chatID string) []byte { return []byte("member:" + userID + ":" + chatID) }

func messageKey(chatID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", chatID, at.UnixNano(), id))
}

func roleKey(userID string) []byte { return []byte("role:" + userID) }

// update retries fn when badger reports a write conflict with a concurrent
// transaction, which is how interleaved sends on the same chat surface.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getChat(txn *badger.Txn, chatID string) (*ChatRoom, error) {
	item, err := txn.Get(chatKey(chatID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if err != nil {
		return nil, err
	}
	var c ChatRoom
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &c) }); err != nil {
		return nil, fmt.Errorf("decode chat %s: %w", chatID, err)
	}
	normalizeUnread(&c)
	return &c, nil
}

func putChat(txn *badger.Txn, c *ChatRoom) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return txn.Set(chatKey(c.ID), data)
}

func (s *BadgerStore) CreateChat(_ context.Context, c *ChatRoom) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	normalizeUnread(c)
	return s.update(func(txn *badger.Txn) error {
		if err := putChat(txn, c); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if err := txn.Set(memberKey(p, c.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetChat(_ context.Context, chatID string) (*ChatRoom, error) {
	var c *ChatRoom
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getChat(txn, chatID)
		return err
	})
	return c, err
}

func (s *BadgerStore) FindParticipants(ctx context.Context, chatID string) ([]string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return c.Participants, nil
}

func (s *BadgerStore) ChatsForUser(_ context.Context, userID string) ([]*ChatRoom, error) {
	var out []*ChatRoom
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("member:" + userID + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID := string(it.Item().Key()[len(prefix):])
			c, err := getChat(txn, chatID)
			if errors.Is(err, ErrChatNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

func (s *BadgerStore) AppendMessage(_ context.Context, chatID string, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.ChatID = chatID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		c, err := getChat(txn, chatID)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(chatID, m.CreatedAt, m.ID), data); err != nil {
			return err
		}
		for _, p := range c.Participants {
			if p != m.Sender {
				c.UnreadCounts[p]++
			}
		}
		last := *m
		c.LastMessage = &last
		c.UpdatedAt = m.CreatedAt
		return putChat(txn, c)
	})
}

func (s *BadgerStore) IncrementUnread(_ context.Context, chatID, participantID string) error {
	return s.mutateUnread(chatID, participantID, func(n int) int { return n + 1 })
}

func (s *BadgerStore) ZeroUnread(_ context.Context, chatID, userID string) error {
	return s.mutateUnread(chatID, userID, func(int) int { return 0 })
}

func (s *BadgerStore) mutateUnread(chatID, userID string, fn func(int) int) error {
	return s.update(func(txn *badger.Txn) error {
		c, err := getChat(txn, chatID)
		if err != nil {
			return err
		}
		if !c.HasParticipant(userID) {
			return fmt.Errorf("%w: %s", ErrNotParticipant, userID)
		}
		c.UnreadCounts[userID] = fn(c.UnreadCounts[userID])
		return putChat(txn, c)
	})
}

func (s *BadgerStore) Messages(_ context.Context, chatID string, limit, offset int) ([]*Message, int, error) {
	items := []*Message{}
	total := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getChat(txn, chatID); err != nil {
			return err
		}
		prefix := []byte("msg:" + chatID + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idx := total
			total++
			if idx < offset || (limit > 0 && idx >= offset+limit) {
				continue
			}
			var m Message
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			items = append(items, &m)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// SetUserRole records the role returned by UserRole.
func (s *BadgerStore) SetUserRole(userID, role string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Set(roleKey(userID), []byte(role))
	})
}

func (s *BadgerStore) UserRole(_ context.Context, userID string) (string, error) {
	var role string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roleKey(userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		role = string(v)
		return err
	})
	return role, err
}
