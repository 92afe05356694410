package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore implements Store and UserDirectory on PostgreSQL.
type PGStore struct{ db queryable }

// NewPGStore returns a Store backed by the chat and chat_message tables.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{db: pool}
}

const chatCols = `id, participants, is_group, last_message, unread_counts, created_at, updated_at`

func (r *PGStore) scanChat(row pgx.Row) (*ChatRoom, error) {
	var c ChatRoom
	var last, unread []byte
	if err := row.Scan(&c.ID, &c.Participants, &c.IsGroup, &last, &unread, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(last) > 0 {
		var m Message
		if err := json.Unmarshal(last, &m); err != nil {
			return nil, fmt.Errorf("decode last_message: %w", err)
		}
		c.LastMessage = &m
	}
	if err := json.Unmarshal(unread, &c.UnreadCounts); err != nil {
		return nil, fmt.Errorf("decode unread_counts: %w", err)
	}
	normalizeUnread(&c)
	return &c, nil
}

func (r *PGStore) CreateChat(ctx context.Context, c *ChatRoom) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	normalizeUnread(c)
	unread, err := json.Marshal(c.UnreadCounts)
	if err != nil {
		return err
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO chat (id, participants, is_group, unread_counts)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.Participants, c.IsGroup, unread).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *PGStore) GetChat(ctx context.Context, chatID string) (*ChatRoom, error) {
	c, err := r.scanChat(r.db.QueryRow(ctx, `SELECT `+chatCols+` FROM chat WHERE id = $1`, chatID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return c, err
}

func (r *PGStore) FindParticipants(ctx context.Context, chatID string) ([]string, error) {
	var participants []string
	err := r.db.QueryRow(ctx, `SELECT participants FROM chat WHERE id = $1`, chatID).Scan(&participants)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return participants, err
}

func (r *PGStore) ChatsForUser(ctx context.Context, userID string) ([]*ChatRoom, error) {
	rows, err := r.db.Query(ctx, `SELECT `+chatCols+` FROM chat WHERE $1 = ANY(participants) ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ChatRoom
	for rows.Next() {
		c, err := r.scanChat(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// appendMessageSQL inserts the message and, in the same statement, rebuilds
// unread_counts from the participant list: the sender keeps its value and
// everybody else gets +1. The UPDATE row lock serialises concurrent sends.
const appendMessageSQL = `
	WITH ins AS (
		INSERT INTO chat_message (id, chat_id, sender_id, content, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, chat_id, sender_id, content, attachments, created_at
	)
	UPDATE chat c SET
		unread_counts = (
			SELECT COALESCE(jsonb_object_agg(p,
				COALESCE((c.unread_counts->>p)::int, 0) + CASE WHEN p = $3 THEN 0 ELSE 1 END), '{}'::jsonb)
			FROM unnest(c.participants) AS p
		),
		last_message = (
			SELECT jsonb_build_object('_id', ins.id, 'chatId', ins.chat_id, 'sender', ins.sender_id,
				'content', ins.content, 'attachments', ins.attachments, 'createdAt', ins.created_at)
			FROM ins
		),
		updated_at = $6
	WHERE c.id = $2`

func (r *PGStore) AppendMessage(ctx context.Context, chatID string, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	m.ChatID = chatID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	attachments, err := json.Marshal(attachmentsOrEmpty(m.Attachments))
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, appendMessageSQL, m.ID, chatID, m.Sender, m.Content, attachments, m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
		}
		return fmt.Errorf("append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return nil
}

func (r *PGStore) IncrementUnread(ctx context.Context, chatID, participantID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE chat SET unread_counts = jsonb_set(unread_counts, ARRAY[$2::text],
			to_jsonb(COALESCE((unread_counts->>$2)::int, 0) + 1))
		WHERE id = $1 AND $2 = ANY(participants)`, chatID, participantID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: chat %s user %s", ErrNotParticipant, chatID, participantID)
	}
	return nil
}

func (r *PGStore) ZeroUnread(ctx context.Context, chatID, userID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE chat SET unread_counts = jsonb_set(unread_counts, ARRAY[$2::text], '0'::jsonb)
		WHERE id = $1 AND $2 = ANY(participants)`, chatID, userID)
	if err != nil {
		return fmt.Errorf("zero unread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: chat %s user %s", ErrNotParticipant, chatID, userID)
	}
	return nil
}

func (r *PGStore) Messages(ctx context.Context, chatID string, limit, offset int) ([]*Message, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM chat_message WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, err
	}
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, chat_id, sender_id, content, attachments, created_at
		FROM chat_message WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC LIMIT $2 OFFSET $3`, chatID, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := []*Message{}
	for rows.Next() {
		var m Message
		var attachments []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Content, &attachments, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, 0, fmt.Errorf("decode attachments: %w", err)
		}
		items = append(items, &m)
	}
	return items, total, rows.Err()
}

func (r *PGStore) UserRole(ctx context.Context, userID string) (string, error) {
	var role string
	err := r.db.QueryRow(ctx, `SELECT role FROM app_user WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return role, err
}

func attachmentsOrEmpty(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}
