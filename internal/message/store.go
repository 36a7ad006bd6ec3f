// Package message provides PostgreSQL-backed storage for direct messages.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLimit is the page size used when a caller passes no limit.
const DefaultLimit = 100

// MaxLimit caps a single page.
const MaxLimit = 500

// ErrNotFound is returned when a message does not exist or is not addressed
// to the caller.
var ErrNotFound = errors.New("message: not found")

// Message is one stored direct message.
type Message struct {
	ID         uuid.UUID `json:"id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store manages messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a message and returns it as stored.
func (s *Store) Create(ctx context.Context, senderID, receiverID uuid.UUID, content string) (*Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, sender_id, receiver_id, content, is_read, created_at`

	var m Message
	err := s.db.QueryRowContext(ctx, query, uuid.New(), senderID, receiverID, content).
		Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}
	return &m, nil
}

// Conversation returns messages exchanged between a and b, newest first.
// A non-positive limit means DefaultLimit.
func (s *Store) Conversation(ctx context.Context, a, b uuid.UUID, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT id, sender_id, receiver_id, content, is_read, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC, id DESC
		OFFSET $3 LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, a, b, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("message: conversation: %w", err)
	}
	defer rows.Close()

	msgs := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: rows: %w", err)
	}
	return msgs, nil
}

// MarkRead marks message id as read. Only the receiver may do so; any other
// caller gets ErrNotFound.
func (s *Store) MarkRead(ctx context.Context, id, receiverID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE id = $1 AND receiver_id = $2`,
		id, receiverID,
	)
	if err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUnread returns how many messages addressed to receiverID are unread.
func (s *Store) CountUnread(ctx context.Context, receiverID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE receiver_id = $1 AND NOT is_read`, receiverID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message: count unread: %w", err)
	}
	return n, nil
}
