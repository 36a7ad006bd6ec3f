// Package notification provides PostgreSQL-backed storage for user
// notifications.
package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of event a notification reports.
type Type string

const (
	TypeFriendRequest  Type = "friend_request"
	TypeFriendAccepted Type = "friend_accepted"
	TypeNewMessage     Type = "new_message"
	TypeNewReaction    Type = "new_reaction"
	TypeNewComment     Type = "new_comment"
	TypeSystem         Type = "system"
)

// Valid reports whether t is a known notification type, matching the CHECK
// constraint on the notifications table.
func (t Type) Valid() bool {
	switch t {
	case TypeFriendRequest, TypeFriendAccepted, TypeNewMessage,
		TypeNewReaction, TypeNewComment, TypeSystem:
		return true
	}
	return false
}

// DefaultLimit is the page size used when a caller passes no limit.
const DefaultLimit = 50

// ErrNotFound is returned when a notification does not exist or belongs to
// another user.
var ErrNotFound = errors.New("notification: not found")

// Notification is one stored notification.
type Notification struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	Type              Type              `json:"type"`
	Title             string            `json:"title"`
	Message           string            `json:"message"`
	IsRead            bool              `json:"is_read"`
	RelatedEntityType string            `json:"related_entity_type,omitempty"`
	RelatedEntityID   *uuid.UUID        `json:"related_entity_id,omitempty"`
	Metadata          map[string]string `json:"metadata"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Store manages notifications in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a notification store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts n, filling in its ID, read flag and creation time.
func (s *Store) Create(ctx context.Context, n *Notification) error {
	if !n.Type.Valid() {
		return fmt.Errorf("notification: invalid type %q", n.Type)
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("notification: marshal metadata: %w", err)
	}

	var entityType sql.NullString
	if n.RelatedEntityType != "" {
		entityType = sql.NullString{String: n.RelatedEntityType, Valid: true}
	}
	var entityID uuid.NullUUID
	if n.RelatedEntityID != nil {
		entityID = uuid.NullUUID{UUID: *n.RelatedEntityID, Valid: true}
	}

	const query = `
		INSERT INTO notifications
			(id, user_id, type, title, message, related_entity_type, related_entity_id, metadata_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING is_read, created_at`

	n.ID = uuid.New()
	err = s.db.QueryRowContext(ctx, query,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, entityType, entityID, string(meta),
	).Scan(&n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("notification: insert: %w", err)
	}
	return nil
}

// ListForUser returns userID's notifications, newest first.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID, offset, limit int, unreadOnly bool) ([]Notification, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	const query = `
		SELECT id, user_id, type, title, message, is_read,
		       related_entity_type, related_entity_id, metadata_info, created_at
		FROM notifications
		WHERE user_id = $1 AND ($2 = FALSE OR NOT is_read)
		ORDER BY created_at DESC, id DESC
		OFFSET $3 LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, userID, unreadOnly, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		var (
			n          Notification
			typ        string
			entityType sql.NullString
			entityID   uuid.NullUUID
			meta       []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &n.IsRead,
			&entityType, &entityID, &meta, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		n.Type = Type(typ)
		n.RelatedEntityType = entityType.String
		if entityID.Valid {
			id := entityID.UUID
			n.RelatedEntityID = &id
		}
		n.Metadata = map[string]string{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, fmt.Errorf("notification: decode metadata: %w", err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: rows: %w", err)
	}
	return out, nil
}

// MarkRead marks notification id as read if it belongs to userID.
func (s *Store) MarkRead(ctx context.Context, id, userID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every notification of userID as read and returns how
// many changed.
func (s *Store) MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("notification: mark all read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnread returns how many of userID's notifications are unread.
func (s *Store) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("notification: count unread: %w", err)
	}
	return n, nil
}
