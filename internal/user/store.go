// Package user reads the users table owned by the account service.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no user matches.
var ErrNotFound = errors.New("user: not found")

// Store reads users from PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindIDByEmail returns the ID and active flag of the user with email.
func (s *Store) FindIDByEmail(ctx context.Context, email string) (uuid.UUID, bool, error) {
	var (
		id     uuid.UUID
		active bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, is_active FROM users WHERE email = $1`, email,
	).Scan(&id, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("user: find by email: %w", err)
	}
	return id, active, nil
}

// Exists reports whether a user with id exists.
func (s *Store) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("user: exists: %w", err)
	}
	return exists, nil
}

// DisplayName returns "first last" for the user, falling back to the
// username and then the e-mail when no name is set.
func (s *Store) DisplayName(ctx context.Context, id uuid.UUID) (string, error) {
	var first, last, username, email sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT first_name, last_name, username, email FROM users WHERE id = $1`, id,
	).Scan(&first, &last, &username, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("user: display name: %w", err)
	}

	name := strings.TrimSpace(first.String + " " + last.String)
	switch {
	case name != "":
		return name, nil
	case username.String != "":
		return username.String, nil
	default:
		return email.String, nil
	}
}

// Ensure returns the ID of the user with email, creating an active user with
// the given names when none exists. It is used to seed load test accounts.
func (s *Store) Ensure(ctx context.Context, email, username, firstName, lastName string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, username, first_name, last_name)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (email) DO UPDATE SET is_active = TRUE, updated_at = now()
		RETURNING id`,
		uuid.New(), email, username, firstName, lastName,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("user: ensure: %w", err)
	}
	return id, nil
}
