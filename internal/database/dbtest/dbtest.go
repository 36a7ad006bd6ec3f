// Package dbtest opens a migrated PostgreSQL database for store tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/urbanplaces/realtime/internal/database"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "TEST_DATABASE_URL"

// Open connects to the database named by TEST_DATABASE_URL, applies the
// migrations and returns the pool. The test is skipped when the variable is
// unset or the server is unreachable.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}
	db, err := database.Open(context.Background(), url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := database.Migrate(url); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// CreateUser inserts a user with a unique e-mail and removes it (with its
// messages and notifications) when the test ends.
func CreateUser(t *testing.T, db *sql.DB, firstName, lastName string) (uuid.UUID, string) {
	t.Helper()
	id := uuid.New()
	email := id.String() + "@test.urbanplaces.local"
	_, err := db.Exec(
		`INSERT INTO users (id, email, first_name, last_name) VALUES ($1, $2, $3, $4)`,
		id, email, firstName, lastName,
	)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() { db.Exec(`DELETE FROM users WHERE id = $1`, id) })
	return id, email
}
