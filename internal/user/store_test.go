package user

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanplaces/realtime/internal/database/dbtest"
)

func TestFindIDByEmail(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	id, email := dbtest.CreateUser(t, db, "Ada", "Lovelace")

	got, active, err := s.FindIDByEmail(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, active)

	_, _, err = s.FindIDByEmail(context.Background(), "missing@test.urbanplaces.local")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	id, _ := dbtest.CreateUser(t, db, "Ada", "Lovelace")

	ok, err := s.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisplayName(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	named, _ := dbtest.CreateUser(t, db, "Ada", "Lovelace")
	unnamed, email := dbtest.CreateUser(t, db, "", "")

	name, err := s.DisplayName(context.Background(), named)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", name)

	name, err = s.DisplayName(context.Background(), unnamed)
	require.NoError(t, err)
	assert.Equal(t, email, name)

	_, err = s.DisplayName(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureIsIdempotent(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	email := uuid.NewString() + "@test.urbanplaces.local"
	t.Cleanup(func() { db.Exec(`DELETE FROM users WHERE email = $1`, email) })

	id, err := s.Ensure(ctx, email, "", "Load", "Tester")
	require.NoError(t, err)
	again, err := s.Ensure(ctx, email, "", "Load", "Tester")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, active, err := s.FindIDByEmail(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.True(t, active)
}
