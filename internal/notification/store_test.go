package notification

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanplaces/realtime/internal/database/dbtest"
)

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeNewMessage.Valid())
	assert.True(t, TypeSystem.Valid())
	assert.False(t, Type("poke").Valid())
}

func TestCreateRejectsUnknownType(t *testing.T) {
	s := NewStore(nil)
	err := s.Create(context.Background(), &Notification{Type: "poke"})
	assert.Error(t, err)
}

func TestCreateAndList(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	user, _ := dbtest.CreateUser(t, db, "Ada", "Lovelace")
	msgID := uuid.New()

	first := &Notification{
		UserID:            user,
		Type:              TypeNewMessage,
		Title:             "New message",
		Message:           "You have a new message from Bob",
		RelatedEntityType: "message",
		RelatedEntityID:   &msgID,
		Metadata:          map[string]string{"preview": "hello"},
	}
	require.NoError(t, s.Create(ctx, first))
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.False(t, first.IsRead)

	second := &Notification{UserID: user, Type: TypeSystem, Title: "Welcome", Message: "Hi"}
	require.NoError(t, s.Create(ctx, second))

	list, err := s.ListForUser(ctx, user, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, "hello", list[1].Metadata["preview"])
	require.NotNil(t, list[1].RelatedEntityID)
	assert.Equal(t, msgID, *list[1].RelatedEntityID)
	assert.Nil(t, list[0].RelatedEntityID)
}

func TestMarkReadAndUnreadFilter(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	user, _ := dbtest.CreateUser(t, db, "Ada", "Lovelace")
	other, _ := dbtest.CreateUser(t, db, "Bob", "B")

	a := &Notification{UserID: user, Type: TypeSystem, Title: "a", Message: "a"}
	b := &Notification{UserID: user, Type: TypeSystem, Title: "b", Message: "b"}
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	assert.ErrorIs(t, s.MarkRead(ctx, a.ID, other), ErrNotFound)
	require.NoError(t, s.MarkRead(ctx, a.ID, user))

	unread, err := s.ListForUser(ctx, user, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, b.ID, unread[0].ID)

	n, err := s.MarkAllRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.CountUnread(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
