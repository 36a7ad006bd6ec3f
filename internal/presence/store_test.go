package presence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to a local Redis on localhost:6379 and skips the test
// when it is not running. Keys for the returned user IDs are removed on
// cleanup.
func newTestStore(t *testing.T) (*Store, uuid.UUID) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	userID := uuid.New()
	t.Cleanup(func() {
		client.Del(ctx, key(userID))
		client.Close()
	})
	return NewStoreWithClient(client, "test-instance"), userID
}

func TestSetOnlineAndGet(t *testing.T) {
	s, user := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, user, "conn-1"))

	online, err := s.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online)

	st, err := s.Get(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, user.String(), st.UserID)
	assert.Equal(t, "conn-1", st.ConnID)
	assert.Equal(t, "test-instance", st.Server)

	ttl, err := s.client.TTL(ctx, key(user)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl.Seconds(), 0.0)
}

func TestGetOffline(t *testing.T) {
	s, user := newTestStore(t)

	st, err := s.Get(context.Background(), user)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestSetOfflineRequiresOwner(t *testing.T) {
	s, user := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, user, "old"))
	require.NoError(t, s.SetOnline(ctx, user, "new"))

	require.NoError(t, s.SetOffline(ctx, user, "old"))
	online, err := s.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.True(t, online, "stale disconnect must not clear the replacement")

	require.NoError(t, s.SetOffline(ctx, user, "new"))
	online, err = s.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestTouchOfflineUserIsNoop(t *testing.T) {
	s, user := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Touch(ctx, user))
	online, err := s.IsOnline(ctx, user)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestTouchAfterDisconnectDoesNotReviveEntry(t *testing.T) {
	s, user := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, user, "conn-1"))
	require.NoError(t, s.SetOffline(ctx, user, "conn-1"))
	require.NoError(t, s.Touch(ctx, user))

	n, err := s.client.Exists(ctx, key(user)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTouchRefreshesExistingEntry(t *testing.T) {
	s, user := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetOnline(ctx, user, "conn-1"))
	require.NoError(t, s.client.HSet(ctx, key(user), "last_active", 1).Err())
	require.NoError(t, s.client.Expire(ctx, key(user), time.Minute).Err())

	require.NoError(t, s.Touch(ctx, user))

	st, err := s.Get(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "conn-1", st.ConnID)
	assert.Greater(t, st.LastActive, int64(1))

	ttl, err := s.client.TTL(ctx, key(user)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
}
