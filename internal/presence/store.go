// Package presence mirrors who is online into Redis so that presence can be
// queried across gateway instances. The in-process registry stays the source
// of truth for routing; this store is a shared, expiring view of it.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a presence entry outlives its last refresh, so a
	// crashed instance does not leave users online forever.
	TTL = 1 * time.Hour
)

// Status is a user's presence entry.
type Status struct {
	UserID      string `redis:"user_id"`
	ConnID      string `redis:"conn_id"`      // socket that owns the entry
	Server      string `redis:"server"`       // gateway instance name
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// clearIfOwner deletes the hash only when it still belongs to the given
// connection, so a late disconnect of a replaced socket keeps the new entry.
var clearIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// touchIfPresent refreshes last_active and the TTL of an existing hash.
var touchIfPresent = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("HSET", KEYS[1], "last_active", ARGV[1])
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Store manages presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func key(userID uuid.UUID) string {
	return KeyPrefix + userID.String()
}

// SetOnline records that userID is connected through connID on this
// instance, replacing any previous entry.
func (s *Store) SetOnline(ctx context.Context, userID uuid.UUID, connID string) error {
	k := key(userID)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]interface{}{
		"user_id":      userID.String(),
		"conn_id":      connID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, k, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes the entry for userID if it is still owned by connID.
func (s *Store) SetOffline(ctx context.Context, userID uuid.UUID, connID string) error {
	return clearIfOwner.Run(ctx, s.client, []string{key(userID)}, connID).Err()
}

// Touch updates last_active and refreshes the TTL. A missing entry stays
// missing, so a touch racing a disconnect cannot revive it.
func (s *Store) Touch(ctx context.Context, userID uuid.UUID) error {
	return touchIfPresent.Run(ctx, s.client, []string{key(userID)},
		time.Now().Unix(), TTL.Milliseconds()).Err()
}

// Get returns the presence entry for userID, or nil if the user is offline.
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*Status, error) {
	var st Status
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&st); err != nil {
		return nil, err
	}
	if st.UserID == "" {
		return nil, nil
	}
	return &st, nil
}

// IsOnline reports whether any instance has userID connected.
func (s *Store) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
