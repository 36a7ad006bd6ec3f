// Package ratelimit implements fixed-window rate limits on Redis. Counters
// live in Redis so every gateway instance shares them and reconnecting to a
// different instance does not reset a user's quota.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Rule is one limit: at most Limit hits per Window for each identifier.
type Rule struct {
	Name   string // metric label
	Key    string // Redis key prefix
	Limit  int
	Window time.Duration
}

// key returns the counter key for identifier.
func (r Rule) key(identifier string) string { return r.Key + identifier }

// Limits applied by the gateway and the REST API.
var (
	RuleChat        = Rule{Name: "chat", Key: "rl:chat:", Limit: 20, Window: 10 * time.Second}
	RuleTyping      = Rule{Name: "typing", Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}
	RuleConnect     = Rule{Name: "connect", Key: "rl:conn:", Limit: 10, Window: time.Minute}
	RuleSendMessage = Rule{Name: "send_message", Key: "rl:send:", Limit: 30, Window: time.Minute}
)

// hit increments the counter and starts the window on the first hit in one
// round trip, so a counter can never be left without a TTL.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter checks rules against Redis.
type Limiter struct {
	client redis.Cmdable
	log    *logrus.Entry
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: logrus.WithField("component", "ratelimit")}
}

// Allow counts one hit for identifier and reports whether it is within rule.
// Redis errors are returned alongside true: the limiter fails open.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.key(identifier)
	n, err := hit.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.log.WithError(err).WithField("key", key).Warn("rate limit check failed, allowing")
		return true, err
	}
	return n <= int64(rule.Limit), nil
}

// Remaining returns how many hits identifier has left in the current
// window. On Redis errors it reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	n, err := l.client.Get(ctx, rule.key(identifier)).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	case n >= rule.Limit:
		return 0, nil
	default:
		return rule.Limit - n, nil
	}
}

// Reset clears identifier's counter for rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.key(identifier)).Err()
}
