package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/protocol"
)

type fakeConn struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	return New(WithClock(func() time.Time { return fixedNow }))
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	r := newTestRegistry()
	u := uuid.New()
	c1, c2 := &fakeConn{}, &fakeConn{}

	r.Register(u, c1)
	r.Register(u, c2)

	got, ok := r.Lookup(u)
	require.True(t, ok)
	assert.Same(t, c2, got)
	assert.Equal(t, 1, r.Count())
}

func TestUnregisterMakesDeliveryANoop(t *testing.T) {
	r := newTestRegistry()
	u, sender := uuid.New(), uuid.New()
	c := &fakeConn{}

	r.Register(u, c)
	r.Unregister(c, u)

	assert.False(t, r.Online(u))
	assert.NotPanics(t, func() { r.DeliverChatMessage("hello", u, sender) })
	assert.Empty(t, c.messages(t))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	u := uuid.New()
	c := &fakeConn{}

	r.Unregister(c, u)
	r.Register(u, c)
	r.Unregister(c, u)
	r.Unregister(c, u)

	assert.Equal(t, 0, r.Count())
}

func TestUnregisterOfReplacedConnectionKeepsSuccessor(t *testing.T) {
	r := newTestRegistry()
	u := uuid.New()
	old, current := &fakeConn{}, &fakeConn{}

	r.Register(u, old)
	r.Register(u, current)
	r.Unregister(old, u)

	got, ok := r.Lookup(u)
	require.True(t, ok)
	assert.Same(t, current, got)
}

func TestTypingRoundTrip(t *testing.T) {
	r := newTestRegistry()
	receiver, sender := uuid.New(), uuid.New()

	r.SetTyping(receiver, sender, true)
	assert.Equal(t, []uuid.UUID{sender}, r.TypingUsers(receiver))

	r.SetTyping(receiver, sender, true)
	assert.Len(t, r.TypingUsers(receiver), 1, "typing twice must not duplicate the sender")

	r.SetTyping(receiver, sender, false)
	assert.Empty(t, r.TypingUsers(receiver))

	r.SetTyping(receiver, sender, false)
	assert.Empty(t, r.TypingUsers(receiver))
}

func TestUnregisterClearsTypingEverywhere(t *testing.T) {
	r := newTestRegistry()
	sender, a, b := uuid.New(), uuid.New(), uuid.New()
	other := uuid.New()
	c := &fakeConn{}

	r.Register(sender, c)
	r.SetTyping(a, sender, true)
	r.SetTyping(b, sender, true)
	r.SetTyping(b, other, true)

	r.Unregister(c, sender)

	assert.Empty(t, r.TypingUsers(a))
	assert.Equal(t, []uuid.UUID{other}, r.TypingUsers(b))
}

func TestDeliverChatMessageReachesOnlyReceiver(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()
	connA, connB := &fakeConn{}, &fakeConn{}

	r.Register(alice, connA)
	r.Register(bob, connB)
	r.DeliverChatMessage("hi", bob, alice)

	assert.Empty(t, connA.messages(t))
	msgs := connB.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]interface{}{
		"type":      "chat_message",
		"message":   "hi",
		"sender_id": alice.String(),
		"timestamp": "2026-10-15T12:00:00Z",
	}, msgs[0])
}

func TestDeliverToUnknownUserReturnsNormally(t *testing.T) {
	r := newTestRegistry()
	alice, carol := uuid.New(), uuid.New()
	connA := &fakeConn{}
	r.Register(alice, connA)

	r.DeliverChatMessage("hi", carol, alice)

	assert.Empty(t, connA.messages(t))
	assert.False(t, r.Online(carol))
}

func TestSetTypingPushesCurrentSet(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()
	connB := &fakeConn{}
	r.Register(bob, connB)

	r.SetTyping(bob, alice, true)

	msgs := connB.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]interface{}{
		"type":         "typing",
		"user_id":      alice.String(),
		"is_typing":    true,
		"typing_users": []interface{}{alice.String()},
	}, msgs[0])
}

func TestStopTypingPushesEmptyList(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()
	connB := &fakeConn{}
	r.Register(bob, connB)

	r.SetTyping(bob, alice, true)
	r.SetTyping(bob, alice, false)

	msgs := connB.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, false, msgs[1]["is_typing"])
	assert.Equal(t, []interface{}{}, msgs[1]["typing_users"])
}

func TestTypingToOfflineReceiverKeepsState(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()

	r.SetTyping(bob, alice, true)

	assert.Equal(t, []uuid.UUID{alice}, r.TypingUsers(bob))
}

func TestFailedPushUnregistersConnection(t *testing.T) {
	r := newTestRegistry()
	alice, bob := uuid.New(), uuid.New()
	broken := &fakeConn{err: errors.New("use of closed network connection")}

	r.Register(bob, broken)
	r.SetTyping(alice, bob, true)
	r.DeliverChatMessage("hi", bob, alice)

	assert.False(t, r.Online(bob))
	assert.Empty(t, r.TypingUsers(alice), "a dropped connection stops typing")
}

func TestFailedPushDoesNotEvictReplacement(t *testing.T) {
	r := newTestRegistry()
	bob := uuid.New()
	broken := &fakeConn{err: errors.New("broken pipe")}
	fresh := &fakeConn{}

	r.Register(bob, broken)
	conn, _ := r.Lookup(bob)
	r.Register(bob, fresh)

	// Simulate a push that raced with re-registration.
	r.push(bob, conn, "chat_message", map[string]string{"message": "late"})

	got, ok := r.Lookup(bob)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

// TestConcurrentAccess exercises every operation from many goroutines; run
// with -race to check the locking.
func TestConcurrentAccess(t *testing.T) {
	r := newTestRegistry()
	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			me := users[i%len(users)]
			peer := users[(i+1)%len(users)]
			c := &fakeConn{}
			for j := 0; j < 100; j++ {
				r.Register(me, c)
				r.SetTyping(peer, me, j%2 == 0)
				r.DeliverChatMessage("x", peer, me)
				_ = r.TypingUsers(peer)
				r.Unregister(c, me)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	for _, u := range users {
		assert.Empty(t, r.TypingUsers(u))
	}
}

func TestDeliverNotification(t *testing.T) {
	r := newTestRegistry()
	bob := uuid.New()
	connB := &fakeConn{}
	r.Register(bob, connB)

	id := uuid.New()
	r.DeliverNotification(bob, protocol.NotificationPush{
		NotificationID:   id.String(),
		NotificationType: "new_message",
		Title:            "New message",
	})
	r.DeliverNotification(uuid.New(), protocol.NotificationPush{Title: "nobody home"})

	msgs := connB.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]interface{}{
		"type":              "notification",
		"notification_id":   id.String(),
		"notification_type": "new_message",
		"title":             "New message",
	}, msgs[0])
}

func onlineGauge(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.OnlineUsers.Write(&m))
	return m.GetGauge().GetValue()
}

func TestOnlineGaugeMatchesCountUnderContention(t *testing.T) {
	r := newTestRegistry()
	users := make([]uuid.UUID, 64)
	conns := make([]*fakeConn, len(users))
	for i := range users {
		users[i], conns[i] = uuid.New(), &fakeConn{}
	}

	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(users[i], conns[i])
			if i%2 == 0 {
				r.Unregister(conns[i], users[i])
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 32, r.Count())
	assert.Equal(t, float64(r.Count()), onlineGauge(t))
}
