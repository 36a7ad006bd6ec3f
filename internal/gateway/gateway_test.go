package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/protocol"
	"github.com/urbanplaces/realtime/internal/ratelimit"
	"github.com/urbanplaces/realtime/internal/registry"
	wsserver "github.com/urbanplaces/realtime/internal/ws"
)

var (
	aliceID = uuid.MustParse("0b8f4c8e-2f4e-4d43-8d8f-7a0c1c3f5a01")
	bobID   = uuid.MustParse("6f1c2b7e-4a7d-4a56-9f3e-2d1b0c9a8e71")
)

type tokenAuth map[string]uuid.UUID

func (a tokenAuth) Authenticate(_ context.Context, token string) (uuid.UUID, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return uuid.Nil, errors.New("bad token")
}

// denyRules rejects every action whose rule name is in the set.
type denyRules map[string]bool

func (d denyRules) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return !d[rule.Name], nil
}

type fakePresence struct {
	mu     sync.Mutex
	online map[uuid.UUID]string
	events []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: map[uuid.UUID]string{}}
}

func (p *fakePresence) SetOnline(_ context.Context, id uuid.UUID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[id] = connID
	p.events = append(p.events, "online")
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, id uuid.UUID, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.online[id] == connID {
		delete(p.online, id)
	}
	p.events = append(p.events, "offline")
	return nil
}

func (p *fakePresence) Touch(context.Context, uuid.UUID) error { return nil }

func (p *fakePresence) isOnline(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.online[id]
	return ok
}

type harness struct {
	gw   *Gateway
	reg  *registry.Registry
	addr string
}

func start(t *testing.T, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	g := New(reg, opts...)

	cfg := wsserver.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = wsserver.HeartbeatConfig{}
	srv := wsserver.NewServer(cfg, tokenAuth{"alice": aliceID, "bob": bobID}, g.Dispatch)
	g.Attach(srv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})
	return &harness{gw: g, reg: reg, addr: ln.Addr().String()}
}

// connect dials as the user behind token and waits until the registry has
// them online.
func (h *harness) connect(t *testing.T, token string, id uuid.UUID) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+h.addr+"/ws?token="+token)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.reg.Online(id) }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientText(conn, data))
}

func receive(t *testing.T, conn net.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, _, err := wsutil.ReadServerData(conn)
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestChatMessageReachesReceiver(t *testing.T) {
	h := start(t)
	alice := h.connect(t, "alice", aliceID)
	bob := h.connect(t, "bob", bobID)

	send(t, alice, map[string]string{
		"type":        "chat_message",
		"message":     "hi bob",
		"receiver_id": bobID.String(),
	})

	msg := receive(t, bob)
	assert.Equal(t, "chat_message", msg["type"])
	assert.Equal(t, "hi bob", msg["message"])
	assert.Equal(t, aliceID.String(), msg["sender_id"], "sender comes from the connection, not the payload")
	_, err := time.Parse(time.RFC3339, msg["timestamp"].(string))
	assert.NoError(t, err)
}

func TestTypingIndicatorFlow(t *testing.T) {
	h := start(t)
	alice := h.connect(t, "alice", aliceID)
	bob := h.connect(t, "bob", bobID)

	send(t, alice, map[string]interface{}{"type": "typing", "receiver_id": bobID, "is_typing": true})
	msg := receive(t, bob)
	assert.Equal(t, "typing", msg["type"])
	assert.Equal(t, true, msg["is_typing"])
	assert.Equal(t, []interface{}{aliceID.String()}, msg["typing_users"])

	// Alice drops; her typing entry goes with her.
	alice.Close()
	require.Eventually(t, func() bool { return !h.reg.Online(aliceID) }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.reg.TypingUsers(bobID))
}

func TestChatToOfflineUserIsDropped(t *testing.T) {
	h := start(t)
	alice := h.connect(t, "alice", aliceID)

	send(t, alice, map[string]string{
		"type":        "chat_message",
		"message":     "anyone there?",
		"receiver_id": bobID.String(),
	})
	send(t, alice, map[string]string{"type": "ping"})

	// No error comes back for the dropped message; the next frame is the pong.
	assert.Equal(t, "pong", receive(t, alice)["type"])
}

func TestInvalidChatTextIsRejected(t *testing.T) {
	h := start(t)
	alice := h.connect(t, "alice", aliceID)

	send(t, alice, map[string]string{
		"type":        "chat_message",
		"message":     "",
		"receiver_id": bobID.String(),
	})

	msg := receive(t, alice)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, protocol.CodeInvalidMessage, msg["code"])
}

func TestRateLimitedChat(t *testing.T) {
	h := start(t, WithLimiter(denyRules{"chat": true}))
	alice := h.connect(t, "alice", aliceID)
	bob := h.connect(t, "bob", bobID)

	send(t, alice, map[string]string{
		"type":        "chat_message",
		"message":     "spam",
		"receiver_id": bobID.String(),
	})
	msg := receive(t, alice)
	assert.Equal(t, protocol.CodeRateLimited, msg["code"])

	// Typing is governed by its own rule.
	send(t, alice, map[string]interface{}{"type": "typing", "receiver_id": bobID, "is_typing": true})
	assert.Equal(t, "typing", receive(t, bob)["type"])
}

func TestStopTypingBypassesLimit(t *testing.T) {
	h := start(t, WithLimiter(denyRules{"typing": true}))
	alice := h.connect(t, "alice", aliceID)
	h.reg.SetTyping(bobID, aliceID, true)

	send(t, alice, map[string]interface{}{"type": "typing", "receiver_id": bobID, "is_typing": false})
	require.Eventually(t, func() bool { return len(h.reg.TypingUsers(bobID)) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectLimit(t *testing.T) {
	h := start(t, WithLimiter(denyRules{"connect": true}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, _, err := ws.Dial(ctx, "ws://"+h.addr+"/ws?token=alice")
	assert.Error(t, err)
	assert.False(t, h.reg.Online(aliceID))
}

func TestReconnectReplacesAndStaleCloseKeepsNewSocket(t *testing.T) {
	p := newFakePresence()
	h := start(t, WithPresence(p))

	first := h.connect(t, "alice", aliceID)
	oldConn, _ := h.reg.Lookup(aliceID)

	second := h.connect(t, "alice", aliceID)
	require.Eventually(t, func() bool {
		c, _ := h.reg.Lookup(aliceID)
		return c != oldConn
	}, 2*time.Second, 10*time.Millisecond)

	first.Close()
	// Give the server time to observe the close.
	time.Sleep(200 * time.Millisecond)

	assert.True(t, h.reg.Online(aliceID), "closing the replaced socket must not evict the new one")
	assert.True(t, p.isOnline(aliceID))

	send(t, second, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", receive(t, second)["type"])
}

func writeMasked(t *testing.T, conn net.Conn, f ws.Frame) {
	t.Helper()
	require.NoError(t, ws.WriteFrame(conn, ws.MaskFrameInPlace(f)))
}

func TestFragmentedChatMessageIsReassembled(t *testing.T) {
	h := start(t)
	alice := h.connect(t, "alice", aliceID)
	bob := h.connect(t, "bob", bobID)

	data, err := json.Marshal(map[string]string{
		"type":        "chat_message",
		"message":     "sent in two pieces",
		"receiver_id": bobID.String(),
	})
	require.NoError(t, err)
	half := len(data) / 2

	writeMasked(t, alice, ws.NewFrame(ws.OpText, false, data[:half]))
	writeMasked(t, alice, ws.NewPingFrame([]byte("mid")))
	writeMasked(t, alice, ws.NewFrame(ws.OpContinuation, true, data[half:]))

	msg := receive(t, bob)
	assert.Equal(t, "sent in two pieces", msg["message"])
	assert.Equal(t, aliceID.String(), msg["sender_id"])

	// The interleaved ping was answered and alice is still connected.
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := ws.ReadFrame(alice)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, frame.Header.OpCode)
	assert.Equal(t, "mid", string(frame.Payload))
	assert.True(t, h.reg.Online(aliceID))
}

func TestNotificationCreatedIsPushedToOwner(t *testing.T) {
	h := start(t)
	bob := h.connect(t, "bob", bobID)

	id := uuid.New()
	h.gw.HandleNotificationCreated(messaging.NotificationCreated{
		NotificationID: id,
		UserID:         bobID,
		Type:           "new_message",
		Title:          "New message",
	})

	msg := receive(t, bob)
	assert.Equal(t, "notification", msg["type"])
	assert.Equal(t, id.String(), msg["notification_id"])
	assert.Equal(t, "new_message", msg["notification_type"])
	assert.Equal(t, "New message", msg["title"])

	// Nobody is connected as alice; the event is dropped quietly.
	assert.NotPanics(t, func() {
		h.gw.HandleNotificationCreated(messaging.NotificationCreated{NotificationID: uuid.New(), UserID: aliceID})
	})
}
