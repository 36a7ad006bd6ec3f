// Package registry tracks which users are online and routes chat messages
// and typing indicators to their live realtime connection.
//
// A user has at most one registered connection; registering again replaces
// the previous handle. Delivery is best effort: events for users that are not
// registered are dropped, and a connection that fails a write is
// unregistered.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/protocol"
)

// Conn is a live connection that accepts encoded server messages.
// Implementations must be safe for concurrent writes.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry holds the online-user table and per-recipient typing sets.
// The zero value is not usable; create one with New.
type Registry struct {
	mu     sync.Mutex
	conns  map[uuid.UUID]Conn
	typing map[uuid.UUID][]uuid.UUID // receiver -> senders, in arrival order

	now func() time.Time
	log *logrus.Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the clock used for chat message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *logrus.Entry) Option {
	return func(r *Registry) { r.log = l }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[uuid.UUID]Conn),
		typing: make(map[uuid.UUID][]uuid.UUID),
		now:    time.Now,
		log:    logrus.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes conn the live connection for userID, replacing any
// previous one. The replaced connection is not closed.
func (r *Registry) Register(userID uuid.UUID, conn Conn) {
	r.mu.Lock()
	r.conns[userID] = conn
	metrics.OnlineUsers.Set(float64(len(r.conns)))
	r.mu.Unlock()
}

// Unregister removes userID from the online table and from every typing set.
// It is a no-op when a different connection is registered for userID, so
// tearing down a replaced socket does not evict its successor. A nil conn
// matches whatever is registered.
func (r *Registry) Unregister(conn Conn, userID uuid.UUID) {
	r.mu.Lock()
	if current, ok := r.conns[userID]; ok {
		if conn != nil && current != conn {
			r.mu.Unlock()
			return
		}
		delete(r.conns, userID)
	}
	for receiver, senders := range r.typing {
		r.typing[receiver] = without(senders, userID)
	}
	metrics.OnlineUsers.Set(float64(len(r.conns)))
	r.mu.Unlock()
}

// DeliverChatMessage pushes content from senderID to receiverID if the
// receiver is online. Otherwise the message is dropped.
func (r *Registry) DeliverChatMessage(content string, receiverID, senderID uuid.UUID) {
	conn, ok := r.Lookup(receiverID)
	if !ok {
		metrics.PushesTotal.WithLabelValues(protocol.TypeChatMessage, metrics.OutcomeOffline).Inc()
		return
	}

	r.push(receiverID, conn, protocol.TypeChatMessage, protocol.ChatMessagePush{
		Message:   content,
		SenderID:  senderID.String(),
		Timestamp: r.now().UTC().Format(time.RFC3339),
	})
}

// SetTyping records whether senderID is typing to receiverID and, if the
// receiver is online, pushes the updated typing set. The state is kept even
// when the receiver is offline.
func (r *Registry) SetTyping(receiverID, senderID uuid.UUID, isTyping bool) {
	r.mu.Lock()
	senders := r.typing[receiverID]
	if isTyping {
		if !contains(senders, senderID) {
			senders = append(senders, senderID)
		}
	} else {
		senders = without(senders, senderID)
	}
	r.typing[receiverID] = senders

	users := make([]string, len(senders))
	for i, id := range senders {
		users[i] = id.String()
	}
	conn, online := r.conns[receiverID]
	r.mu.Unlock()

	if !online {
		metrics.PushesTotal.WithLabelValues(protocol.TypeTyping, metrics.OutcomeOffline).Inc()
		return
	}

	r.push(receiverID, conn, protocol.TypeTyping, protocol.TypingPush{
		UserID:      senderID.String(),
		IsTyping:    isTyping,
		TypingUsers: users,
	})
}

// DeliverNotification pushes n to userID if they are online here.
func (r *Registry) DeliverNotification(userID uuid.UUID, n protocol.NotificationPush) {
	conn, ok := r.Lookup(userID)
	if !ok {
		metrics.PushesTotal.WithLabelValues(protocol.TypeNotification, metrics.OutcomeOffline).Inc()
		return
	}
	r.push(userID, conn, protocol.TypeNotification, n)
}

// Lookup returns the live connection registered for userID.
func (r *Registry) Lookup(userID uuid.UUID) (Conn, bool) {
	r.mu.Lock()
	conn, ok := r.conns[userID]
	r.mu.Unlock()
	return conn, ok
}

// Online reports whether userID has a registered connection.
func (r *Registry) Online(userID uuid.UUID) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// TypingUsers returns a copy of the senders currently typing to receiverID.
func (r *Registry) TypingUsers(receiverID uuid.UUID) []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.typing[receiverID]...)
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// push writes one message outside the lock. A failed write unregisters the
// connection it was sent to.
func (r *Registry) push(userID uuid.UUID, conn Conn, kind string, payload interface{}) {
	data, err := protocol.NewServerMessage(kind, payload)
	if err != nil {
		r.log.WithError(err).WithField("kind", kind).Error("failed to encode push")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"kind":    kind,
			"user_id": userID,
		}).Warn("push failed, unregistering connection")
		metrics.PushesTotal.WithLabelValues(kind, metrics.OutcomeFailed).Inc()
		r.Unregister(conn, userID)
		return
	}
	metrics.PushesTotal.WithLabelValues(kind, metrics.OutcomeDelivered).Inc()
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// without returns ids minus id. The backing array is reused.
func without(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
