// Package gateway connects the WebSocket transport to the connection
// registry: it registers sockets as they authenticate, routes chat and typing
// events from each socket's bound identity, and applies rate limits and
// message validation on the way in.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/protocol"
	"github.com/urbanplaces/realtime/internal/ratelimit"
	"github.com/urbanplaces/realtime/internal/registry"
	"github.com/urbanplaces/realtime/internal/ws"
)

// Limiter decides whether an identifier may perform the action a rule
// covers. ratelimit.Limiter implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Presence mirrors online state for other instances. presence.Store
// implements it.
type Presence interface {
	SetOnline(ctx context.Context, userID uuid.UUID, connID string) error
	SetOffline(ctx context.Context, userID uuid.UUID, connID string) error
	Touch(ctx context.Context, userID uuid.UUID) error
}

// Gateway owns the message dispatcher and the transport hooks.
type Gateway struct {
	reg        *registry.Registry
	dispatcher *ws.MessageDispatcher
	limiter    Limiter
	presence   Presence
	opTimeout  time.Duration
	log        *logrus.Entry
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter enables per-user chat and typing limits and the per-IP
// connect limit.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithPresence mirrors connects and disconnects into p.
func WithPresence(p Presence) Option {
	return func(g *Gateway) { g.presence = p }
}

// New creates a Gateway that routes through reg.
func New(reg *registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		reg:        reg,
		dispatcher: ws.NewMessageDispatcher(),
		opTimeout:  2 * time.Second,
		log:        logrus.WithField("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.dispatcher.Register(protocol.TypeChatMessage, g.handleChatMessage)
	g.dispatcher.Register(protocol.TypeTyping, g.handleTyping)
	return g
}

// HandleNotificationCreated pushes a notification.created event to its
// owner when they are connected to this instance.
func (g *Gateway) HandleNotificationCreated(ev messaging.NotificationCreated) {
	g.reg.DeliverNotification(ev.UserID, protocol.NotificationPush{
		NotificationID:   ev.NotificationID.String(),
		NotificationType: ev.Type,
		Title:            ev.Title,
	})
}

// Dispatch is the onMessage callback to pass to ws.NewServer.
func (g *Gateway) Dispatch(conn *ws.Connection, data []byte) {
	g.dispatcher.Dispatch(conn, data)
}

// Attach installs the connect and disconnect hooks on s.
func (g *Gateway) Attach(s *ws.Server) {
	s.SetOnConnect(g.handleConnect)
	s.SetOnDisconnect(g.handleDisconnect)
	if g.limiter != nil {
		s.SetConnectLimiter(g.allowConnect)
	}
}

func (g *Gateway) handleConnect(conn *ws.Connection) {
	g.reg.Register(conn.UserID, conn)

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
		defer cancel()
		if err := g.presence.SetOnline(ctx, conn.UserID, conn.ID); err != nil {
			g.log.WithError(err).WithField("user_id", conn.UserID).Warn("presence set online failed")
		}
	}
}

func (g *Gateway) handleDisconnect(conn *ws.Connection) {
	g.reg.Unregister(conn, conn.UserID)

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
		defer cancel()
		if err := g.presence.SetOffline(ctx, conn.UserID, conn.ID); err != nil {
			g.log.WithError(err).WithField("user_id", conn.UserID).Warn("presence set offline failed")
		}
	}
}

func (g *Gateway) allowConnect(ctx context.Context, ip string) bool {
	return g.allow(ctx, ip, ratelimit.RuleConnect)
}

// allow applies rule to identifier. Limiter errors fail open.
func (g *Gateway) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		return true
	}
	if !ok {
		metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
	}
	return ok
}

func (g *Gateway) handleChatMessage(conn *ws.Connection, ev protocol.ClientEvent) {
	msg, ok := ev.(protocol.ChatMessageEvent)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	if !g.allow(ctx, conn.UserID.String(), ratelimit.RuleChat) {
		g.dispatcher.SendError(conn, protocol.CodeRateLimited, "too many messages, slow down")
		return
	}
	if err := protocol.ValidateChatText(msg.Message); err != nil {
		g.dispatcher.SendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}

	g.reg.DeliverChatMessage(msg.Message, msg.ReceiverID, conn.UserID)
	g.touch(ctx, conn.UserID)
}

func (g *Gateway) handleTyping(conn *ws.Connection, ev protocol.ClientEvent) {
	msg, ok := ev.(protocol.TypingEvent)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	// Only starts are limited.
	if msg.IsTyping && !g.allow(ctx, conn.UserID.String(), ratelimit.RuleTyping) {
		return
	}

	g.reg.SetTyping(msg.ReceiverID, conn.UserID, msg.IsTyping)
	g.touch(ctx, conn.UserID)
}

func (g *Gateway) touch(ctx context.Context, userID uuid.UUID) {
	if g.presence == nil {
		return
	}
	if err := g.presence.Touch(ctx, userID); err != nil {
		g.log.WithError(err).WithField("user_id", userID).Debug("presence touch failed")
	}
}
