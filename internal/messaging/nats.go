// Package messaging wraps the NATS connection used to fan domain events out
// of the gateway. It owns connection lifecycle, subject names and the JSON
// encoding of the events.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATS subjects.
const (
	SubjectMessageCreated      = "message.created"
	SubjectNotificationCreated = "notification.created"
)

// MessageCreated is published after a direct message is persisted.
type MessageCreated struct {
	MessageID  uuid.UUID `json:"message_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationCreated is published after a notification is persisted.
type NotificationCreated struct {
	NotificationID uuid.UUID `json:"notification_id"`
	UserID         uuid.UUID `json:"user_id"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
	log  *logrus.Entry
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "urbanplaces-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logrus.WithField("component", "nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
		log:  log,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject. With a non-empty queue the
// subscription joins that queue group, so each message reaches one member.
func (c *NATSClient) Subscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = c.conn.Subscribe(subject, handler)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// PublishMessageCreated publishes ev on message.created.
func (c *NATSClient) PublishMessageCreated(ev MessageCreated) error {
	return c.publishJSON(SubjectMessageCreated, ev)
}

// SubscribeMessageCreated decodes message.created events for handler.
// Undecodable payloads are logged and dropped.
func (c *NATSClient) SubscribeMessageCreated(queue string, handler func(MessageCreated)) error {
	return c.Subscribe(SubjectMessageCreated, queue, func(msg *nats.Msg) {
		var ev MessageCreated
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).WithField("subject", msg.Subject).Warn("dropping malformed event")
			return
		}
		handler(ev)
	})
}

// PublishNotificationCreated publishes ev on notification.created.
func (c *NATSClient) PublishNotificationCreated(ev NotificationCreated) error {
	return c.publishJSON(SubjectNotificationCreated, ev)
}

// SubscribeNotificationCreated decodes notification.created events for
// handler.
func (c *NATSClient) SubscribeNotificationCreated(queue string, handler func(NotificationCreated)) error {
	return c.Subscribe(SubjectNotificationCreated, queue, func(msg *nats.Msg) {
		var ev NotificationCreated
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).WithField("subject", msg.Subject).Warn("dropping malformed event")
			return
		}
		handler(ev)
	})
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: encode %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.WithError(err).WithField("subject", subject).Warn("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.WithError(err).Warn("connection drain failed")
	}

	c.log.Info("client closed")
}
