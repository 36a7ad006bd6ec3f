// Package notifier turns message.created events into stored notifications
// for the receiver and announces them on notification.created.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/notification"
)

// QueueGroup load-balances message.created across notifier replicas.
const QueueGroup = "notifier"

// PreviewChars is the rune length of the message preview kept in metadata.
const PreviewChars = 100

// Names resolves a user's display name.
type Names interface {
	DisplayName(ctx context.Context, id uuid.UUID) (string, error)
}

// Notifications persists notifications. notification.Store implements it.
type Notifications interface {
	Create(ctx context.Context, n *notification.Notification) error
}

// Publisher announces stored notifications. messaging.NATSClient implements
// it.
type Publisher interface {
	PublishNotificationCreated(ev messaging.NotificationCreated) error
}

// Service handles message.created events.
type Service struct {
	names   Names
	store   Notifications
	pub     Publisher
	timeout time.Duration
	log     *logrus.Entry
}

// New creates a Service. pub may be nil.
func New(names Names, store Notifications, pub Publisher) *Service {
	return &Service{
		names:   names,
		store:   store,
		pub:     pub,
		timeout: 5 * time.Second,
		log:     logrus.WithField("component", "notifier"),
	}
}

// HandleMessageCreated stores a new_message notification for the receiver.
// Errors are logged; the event is not retried.
func (s *Service) HandleMessageCreated(ev messaging.MessageCreated) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log := s.log.WithFields(logrus.Fields{
		"message_id":  ev.MessageID,
		"receiver_id": ev.ReceiverID,
	})

	n, err := s.Notify(ctx, ev)
	if err != nil {
		log.WithError(err).Error("create notification")
		return
	}
	log.WithField("notification_id", n.ID).Debug("notification created")
}

// Notify builds, stores and publishes the notification for ev.
func (s *Service) Notify(ctx context.Context, ev messaging.MessageCreated) (*notification.Notification, error) {
	name, err := s.names.DisplayName(ctx, ev.SenderID)
	if err != nil {
		s.log.WithError(err).WithField("sender_id", ev.SenderID).Warn("sender name lookup failed")
		name = "someone"
	}

	messageID := ev.MessageID
	n := &notification.Notification{
		UserID:            ev.ReceiverID,
		Type:              notification.TypeNewMessage,
		Title:             "New message",
		Message:           fmt.Sprintf("You have a new message from %s", name),
		RelatedEntityType: "message",
		RelatedEntityID:   &messageID,
		Metadata: map[string]string{
			"sender_id": ev.SenderID.String(),
			"preview":   Preview(ev.Content),
		},
	}
	if err := s.store.Create(ctx, n); err != nil {
		return nil, err
	}

	if s.pub != nil {
		err := s.pub.PublishNotificationCreated(messaging.NotificationCreated{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Type:           string(n.Type),
			Title:          n.Title,
		})
		if err != nil {
			s.log.WithError(err).WithField("notification_id", n.ID).Warn("publish notification.created")
		}
	}
	return n, nil
}

// Preview returns the first PreviewChars runes of content.
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewChars {
		return content
	}
	return string(runes[:PreviewChars])
}
