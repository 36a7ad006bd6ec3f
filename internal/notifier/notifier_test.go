package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/notification"
)

type fakeNames map[uuid.UUID]string

func (f fakeNames) DisplayName(_ context.Context, id uuid.UUID) (string, error) {
	if name, ok := f[id]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

type fakeStore struct {
	created []*notification.Notification
	err     error
}

func (f *fakeStore) Create(_ context.Context, n *notification.Notification) error {
	if f.err != nil {
		return f.err
	}
	n.ID = uuid.New()
	n.CreatedAt = time.Now()
	f.created = append(f.created, n)
	return nil
}

type fakePublisher struct {
	events []messaging.NotificationCreated
}

func (f *fakePublisher) PublishNotificationCreated(ev messaging.NotificationCreated) error {
	f.events = append(f.events, ev)
	return nil
}

func TestNotifyStoresAndPublishes(t *testing.T) {
	sender, receiver, msgID := uuid.New(), uuid.New(), uuid.New()
	store := &fakeStore{}
	pub := &fakePublisher{}
	svc := New(fakeNames{sender: "Ada Lovelace"}, store, pub)

	n, err := svc.Notify(context.Background(), messaging.MessageCreated{
		MessageID:  msgID,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    "see you at the park",
	})
	require.NoError(t, err)

	assert.Equal(t, receiver, n.UserID)
	assert.Equal(t, notification.TypeNewMessage, n.Type)
	assert.Equal(t, "New message", n.Title)
	assert.Equal(t, "You have a new message from Ada Lovelace", n.Message)
	assert.Equal(t, "message", n.RelatedEntityType)
	require.NotNil(t, n.RelatedEntityID)
	assert.Equal(t, msgID, *n.RelatedEntityID)
	assert.Equal(t, "see you at the park", n.Metadata["preview"])
	assert.Equal(t, sender.String(), n.Metadata["sender_id"])

	require.Len(t, pub.events, 1)
	assert.Equal(t, n.ID, pub.events[0].NotificationID)
	assert.Equal(t, "new_message", pub.events[0].Type)
}

func TestNotifyUnknownSenderStillNotifies(t *testing.T) {
	store := &fakeStore{}
	svc := New(fakeNames{}, store, nil)

	n, err := svc.Notify(context.Background(), messaging.MessageCreated{
		MessageID: uuid.New(), SenderID: uuid.New(), ReceiverID: uuid.New(), Content: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "You have a new message from someone", n.Message)
	assert.Len(t, store.created, 1)
}

func TestNotifyStoreFailure(t *testing.T) {
	pub := &fakePublisher{}
	svc := New(fakeNames{}, &fakeStore{err: errors.New("db down")}, pub)

	_, err := svc.Notify(context.Background(), messaging.MessageCreated{MessageID: uuid.New()})
	require.Error(t, err)
	assert.Empty(t, pub.events)

	svc.HandleMessageCreated(messaging.MessageCreated{MessageID: uuid.New()})
}

func TestPreviewIsRuneSafe(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("é", PreviewChars+20)
	got := Preview(long)
	assert.Equal(t, PreviewChars, len([]rune(got)))
	assert.Equal(t, strings.Repeat("é", PreviewChars), got)
}
