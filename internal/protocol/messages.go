// Package protocol defines the realtime message types exchanged over the
// WebSocket connection. All messages are JSON objects carrying a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Client -> Server message types.
const (
	TypeChatMessage = "chat_message"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client message types. Chat and typing pushes reuse the inbound
// type names.
const (
	TypeError        = "error"
	TypePong         = "pong"
	TypeNotification = "notification"
)

// Error codes sent in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed message
// whose type the server does not accept.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ClientEvent is one of ChatMessageEvent, TypingEvent or PingEvent. The
// sender is never part of the payload; it is the identity bound to the
// connection.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// ChatMessageEvent asks the server to deliver text to another user.
type ChatMessageEvent struct {
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	ReceiverID uuid.UUID `json:"receiver_id"`
}

// TypingEvent reports whether the sender is composing a message to the
// receiver.
type TypingEvent struct {
	Type       string    `json:"type"`
	ReceiverID uuid.UUID `json:"receiver_id"`
	IsTyping   bool      `json:"is_typing"`
}

// PingEvent is a client-initiated keepalive.
type PingEvent struct {
	Type string `json:"type"`
}

func (ChatMessageEvent) EventType() string { return TypeChatMessage }
func (TypingEvent) EventType() string      { return TypeTyping }
func (PingEvent) EventType() string        { return TypePing }

func (ChatMessageEvent) clientEvent() {}
func (TypingEvent) clientEvent()      {}
func (PingEvent) clientEvent()        {}

// ---------------------------------------------------------------------------
// Server -> Client messages
// ---------------------------------------------------------------------------

// ChatMessagePush delivers a chat message to its receiver.
type ChatMessagePush struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SenderID  string `json:"sender_id"`
	Timestamp string `json:"timestamp"`
}

// TypingPush tells the receiver that UserID started or stopped typing, along
// with everyone currently typing to the receiver.
type TypingPush struct {
	Type        string   `json:"type"`
	UserID      string   `json:"user_id"`
	IsTyping    bool     `json:"is_typing"`
	TypingUsers []string `json:"typing_users"`
}

// NotificationPush announces a stored notification to its owner.
type NotificationPush struct {
	Type             string `json:"type"`
	NotificationID   string `json:"notification_id"`
	NotificationType string `json:"notification_type"`
	Title            string `json:"title"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the type string (when one could be read), the decoded event and
// any error. Unknown types and events without a receiver are errors.
func ParseClientMessage(data []byte) (string, ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		ev  ClientEvent
		err error
	)

	switch env.Type {
	case TypeChatMessage:
		var m ChatMessageEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.ReceiverID == uuid.Nil {
			err = fmt.Errorf("missing receiver_id")
		}
		ev = m
	case TypeTyping:
		var m TypingEvent
		if err = json.Unmarshal(env.Raw, &m); err == nil && m.ReceiverID == uuid.Nil {
			err = fmt.Errorf("missing receiver_id")
		}
		ev = m
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, ev, nil
}

// NewServerMessage marshals payload and sets its "type" key to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
