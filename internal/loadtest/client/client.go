// Package client is a WebSocket load test client for the realtime gateway.
// It connects with gobwas/ws (the same library the server uses), dispatches
// pushes to per-type handlers and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/urbanplaces/realtime/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user connected to the gateway.
type Client struct {
	conn      net.Conn
	userID    uuid.UUID
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

// New dials serverURL with token as the access token. Handlers must be
// registered through opts so they are in place before the first push.
func New(ctx context.Context, serverURL, token string, userID uuid.UUID, opts ...Option) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	c := &Client{
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		start:    time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	c.metrics.ConnectLatency = time.Since(c.start)

	go c.readLoop()
	return c, nil
}

// Option configures a Client.
type Option func(*Client)

// On registers handler for pushes of msgType. Handlers run on the read loop
// goroutine.
func On(msgType string, handler func(json.RawMessage)) Option {
	return func(c *Client) { c.handlers[msgType] = handler }
}

// UserID returns the identity the client connected as.
func (c *Client) UserID() uuid.UUID { return c.userID }

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// SendChat sends a chat_message to receiver.
func (c *Client) SendChat(receiver uuid.UUID, text string) error {
	return c.Send(protocol.ChatMessageEvent{
		Type:       protocol.TypeChatMessage,
		Message:    text,
		ReceiverID: receiver,
	})
}

// SendTyping sends a typing event to receiver.
func (c *Client) SendTyping(receiver uuid.UUID, isTyping bool) error {
	return c.Send(protocol.TypingEvent{
		Type:       protocol.TypeTyping,
		ReceiverID: receiver,
		IsTyping:   isTyping,
	})
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		if c.metrics.MessagesReceived == 0 {
			c.metrics.FirstMsgLatency = time.Since(c.start)
		}
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
