package ws

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/protocol"
)

// MessageHandler handles one parsed client event. The event is the concrete
// value returned by protocol.ParseClientMessage (protocol.ChatMessageEvent or
// protocol.TypingEvent).
type MessageHandler func(conn *Connection, ev protocol.ClientEvent)

// MessageDispatcher routes incoming frames to handlers by message type. It
// answers ping itself and replies with an error message to frames it cannot
// parse or route.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *logrus.Entry
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logrus.WithField("component", "dispatcher"),
	}
}

// Register associates a handler with a message type, replacing any previous
// one. Handlers must be registered before the server starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, ev, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.WithError(err).WithField("conn_id", conn.ID).Debug("dispatch parse error")
		if errors.Is(err, protocol.ErrUnknownType) {
			d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	metrics.InboundEventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.WithFields(logrus.Fields{
			"type":    msgType,
			"conn_id": conn.ID,
		}).Debug("unsupported message type")
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, ev)
}

// SendError sends an error message to the client.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	d.reply(conn, protocol.TypePong, protocol.PongMsg{})
}

// reply writes a server message to conn. Failures are logged only; a broken
// socket is cleaned up by the read path or the heartbeat.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.WithError(err).WithField("type", msgType).Error("failed to encode reply")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"type":    msgType,
			"conn_id": conn.ID,
		}).Debug("failed to send reply")
	}
}
