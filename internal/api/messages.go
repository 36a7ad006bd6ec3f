package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/logging"
	"github.com/urbanplaces/realtime/internal/message"
	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/protocol"
	"github.com/urbanplaces/realtime/internal/ratelimit"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// listMessages returns the conversation between the caller and user_id,
// newest first.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	other, ok := pathUUID(r, "user_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid user id")
		return
	}
	skip, limit, ok := pageParams(r, message.DefaultLimit)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid skip or limit")
		return
	}

	if !h.userExists(w, r, other) {
		return
	}

	msgs, err := h.deps.Messages.Conversation(r.Context(), currentUser(r), other, skip, limit)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("load conversation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage persists a message, announces it and pushes it to the
// receiver if they are connected.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	sender := currentUser(r)

	receiver, ok := pathUUID(r, "user_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid user id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if err := protocol.ValidateChatText(req.Content); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if h.deps.Limiter != nil {
		rule := ratelimit.RuleSendMessage
		allowed, err := h.deps.Limiter.Allow(r.Context(), sender.String(), rule)
		if err == nil {
			setRateLimitHeaders(w, r, h.deps.Limiter, sender.String(), rule)
		}
		if err == nil && !allowed {
			metrics.RateLimitedTotal.WithLabelValues(rule.Name).Inc()
			writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
			return
		}
	}

	if !h.userExists(w, r, receiver) {
		return
	}

	msg, err := h.deps.Messages.Create(r.Context(), sender, receiver, req.Content)
	if err != nil {
		log.WithError(err).Error("store message")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	metrics.MessagesSentTotal.Inc()

	if h.deps.Publisher != nil {
		err := h.deps.Publisher.PublishMessageCreated(messaging.MessageCreated{
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Content:    msg.Content,
			CreatedAt:  msg.CreatedAt,
		})
		if err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Warn("publish message.created")
		}
	}

	if h.deps.Live != nil {
		h.deps.Live.DeliverChatMessage(msg.Content, msg.ReceiverID, msg.SenderID)
	}

	log.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"receiver_id": receiver,
	}).Debug("message sent")
	writeJSON(w, http.StatusOK, msg)
}

// markMessageRead marks a message addressed to the caller as read.
func (h *Handler) markMessageRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "message_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid message id")
		return
	}

	err := h.deps.Messages.MarkRead(r.Context(), id, currentUser(r))
	switch {
	case errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "Message not found")
	case err != nil:
		logging.FromContext(r.Context()).WithError(err).Error("mark message read")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, statusResponse{Status: "message marked as read"})
	}
}

// userExists writes a 404 (or 500) and returns false when id is unknown.
func (h *Handler) userExists(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	exists, err := h.deps.Users.Exists(r.Context(), id)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("look up user")
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !exists {
		writeError(w, http.StatusNotFound, "User not found")
		return false
	}
	return true
}

// setRateLimitHeaders reports rule's limit and what identifier has left in
// the current window. Nothing is set when the counter cannot be read.
func setRateLimitHeaders(w http.ResponseWriter, r *http.Request, l Limiter, identifier string, rule ratelimit.Rule) {
	left, err := l.Remaining(r.Context(), identifier, rule)
	if err != nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(left))
}
