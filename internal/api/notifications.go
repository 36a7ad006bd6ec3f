package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/urbanplaces/realtime/internal/logging"
	"github.com/urbanplaces/realtime/internal/notification"
)

type unreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	skip, limit, ok := pageParams(r, notification.DefaultLimit)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid skip or limit")
		return
	}
	unreadOnly := false
	if v := r.URL.Query().Get("unread_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid unread_only")
			return
		}
		unreadOnly = b
	}

	list, err := h.deps.Notifications.ListForUser(r.Context(), currentUser(r), skip, limit, unreadOnly)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("list notifications")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "notification_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid notification id")
		return
	}

	err := h.deps.Notifications.MarkRead(r.Context(), id, currentUser(r))
	switch {
	case errors.Is(err, notification.ErrNotFound):
		writeError(w, http.StatusNotFound, "Notification not found")
	case err != nil:
		logging.FromContext(r.Context()).WithError(err).Error("mark notification read")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, statusResponse{Status: "notification marked as read"})
	}
}

func (h *Handler) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Notifications.MarkAllRead(r.Context(), currentUser(r)); err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("mark all notifications read")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "all notifications marked as read"})
}

func (h *Handler) unreadNotificationCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Notifications.CountUnread(r.Context(), currentUser(r))
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("count unread notifications")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, unreadCountResponse{UnreadCount: n})
}
