package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/urbanplaces/realtime/internal/logging"
)

type presenceResponse struct {
	UserID uuid.UUID `json:"user_id"`
	Online bool      `json:"online"`
}

// presence reports whether a user is connected. The local registry answers
// first; other instances are visible through the shared presence store.
func (h *Handler) presence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "user_id")
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "invalid user id")
		return
	}

	online := h.deps.Live != nil && h.deps.Live.Online(id)
	if !online && h.deps.Presence != nil {
		var err error
		online, err = h.deps.Presence.IsOnline(r.Context(), id)
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("presence lookup failed")
			online = false
		}
	}
	writeJSON(w, http.StatusOK, presenceResponse{UserID: id, Online: online})
}
