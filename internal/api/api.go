// Package api serves the REST surface next to the realtime socket: direct
// message history and sending, notifications, presence and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/urbanplaces/realtime/internal/logging"
	"github.com/urbanplaces/realtime/internal/message"
	"github.com/urbanplaces/realtime/internal/messaging"
	"github.com/urbanplaces/realtime/internal/metrics"
	"github.com/urbanplaces/realtime/internal/notification"
	"github.com/urbanplaces/realtime/internal/ratelimit"
)

// Authenticator resolves a bearer token to a user ID.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
}

// Users checks that a user exists.
type Users interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// Messages persists direct messages. message.Store implements it.
type Messages interface {
	Create(ctx context.Context, senderID, receiverID uuid.UUID, content string) (*message.Message, error)
	Conversation(ctx context.Context, a, b uuid.UUID, offset, limit int) ([]message.Message, error)
	MarkRead(ctx context.Context, id, receiverID uuid.UUID) error
}

// Notifications reads and updates notifications. notification.Store
// implements it.
type Notifications interface {
	ListForUser(ctx context.Context, userID uuid.UUID, offset, limit int, unreadOnly bool) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int64, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
}

// Publisher emits domain events. messaging.NATSClient implements it.
type Publisher interface {
	PublishMessageCreated(ev messaging.MessageCreated) error
}

// Live is the realtime side: best-effort delivery and local presence.
// registry.Registry implements it.
type Live interface {
	DeliverChatMessage(content string, receiverID, senderID uuid.UUID)
	Online(userID uuid.UUID) bool
}

// PresenceLookup answers whether a user is online on any instance.
type PresenceLookup interface {
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Limiter applies a rate limit rule to an identifier. ratelimit.Limiter
// implements it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// Deps are the collaborators of the REST handlers. Publisher, Presence and
// Limiter are optional.
type Deps struct {
	Auth          Authenticator
	Users         Users
	Messages      Messages
	Notifications Notifications
	Live          Live
	Publisher     Publisher
	Presence      PresenceLookup
	Limiter       Limiter
	CORSOrigins   []string
}

// Handler holds the REST handlers.
type Handler struct {
	deps Deps
}

// New creates a Handler.
func New(deps Deps) *Handler {
	return &Handler{deps: deps}
}

type contextKeyUser struct{}

// Router builds the HTTP handler: /api/v1 routes behind bearer auth plus
// /metrics.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	logging.AddRequestID(r)
	r.Use(instrument)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate)

	v1.Handle("/messages/{user_id}", handlers.CompressHandler(http.HandlerFunc(h.listMessages))).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{user_id}", h.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages/{message_id}/read", h.markMessageRead).Methods(http.MethodPatch)

	v1.Handle("/notifications", handlers.CompressHandler(http.HandlerFunc(h.listNotifications))).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/unread-count", h.unreadNotificationCount).Methods(http.MethodGet)
	v1.HandleFunc("/notifications/read-all", h.markAllNotificationsRead).Methods(http.MethodPost)
	v1.HandleFunc("/notifications/{notification_id}/read", h.markNotificationRead).Methods(http.MethodPatch)

	v1.HandleFunc("/presence/{user_id}", h.presence).Methods(http.MethodGet)

	var handler http.Handler = r
	if len(h.deps.CORSOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(h.deps.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.AllowCredentials(),
		)(handler)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(logrus.StandardLogger()))(handler)
}

// instrument records request count and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		m := httpsnoop.CaptureMetrics(next, w, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(m.Code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(m.Duration.Seconds())
	})
}

// authenticate requires a valid bearer token and stores the caller's ID in
// the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		userID, err := h.deps.Auth.Authenticate(r.Context(), strings.TrimSpace(header[7:]))
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Info("rejected bearer token")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUser{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(contextKeyUser{}).(uuid.UUID)
	return id
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// pathUUID parses the named route variable.
func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	return id, err == nil
}

// pageParams reads skip and limit, falling back to 0 and def.
func pageParams(r *http.Request, def int) (skip, limit int, ok bool) {
	q := r.URL.Query()
	skip, limit = 0, def
	if v := q.Get("skip"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		skip = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		limit = n
	}
	return skip, limit, true
}
