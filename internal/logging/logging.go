// Package logging configures logrus for the gateway and carries per-request
// loggers through request contexts.
package logging

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const (
	requestIDKey = "request_id"
	componentKey = "component"
)

type contextKeyLogger struct{}

// Init sets the global formatter and level. Unknown levels fall back to info.
func Init(level, format string) {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	logrus.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}

// Component returns a logger tagged with the given component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField(componentKey, name)
}

// ContextWithLogger returns ctx unchanged when it already carries a logger,
// otherwise a copy carrying a logger with a fresh request id.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if l, ok := ctx.Value(contextKeyLogger{}).(*logrus.Entry); ok {
		return ctx, l
	}
	l := logrus.WithField(requestIDKey, uuid.New().String())
	return context.WithValue(ctx, contextKeyLogger{}, l), l
}

// FromContext returns the request logger stored in ctx, or the standard
// logger when there is none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if l, ok := ctx.Value(contextKeyLogger{}).(*logrus.Entry); ok {
			return l
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-Id"

// AddRequestID installs a middleware on router that attaches a request
// logger to every request context and echoes its id in RequestIDHeader.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, l := ContextWithLogger(r.Context())
			if id, ok := l.Data[requestIDKey].(string); ok {
				w.Header().Set(RequestIDHeader, id)
			}
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}
