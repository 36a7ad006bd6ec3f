package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLevel(t *testing.T) {
	t.Cleanup(func() { logrus.SetLevel(logrus.InfoLevel) })

	Init("debug", "json")
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	_, isJSON := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	Init("bogus", "text")
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestContextWithLoggerIsStable(t *testing.T) {
	ctx, first := ContextWithLogger(context.Background())
	require.Contains(t, first.Data, requestIDKey)

	again, second := ContextWithLogger(ctx)
	assert.Equal(t, ctx, again)
	assert.Equal(t, first, second)
	assert.Equal(t, first, FromContext(ctx))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)

	var seen *logrus.Entry
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, seen)
	require.Contains(t, seen.Data, requestIDKey)
	assert.Equal(t, seen.Data[requestIDKey], rec.Header().Get(RequestIDHeader))
}
