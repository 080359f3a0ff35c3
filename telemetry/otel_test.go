package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewWithoutEndpoint(t *testing.T) {
	console := logger.NewTestLogger()
	log, shutdown, err := New(context.Background(), Config{ServiceName: "test"}, console)
	require.NoError(t, err)
	assert.Same(t, console, log)
	shutdown()
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, _, err := New(context.Background(), Config{Endpoint: "ftp://collector"}, logger.NewTestLogger())
	assert.Error(t, err)
}

func TestNewExportsToCollector(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]string{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	console := logger.NewTestLogger()
	log, shutdown, err := New(context.Background(), Config{
		Endpoint:    server.URL,
		Token:       "secret",
		ServiceName: "test-service",
	}, console)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "work")
	span.End()
	log.Info("hello %s", "collector")
	shutdown()

	assert.True(t, console.Contains("INFO", "hello collector"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer secret", paths["/v1/traces"])
	assert.Equal(t, "Bearer secret", paths["/v1/logs"])
}
