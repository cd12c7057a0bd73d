package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func withSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func TestTracing_NamesSpanAfterRoutePattern(t *testing.T) {
	sr := withSpanRecorder(t)

	r := chi.NewRouter()
	r.Use(Tracing())
	r.Post("/outbox/{id}/redrive", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/outbox/123/redrive", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /outbox/{id}/redrive", spans[0].Name())
}

func TestTracing_WithoutRoutePattern(t *testing.T) {
	sr := withSpanRecorder(t)

	handler := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/unknown", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /unknown", spans[0].Name())
}

func TestTracing_PreservesResponse(t *testing.T) {
	expectedBody := `{"message":"test response"}`
	handler := Tracing()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(expectedBody))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", nil))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, expectedBody, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}
