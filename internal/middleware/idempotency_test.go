package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/internal/repository/memory"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/cassiomorais/courier/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idempotencyHarness struct {
	clock   *testutil.Clock
	calls   atomic.Int32
	handler http.Handler
}

func newIdempotencyHarness(t *testing.T, cfg service.IdempotencyConfig, h http.HandlerFunc) *idempotencyHarness {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := service.NewIdempotencyService(memory.NewIdempotencyStore(clock.Now), memory.NewLocker(clock.Now), cfg, zerolog.Nop()).
		WithClock(clock.Now)

	hs := &idempotencyHarness{clock: clock}
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.calls.Add(1)
		h(w, r)
	})
	hs.handler = Idempotency(svc, zerolog.Nop(), observability.NewNopMetrics())(counted)
	return hs
}

func (h *idempotencyHarness) do(method, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/v1/events", strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotency.HeaderKey, key)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func testIdempotencyConfig() service.IdempotencyConfig {
	return service.IdempotencyConfig{
		TTL:          time.Hour,
		LockTTL:      time.Minute,
		LockWait:     2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}
}

// createdHandler echoes the request body with a per-call sequence number, so a
// replay is distinguishable from a second execution.
func createdHandler() http.HandlerFunc {
	var seq atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"seq": seq.Add(1), "echo": string(body)})
	}
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

	first := h.do(http.MethodPost, "key-1", `{"a":1}`)
	second := h.do(http.MethodPost, "key-1", `{"a":1}`)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
}

func TestIdempotency_HandlerSeesFullBody(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

	w := h.do(http.MethodPost, "key-1", `{"a":1}`)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, `{"a":1}`, resp["echo"])
}

func TestIdempotency_DifferentBodyConflicts(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

	first := h.do(http.MethodPost, "key-1", `{"a":1}`)
	second := h.do(http.MethodPost, "key-1", `{"a":2}`)

	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.NotEqual(t, first.Body.String(), second.Body.String())

	var resp map[string]string
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.Equal(t, "idempotency_key_conflict", resp["code"])
}

func TestIdempotency_ConcurrentFirstAttemptsExecuteOnce(t *testing.T) {
	inner := createdHandler()
	h := newIdempotencyHarness(t, testIdempotencyConfig(), func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		inner(w, r)
	})

	const n = 8
	responses := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = h.do(http.MethodPost, "key-1", `{"a":1}`)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.calls.Load())
	for _, w := range responses {
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, responses[0].Body.String(), w.Body.String())
	}
}

func TestIdempotency_ContentionReturns429(t *testing.T) {
	cfg := testIdempotencyConfig()
	cfg.LockWait = 20 * time.Millisecond
	release := make(chan struct{})
	h := newIdempotencyHarness(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusCreated)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.do(http.MethodPost, "key-1", `{}`)
	}()
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, time.Second, time.Millisecond)

	w := h.do(http.MethodPost, "key-1", `{}`)
	close(release)
	<-done

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "idempotency_request_in_progress", resp["code"])
}

func TestIdempotency_ExpiredRecordExecutesAgain(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

	first := h.do(http.MethodPost, "key-1", `{"a":1}`)
	h.clock.Advance(time.Hour + time.Second)
	second := h.do(http.MethodPost, "key-1", `{"a":1}`)

	assert.Equal(t, int32(2), h.calls.Load())
	assert.NotEqual(t, first.Body.String(), second.Body.String())
	assert.Empty(t, second.Header().Get(idempotency.HeaderReplayed))
}

func TestIdempotency_ServerErrorIsNotStored(t *testing.T) {
	fail := true
	h := newIdempotencyHarness(t, testIdempotencyConfig(), func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	first := h.do(http.MethodPost, "key-1", `{}`)
	fail = false
	second := h.do(http.MethodPost, "key-1", `{}`)
	third := h.do(http.MethodPost, "key-1", `{}`)

	assert.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestIdempotency_ClientErrorIsStored(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	h.do(http.MethodPost, "key-1", `{}`)
	second := h.do(http.MethodPost, "key-1", `{}`)

	assert.Equal(t, http.StatusUnprocessableEntity, second.Code)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestIdempotency_OversizedResponseIsNotStored(t *testing.T) {
	big := strings.Repeat("x", maxIdempotencyBodySize+1)
	h := newIdempotencyHarness(t, testIdempotencyConfig(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(big))
	})

	first := h.do(http.MethodPost, "key-1", `{}`)
	h.do(http.MethodPost, "key-1", `{}`)

	assert.Len(t, first.Body.String(), len(big), "the client still gets the full body")
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestIdempotency_PanicReleasesLock(t *testing.T) {
	panicking := true
	h := newIdempotencyHarness(t, testIdempotencyConfig(), func(w http.ResponseWriter, r *http.Request) {
		if panicking {
			panic("boom")
		}
		w.WriteHeader(http.StatusCreated)
	})

	assert.Panics(t, func() { h.do(http.MethodPost, "key-1", `{}`) })
	panicking = false

	w := h.do(http.MethodPost, "key-1", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestIdempotency_PassThrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		key    string
	}{
		{"no key", http.MethodPost, ""},
		{"GET with key", http.MethodGet, "key-1"},
		{"DELETE with key", http.MethodDelete, "key-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

			h.do(tt.method, tt.key, `{}`)
			second := h.do(tt.method, tt.key, `{}`)

			assert.Equal(t, int32(2), h.calls.Load())
			assert.Empty(t, second.Header().Get(idempotency.HeaderReplayed))
		})
	}
}

func TestIdempotency_KeyTooLong(t *testing.T) {
	h := newIdempotencyHarness(t, testIdempotencyConfig(), createdHandler())

	w := h.do(http.MethodPost, strings.Repeat("k", maxIdempotencyKeyLen+1), `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, h.calls.Load())
}

func TestResponseRecorder_KeepsFirstStatus(t *testing.T) {
	w := httptest.NewRecorder()
	rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}

	rec.WriteHeader(http.StatusAccepted)
	rec.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusAccepted, rec.statusCode)
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{2500 * time.Millisecond, "3"},
		{3 * time.Second, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfterSeconds(tt.in))
		})
	}
}
