package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/rs/zerolog"
)

const (
	maxIdempotencyBodySize = 1 << 20
	maxIdempotencyKeyLen   = 255
	maxRequestBodySize     = 1 << 20
)

// Idempotency makes POST, PUT and PATCH requests carrying an Idempotency-Key
// safe to retry. The first request for a key runs the handler and stores the
// response; later requests with the same key and body get that response back.
// 5xx and oversized responses are not stored.
func Idempotency(svc *service.IdempotencyService, logger zerolog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	logger = observability.Component(logger, "idempotency")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotency.HeaderKey)
			if key == "" || !isMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				writeError(w, http.StatusBadRequest, "invalid_idempotency_key", "Idempotency-Key must be at most 255 characters")
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			hash := idempotency.ComputeRequestHash(r.Method, r.URL.RequestURI(), body)
			log := logger.With().Str("idempotency_key", key).Logger()

			stored, lease, err := svc.Acquire(ctx, key, hash)
			switch {
			case errors.Is(err, domainErrors.ErrIdempotencyKeyConflict):
				metrics.IdempotencyRequests.WithLabelValues("conflict").Inc()
				writeError(w, http.StatusConflict, "idempotency_key_conflict", err.Error())
				return
			case errors.Is(err, domainErrors.ErrLockContention):
				metrics.IdempotencyRequests.WithLabelValues("contention").Inc()
				w.Header().Set("Retry-After", retryAfterSeconds(svc.RetryAfter()))
				writeError(w, http.StatusTooManyRequests, "idempotency_request_in_progress", err.Error())
				return
			case err != nil:
				log.Error().Err(err).Msg("Idempotency check failed")
				writeError(w, http.StatusServiceUnavailable, "idempotency_unavailable", "idempotency store unavailable")
				return
			case stored != nil:
				metrics.IdempotencyRequests.WithLabelValues("replayed").Inc()
				replay(w, stored)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			completed := false
			defer func() {
				// A panicking handler must not hold the key until the lock expires.
				if !completed {
					svc.Abandon(ctx, lease)
				}
			}()

			next.ServeHTTP(rec, r)

			completed = true
			if rec.statusCode >= http.StatusInternalServerError || rec.bodyTruncated {
				metrics.IdempotencyRequests.WithLabelValues("abandoned").Inc()
				svc.Abandon(ctx, lease)
				return
			}

			metrics.IdempotencyRequests.WithLabelValues("executed").Inc()
			// The client already has its response; a late timeout must not drop the record.
			err = svc.Complete(context.WithoutCancel(ctx), lease, hash, rec.statusCode, rec.Header().Get("Content-Type"), rec.body.Bytes())
			if err != nil {
				log.Warn().Err(err).Msg("Failed to store idempotent response")
			}
		})
	}
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

func replay(w http.ResponseWriter, rec *idempotency.Record) {
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(idempotency.HeaderReplayed, "true")
	w.WriteHeader(rec.ResponseStatus)
	w.Write(rec.ResponseBody)
}

// responseRecorder tees the response to the client and a bounded buffer.
type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	wroteHeader   bool
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
			r.body.Reset()
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}

// retryAfterSeconds renders d as a Retry-After value, rounding up so a client
// never comes back before the lock wait has passed.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}
