package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"storefront/internal/models"
)

// ReplayedHeader is set on responses served from the cache.
const ReplayedHeader = "Idempotent-Replayed"

// Recorder receives idempotency outcomes, typically for metrics. outcome is
// one of proceed, replay, conflict, in_flight or too_large.
type Recorder interface {
	RecordIdempotency(r *http.Request, outcome string)
}

type discardKey struct{}

// Discard marks the idempotent request carried by ctx so that its response
// is released without being stored. Gating stages that run inside the
// middleware call it when they reject a request before the handler runs,
// letting the client retry the same key once the cause is fixed. Outside
// the middleware it does nothing.
func Discard(ctx context.Context) {
	if flag, ok := ctx.Value(discardKey{}).(*atomic.Bool); ok {
		flag.Store(true)
	}
}

// captureWriter passes the response through while keeping a copy of the
// status and body for storage.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.status = code
	cw.wroteHeader = true
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	cw.body.Write(b)
	return cw.ResponseWriter.Write(b)
}

// Middleware applies idempotency handling to requests selected by matcher.
// Other requests pass through untouched.
func Middleware(cache *Cache, matcher *Matcher, rec Recorder) func(http.Handler) http.Handler {
	record := func(r *http.Request, outcome string) {
		if rec != nil {
			rec.RecordIdempotency(r, outcome)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !matcher.Candidate(r) {
				next.ServeHTTP(w, r)
				return
			}

			// The body is fingerprinted and buffered whole, so it is capped.
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, matcher.maxBody))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					record(r, "too_large")
					writeError(w, http.StatusRequestEntityTooLarge, models.MessageBodyTooLarge)
					return
				}
				writeError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !matcher.Applies(r, body) {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(HeaderKey))
			decision, err := cache.Begin(r.Context(), key, body)
			if err != nil {
				if errors.Is(err, ErrInFlight) {
					record(r, "in_flight")
					slog.Warn("Idempotent request still in flight", "path", r.URL.Path)
					w.Header().Set("Retry-After", strconv.Itoa(1))
					writeError(w, http.StatusConflict, models.MessageIdempotencyInFlight)
					return
				}
				// Client went away while waiting.
				slog.Debug("Idempotency wait cancelled", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusServiceUnavailable, models.MessageTryAgain)
				return
			}

			switch decision.Kind {
			case Replay:
				record(r, "replay")
				stored := decision.Record
				contentType := stored.ContentType
				if contentType == "" {
					contentType = "application/json"
				}
				w.Header().Set("Content-Type", contentType)
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return

			case Conflict:
				record(r, "conflict")
				slog.Warn("Rejected idempotent request", "path", r.URL.Path, "error", decision.Err())
				writeError(w, http.StatusBadRequest, models.MessageIdempotencyConflict)
				return
			}

			record(r, "proceed")
			res := decision.Reservation
			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			discard := new(atomic.Bool)
			r = r.WithContext(context.WithValue(r.Context(), discardKey{}, discard))

			defer func() {
				if p := recover(); p != nil {
					cache.Abort(res)
					panic(p)
				}
			}()

			next.ServeHTTP(cw, r)
			if discard.Load() {
				cache.Abort(res)
				return
			}
			cache.Complete(res, cw.status, cw.Header().Get("Content-Type"), cw.body.Bytes())
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message))
}
