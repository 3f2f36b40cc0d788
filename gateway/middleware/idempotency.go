// Package middleware carries the gateway's HTTP cross-cutting concerns.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"tolio/ledger"
)

type contextKeyIdempotency string

const contextKeyIdem contextKeyIdempotency = "idempotency-key"

// WithIdempotency replays the stored response for a repeated Idempotency-Key.
// A reused key with a different request body is a client error: the caller is
// accidentally recycling keys across distinct operations.
func WithIdempotency(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "unreadable body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := hashRequest(r.Method, r.URL.Path, body)

			var record ledger.IdempotencyKey
			err = db.WithContext(r.Context()).First(&record, "key = ?", key).Error
			switch {
			case err == nil:
				if record.RequestHash != requestHash {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusConflict)
					_, _ = io.WriteString(w, `{"error":"idempotency key reused with a different request"}`)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			case errors.Is(err, gorm.ErrRecordNotFound):
				// First sighting; fall through and record the outcome.
			default:
				http.Error(w, "idempotency lookup failed", http.StatusInternalServerError)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			ctx := context.WithValue(r.Context(), contextKeyIdem, key)
			next.ServeHTTP(recorder, r.WithContext(ctx))

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			// Transient outcomes are not replayable: a stored 5xx or
			// rate-limit rejection would pin the key to the outage and the
			// instructed retry could never succeed.
			if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
				return
			}
			_ = db.Create(&ledger.IdempotencyKey{
				Key:         key,
				RequestID:   middleware.GetReqID(r.Context()),
				RequestHash: requestHash,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      status,
				Response:    recorder.buf.String(),
				CreatedAt:   time.Now().UTC(),
			}).Error
		})
	}
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	io.WriteString(h, method)
	io.WriteString(h, "\n")
	io.WriteString(h, path)
	io.WriteString(h, "\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder captures the response so it can be replayed.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
