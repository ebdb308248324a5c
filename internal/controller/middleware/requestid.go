package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"pipeforge/internal/logger"
)

// requestIDHeader carries the correlation ID between clients and the
// controller. Inbound values are trusted so retried requests keep one ID.
const requestIDHeader = "X-Request-Id"

// RequestID tags every request with a correlation ID, echoes it on the
// response and stores it in the context for log enrichment.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
		})
	}
}
