package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDContextKey is a context key for storing request IDs.
type RequestIDContextKey struct{}

// getRequestID reads the request ID from the X-Request-ID header or context,
// generating one if missing.
func getRequestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	if id, ok := r.Context().Value(RequestIDContextKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// RequestIDGeneration ensures every request carries an ID in its context.
func RequestIDGeneration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		ctx := context.WithValue(r.Context(), RequestIDContextKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDPropagation reflects the request ID back to the client via the
// X-Request-ID response header and attaches it to the request log. The
// header is set before the handler runs so it survives recovery paths.
func RequestIDPropagation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID, ok := r.Context().Value(RequestIDContextKey{}).(string); ok && requestID != "" {
			w.Header().Set("X-Request-ID", requestID)
			SetLogAttrs(r.Context(), slog.String("request_id", requestID))
		}

		next.ServeHTTP(w, r)
	})
}
