package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/campusnet/attendance-agent/internal/pkg/logger"
)

// RequestID stamps every request with a short correlation ID, echoed back in
// the X-Request-ID header and available to handlers via logger.FromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
