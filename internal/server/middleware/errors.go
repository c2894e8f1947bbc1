// Package middleware provides the HTTP middleware chain for the
// scheduler server: request correlation ids and panic recovery with a
// structured JSON error envelope.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/millwork/taskmill/internal/errors"
	"github.com/millwork/taskmill/internal/observability"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID attaches a correlation id to the request context, taking
// the client-supplied X-Request-ID header when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the correlation id for the request, if any.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Recovery converts handler panics into a 500 response with the
// standard error envelope. Panics indicate a logic bug and are logged
// loudly rather than swallowed.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				observability.ServerLogger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))

				WriteError(w, r, http.StatusInternalServerError,
					apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// WriteError writes the standard machine-readable error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := apperrors.HTTPErrorResponse{
		Error: apperrors.HTTPError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	if r != nil {
		body.Error.RequestID = RequestIDFrom(r.Context())
	}
	_ = json.NewEncoder(w).Encode(body)
}
