package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/fleetdeploy/internal/api/errors"
	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

// Recovery turns a handler panic into a 500 error envelope. Aborted
// responses (http.ErrAbortHandler) are re-raised so net/http drops the
// connection.
func Recovery(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := logger.RequestIDFromContext(r.Context())
				attrs := []any{
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack_trace", string(debug.Stack()),
				}
				if shipID := chi.URLParam(r, "shipID"); shipID != "" {
					attrs = append(attrs, "ship_id", shipID)
				}
				(&logger.Logger{Logger: log}).WithContext(r.Context()).Error("handler panicked", attrs...)

				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
