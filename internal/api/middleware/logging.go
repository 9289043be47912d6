// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

// LogContext copies the chi request ID into the context keys pkg/logger
// reads. It must run after middleware.RequestID.
func LogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ShipContext tags the context with the routed {shipID}.
func ShipContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shipID := chi.URLParam(r, "shipID"); shipID != "" {
			r = r.WithContext(logger.ContextWithShipID(r.Context(), shipID))
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger returns a middleware that logs HTTP requests. Server errors
// are logged at warn level; agent polling noise stays at debug.
func RequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", logger.RequestIDFromContext(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				var pattern string
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					pattern = rctx.RoutePattern()
					if shipID := rctx.URLParam("shipID"); shipID != "" {
						attrs = append(attrs, "ship_id", shipID)
					}
				}

				switch {
				case ww.Status() >= http.StatusInternalServerError:
					log.Warn("request failed", attrs...)
				case pattern == "/api/v1/ships/{shipID}/updates/pending" || pattern == "/health":
					log.Debug("request completed", attrs...)
				default:
					log.Info("request completed", attrs...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
