package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

func TestLogContextCarriesRequestAndShip(t *testing.T) {
	var gotRequest, gotShip string
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(LogContext)
	r.Route("/ships/{shipID}", func(r chi.Router) {
		r.Use(ShipContext)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			gotRequest = logger.RequestIDFromContext(r.Context())
			gotShip = logger.ShipIDFromContext(r.Context())
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/ships/aurora/", nil)
	req.Header.Set(chimiddleware.RequestIDHeader, "req-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "req-42", gotRequest)
	assert.Equal(t, "aurora", gotShip)
}

func TestRequestLoggerLogsRequestID(t *testing.T) {
	var logs bytes.Buffer
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(LogContext)
	r.Use(RequestLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	r.Get("/ships/{shipID}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })

	req := httptest.NewRequest(http.MethodGet, "/ships/aurora", nil)
	req.Header.Set(chimiddleware.RequestIDHeader, "req-7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Contains(t, logs.String(), `"request_id":"req-7"`)
	assert.Contains(t, logs.String(), `"ship_id":"aurora"`)
	assert.Contains(t, logs.String(), `"status":202`)
}
