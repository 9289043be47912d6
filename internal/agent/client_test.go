package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.APIToken = "s3cret"
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	c, err := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClientRegister(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/ships/register", r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req models.RegistrationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, models.Ship{ID: req.ShipID, Name: req.ShipName, Status: models.ShipStatusOnline})
	}))

	ship, err := c.Register(context.Background(), &models.RegistrationRequest{ShipID: "ship-1", ShipName: "Aurora"})
	require.NoError(t, err)
	assert.Equal(t, "ship-1", ship.ID)
	assert.Equal(t, "Aurora", ship.Name)
}

func TestClientPendingUpdates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ships/ship-1/updates/pending", r.URL.Path)
		writeJSON(w, http.StatusOK, []models.UpdateRequest{
			{ID: "u1", ContainerImage: "nginx:1.25", Priority: models.PriorityHigh},
		})
	}))

	updates, err := c.PendingUpdates(context.Background(), "ship-1")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "u1", updates[0].ID)
	assert.Equal(t, models.PriorityHigh, updates[0].Priority)
}

func TestClientPendingUpdatesUnknownShip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "not_found", "message": "ship not found"})
	}))

	updates, err := c.PendingUpdates(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, IsUnknownShip(err))
	assert.Empty(t, updates)

	assert.False(t, IsUnknownShip(&StatusError{Code: http.StatusBadRequest}))
	assert.False(t, IsUnknownShip(nil))
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"code": "internal_error", "message": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, []models.UpdateRequest{})
	}))

	_, err := c.PendingUpdates(context.Background(), "ship-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "internal_error", "message": "down"})
	}))

	_, err := c.PendingUpdates(context.Background(), "ship-1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "internal_error", se.APICode)
	assert.Equal(t, int32(4), calls.Load(), "one attempt plus three retries")
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, map[string]string{"code": "conflict", "message": "invalid status transition"})
	}))

	err := c.ReportStatus(context.Background(), "u1", &models.UpdateStatusReport{ShipID: "ship-1", Status: models.DeploymentStatusCompleted})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "invalid status transition", se.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientReportStatusPath(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ships/ship-1/updates/u1/status", r.URL.Path)
		var report models.UpdateStatusReport
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		assert.Equal(t, models.DeploymentStatusFailed, report.Status)
		assert.Equal(t, "update failed: pull failed", report.Message)
		writeJSON(w, http.StatusOK, map[string]string{"id": "u1", "status": "failed"})
	}))

	err := c.ReportStatus(context.Background(), "u1", &models.UpdateStatusReport{
		ShipID:  "ship-1",
		Status:  models.DeploymentStatusFailed,
		Message: "update failed: pull failed",
	})
	require.NoError(t, err)
}

func TestClientReportHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ships/ship-1/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"ship_id": "ship-1", "status": "warning"})
	}))

	status, err := c.ReportHealth(context.Background(), &models.ShipMetrics{ShipID: "ship-1", CPUPercent: 85})
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusWarning, status)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultClientConfig()
	cfg.BaseURL = url
	cfg.MaxRetries = 1
	cfg.InitialBackoff = time.Millisecond
	c, err := NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = c.PendingUpdates(context.Background(), "ship-1")
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "/relative"} {
		cfg := DefaultClientConfig()
		cfg.BaseURL = endpoint
		_, err := NewClient(cfg, nil)
		assert.Error(t, err, endpoint)
	}
}
