package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
)

// FleetHandler handles fleet-wide rollouts and status.
type FleetHandler struct {
	svc    *rollout.Service
	logger *slog.Logger
}

// NewFleetHandler creates a new fleet handler.
func NewFleetHandler(svc *rollout.Service, logger *slog.Logger) *FleetHandler {
	return &FleetHandler{svc: svc, logger: logger}
}

// CreateDeployment handles POST /api/v1/fleet/deployments.
func (h *FleetHandler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req models.FleetDeploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode fleet deployment", err)
		return
	}

	fleet, err := h.svc.CreateFleetDeployment(r.Context(), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to create fleet deployment", err)
		return
	}
	WriteJSON(w, http.StatusCreated, fleet)
}

// ListDeployments handles GET /api/v1/fleet/deployments.
func (h *FleetHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	fleets, err := h.svc.ListFleetDeployments(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list fleet deployments", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(fleets))
}

// GetDeployment handles GET /api/v1/fleet/deployments/{id}.
func (h *FleetHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	fleet, err := h.svc.GetFleetDeployment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get fleet deployment", err)
		return
	}
	WriteJSON(w, http.StatusOK, fleet)
}

// Progress handles GET /api/v1/fleet/deployments/{id}/progress.
func (h *FleetHandler) Progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetFleetDeploymentProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get fleet progress", err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// Rollback handles POST /api/v1/fleet/rollback.
func (h *FleetHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req models.FleetRollbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode fleet rollback", err)
		return
	}

	deployments, err := h.svc.CreateFleetRollback(r.Context(), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to create fleet rollback", err)
		return
	}
	WriteJSON(w, http.StatusCreated, emptyIfNil(deployments))
}

// Status handles GET /api/v1/fleet/status.
func (h *FleetHandler) Status(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.GetFleetStatus(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to get fleet status", err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// Health handles GET /api/v1/fleet/health.
func (h *FleetHandler) Health(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.FleetHealthSummary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to get fleet health", err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}
