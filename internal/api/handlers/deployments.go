package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
)

// DeploymentHandler handles per-ship deployments and rollbacks.
type DeploymentHandler struct {
	svc    *rollout.Service
	logger *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(svc *rollout.Service, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/ships/{shipID}/deployments.
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.DeploymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode deployment", err)
		return
	}

	d, err := h.svc.CreateDeployment(r.Context(), chi.URLParam(r, "shipID"), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to create deployment", err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

// List handles GET /api/v1/ships/{shipID}/deployments.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.svc.ListDeployments(r.Context(), chi.URLParam(r, "shipID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to list deployments", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(deployments))
}

// Get handles GET /api/v1/deployments/{deploymentID}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDeployment(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get deployment", err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// Rollback handles POST /api/v1/ships/{shipID}/rollback.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req models.RollbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode rollback", err)
		return
	}

	d, err := h.svc.CreateRollback(r.Context(), chi.URLParam(r, "shipID"), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to create rollback", err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}
