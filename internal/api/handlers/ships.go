package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/narvanalabs/fleetdeploy/internal/api/errors"
	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
)

// ShipHandler handles ship registration, health and the agent update protocol.
type ShipHandler struct {
	svc    *rollout.Service
	logger *slog.Logger
}

// NewShipHandler creates a new ship handler.
func NewShipHandler(svc *rollout.Service, logger *slog.Logger) *ShipHandler {
	return &ShipHandler{svc: svc, logger: logger}
}

// Register handles POST /api/v1/ships/register.
func (h *ShipHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegistrationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode registration", err)
		return
	}

	ship, err := h.svc.RegisterShip(r.Context(), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to register ship", err)
		return
	}
	WriteJSON(w, http.StatusOK, ship)
}

// List handles GET /api/v1/ships.
func (h *ShipHandler) List(w http.ResponseWriter, r *http.Request) {
	ships, err := h.svc.ListShips(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list ships", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(ships))
}

// Get handles GET /api/v1/ships/{shipID}.
func (h *ShipHandler) Get(w http.ResponseWriter, r *http.Request) {
	ship, err := h.svc.GetShip(r.Context(), chi.URLParam(r, "shipID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get ship", err)
		return
	}
	WriteJSON(w, http.StatusOK, ship)
}

// Outdated handles GET /api/v1/ships/outdated.
func (h *ShipHandler) Outdated(w http.ResponseWriter, r *http.Request) {
	ships, err := h.svc.ListOutdatedShips(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list outdated ships", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(ships))
}

// HealthResponse is returned after a health report.
type HealthResponse struct {
	ShipID string            `json:"ship_id"`
	Status models.ShipStatus `json:"status"`
}

// ReportHealth handles POST /api/v1/ships/{shipID}/health.
func (h *ShipHandler) ReportHealth(w http.ResponseWriter, r *http.Request) {
	shipID := chi.URLParam(r, "shipID")
	var m models.ShipMetrics
	if err := decode(r, &m); err != nil {
		writeError(w, r, h.logger, "failed to decode health report", err)
		return
	}

	status, err := h.svc.RecordHealth(r.Context(), shipID, &m)
	if err != nil {
		writeError(w, r, h.logger, "failed to record health", err)
		return
	}
	WriteJSON(w, http.StatusOK, HealthResponse{ShipID: shipID, Status: status})
}

// PendingUpdates handles GET /api/v1/ships/{shipID}/updates/pending.
func (h *ShipHandler) PendingUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := h.svc.GetPendingUpdates(r.Context(), chi.URLParam(r, "shipID"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get pending updates", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(updates))
}

// ReportStatus handles POST /api/v1/ships/{shipID}/updates/{updateID}/status.
// The update must belong to the ship in the path.
func (h *ShipHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	shipID := chi.URLParam(r, "shipID")
	updateID := chi.URLParam(r, "updateID")

	var report models.UpdateStatusReport
	if err := decode(r, &report); err != nil {
		writeError(w, r, h.logger, "failed to decode status report", err)
		return
	}

	d, err := h.svc.GetDeployment(r.Context(), updateID)
	if err != nil {
		writeError(w, r, h.logger, "failed to get deployment", err)
		return
	}
	if d.ShipID != shipID {
		apierrors.WriteError(w, apierrors.NewNotFound(fmt.Sprintf("update %s not found for ship %s", updateID, shipID)))
		return
	}

	d, err = h.svc.UpdateDeploymentStatus(r.Context(), updateID, report.Status, report.Message)
	if err != nil {
		writeError(w, r, h.logger, "failed to update deployment status", err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}
