package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/registry"
)

// RegistryHandler handles the release index.
type RegistryHandler struct {
	svc    *registry.Service
	logger *slog.Logger
}

// NewRegistryHandler creates a new registry handler.
func NewRegistryHandler(svc *registry.Service, logger *slog.Logger) *RegistryHandler {
	return &RegistryHandler{svc: svc, logger: logger}
}

// CreateRelease handles POST /api/v1/registry/releases.
func (h *RegistryHandler) CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req models.ReleaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode release", err)
		return
	}

	release, err := h.svc.CreateRelease(r.Context(), &req)
	if err != nil {
		writeError(w, r, h.logger, "failed to create release", err)
		return
	}
	WriteJSON(w, http.StatusCreated, release)
}

// ListReleases handles GET /api/v1/registry/releases. With ?pending=true only
// available releases are returned in delivery order.
func (h *RegistryHandler) ListReleases(w http.ResponseWriter, r *http.Request) {
	var (
		releases []*models.Release
		err      error
	)
	if r.URL.Query().Get("pending") == "true" {
		releases, err = h.svc.ListPending(r.Context())
	} else {
		releases, err = h.svc.List(r.Context())
	}
	if err != nil {
		writeError(w, r, h.logger, "failed to list releases", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(releases))
}

// GetRelease handles GET /api/v1/registry/releases/{id}.
func (h *RegistryHandler) GetRelease(w http.ResponseWriter, r *http.Request) {
	release, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, "failed to get release", err)
		return
	}
	WriteJSON(w, http.StatusOK, release)
}

// MarkReleaseRequest moves a release out of the pending set.
type MarkReleaseRequest struct {
	Status models.ReleaseStatus `json:"status" validate:"omitempty,oneof=processed expired"`
}

// MarkRelease handles POST /api/v1/registry/releases/{id}/status.
func (h *RegistryHandler) MarkRelease(w http.ResponseWriter, r *http.Request) {
	var req MarkReleaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode release status", err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.MarkProcessed(r.Context(), id, req.Status); err != nil {
		writeError(w, r, h.logger, "failed to mark release", err)
		return
	}
	release, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, "failed to get release", err)
		return
	}
	WriteJSON(w, http.StatusOK, release)
}

// Versions handles GET /api/v1/registry/versions.
func (h *RegistryHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.AvailableVersions(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to list versions", err)
		return
	}
	WriteJSON(w, http.StatusOK, emptyIfNil(versions))
}

// VersionAvailable handles GET /api/v1/registry/versions/{version}/available.
func (h *RegistryHandler) VersionAvailable(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	ok, err := h.svc.IsVersionAvailable(r.Context(), version)
	if err != nil {
		writeError(w, r, h.logger, "failed to check version", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"version": version, "available": ok})
}

// Latest handles GET /api/v1/registry/latest?currentVersion=. It answers
// 204 when nothing newer is available.
func (h *RegistryHandler) Latest(w http.ResponseWriter, r *http.Request) {
	release, err := h.svc.Latest(r.Context(), r.URL.Query().Get("currentVersion"))
	if errors.Is(err, registry.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, h.logger, "failed to get latest release", err)
		return
	}
	WriteJSON(w, http.StatusOK, release)
}

// Info handles GET /api/v1/registry/info.
func (h *RegistryHandler) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(r.Context())
	if err != nil {
		writeError(w, r, h.logger, "failed to get registry info", err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// ValidateImageRequest asks whether an image reference is well formed.
type ValidateImageRequest struct {
	Image string `json:"image" validate:"required"`
}

// ValidateImage handles POST /api/v1/registry/validate.
func (h *RegistryHandler) ValidateImage(w http.ResponseWriter, r *http.Request) {
	var req ValidateImageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, "failed to decode image", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"image": req.Image,
		"valid": registry.ValidateImage(req.Image),
	})
}
