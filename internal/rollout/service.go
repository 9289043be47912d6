// Package rollout owns the coordinator side of the deployment state machine:
// ship registration, per-ship deployments, fleet rollouts and their aggregation.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/maintenance"
	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Errors returned by the rollout service.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Default staleness thresholds.
const (
	DefaultOnlineThreshold   = 10 * time.Minute
	DefaultOutdatedThreshold = 15 * time.Minute
)

// Recorder observes state changes for metrics.
type Recorder interface {
	DeploymentStatusChanged(status models.DeploymentStatus)
	FleetStatusChanged(status models.FleetStatus)
	HealthReported(status models.ShipStatus)
}

type nopRecorder struct{}

func (nopRecorder) DeploymentStatusChanged(models.DeploymentStatus) {}
func (nopRecorder) FleetStatusChanged(models.FleetStatus)           {}
func (nopRecorder) HealthReported(models.ShipStatus)                {}

// Config holds the rollout service thresholds.
type Config struct {
	OnlineThreshold   time.Duration
	OutdatedThreshold time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithPublisher sets the event publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) { s.clock = c }
}

// Service coordinates deployments across the fleet.
type Service struct {
	store             store.Store
	publisher         notify.Publisher
	recorder          Recorder
	clock             clock.PassiveClock
	onlineThreshold   time.Duration
	outdatedThreshold time.Duration
	logger            *slog.Logger
}

// NewService creates a new rollout service.
func NewService(s store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = DefaultOnlineThreshold
	}
	if cfg.OutdatedThreshold <= 0 {
		cfg.OutdatedThreshold = DefaultOutdatedThreshold
	}
	svc := &Service{
		store:             s,
		publisher:         notify.Nop{},
		recorder:          nopRecorder{},
		clock:             clock.RealClock{},
		onlineThreshold:   cfg.OnlineThreshold,
		outdatedThreshold: cfg.OutdatedThreshold,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// notFound converts store.ErrNotFound into ErrNotFound with context.
func notFound(err error, kind, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("getting %s %s: %w", kind, id, err)
}

// RegisterShip inserts a ship or refreshes the existing record with the same ID.
func (s *Service) RegisterShip(ctx context.Context, req *models.RegistrationRequest) (*models.Ship, error) {
	if req == nil || req.ShipID == "" {
		return nil, fmt.Errorf("%w: ship_id is required", ErrInvalidRequest)
	}
	for i, w := range req.MaintenanceWindows {
		if err := maintenance.Validate(w); err != nil {
			return nil, fmt.Errorf("%w: maintenance window %d: %v", ErrInvalidRequest, i, err)
		}
	}

	name := req.ShipName
	if name == "" {
		name = req.ShipID
	}
	lastSeen := req.LastSeen.UTC()
	if req.LastSeen.IsZero() {
		lastSeen = s.now()
	}

	ship := &models.Ship{
		ID:                 req.ShipID,
		Name:               name,
		Status:             models.ShipStatusOnline,
		LastSeen:           lastSeen,
		CurrentVersion:     req.CurrentVersion,
		Location:           req.Location,
		TimeZone:           req.TimeZone,
		AgentVersion:       req.AgentVersion,
		Capabilities:       req.Capabilities,
		MaintenanceWindows: req.MaintenanceWindows,
	}
	if err := s.store.Ships().Register(ctx, ship); err != nil {
		return nil, fmt.Errorf("registering ship: %w", err)
	}

	s.logger.Info("ship registered",
		"ship_id", ship.ID,
		"name", ship.Name,
		"agent_version", ship.AgentVersion,
	)
	s.publisher.Publish(notify.TopicShipRegistered, ship)
	return ship, nil
}

// GetShip retrieves a ship by ID.
func (s *Service) GetShip(ctx context.Context, id string) (*models.Ship, error) {
	ship, err := s.store.Ships().Get(ctx, id)
	if err != nil {
		return nil, notFound(err, "ship", id)
	}
	return ship, nil
}

// ListShips returns every registered ship.
func (s *Service) ListShips(ctx context.Context) ([]*models.Ship, error) {
	ships, err := s.store.Ships().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ships: %w", err)
	}
	return ships, nil
}

// RecordHealth stores a health report and derives the ship's status from it.
func (s *Service) RecordHealth(ctx context.Context, shipID string, m *models.ShipMetrics) (models.ShipStatus, error) {
	if m == nil {
		return "", fmt.Errorf("%w: metrics are required", ErrInvalidRequest)
	}
	if _, err := s.store.Ships().Get(ctx, shipID); err != nil {
		return "", notFound(err, "ship", shipID)
	}

	now := s.now()
	m.ID = uuid.New().String()
	m.ShipID = shipID
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	status := models.DeriveShipStatus(m)

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Metrics().Record(ctx, m); err != nil {
			return fmt.Errorf("recording metrics: %w", err)
		}
		if err := tx.Ships().UpdateStatus(ctx, shipID, status, now); err != nil {
			return fmt.Errorf("updating ship status: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if status != models.ShipStatusOnline {
		s.logger.Warn("ship reported degraded health",
			"ship_id", shipID,
			"status", status,
			"cpu_percent", m.CPUPercent,
			"memory_percent", m.MemoryPercent,
			"disk_percent", m.DiskPercent,
		)
	}
	s.recorder.HealthReported(status)
	s.publisher.Publish(notify.TopicShipStatus, map[string]any{
		"ship_id":   shipID,
		"status":    status,
		"timestamp": m.Timestamp,
	})
	return status, nil
}

// CreateDeployment inserts a pending deployment for one ship.
func (s *Service) CreateDeployment(ctx context.Context, shipID string, req *models.DeploymentRequest) (*models.Deployment, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	if _, err := s.store.Ships().Get(ctx, shipID); err != nil {
		return nil, notFound(err, "ship", shipID)
	}

	d := &models.Deployment{
		ShipID:          shipID,
		ContainerImage:  req.ContainerImage,
		ContainerName:   req.ContainerName,
		ContainerConfig: req.ContainerConfig,
		Version:         req.Version,
		Priority:        req.Priority,
		PackageURL:      req.PackageURL,
		Checksum:        req.Checksum,
		Description:     req.Description,
		ScheduledFor:    req.ScheduledFor,
		IsEmergency:     req.IsEmergency,
	}
	if err := s.fillFromRelease(ctx, d); err != nil {
		return nil, err
	}
	if err := s.insertDeployments(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// fillFromRelease completes image, package and checksum from the registry
// release named by d.Version, then validates the result.
func (s *Service) fillFromRelease(ctx context.Context, d *models.Deployment) error {
	if d.Version != "" && (d.ContainerImage == "" || d.PackageURL == "") {
		release, err := s.store.Releases().GetByVersion(ctx, d.Version)
		switch {
		case err == nil:
			if d.ContainerImage == "" {
				d.ContainerImage = release.ContainerImage
			}
			if d.PackageURL == "" {
				d.PackageURL = release.PackageURL
				d.Checksum = release.Checksum
			}
			if d.Priority == "" {
				d.Priority = release.Priority
			}
			if d.Description == "" {
				d.Description = release.Description
			}
		case errors.Is(err, store.ErrNotFound):
			if d.ContainerImage == "" {
				return fmt.Errorf("%w: no release for version %q", ErrInvalidRequest, d.Version)
			}
		default:
			return fmt.Errorf("looking up release %s: %w", d.Version, err)
		}
	}

	if d.ContainerImage == "" {
		return fmt.Errorf("%w: container_image is required", ErrInvalidRequest)
	}
	if d.Priority == "" {
		d.Priority = models.PriorityNormal
	}
	if !d.Priority.IsValid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, d.Priority)
	}
	if d.Priority == models.PriorityEmergency {
		d.IsEmergency = true
	}
	return nil
}

// insertDeployments stores standalone deployments and points each ship's
// target version at the new release, all in one transaction.
func (s *Service) insertDeployments(ctx context.Context, deployments ...*models.Deployment) error {
	now := s.now()
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		for _, d := range deployments {
			d.ID = uuid.New().String()
			d.Status = models.DeploymentStatusPending
			d.CreatedAt = now
			d.UpdatedAt = now
			if err := tx.Deployments().Create(ctx, d); err != nil {
				return fmt.Errorf("creating deployment: %w", err)
			}
			if err := setTargetVersion(ctx, tx, d.ShipID, d.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, d := range deployments {
		s.logger.Info("deployment created",
			"deployment_id", d.ID,
			"ship_id", d.ShipID,
			"image", d.ContainerImage,
			"priority", d.Priority,
		)
		s.recorder.DeploymentStatusChanged(d.Status)
		s.publisher.Publish(notify.TopicDeploymentCreated, d)
	}
	return nil
}

func setTargetVersion(ctx context.Context, tx store.Store, shipID, version string) error {
	if version == "" {
		return nil
	}
	ship, err := tx.Ships().Get(ctx, shipID)
	if err != nil {
		return notFound(err, "ship", shipID)
	}
	ship.TargetVersion = version
	if err := tx.Ships().Update(ctx, ship); err != nil {
		return fmt.Errorf("updating ship target version: %w", err)
	}
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (s *Service) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	d, err := s.store.Deployments().Get(ctx, id)
	if err != nil {
		return nil, notFound(err, "deployment", id)
	}
	return d, nil
}

// ListDeployments returns a ship's deployments, newest first.
func (s *Service) ListDeployments(ctx context.Context, shipID string) ([]*models.Deployment, error) {
	if _, err := s.store.Ships().Get(ctx, shipID); err != nil {
		return nil, notFound(err, "ship", shipID)
	}
	deployments, err := s.store.Deployments().ListByShip(ctx, shipID)
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return deployments, nil
}

// CreateFleetDeployment resolves the targeted ships and creates one fleet
// record plus one pending child per ship. Nothing is written when no ship
// matches.
func (s *Service) CreateFleetDeployment(ctx context.Context, req *models.FleetDeploymentRequest) (*models.FleetDeployment, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	strategy := req.RolloutStrategy.WithDefaults()
	if !strategy.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown rollout type %q", ErrInvalidRequest, strategy.Type)
	}

	// template carries the fields shared by every child.
	template := &models.Deployment{
		ContainerImage:  req.ContainerImage,
		ContainerName:   req.ContainerName,
		ContainerConfig: req.ContainerConfig,
		Version:         req.Version,
		Priority:        req.Priority,
		PackageURL:      req.PackageURL,
		Checksum:        req.Checksum,
		Description:     req.Description,
	}
	if err := s.fillFromRelease(ctx, template); err != nil {
		return nil, err
	}

	now := s.now()
	ships, err := s.resolveTargets(ctx, req.ShipFilter, now)
	if err != nil {
		return nil, err
	}
	if len(ships) == 0 {
		return nil, fmt.Errorf("%w: no ships selected", ErrInvalidRequest)
	}

	fleet := &models.FleetDeployment{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Description:     template.Description,
		ContainerImage:  template.ContainerImage,
		ContainerName:   template.ContainerName,
		ContainerConfig: template.ContainerConfig,
		Version:         template.Version,
		PackageURL:      template.PackageURL,
		Checksum:        template.Checksum,
		Priority:        template.Priority,
		ShipFilter:      req.ShipFilter,
		RolloutStrategy: strategy,
		Status:          models.FleetStatusPlanning,
		TotalShips:      len(ships),
		BatchStartedAt:  &now,
		ScheduledFor:    req.ScheduledFor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	children := make([]*models.Deployment, 0, len(ships))
	for i, ship := range ships {
		child := *template
		child.ID = uuid.New().String()
		child.ShipID = ship.ID
		child.FleetDeploymentID = fleet.ID
		child.Batch = strategy.BatchFor(i)
		child.Status = models.DeploymentStatusPending
		child.ScheduledFor = req.ScheduledFor
		child.CreatedAt = now
		child.UpdatedAt = now
		children = append(children, &child)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.FleetDeployments().Create(ctx, fleet); err != nil {
			return fmt.Errorf("creating fleet deployment: %w", err)
		}
		for _, child := range children {
			if err := tx.Deployments().Create(ctx, child); err != nil {
				return fmt.Errorf("creating deployment for ship %s: %w", child.ShipID, err)
			}
			if err := setTargetVersion(ctx, tx, child.ShipID, child.Version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("fleet deployment created",
		"fleet_deployment_id", fleet.ID,
		"image", fleet.ContainerImage,
		"total_ships", fleet.TotalShips,
		"rollout_type", strategy.Type,
		"batch_size", strategy.BatchSize,
	)
	s.recorder.FleetStatusChanged(fleet.Status)
	s.publisher.Publish(notify.TopicFleetCreated, fleet)
	return fleet, nil
}

// GetFleetDeployment retrieves a fleet deployment by ID.
func (s *Service) GetFleetDeployment(ctx context.Context, id string) (*models.FleetDeployment, error) {
	fleet, err := s.store.FleetDeployments().Get(ctx, id)
	if err != nil {
		return nil, notFound(err, "fleet deployment", id)
	}
	return fleet, nil
}

// ListFleetDeployments returns every fleet deployment, newest first.
func (s *Service) ListFleetDeployments(ctx context.Context) ([]*models.FleetDeployment, error) {
	fleets, err := s.store.FleetDeployments().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing fleet deployments: %w", err)
	}
	return fleets, nil
}

// UpdateDeploymentStatus applies a status transition reported for a
// deployment. When the deployment is part of a fleet, the fleet row is locked
// and its aggregate recomputed in the same transaction, so concurrent reports
// from sibling ships cannot lose counts. Repeating the current status is a no-op.
func (s *Service) UpdateDeploymentStatus(ctx context.Context, id string, status models.DeploymentStatus, message string) (*models.Deployment, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}

	var (
		updated      *models.Deployment
		fleet        *models.FleetDeployment
		changed      bool
		fleetChanged bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, err := tx.Deployments().Get(ctx, id)
		if err != nil {
			return notFound(err, "deployment", id)
		}
		updated = d
		if d.Status == status {
			return nil
		}
		if !d.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, status)
		}

		now := s.now()
		d.ApplyStatus(status, message, now)
		if err := tx.Deployments().Update(ctx, d); err != nil {
			return fmt.Errorf("updating deployment: %w", err)
		}
		changed = true

		if status == models.DeploymentStatusCompleted && d.Version != "" {
			ship, err := tx.Ships().Get(ctx, d.ShipID)
			if err != nil {
				return notFound(err, "ship", d.ShipID)
			}
			ship.CurrentVersion = d.Version
			if err := tx.Ships().Update(ctx, ship); err != nil {
				return fmt.Errorf("updating ship version: %w", err)
			}
		}

		if d.FleetDeploymentID == "" {
			return nil
		}
		fleet, err = tx.FleetDeployments().GetForUpdate(ctx, d.FleetDeploymentID)
		if err != nil {
			return notFound(err, "fleet deployment", d.FleetDeploymentID)
		}
		children, err := tx.Deployments().ListByFleet(ctx, fleet.ID)
		if err != nil {
			return fmt.Errorf("listing fleet children: %w", err)
		}
		if fleetChanged = Aggregate(fleet, children, now); fleetChanged {
			if err := tx.FleetDeployments().Update(ctx, fleet); err != nil {
				return fmt.Errorf("updating fleet deployment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return updated, nil
	}

	logAttrs := []any{"deployment_id", updated.ID, "ship_id", updated.ShipID, "status", status}
	if status == models.DeploymentStatusFailed {
		s.logger.Error("deployment failed", append(logAttrs, "error_message", message)...)
	} else {
		s.logger.Info("deployment status updated", logAttrs...)
	}
	s.recorder.DeploymentStatusChanged(status)
	s.publisher.Publish(notify.TopicDeploymentUpdated, updated)

	if fleet != nil && fleetChanged {
		s.logger.Info("fleet deployment aggregated",
			"fleet_deployment_id", fleet.ID,
			"status", fleet.Status,
			"completed_ships", fleet.CompletedShips,
			"failed_ships", fleet.FailedShips,
			"total_ships", fleet.TotalShips,
		)
		s.recorder.FleetStatusChanged(fleet.Status)
		s.publisher.Publish(notify.TopicFleetUpdated, fleet)
	}
	return updated, nil
}

// GetFleetDeploymentProgress returns per-status counts for a fleet rollout.
func (s *Service) GetFleetDeploymentProgress(ctx context.Context, id string) (*models.DeploymentProgress, error) {
	fleet, err := s.store.FleetDeployments().Get(ctx, id)
	if err != nil {
		return nil, notFound(err, "fleet deployment", id)
	}
	children, err := s.store.Deployments().ListByFleet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing fleet children: %w", err)
	}
	return Progress(fleet, children), nil
}

// GetFleetStatus summarises ship health and version spread across the fleet.
func (s *Service) GetFleetStatus(ctx context.Context) (*models.FleetStatusSummary, error) {
	ships, err := s.store.Ships().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ships: %w", err)
	}

	now := s.now()
	summary := &models.FleetStatusSummary{
		TotalShips:          len(ships),
		VersionDistribution: make(map[string]int),
		GeneratedAt:         now,
	}
	for _, ship := range ships {
		switch ship.EffectiveStatus(now, s.onlineThreshold) {
		case models.ShipStatusOffline:
			summary.OfflineShips++
		case models.ShipStatusWarning:
			summary.OnlineShips++
			summary.WarningShips++
		case models.ShipStatusCritical:
			summary.OnlineShips++
			summary.CriticalShips++
		default:
			summary.OnlineShips++
		}
		version := ship.CurrentVersion
		if version == "" {
			version = "unknown"
		}
		summary.VersionDistribution[version]++
	}
	return summary, nil
}

// ListOutdatedShips returns ships that have been silent longer than the
// outdated threshold or are not yet running their target version.
func (s *Service) ListOutdatedShips(ctx context.Context) ([]*models.Ship, error) {
	ships, err := s.store.Ships().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing ships: %w", err)
	}
	now := s.now()
	var outdated []*models.Ship
	for _, ship := range ships {
		if ship.IsStale(now, s.outdatedThreshold) ||
			(ship.TargetVersion != "" && ship.CurrentVersion != ship.TargetVersion) {
			outdated = append(outdated, ship)
		}
	}
	return outdated, nil
}

// GetPendingUpdates returns the updates a ship should consider now, oldest
// first. Fleet children are withheld until their batch is released.
func (s *Service) GetPendingUpdates(ctx context.Context, shipID string) ([]*models.UpdateRequest, error) {
	if _, err := s.store.Ships().Get(ctx, shipID); err != nil {
		return nil, notFound(err, "ship", shipID)
	}
	pending, err := s.store.Deployments().ListPendingByShip(ctx, shipID)
	if err != nil {
		return nil, fmt.Errorf("listing pending deployments: %w", err)
	}

	now := s.now()
	fleets := make(map[string]*models.FleetDeployment)
	updates := make([]*models.UpdateRequest, 0, len(pending))
	for _, d := range pending {
		if d.ScheduledFor != nil && d.ScheduledFor.After(now) {
			continue
		}
		if d.FleetDeploymentID != "" {
			fleet, ok := fleets[d.FleetDeploymentID]
			if !ok {
				fleet, err = s.store.FleetDeployments().Get(ctx, d.FleetDeploymentID)
				if err != nil {
					return nil, notFound(err, "fleet deployment", d.FleetDeploymentID)
				}
				fleets[fleet.ID] = fleet
			}
			if !released(fleet, d, now) {
				continue
			}
		}
		updates = append(updates, d.ToUpdateRequest())
	}
	return updates, nil
}

// released reports whether a fleet child may be handed to its ship.
func released(fleet *models.FleetDeployment, d *models.Deployment, now time.Time) bool {
	if fleet.Halted {
		return false
	}
	if fleet.Status == models.FleetStatusPlanning && fleet.ScheduledFor != nil && fleet.ScheduledFor.After(now) {
		return false
	}
	return d.Batch <= fleet.CurrentBatch
}

// CreateRollback issues a deployment that returns one ship to a previous version.
func (s *Service) CreateRollback(ctx context.Context, shipID string, req *models.RollbackRequest) (*models.Deployment, error) {
	if req == nil || req.TargetVersion == "" {
		return nil, fmt.Errorf("%w: target_version is required", ErrInvalidRequest)
	}
	if _, err := s.store.Ships().Get(ctx, shipID); err != nil {
		return nil, notFound(err, "ship", shipID)
	}
	d, err := s.rollbackDeployment(ctx, shipID, req)
	if err != nil {
		return nil, err
	}
	if err := s.insertDeployments(ctx, d); err != nil {
		return nil, err
	}
	s.logger.Warn("rollback issued",
		"ship_id", shipID,
		"target_version", req.TargetVersion,
		"reason", req.Reason,
		"emergency", req.Emergency,
	)
	return d, nil
}

// CreateFleetRollback issues rollbacks to the listed ships, or to every ship
// not already on the target version when none are listed.
func (s *Service) CreateFleetRollback(ctx context.Context, req *models.FleetRollbackRequest) ([]*models.Deployment, error) {
	if req == nil || req.TargetVersion == "" {
		return nil, fmt.Errorf("%w: target_version is required", ErrInvalidRequest)
	}

	shipIDs := req.ShipIDs
	if len(shipIDs) == 0 {
		ships, err := s.store.Ships().List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing ships: %w", err)
		}
		for _, ship := range ships {
			if ship.CurrentVersion != req.TargetVersion {
				shipIDs = append(shipIDs, ship.ID)
			}
		}
	} else {
		for _, id := range shipIDs {
			if _, err := s.store.Ships().Get(ctx, id); err != nil {
				return nil, notFound(err, "ship", id)
			}
		}
	}
	if len(shipIDs) == 0 {
		return nil, fmt.Errorf("%w: no ships need a rollback to %s", ErrInvalidRequest, req.TargetVersion)
	}

	deployments := make([]*models.Deployment, 0, len(shipIDs))
	for _, id := range shipIDs {
		d, err := s.rollbackDeployment(ctx, id, &req.RollbackRequest)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := s.insertDeployments(ctx, deployments...); err != nil {
		return nil, err
	}
	s.logger.Warn("fleet rollback issued",
		"target_version", req.TargetVersion,
		"ships", len(deployments),
		"reason", req.Reason,
	)
	return deployments, nil
}

func (s *Service) rollbackDeployment(ctx context.Context, shipID string, req *models.RollbackRequest) (*models.Deployment, error) {
	priority := models.PriorityHigh
	if req.Emergency {
		priority = models.PriorityEmergency
	}
	description := "rollback to " + req.TargetVersion
	if req.Reason != "" {
		description += ": " + req.Reason
	}
	d := &models.Deployment{
		ShipID:          shipID,
		ContainerImage:  req.ContainerImage,
		ContainerName:   req.ContainerName,
		Version:         req.TargetVersion,
		RollbackVersion: req.TargetVersion,
		Priority:        priority,
		PackageURL:      req.PackageURL,
		Description:     description,
		IsEmergency:     req.Emergency,
	}
	if err := s.fillFromRelease(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// FleetHealthSummary aggregates the latest hour of health reports and the
// last week of deployment activity.
func (s *Service) FleetHealthSummary(ctx context.Context) (*models.FleetHealthSummary, error) {
	status, err := s.GetFleetStatus(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	summary := &models.FleetHealthSummary{
		TotalShips:   status.TotalShips,
		OnlineShips:  status.OnlineShips,
		OfflineShips: status.OfflineShips,
		WarningShips: status.WarningShips + status.CriticalShips,
		GeneratedAt:  now,
	}

	latest, err := s.store.Metrics().LatestPerShip(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("listing latest metrics: %w", err)
	}
	if n := float64(len(latest)); n > 0 {
		for _, m := range latest {
			summary.AverageCPUPercent += m.CPUPercent
			summary.AverageMemPercent += m.MemoryPercent
			summary.AverageDiskPercent += m.DiskPercent
		}
		summary.AverageCPUPercent /= n
		summary.AverageMemPercent /= n
		summary.AverageDiskPercent /= n
	}

	for _, st := range []models.DeploymentStatus{
		models.DeploymentStatusPending,
		models.DeploymentStatusDownloading,
		models.DeploymentStatusInProgress,
	} {
		active, err := s.store.Deployments().ListByStatus(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("listing %s deployments: %w", st, err)
		}
		summary.ActiveDeployments += len(active)
	}

	recent, err := s.store.Deployments().ListSince(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		return nil, fmt.Errorf("listing recent deployments: %w", err)
	}
	summary.RecentDeployments = len(recent)
	for _, d := range recent {
		if d.Status == models.DeploymentStatusFailed {
			summary.FailedDeployments++
		}
	}
	return summary, nil
}
