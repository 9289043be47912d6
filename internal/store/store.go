// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// Common store errors shared by every backend.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateKey is returned when attempting to create a resource with a duplicate key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// ShipStore defines operations for ship management.
type ShipStore interface {
	// Register inserts a ship or refreshes an existing one with the same ID.
	// Target version, created_at and a health-derived status of an existing
	// ship are preserved; a stored offline status is replaced. Current version
	// is only overwritten when the new value is non-empty.
	Register(ctx context.Context, ship *models.Ship) error
	// Get retrieves a ship by ID.
	Get(ctx context.Context, id string) (*models.Ship, error)
	// List retrieves all ships ordered by ID.
	List(ctx context.Context) ([]*models.Ship, error)
	// Update replaces a ship's mutable fields.
	Update(ctx context.Context, ship *models.Ship) error
	// UpdateStatus sets a ship's status and last-seen timestamp.
	UpdateStatus(ctx context.Context, id string, status models.ShipStatus, lastSeen time.Time) error
	// MarkOffline sets a ship offline only if it was last seen before
	// seenBefore and is not offline already. It reports whether it did, so a
	// heartbeat that lands concurrently is never overwritten.
	MarkOffline(ctx context.Context, id string, seenBefore time.Time) (bool, error)
	// Count returns the number of registered ships.
	Count(ctx context.Context) (int, error)
}

// DeploymentStore defines operations for per-ship deployment records.
type DeploymentStore interface {
	// Create creates a new deployment.
	Create(ctx context.Context, deployment *models.Deployment) error
	// Get retrieves a deployment by ID.
	Get(ctx context.Context, id string) (*models.Deployment, error)
	// Update updates an existing deployment.
	Update(ctx context.Context, deployment *models.Deployment) error
	// ListByShip retrieves all deployments for a ship, ordered by created_at DESC.
	ListByShip(ctx context.Context, shipID string) ([]*models.Deployment, error)
	// ListPendingByShip retrieves pending deployments for a ship, ordered by created_at ASC.
	ListPendingByShip(ctx context.Context, shipID string) ([]*models.Deployment, error)
	// ListByFleet retrieves all children of a fleet deployment, ordered by batch then created_at.
	ListByFleet(ctx context.Context, fleetID string) ([]*models.Deployment, error)
	// ListByStatus retrieves all deployments with a given status.
	ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error)
	// ListSince retrieves deployments created at or after since.
	ListSince(ctx context.Context, since time.Time) ([]*models.Deployment, error)
}

// FleetDeploymentStore defines operations for fleet rollouts.
type FleetDeploymentStore interface {
	// Create creates a new fleet deployment.
	Create(ctx context.Context, fleet *models.FleetDeployment) error
	// Get retrieves a fleet deployment by ID.
	Get(ctx context.Context, id string) (*models.FleetDeployment, error)
	// GetForUpdate retrieves a fleet deployment and, inside a transaction,
	// holds an exclusive row lock on it until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*models.FleetDeployment, error)
	// Update updates an existing fleet deployment.
	Update(ctx context.Context, fleet *models.FleetDeployment) error
	// List retrieves all fleet deployments, newest first.
	List(ctx context.Context) ([]*models.FleetDeployment, error)
	// ListActive retrieves fleet deployments in planning or in progress.
	ListActive(ctx context.Context) ([]*models.FleetDeployment, error)
}

// ReleaseStore defines operations for registry releases.
type ReleaseStore interface {
	// Create creates a new release.
	Create(ctx context.Context, release *models.Release) error
	// Get retrieves a release by ID.
	Get(ctx context.Context, id string) (*models.Release, error)
	// GetByVersion retrieves the newest release with the given version.
	GetByVersion(ctx context.Context, version string) (*models.Release, error)
	// List retrieves all releases, newest first.
	List(ctx context.Context) ([]*models.Release, error)
	// ListAvailable retrieves pending releases that have not expired at now.
	ListAvailable(ctx context.Context, now time.Time) ([]*models.Release, error)
	// UpdateStatus sets a release's status.
	UpdateStatus(ctx context.Context, id string, status models.ReleaseStatus) error
	// ExpireBefore marks pending releases whose expiry is at or before now as expired.
	ExpireBefore(ctx context.Context, now time.Time) (int, error)
}

// MetricsStore defines operations for ship health reports.
type MetricsStore interface {
	// Record stores a health report.
	Record(ctx context.Context, metrics *models.ShipMetrics) error
	// ListByShip retrieves reports for a ship at or after since, newest first, at most limit.
	ListByShip(ctx context.Context, shipID string, since time.Time, limit int) ([]*models.ShipMetrics, error)
	// LatestPerShip retrieves the newest report of every ship at or after since.
	LatestPerShip(ctx context.Context, since time.Time) ([]*models.ShipMetrics, error)
	// DeleteBefore removes reports older than cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Ships returns the ShipStore for ship operations.
	Ships() ShipStore
	// Deployments returns the DeploymentStore for deployment operations.
	Deployments() DeploymentStore
	// FleetDeployments returns the FleetDeploymentStore for rollout operations.
	FleetDeployments() FleetDeploymentStore
	// Releases returns the ReleaseStore for registry operations.
	Releases() ReleaseStore
	// Metrics returns the MetricsStore for health report operations.
	Metrics() MetricsStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
