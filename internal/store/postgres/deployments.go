package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `id, ship_id, container_image, COALESCE(container_name, ''), container_config,
	version, priority, status, COALESCE(package_url, ''), COALESCE(checksum, ''), COALESCE(description, ''),
	COALESCE(rollback_version, ''), fleet_deployment_id, batch, is_emergency, COALESCE(error_message, ''),
	scheduled_for, deployed_at, completed_at, created_at, updated_at`

// Create creates a new deployment.
func (s *DeploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	query := `
		INSERT INTO deployments (id, ship_id, container_image, container_name, container_config,
			version, priority, status, package_url, checksum, description, rollback_version,
			fleet_deployment_id, batch, is_emergency, error_message, scheduled_for, deployed_at,
			completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	config, err := marshalNullable(d.ContainerConfig)
	if err != nil {
		return fmt.Errorf("marshaling container config: %w", err)
	}

	_, err = s.conn().ExecContext(ctx, query,
		d.ID,
		d.ShipID,
		d.ContainerImage,
		nullString(d.ContainerName),
		config,
		d.Version,
		d.Priority,
		d.Status,
		nullString(d.PackageURL),
		nullString(d.Checksum),
		nullString(d.Description),
		nullString(d.RollbackVersion),
		nullString(d.FleetDeploymentID),
		d.Batch,
		d.IsEmergency,
		nullString(d.ErrorMessage),
		nullTime(d.ScheduledFor),
		nullTime(d.DeployedAt),
		nullTime(d.CompletedAt),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

// Get retrieves a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// Update updates an existing deployment's status fields.
func (s *DeploymentStore) Update(ctx context.Context, d *models.Deployment) error {
	query := `
		UPDATE deployments SET status = $2, error_message = $3, deployed_at = $4,
			completed_at = $5, batch = $6, updated_at = $7
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		d.ID,
		d.Status,
		nullString(d.ErrorMessage),
		nullTime(d.DeployedAt),
		nullTime(d.CompletedAt),
		d.Batch,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	return expectOneRow(result)
}

// ListByShip retrieves all deployments for a ship, newest first.
func (s *DeploymentStore) ListByShip(ctx context.Context, shipID string) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE ship_id = $1 ORDER BY created_at DESC, id`
	return s.list(ctx, query, shipID)
}

// ListPendingByShip retrieves pending deployments for a ship, oldest first.
func (s *DeploymentStore) ListPendingByShip(ctx context.Context, shipID string) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE ship_id = $1 AND status = $2 ORDER BY created_at ASC, id`
	return s.list(ctx, query, shipID, models.DeploymentStatusPending)
}

// ListByFleet retrieves the children of a fleet deployment.
func (s *DeploymentStore) ListByFleet(ctx context.Context, fleetID string) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE fleet_deployment_id = $1 ORDER BY batch, created_at, id`
	return s.list(ctx, query, fleetID)
}

// ListByStatus retrieves all deployments with a given status.
func (s *DeploymentStore) ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE status = $1 ORDER BY created_at, id`
	return s.list(ctx, query, status)
}

// ListSince retrieves deployments created at or after since.
func (s *DeploymentStore) ListSince(ctx context.Context, since time.Time) ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE created_at >= $1 ORDER BY created_at, id`
	return s.list(ctx, query, since)
}

func (s *DeploymentStore) list(ctx context.Context, query string, args ...any) ([]*models.Deployment, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return deployments, nil
}

func scanDeployment(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	var config []byte
	var fleetID sql.NullString
	var scheduledFor, deployedAt, completedAt sql.NullTime

	err := row.Scan(
		&d.ID,
		&d.ShipID,
		&d.ContainerImage,
		&d.ContainerName,
		&config,
		&d.Version,
		&d.Priority,
		&d.Status,
		&d.PackageURL,
		&d.Checksum,
		&d.Description,
		&d.RollbackVersion,
		&fleetID,
		&d.Batch,
		&d.IsEmergency,
		&d.ErrorMessage,
		&scheduledFor,
		&deployedAt,
		&completedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(config) > 0 {
		d.ContainerConfig = &models.ContainerConfig{}
		if err := json.Unmarshal(config, d.ContainerConfig); err != nil {
			return nil, fmt.Errorf("unmarshaling container config: %w", err)
		}
	}
	d.FleetDeploymentID = fleetID.String
	d.ScheduledFor = timePtr(scheduledFor)
	d.DeployedAt = timePtr(deployedAt)
	d.CompletedAt = timePtr(completedAt)
	return d, nil
}

// marshalNullable encodes v as JSON, or SQL NULL when v is a nil pointer.
func marshalNullable[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
