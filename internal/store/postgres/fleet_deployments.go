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

// FleetDeploymentStore implements store.FleetDeploymentStore using PostgreSQL.
type FleetDeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *FleetDeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const fleetColumns = `id, name, COALESCE(description, ''), container_image, COALESCE(container_name, ''),
	container_config, version, COALESCE(package_url, ''), COALESCE(checksum, ''), priority,
	ship_filter, rollout_strategy, status, total_ships, completed_ships, failed_ships,
	current_batch, batch_started_at, halted, scheduled_for, created_at, updated_at, completed_at`

// Create creates a new fleet deployment.
func (s *FleetDeploymentStore) Create(ctx context.Context, f *models.FleetDeployment) error {
	query := `
		INSERT INTO fleet_deployments (id, name, description, container_image, container_name,
			container_config, version, package_url, checksum, priority, ship_filter, rollout_strategy,
			status, total_ships, completed_ships, failed_ships, current_batch, batch_started_at,
			halted, scheduled_for, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23)`

	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}

	config, err := marshalNullable(f.ContainerConfig)
	if err != nil {
		return fmt.Errorf("marshaling container config: %w", err)
	}
	filter, err := json.Marshal(f.ShipFilter)
	if err != nil {
		return fmt.Errorf("marshaling ship filter: %w", err)
	}
	strategy, err := json.Marshal(f.RolloutStrategy)
	if err != nil {
		return fmt.Errorf("marshaling rollout strategy: %w", err)
	}

	_, err = s.conn().ExecContext(ctx, query,
		f.ID,
		f.Name,
		nullString(f.Description),
		f.ContainerImage,
		nullString(f.ContainerName),
		config,
		f.Version,
		nullString(f.PackageURL),
		nullString(f.Checksum),
		f.Priority,
		filter,
		strategy,
		f.Status,
		f.TotalShips,
		f.CompletedShips,
		f.FailedShips,
		f.CurrentBatch,
		nullTime(f.BatchStartedAt),
		f.Halted,
		nullTime(f.ScheduledFor),
		f.CreatedAt,
		f.UpdatedAt,
		nullTime(f.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting fleet deployment: %w", err)
	}
	return nil
}

// Get retrieves a fleet deployment by ID.
func (s *FleetDeploymentStore) Get(ctx context.Context, id string) (*models.FleetDeployment, error) {
	return s.get(ctx, `SELECT `+fleetColumns+` FROM fleet_deployments WHERE id = $1`, id)
}

// GetForUpdate retrieves a fleet deployment and locks its row until the
// surrounding transaction ends. Outside a transaction the lock is released
// immediately, so callers must use it through Store.WithTx.
func (s *FleetDeploymentStore) GetForUpdate(ctx context.Context, id string) (*models.FleetDeployment, error) {
	if s.tx == nil {
		s.logger.Warn("GetForUpdate called outside a transaction", "fleet_deployment_id", id)
	}
	return s.get(ctx, `SELECT `+fleetColumns+` FROM fleet_deployments WHERE id = $1 FOR UPDATE`, id)
}

func (s *FleetDeploymentStore) get(ctx context.Context, query, id string) (*models.FleetDeployment, error) {
	f, err := scanFleet(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying fleet deployment: %w", err)
	}
	return f, nil
}

// Update updates a fleet deployment's aggregate and batch fields.
func (s *FleetDeploymentStore) Update(ctx context.Context, f *models.FleetDeployment) error {
	query := `
		UPDATE fleet_deployments SET status = $2, total_ships = $3, completed_ships = $4,
			failed_ships = $5, current_batch = $6, batch_started_at = $7, halted = $8,
			updated_at = $9, completed_at = $10
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		f.ID,
		f.Status,
		f.TotalShips,
		f.CompletedShips,
		f.FailedShips,
		f.CurrentBatch,
		nullTime(f.BatchStartedAt),
		f.Halted,
		f.UpdatedAt,
		nullTime(f.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("updating fleet deployment: %w", err)
	}
	return expectOneRow(result)
}

// List retrieves all fleet deployments, newest first.
func (s *FleetDeploymentStore) List(ctx context.Context) ([]*models.FleetDeployment, error) {
	return s.list(ctx, `SELECT `+fleetColumns+` FROM fleet_deployments ORDER BY created_at DESC, id`)
}

// ListActive retrieves fleet deployments with children still running.
// A partially failed fleet stays active until every child has finished.
func (s *FleetDeploymentStore) ListActive(ctx context.Context) ([]*models.FleetDeployment, error) {
	query := `SELECT ` + fleetColumns + ` FROM fleet_deployments
		WHERE completed_at IS NULL ORDER BY created_at DESC, id`
	return s.list(ctx, query)
}

func (s *FleetDeploymentStore) list(ctx context.Context, query string, args ...any) ([]*models.FleetDeployment, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fleet deployments: %w", err)
	}
	defer rows.Close()

	var fleets []*models.FleetDeployment
	for rows.Next() {
		f, err := scanFleet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning fleet deployment: %w", err)
		}
		fleets = append(fleets, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fleet deployments: %w", err)
	}
	return fleets, nil
}

func scanFleet(row rowScanner) (*models.FleetDeployment, error) {
	f := &models.FleetDeployment{}
	var config, filter, strategy []byte
	var batchStartedAt, scheduledFor, completedAt sql.NullTime

	err := row.Scan(
		&f.ID,
		&f.Name,
		&f.Description,
		&f.ContainerImage,
		&f.ContainerName,
		&config,
		&f.Version,
		&f.PackageURL,
		&f.Checksum,
		&f.Priority,
		&filter,
		&strategy,
		&f.Status,
		&f.TotalShips,
		&f.CompletedShips,
		&f.FailedShips,
		&f.CurrentBatch,
		&batchStartedAt,
		&f.Halted,
		&scheduledFor,
		&f.CreatedAt,
		&f.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(config) > 0 {
		f.ContainerConfig = &models.ContainerConfig{}
		if err := json.Unmarshal(config, f.ContainerConfig); err != nil {
			return nil, fmt.Errorf("unmarshaling container config: %w", err)
		}
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &f.ShipFilter); err != nil {
			return nil, fmt.Errorf("unmarshaling ship filter: %w", err)
		}
	}
	if len(strategy) > 0 {
		if err := json.Unmarshal(strategy, &f.RolloutStrategy); err != nil {
			return nil, fmt.Errorf("unmarshaling rollout strategy: %w", err)
		}
	}
	f.BatchStartedAt = timePtr(batchStartedAt)
	f.ScheduledFor = timePtr(scheduledFor)
	f.CompletedAt = timePtr(completedAt)
	return f, nil
}
