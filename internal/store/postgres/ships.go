package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// ShipStore implements store.ShipStore using PostgreSQL.
type ShipStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ShipStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const shipColumns = `id, name, status, last_seen, COALESCE(current_version, ''), COALESCE(target_version, ''),
	COALESCE(location, ''), COALESCE(time_zone, ''), COALESCE(agent_version, ''),
	capabilities, maintenance_windows, created_at, updated_at`

// Register registers a new ship or refreshes an existing one.
func (s *ShipStore) Register(ctx context.Context, ship *models.Ship) error {
	query := `
		INSERT INTO ships (id, name, status, last_seen, current_version, location, time_zone,
			agent_version, capabilities, maintenance_windows, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = CASE WHEN ships.status = 'offline' THEN EXCLUDED.status ELSE ships.status END,
			last_seen = EXCLUDED.last_seen,
			current_version = COALESCE(EXCLUDED.current_version, ships.current_version),
			location = EXCLUDED.location,
			time_zone = EXCLUDED.time_zone,
			agent_version = EXCLUDED.agent_version,
			capabilities = EXCLUDED.capabilities,
			maintenance_windows = EXCLUDED.maintenance_windows,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + shipColumns

	now := time.Now().UTC()
	if ship.Status == "" {
		ship.Status = models.ShipStatusOnline
	}

	windows, err := json.Marshal(ship.MaintenanceWindows)
	if err != nil {
		return fmt.Errorf("marshaling maintenance windows: %w", err)
	}

	var lastSeen sql.NullTime
	if !ship.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: ship.LastSeen, Valid: true}
	}

	row := s.conn().QueryRowContext(ctx, query,
		ship.ID,
		ship.Name,
		ship.Status,
		lastSeen,
		nullString(ship.CurrentVersion),
		nullString(ship.Location),
		nullString(ship.TimeZone),
		nullString(ship.AgentVersion),
		pq.Array(ship.Capabilities),
		windows,
		now,
	)

	registered, err := scanShip(row)
	if err != nil {
		return fmt.Errorf("registering ship: %w", err)
	}
	*ship = *registered
	return nil
}

// Get retrieves a ship by ID.
func (s *ShipStore) Get(ctx context.Context, id string) (*models.Ship, error) {
	query := `SELECT ` + shipColumns + ` FROM ships WHERE id = $1`

	ship, err := scanShip(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying ship: %w", err)
	}
	return ship, nil
}

// List retrieves all ships ordered by ID.
func (s *ShipStore) List(ctx context.Context) ([]*models.Ship, error) {
	query := `SELECT ` + shipColumns + ` FROM ships ORDER BY id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying ships: %w", err)
	}
	defer rows.Close()

	var ships []*models.Ship
	for rows.Next() {
		ship, err := scanShip(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ship: %w", err)
		}
		ships = append(ships, ship)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ships: %w", err)
	}
	return ships, nil
}

// Update replaces a ship's mutable fields.
func (s *ShipStore) Update(ctx context.Context, ship *models.Ship) error {
	query := `
		UPDATE ships SET name = $2, status = $3, last_seen = $4, current_version = $5,
			target_version = $6, location = $7, time_zone = $8, agent_version = $9,
			capabilities = $10, maintenance_windows = $11, updated_at = $12
		WHERE id = $1`

	windows, err := json.Marshal(ship.MaintenanceWindows)
	if err != nil {
		return fmt.Errorf("marshaling maintenance windows: %w", err)
	}

	ship.UpdatedAt = time.Now().UTC()
	var lastSeen sql.NullTime
	if !ship.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: ship.LastSeen, Valid: true}
	}

	result, err := s.conn().ExecContext(ctx, query,
		ship.ID,
		ship.Name,
		ship.Status,
		lastSeen,
		nullString(ship.CurrentVersion),
		nullString(ship.TargetVersion),
		nullString(ship.Location),
		nullString(ship.TimeZone),
		nullString(ship.AgentVersion),
		pq.Array(ship.Capabilities),
		windows,
		ship.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating ship: %w", err)
	}
	return expectOneRow(result)
}

// UpdateStatus sets a ship's status and last-seen timestamp.
func (s *ShipStore) UpdateStatus(ctx context.Context, id string, status models.ShipStatus, lastSeen time.Time) error {
	query := `UPDATE ships SET status = $2, last_seen = $3, updated_at = NOW() WHERE id = $1`

	seen := sql.NullTime{Time: lastSeen, Valid: !lastSeen.IsZero()}
	result, err := s.conn().ExecContext(ctx, query, id, status, seen)
	if err != nil {
		return fmt.Errorf("updating ship status: %w", err)
	}
	return expectOneRow(result)
}

// MarkOffline sets a ship offline if its last heartbeat is older than seenBefore.
func (s *ShipStore) MarkOffline(ctx context.Context, id string, seenBefore time.Time) (bool, error) {
	query := `
		UPDATE ships SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> $2 AND (last_seen IS NULL OR last_seen < $3)`

	result, err := s.conn().ExecContext(ctx, query, id, models.ShipStatusOffline, seenBefore)
	if err != nil {
		return false, fmt.Errorf("marking ship offline: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

// Count returns the number of registered ships.
func (s *ShipStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM ships`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting ships: %w", err)
	}
	return n, nil
}

func scanShip(row rowScanner) (*models.Ship, error) {
	ship := &models.Ship{}
	var lastSeen sql.NullTime
	var windows []byte

	err := row.Scan(
		&ship.ID,
		&ship.Name,
		&ship.Status,
		&lastSeen,
		&ship.CurrentVersion,
		&ship.TargetVersion,
		&ship.Location,
		&ship.TimeZone,
		&ship.AgentVersion,
		pq.Array(&ship.Capabilities),
		&windows,
		&ship.CreatedAt,
		&ship.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		ship.LastSeen = lastSeen.Time
	}
	if len(windows) > 0 {
		if err := json.Unmarshal(windows, &ship.MaintenanceWindows); err != nil {
			return nil, fmt.Errorf("unmarshaling maintenance windows: %w", err)
		}
	}
	return ship, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
