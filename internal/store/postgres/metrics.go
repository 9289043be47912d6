package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// MetricsStore implements store.MetricsStore using PostgreSQL.
type MetricsStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *MetricsStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// metricsDetails holds the report fields kept in the JSONB details column.
type metricsDetails struct {
	Containers        []models.ContainerHealth `json:"containers,omitempty"`
	PendingUpdates    int                      `json:"pending_updates"`
	SuccessfulUpdates int                      `json:"successful_updates"`
	FailedUpdates     int                      `json:"failed_updates"`
}

const metricsColumns = `id, ship_id, timestamp, cpu_percent, memory_percent, disk_percent, container_count,
	network_connected, COALESCE(runtime_status, ''), COALESCE(database_status, ''), uptime_seconds, details`

// Record stores a health report.
func (s *MetricsStore) Record(ctx context.Context, m *models.ShipMetrics) error {
	query := `
		INSERT INTO ship_metrics (id, ship_id, timestamp, cpu_percent, memory_percent, disk_percent,
			container_count, network_connected, runtime_status, database_status, uptime_seconds, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	details, err := json.Marshal(metricsDetails{
		Containers:        m.Containers,
		PendingUpdates:    m.PendingUpdates,
		SuccessfulUpdates: m.SuccessfulUpdates,
		FailedUpdates:     m.FailedUpdates,
	})
	if err != nil {
		return fmt.Errorf("marshaling metrics details: %w", err)
	}

	_, err = s.conn().ExecContext(ctx, query,
		m.ID,
		m.ShipID,
		m.Timestamp,
		m.CPUPercent,
		m.MemoryPercent,
		m.DiskPercent,
		m.ContainerCount,
		m.NetworkConnected,
		nullString(m.RuntimeStatus),
		nullString(m.DatabaseStatus),
		m.UptimeSeconds,
		details,
	)
	if err != nil {
		return fmt.Errorf("inserting ship metrics: %w", err)
	}
	return nil
}

// ListByShip retrieves recent reports for a ship, newest first.
func (s *MetricsStore) ListByShip(ctx context.Context, shipID string, since time.Time, limit int) ([]*models.ShipMetrics, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + metricsColumns + ` FROM ship_metrics
		WHERE ship_id = $1 AND timestamp >= $2 ORDER BY timestamp DESC LIMIT $3`
	return s.list(ctx, query, shipID, since, limit)
}

// LatestPerShip retrieves the newest report of every ship at or after since.
func (s *MetricsStore) LatestPerShip(ctx context.Context, since time.Time) ([]*models.ShipMetrics, error) {
	query := `SELECT DISTINCT ON (ship_id) ` + metricsColumns + ` FROM ship_metrics
		WHERE timestamp >= $1 ORDER BY ship_id, timestamp DESC`
	return s.list(ctx, query, since)
}

// DeleteBefore removes reports older than cutoff.
func (s *MetricsStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM ship_metrics WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting ship metrics: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (s *MetricsStore) list(ctx context.Context, query string, args ...any) ([]*models.ShipMetrics, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ship metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.ShipMetrics
	for rows.Next() {
		m := &models.ShipMetrics{}
		var details []byte
		if err := rows.Scan(
			&m.ID,
			&m.ShipID,
			&m.Timestamp,
			&m.CPUPercent,
			&m.MemoryPercent,
			&m.DiskPercent,
			&m.ContainerCount,
			&m.NetworkConnected,
			&m.RuntimeStatus,
			&m.DatabaseStatus,
			&m.UptimeSeconds,
			&details,
		); err != nil {
			return nil, fmt.Errorf("scanning ship metrics: %w", err)
		}
		if len(details) > 0 {
			var d metricsDetails
			if err := json.Unmarshal(details, &d); err != nil {
				return nil, fmt.Errorf("unmarshaling metrics details: %w", err)
			}
			m.Containers = d.Containers
			m.PendingUpdates = d.PendingUpdates
			m.SuccessfulUpdates = d.SuccessfulUpdates
			m.FailedUpdates = d.FailedUpdates
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ship metrics: %w", err)
	}
	return out, nil
}
