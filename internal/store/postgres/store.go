// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*PostgresStore)(nil)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	ships       *ShipStore
	deployments *DeploymentStore
	fleets      *FleetDeploymentStore
	releases    *ReleaseStore
	metrics     *MetricsStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL database")
	return newStore(db, logger), nil
}

func newStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:          db,
		logger:      logger,
		ships:       &ShipStore{db: db, logger: logger},
		deployments: &DeploymentStore{db: db, logger: logger},
		fleets:      &FleetDeploymentStore{db: db, logger: logger},
		releases:    &ReleaseStore{db: db, logger: logger},
		metrics:     &MetricsStore{db: db, logger: logger},
	}
}

// Ships returns the ShipStore.
func (s *PostgresStore) Ships() store.ShipStore { return s.ships }

// Deployments returns the DeploymentStore.
func (s *PostgresStore) Deployments() store.DeploymentStore { return s.deployments }

// FleetDeployments returns the FleetDeploymentStore.
func (s *PostgresStore) FleetDeployments() store.FleetDeploymentStore { return s.fleets }

// Releases returns the ReleaseStore.
func (s *PostgresStore) Releases() store.ReleaseStore { return s.releases }

// Metrics returns the MetricsStore.
func (s *PostgresStore) Metrics() store.MetricsStore { return s.metrics }

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	ships       *ShipStore
	deployments *DeploymentStore
	fleets      *FleetDeploymentStore
	releases    *ReleaseStore
	metrics     *MetricsStore
}

func (s *txStore) Ships() store.ShipStore {
	if s.ships == nil {
		s.ships = &ShipStore{tx: s.tx, logger: s.logger}
	}
	return s.ships
}

func (s *txStore) Deployments() store.DeploymentStore {
	if s.deployments == nil {
		s.deployments = &DeploymentStore{tx: s.tx, logger: s.logger}
	}
	return s.deployments
}

func (s *txStore) FleetDeployments() store.FleetDeploymentStore {
	if s.fleets == nil {
		s.fleets = &FleetDeploymentStore{tx: s.tx, logger: s.logger}
	}
	return s.fleets
}

func (s *txStore) Releases() store.ReleaseStore {
	if s.releases == nil {
		s.releases = &ReleaseStore{tx: s.tx, logger: s.logger}
	}
	return s.releases
}

func (s *txStore) Metrics() store.MetricsStore {
	if s.metrics == nil {
		s.metrics = &MetricsStore{tx: s.tx, logger: s.logger}
	}
	return s.metrics
}

// WithTx runs fn inside the already-open transaction.
func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txStore) Close() error {
	return nil
}

// queryable is satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
