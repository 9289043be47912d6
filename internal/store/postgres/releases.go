package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// ReleaseStore implements store.ReleaseStore using PostgreSQL.
type ReleaseStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ReleaseStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const releaseColumns = `id, version, container_image, COALESCE(package_url, ''), checksum, priority, status,
	COALESCE(description, ''), scheduled_at, expires_at, created_at, updated_at`

// Create creates a new release.
func (s *ReleaseStore) Create(ctx context.Context, r *models.Release) error {
	query := `
		INSERT INTO releases (id, version, container_image, package_url, checksum, priority, status,
			description, scheduled_at, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}

	_, err := s.conn().ExecContext(ctx, query,
		r.ID,
		r.Version,
		r.ContainerImage,
		nullString(r.PackageURL),
		r.Checksum,
		r.Priority,
		r.Status,
		nullString(r.Description),
		nullTime(r.ScheduledAt),
		r.ExpiresAt,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting release: %w", err)
	}
	return nil
}

// Get retrieves a release by ID.
func (s *ReleaseStore) Get(ctx context.Context, id string) (*models.Release, error) {
	return s.get(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id)
}

// GetByVersion retrieves the newest release with the given version.
func (s *ReleaseStore) GetByVersion(ctx context.Context, version string) (*models.Release, error) {
	return s.get(ctx, `SELECT `+releaseColumns+` FROM releases WHERE version = $1
		ORDER BY created_at DESC LIMIT 1`, version)
}

func (s *ReleaseStore) get(ctx context.Context, query string, arg string) (*models.Release, error) {
	r, err := scanRelease(s.conn().QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying release: %w", err)
	}
	return r, nil
}

// List retrieves all releases, newest first.
func (s *ReleaseStore) List(ctx context.Context) ([]*models.Release, error) {
	return s.list(ctx, `SELECT `+releaseColumns+` FROM releases ORDER BY created_at DESC, id`)
}

// ListAvailable retrieves pending releases that have not expired at now.
func (s *ReleaseStore) ListAvailable(ctx context.Context, now time.Time) ([]*models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases
		WHERE status = $1 AND expires_at > $2 ORDER BY created_at DESC, id`
	return s.list(ctx, query, models.ReleaseStatusPending, now)
}

// UpdateStatus sets a release's status.
func (s *ReleaseStore) UpdateStatus(ctx context.Context, id string, status models.ReleaseStatus) error {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE releases SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating release status: %w", err)
	}
	return expectOneRow(result)
}

// ExpireBefore marks pending releases that have reached their expiry as expired.
func (s *ReleaseStore) ExpireBefore(ctx context.Context, now time.Time) (int, error) {
	result, err := s.conn().ExecContext(ctx,
		`UPDATE releases SET status = $1, updated_at = $3 WHERE status = $2 AND expires_at <= $3`,
		models.ReleaseStatusExpired, models.ReleaseStatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("expiring releases: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func (s *ReleaseStore) list(ctx context.Context, query string, args ...any) ([]*models.Release, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying releases: %w", err)
	}
	defer rows.Close()

	var releases []*models.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning release: %w", err)
		}
		releases = append(releases, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating releases: %w", err)
	}
	return releases, nil
}

func scanRelease(row rowScanner) (*models.Release, error) {
	r := &models.Release{}
	var scheduledAt sql.NullTime
	err := row.Scan(
		&r.ID,
		&r.Version,
		&r.ContainerImage,
		&r.PackageURL,
		&r.Checksum,
		&r.Priority,
		&r.Status,
		&r.Description,
		&scheduledAt,
		&r.ExpiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ScheduledAt = timePtr(scheduledAt)
	return r, nil
}
