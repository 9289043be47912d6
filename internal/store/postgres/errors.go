package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrDuplicateKey is returned when attempting to create a resource with a duplicate key.
	ErrDuplicateKey = store.ErrDuplicateKey
)

// PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
