package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// getTestDSN returns the database DSN for testing.
// Set TEST_DATABASE_URL environment variable to run these tests.
func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestStore opens a connection, applies migrations and wipes fleet tables.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.Ping())
	require.NoError(t, Migrate(db))

	for _, table := range []string{"ship_metrics", "deployments", "fleet_deployments", "releases", "ships"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := newStore(db, logger)
	t.Cleanup(func() { s.Close() })
	return s
}

func testShip(id string) *models.Ship {
	return &models.Ship{
		ID:             id,
		Name:           "ship " + id,
		LastSeen:       time.Now().UTC(),
		CurrentVersion: "1.0.0",
		Location:       "north-sea",
		Capabilities:   []string{"podman"},
		MaintenanceWindows: []models.MaintenanceWindow{
			{Days: []string{"Monday"}, StartTime: "02:00", EndTime: "04:00", TimeZone: "UTC"},
		},
	}
}

func TestShipRegisterPreservesStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ship := testShip("ship-1")
	require.NoError(t, s.Ships().Register(ctx, ship))
	require.NoError(t, s.Ships().UpdateStatus(ctx, "ship-1", models.ShipStatusCritical, time.Now().UTC()))

	again := testShip("ship-1")
	again.CurrentVersion = ""
	again.Name = "renamed"
	require.NoError(t, s.Ships().Register(ctx, again))

	got, err := s.Ships().Get(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, models.ShipStatusCritical, got.Status)
	assert.Equal(t, "1.0.0", got.CurrentVersion)
	assert.Equal(t, []string{"podman"}, got.Capabilities)
	require.Len(t, got.MaintenanceWindows, 1)
	assert.Equal(t, "02:00", got.MaintenanceWindows[0].StartTime)

	_, err = s.Ships().Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestShipRegisterClearsOffline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ships().Register(ctx, testShip("ship-1")))
	require.NoError(t, s.Ships().UpdateStatus(ctx, "ship-1", models.ShipStatusOffline, time.Now().UTC().Add(-time.Hour)))

	again := testShip("ship-1")
	again.Status = models.ShipStatusOnline
	require.NoError(t, s.Ships().Register(ctx, again))

	got, err := s.Ships().Get(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOnline, got.Status)
}

func TestShipMarkOfflineIsConditional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Ships().Register(ctx, testShip("ship-1")))
	require.NoError(t, s.Ships().UpdateStatus(ctx, "ship-1", models.ShipStatusOnline, now))

	marked, err := s.Ships().MarkOffline(ctx, "ship-1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, marked, "fresh heartbeat")

	marked, err = s.Ships().MarkOffline(ctx, "ship-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.Ships().MarkOffline(ctx, "ship-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, marked, "already offline")

	got, err := s.Ships().Get(ctx, "ship-1")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOffline, got.Status)
}

func TestFleetDeploymentWithTxRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ships().Register(ctx, testShip("ship-1")))

	fleetID := uuid.New().String()
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Store) error {
		fleet := &models.FleetDeployment{
			ID:              fleetID,
			ContainerImage:  "app:2.0.0",
			Version:         "2.0.0",
			Priority:        models.PriorityNormal,
			Status:          models.FleetStatusPlanning,
			TotalShips:      1,
			RolloutStrategy: models.RolloutStrategy{Type: models.RolloutCanary, BatchSize: 2},
		}
		if err := tx.FleetDeployments().Create(ctx, fleet); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.FleetDeployments().Get(ctx, fleetID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFleetDeploymentRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	fleet := &models.FleetDeployment{
		ID:             uuid.New().String(),
		Name:           "spring",
		ContainerImage: "app:2.0.0",
		Version:        "2.0.0",
		Priority:       models.PriorityHigh,
		Status:         models.FleetStatusInProgress,
		TotalShips:     3,
		ShipFilter:     models.ShipFilter{Regions: []string{"baltic"}, MinVersion: "1.0.0"},
		RolloutStrategy: models.RolloutStrategy{
			Type:                models.RolloutRolling,
			BatchSize:           2,
			DelayBetweenBatches: models.Duration(time.Hour),
			MaxFailuresPerBatch: 1,
		},
		BatchStartedAt: &now,
	}
	require.NoError(t, s.FleetDeployments().Create(ctx, fleet))

	err := s.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.FleetDeployments().GetForUpdate(ctx, fleet.ID)
		if err != nil {
			return err
		}
		locked.CompletedShips = 2
		locked.FailedShips = 1
		locked.Status = models.FleetStatusPartiallyFailed
		locked.CompletedAt = &now
		locked.UpdatedAt = now
		return tx.FleetDeployments().Update(ctx, locked)
	})
	require.NoError(t, err)

	got, err := s.FleetDeployments().Get(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.ShipFilter, got.ShipFilter)
	assert.Equal(t, fleet.RolloutStrategy, got.RolloutStrategy)
	assert.Equal(t, models.FleetStatusPartiallyFailed, got.Status)
	assert.Equal(t, 2, got.CompletedShips)
	assert.Equal(t, 1, got.FailedShips)
	require.NotNil(t, got.CompletedAt)

	active, err := s.FleetDeployments().ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReleaseExpiry(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fresh := &models.Release{
		ID: uuid.New().String(), Version: "2.0.0", ContainerImage: "app:2.0.0",
		Checksum: "abc", Priority: models.PriorityNormal, Status: models.ReleaseStatusPending,
		ExpiresAt: now.Add(time.Hour),
	}
	stale := &models.Release{
		ID: uuid.New().String(), Version: "1.9.0", ContainerImage: "app:1.9.0",
		Checksum: "def", Priority: models.PriorityNormal, Status: models.ReleaseStatusPending,
		ExpiresAt: now.Add(-time.Hour),
	}
	require.NoError(t, s.Releases().Create(ctx, fresh))
	require.NoError(t, s.Releases().Create(ctx, stale))

	n, err := s.Releases().ExpireBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	available, err := s.Releases().ListAvailable(ctx, now)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "2.0.0", available[0].Version)
}

func TestMetricsLatestPerShip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ships().Register(ctx, testShip("ship-1")))

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Metrics().Record(ctx, &models.ShipMetrics{
			ID:               uuid.New().String(),
			ShipID:           "ship-1",
			Timestamp:        base.Add(time.Duration(i) * time.Minute),
			CPUPercent:       float64(10 * i),
			NetworkConnected: true,
			Containers:       []models.ContainerHealth{{ID: "c1", Name: "app", State: "running"}},
			FailedUpdates:    i,
		}))
	}

	latest, err := s.Metrics().LatestPerShip(ctx, base)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 20.0, latest[0].CPUPercent)
	assert.Equal(t, 2, latest[0].FailedUpdates)
	require.Len(t, latest[0].Containers, 1)

	removed, err := s.Metrics().DeleteBefore(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

// Pending deployments for a ship are listed oldest first.
func TestPendingDeploymentOrdering(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Ships().Register(context.Background(), testShip("ship-1")))

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("pending list is ordered by created_at ASC", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			s.db.Exec("DELETE FROM deployments")

			base := time.Now().UTC()
			for i := 0; i < n; i++ {
				d := &models.Deployment{
					ID:             uuid.New().String(),
					ShipID:         "ship-1",
					ContainerImage: "app:1",
					Priority:       models.PriorityNormal,
					Status:         models.DeploymentStatusPending,
					// insert newest first so ordering comes from the query
					CreatedAt: base.Add(-time.Duration(i) * time.Millisecond),
				}
				if err := s.Deployments().Create(ctx, d); err != nil {
					t.Logf("create: %v", err)
					return false
				}
			}

			pending, err := s.Deployments().ListPendingByShip(ctx, "ship-1")
			if err != nil || len(pending) != n {
				return false
			}
			for i := 1; i < len(pending); i++ {
				if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}
