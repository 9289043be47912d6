package rollout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/store"
	"github.com/narvanalabs/fleetdeploy/internal/store/memory"
)

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *memory.Store
	clock  *testingclock.FakeClock
	svc    *Service
	broker *notify.Broker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	clk := testingclock.NewFakeClock(testEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := notify.NewBroker(logger)
	svc := NewService(st, Config{}, logger, WithClock(clk), WithPublisher(broker))
	return &harness{store: st, clock: clk, svc: svc, broker: broker}
}

func (h *harness) registerShips(t *testing.T, n int, version string) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ship-%02d", i)
		_, err := h.svc.RegisterShip(context.Background(), &models.RegistrationRequest{
			ShipID:         id,
			ShipName:       "Ship " + id,
			Location:       "baltic",
			CurrentVersion: version,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) children(t *testing.T, fleetID string) []*models.Deployment {
	t.Helper()
	children, err := h.store.Deployments().ListByFleet(context.Background(), fleetID)
	require.NoError(t, err)
	return children
}

func TestRegisterShipTwiceUpdatesInPlace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "aurora", ShipName: "Aurora", Location: "Oslo"})
	require.NoError(t, err)

	h.clock.Step(time.Minute)
	ship, err := h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "aurora", ShipName: "Aurora II", Location: "Bergen"})
	require.NoError(t, err)
	assert.Equal(t, "Aurora II", ship.Name)

	count, err := h.store.Ships().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := h.svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, "Bergen", got.Location)
	assert.Equal(t, testEpoch.Add(time.Minute), got.LastSeen)
}

func TestRegisterShipRejectsOvernightWindow(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.RegisterShip(context.Background(), &models.RegistrationRequest{
		ShipID: "aurora",
		MaintenanceWindows: []models.MaintenanceWindow{
			{Days: []string{"Friday"}, StartTime: "22:00", EndTime: "02:00"},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateFleetDeploymentEmptyTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := &models.FleetDeploymentRequest{ContainerImage: "app:2.0.0", Version: "2.0.0"}
	_, err := h.svc.CreateFleetDeployment(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// Ships that have gone silent are not targeted either.
	h.registerShips(t, 2, "1.0.0")
	h.clock.Step(DefaultOnlineThreshold + time.Minute)
	_, err = h.svc.CreateFleetDeployment(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	deployments, err := h.store.Deployments().ListSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, deployments)
	fleets, err := h.store.FleetDeployments().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, fleets)
}

func TestCreateFleetDeploymentFilters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 3, "1.0.0")
	_, err := h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "old", CurrentVersion: "0.9.0", Location: "baltic"})
	require.NoError(t, err)
	_, err = h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "south", CurrentVersion: "1.0.0", Location: "caribbean"})
	require.NoError(t, err)

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		Version:        "2.0.0",
		ShipFilter: models.ShipFilter{
			Regions:      []string{"Baltic"},
			ExcludeShips: []string{"ship-01"},
			MinVersion:   "1.0.0",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.FleetStatusPlanning, fleet.Status)
	assert.Equal(t, 2, fleet.TotalShips)

	var shipIDs []string
	for _, c := range h.children(t, fleet.ID) {
		shipIDs = append(shipIDs, c.ShipID)
		assert.Equal(t, models.DeploymentStatusPending, c.Status)
	}
	assert.ElementsMatch(t, []string{"ship-00", "ship-02"}, shipIDs)

	ship, err := h.svc.GetShip(ctx, "ship-00")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", ship.TargetVersion)

	_, err = h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		ShipFilter:     models.ShipFilter{IncludeShips: []string{"ghost"}},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdateDeploymentStatusLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 1, "1.0.0")

	d, err := h.svc.CreateDeployment(ctx, "ship-00", &models.DeploymentRequest{ContainerImage: "app:2.0.0", Version: "2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusPending, d.Status)
	assert.Equal(t, models.PriorityNormal, d.Priority)

	h.clock.Step(time.Second)
	d, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusInProgress, "")
	require.NoError(t, err)
	require.NotNil(t, d.DeployedAt)
	assert.Nil(t, d.CompletedAt)

	d, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusCompleted, "")
	require.NoError(t, err)
	require.NotNil(t, d.CompletedAt)

	ship, err := h.svc.GetShip(ctx, "ship-00")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", ship.CurrentVersion)

	// A repeated terminal report is accepted without change.
	_, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusCompleted, "")
	require.NoError(t, err)

	_, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusFailed, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.UpdateDeploymentStatus(ctx, "missing", models.DeploymentStatusFailed, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, "exploded", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateDeploymentFromRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 1, "1.0.0")
	require.NoError(t, h.store.Releases().Create(ctx, &models.Release{
		ID:             "r1",
		Version:        "2.1.0",
		ContainerImage: "registry.local/app:2.1.0",
		PackageURL:     "https://packages.local/app-2.1.0.tar.gz",
		Checksum:       "abc",
		Priority:       models.PriorityHigh,
		Status:         models.ReleaseStatusPending,
		ExpiresAt:      testEpoch.Add(24 * time.Hour),
	}))

	d, err := h.svc.CreateDeployment(ctx, "ship-00", &models.DeploymentRequest{Version: "2.1.0"})
	require.NoError(t, err)
	assert.Equal(t, "registry.local/app:2.1.0", d.ContainerImage)
	assert.Equal(t, "https://packages.local/app-2.1.0.tar.gz", d.PackageURL)
	assert.Equal(t, models.PriorityHigh, d.Priority)

	_, err = h.svc.CreateDeployment(ctx, "ship-00", &models.DeploymentRequest{Version: "9.9.9"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.CreateDeployment(ctx, "nobody", &models.DeploymentRequest{ContainerImage: "app:1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFleetAggregationDerivesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 3, "1.0.0")

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage:  "app:2.0.0",
		RolloutStrategy: models.RolloutStrategy{Type: models.RolloutBlueGreen},
	})
	require.NoError(t, err)
	children := h.children(t, fleet.ID)
	require.Len(t, children, 3)

	_, err = h.svc.UpdateDeploymentStatus(ctx, children[0].ID, models.DeploymentStatusFailed, "pull failed")
	require.NoError(t, err)

	progress, err := h.svc.GetFleetDeploymentProgress(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FleetStatusPartiallyFailed, progress.FleetDeployment.Status)
	assert.False(t, progress.FleetDeployment.IsFinished())
	assert.Nil(t, progress.FleetDeployment.CompletedAt)
	assert.Equal(t, 1, progress.FleetDeployment.FailedShips)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 2, progress.Pending)
	assert.InDelta(t, 33.33, progress.Percentage, 0.01)

	for _, c := range children[1:] {
		_, err = h.svc.UpdateDeploymentStatus(ctx, c.ID, models.DeploymentStatusCompleted, "")
		require.NoError(t, err)
	}

	progress, err = h.svc.GetFleetDeploymentProgress(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FleetStatusPartiallyFailed, progress.FleetDeployment.Status)
	assert.True(t, progress.FleetDeployment.IsFinished())
	assert.Equal(t, 100.0, progress.Percentage)
	assert.NotNil(t, progress.FleetDeployment.CompletedAt)

	_, err = h.svc.GetFleetDeploymentProgress(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Sibling reports landing concurrently must all be counted.
func TestConcurrentSiblingReports(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const ships = 24
	h.registerShips(t, ships, "1.0.0")

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage:  "app:2.0.0",
		RolloutStrategy: models.RolloutStrategy{Type: models.RolloutBlueGreen},
	})
	require.NoError(t, err)
	children := h.children(t, fleet.ID)
	require.Len(t, children, ships)

	var wg sync.WaitGroup
	for i, c := range children {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			final := models.DeploymentStatusCompleted
			if i%3 == 0 {
				final = models.DeploymentStatusFailed
			}
			_, err := h.svc.UpdateDeploymentStatus(ctx, id, models.DeploymentStatusDownloading, "")
			assert.NoError(t, err)
			_, err = h.svc.UpdateDeploymentStatus(ctx, id, final, "")
			assert.NoError(t, err)
		}(i, c.ID)
	}
	wg.Wait()

	got, err := h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, ships, got.TotalShips)
	assert.Equal(t, ships/3, got.FailedShips)
	assert.Equal(t, ships-ships/3, got.CompletedShips)
	assert.Equal(t, models.FleetStatusPartiallyFailed, got.Status)
}

func TestGetPendingUpdatesReleasesBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 4, "1.0.0")
	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		RolloutStrategy: models.RolloutStrategy{
			Type:                models.RolloutRolling,
			BatchSize:           2,
			DelayBetweenBatches: models.Duration(time.Hour),
		},
	})
	require.NoError(t, err)

	pending := func(ship string) []*models.UpdateRequest {
		updates, err := h.svc.GetPendingUpdates(ctx, ship)
		require.NoError(t, err)
		return updates
	}
	require.Len(t, pending("ship-00"), 1)
	require.Len(t, pending("ship-01"), 1)
	assert.Empty(t, pending("ship-02"))
	assert.Empty(t, pending("ship-03"))

	for _, c := range h.children(t, fleet.ID) {
		if c.Batch == 0 {
			assert.Equal(t, c.ID, pending(c.ShipID)[0].ID)
			_, err := h.svc.UpdateDeploymentStatus(ctx, c.ID, models.DeploymentStatusCompleted, "")
			require.NoError(t, err)
		}
	}

	// The delay has not elapsed yet.
	require.NoError(t, monitor.RunOnce(ctx))
	assert.Empty(t, pending("ship-02"))

	h.clock.Step(time.Hour)
	require.NoError(t, monitor.RunOnce(ctx))
	assert.Len(t, pending("ship-02"), 1)
	assert.Len(t, pending("ship-03"), 1)

	got, err := h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBatch)
	assert.Equal(t, models.FleetStatusInProgress, got.Status)

	_, err = h.svc.GetPendingUpdates(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMonitorHaltsOnBatchFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 3, "1.0.0")
	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		RolloutStrategy: models.RolloutStrategy{
			Type:                models.RolloutCanary,
			BatchSize:           1,
			MaxFailuresPerBatch: 0,
		},
	})
	require.NoError(t, err)

	children := h.children(t, fleet.ID)
	require.Equal(t, 0, children[0].Batch)
	_, err = h.svc.UpdateDeploymentStatus(ctx, children[0].ID, models.DeploymentStatusFailed, "canary crashed")
	require.NoError(t, err)

	require.NoError(t, monitor.RunOnce(ctx))

	got, err := h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.True(t, got.Halted)
	assert.Equal(t, models.FleetStatusPartiallyFailed, got.Status)
	assert.Equal(t, 3, got.FailedShips)
	for _, c := range h.children(t, fleet.ID)[1:] {
		assert.Equal(t, models.DeploymentStatusFailed, c.Status)
		assert.Equal(t, HaltedMessage, c.ErrorMessage)
		assert.NotNil(t, c.CompletedAt)
	}
}

func TestPartiallyFailedFleetKeepsRolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 3, "1.0.0")
	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		RolloutStrategy: models.RolloutStrategy{
			Type:                models.RolloutRolling,
			BatchSize:           1,
			MaxFailuresPerBatch: 1,
		},
	})
	require.NoError(t, err)
	children := h.children(t, fleet.ID)
	require.Len(t, children, 3)

	_, err = h.svc.UpdateDeploymentStatus(ctx, children[0].ID, models.DeploymentStatusFailed, "pull failed")
	require.NoError(t, err)

	got, err := h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FleetStatusPartiallyFailed, got.Status)
	assert.Nil(t, got.CompletedAt)

	active, err := h.store.FleetDeployments().ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, monitor.RunOnce(ctx))
	got, err = h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentBatch)
	assert.False(t, got.Halted)

	updates, err := h.svc.GetPendingUpdates(ctx, children[1].ShipID)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, children[1].ID, updates[0].ID)
}

func TestReregisteredShipIsOnlineAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 1, "1.0.0")
	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)

	h.clock.Step(11 * time.Minute)
	require.NoError(t, monitor.RunOnce(ctx))
	ship, err := h.svc.GetShip(ctx, "ship-00")
	require.NoError(t, err)
	require.Equal(t, models.ShipStatusOffline, ship.Status)

	h.registerShips(t, 1, "1.0.0")

	status, err := h.svc.GetFleetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.OnlineShips)
	assert.Zero(t, status.OfflineShips)

	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{ContainerImage: "app:2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, 1, fleet.TotalShips)
}

func TestScheduledFleetStaysPlanning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 1, "1.0.0")
	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)

	later := testEpoch.Add(2 * time.Hour)
	fleet, err := h.svc.CreateFleetDeployment(ctx, &models.FleetDeploymentRequest{
		ContainerImage: "app:2.0.0",
		ScheduledFor:   &later,
	})
	require.NoError(t, err)

	require.NoError(t, monitor.RunOnce(ctx))
	updates, err := h.svc.GetPendingUpdates(ctx, "ship-00")
	require.NoError(t, err)
	assert.Empty(t, updates)

	h.clock.SetTime(later)
	require.NoError(t, monitor.RunOnce(ctx))
	got, err := h.svc.GetFleetDeployment(ctx, fleet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FleetStatusInProgress, got.Status)
}

func TestRecordHealthDerivesStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 1, "1.0.0")
	sub := h.broker.Subscribe(notify.TopicShipStatus)
	defer h.broker.Unsubscribe(sub)

	status, err := h.svc.RecordHealth(ctx, "ship-00", &models.ShipMetrics{
		CPUPercent: 95, NetworkConnected: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusCritical, status)

	ship, err := h.svc.GetShip(ctx, "ship-00")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusCritical, ship.Status)
	assert.Len(t, sub.Ch, 1)

	_, err = h.svc.RecordHealth(ctx, "ghost", &models.ShipMetrics{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFleetStatusAndOutdatedShips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 2, "1.0.0")

	h.clock.Step(12 * time.Minute)
	_, err := h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "fresh", CurrentVersion: "2.0.0"})
	require.NoError(t, err)
	_, err = h.svc.RecordHealth(ctx, "fresh", &models.ShipMetrics{CPUPercent: 85, NetworkConnected: true})
	require.NoError(t, err)

	summary, err := h.svc.GetFleetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalShips)
	assert.Equal(t, 1, summary.OnlineShips)
	assert.Equal(t, 2, summary.OfflineShips)
	assert.Equal(t, 1, summary.WarningShips)
	assert.Equal(t, map[string]int{"1.0.0": 2, "2.0.0": 1}, summary.VersionDistribution)

	// Ten-plus minutes is offline, but only fifteen-plus is outdated.
	outdated, err := h.svc.ListOutdatedShips(ctx)
	require.NoError(t, err)
	assert.Empty(t, outdated)

	h.clock.Step(4 * time.Minute)
	outdated, err = h.svc.ListOutdatedShips(ctx)
	require.NoError(t, err)
	assert.Len(t, outdated, 2)

	monitor := NewMonitor(h.svc, time.Minute, h.clock, nil)
	require.NoError(t, monitor.RunOnce(ctx))
	ship, err := h.svc.GetShip(ctx, "ship-00")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOffline, ship.Status)
}

func TestRollbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 3, "2.0.0")
	_, err := h.svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "already", CurrentVersion: "1.0.0"})
	require.NoError(t, err)

	d, err := h.svc.CreateRollback(ctx, "ship-00", &models.RollbackRequest{
		TargetVersion:  "1.0.0",
		ContainerImage: "app:1.0.0",
		Reason:         "regression",
		Emergency:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.RollbackVersion)
	assert.True(t, d.IsEmergency)
	assert.Equal(t, models.PriorityEmergency, d.ToUpdateRequest().Priority)
	assert.Contains(t, d.Description, "regression")

	deployments, err := h.svc.CreateFleetRollback(ctx, &models.FleetRollbackRequest{
		RollbackRequest: models.RollbackRequest{TargetVersion: "1.0.0", ContainerImage: "app:1.0.0"},
	})
	require.NoError(t, err)
	assert.Len(t, deployments, 3)
	for _, d := range deployments {
		assert.NotEqual(t, "already", d.ShipID)
		assert.Equal(t, models.PriorityHigh, d.Priority)
	}

	_, err = h.svc.CreateRollback(ctx, "ship-00", &models.RollbackRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.CreateFleetRollback(ctx, &models.FleetRollbackRequest{
		RollbackRequest: models.RollbackRequest{TargetVersion: "1.0.0", ContainerImage: "app:1.0.0"},
		ShipIDs:         []string{"ghost"},
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFleetHealthSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.registerShips(t, 2, "1.0.0")

	_, err := h.svc.RecordHealth(ctx, "ship-00", &models.ShipMetrics{CPUPercent: 20, MemoryPercent: 40, DiskPercent: 10, NetworkConnected: true})
	require.NoError(t, err)
	_, err = h.svc.RecordHealth(ctx, "ship-01", &models.ShipMetrics{CPUPercent: 40, MemoryPercent: 60, DiskPercent: 30, NetworkConnected: true})
	require.NoError(t, err)

	d, err := h.svc.CreateDeployment(ctx, "ship-00", &models.DeploymentRequest{ContainerImage: "app:2"})
	require.NoError(t, err)
	_, err = h.svc.CreateDeployment(ctx, "ship-01", &models.DeploymentRequest{ContainerImage: "app:2"})
	require.NoError(t, err)
	_, err = h.svc.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusFailed, "boom")
	require.NoError(t, err)

	summary, err := h.svc.FleetHealthSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalShips)
	assert.InDelta(t, 30.0, summary.AverageCPUPercent, 0.001)
	assert.InDelta(t, 50.0, summary.AverageMemPercent, 0.001)
	assert.InDelta(t, 20.0, summary.AverageDiskPercent, 0.001)
	assert.Equal(t, 1, summary.ActiveDeployments)
	assert.Equal(t, 2, summary.RecentDeployments)
	assert.Equal(t, 1, summary.FailedDeployments)
}

// listHookStore runs afterList once, right after the first ship listing.
type listHookStore struct {
	*memory.Store
	afterList func()
}

func (s *listHookStore) Ships() store.ShipStore { return listHookShips{s.Store.Ships(), s} }

type listHookShips struct {
	store.ShipStore
	s *listHookStore
}

func (l listHookShips) List(ctx context.Context) ([]*models.Ship, error) {
	out, err := l.ShipStore.List(ctx)
	if fn := l.s.afterList; fn != nil {
		l.s.afterList = nil
		fn()
	}
	return out, err
}

func TestMonitorKeepsShipThatReportedDuringSweep(t *testing.T) {
	ctx := context.Background()
	clk := testingclock.NewFakeClock(testEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := &listHookStore{Store: memory.New()}
	svc := NewService(st, Config{}, logger, WithClock(clk))
	monitor := NewMonitor(svc, time.Minute, clk, nil)

	_, err := svc.RegisterShip(ctx, &models.RegistrationRequest{ShipID: "aurora", CurrentVersion: "1.0.0"})
	require.NoError(t, err)
	clk.Step(11 * time.Minute)

	st.afterList = func() {
		_, err := svc.RecordHealth(ctx, "aurora", &models.ShipMetrics{CPUPercent: 10, NetworkConnected: true})
		require.NoError(t, err)
	}
	require.NoError(t, monitor.RunOnce(ctx))

	ship, err := svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOnline, ship.Status)
	assert.Equal(t, clk.Now(), ship.LastSeen)

	clk.Step(11 * time.Minute)
	require.NoError(t, monitor.RunOnce(ctx))
	ship, err = svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOffline, ship.Status)
}
