package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// HaltedMessage is recorded on children failed by a halted rollout.
const HaltedMessage = "rollout halted"

// Monitor periodically advances fleet rollouts batch by batch, halts rollouts
// whose batch failures exceed the strategy's tolerance, and marks silent
// ships offline.
type Monitor struct {
	service  *Service
	interval time.Duration
	clock    clock.WithTicker
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	lastPass time.Time
}

// NewMonitor creates a rollout monitor. A nil clock uses the wall clock.
func NewMonitor(svc *Service, interval time.Duration, clk clock.WithTicker, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		service:  svc,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the monitor loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info("starting rollout monitor", "interval", m.interval)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("rollout monitor stopped by context")
			return ctx.Err()
		case <-stop:
			m.logger.Info("rollout monitor stopped")
			return nil
		case <-ticker.C():
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error("rollout monitor pass failed", "error", err)
			}
		}
	}
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		close(m.stopChan)
		m.running = false
	}
}

// LastPass returns when the last monitor pass finished. Zero means never.
func (m *Monitor) LastPass() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPass
}

// Interval returns the monitor's tick interval.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// RunOnce performs a single monitor pass.
func (m *Monitor) RunOnce(ctx context.Context) error {
	defer func() {
		now := m.clock.Now()
		m.mu.Lock()
		m.lastPass = now
		m.mu.Unlock()
	}()

	fleets, err := m.service.store.FleetDeployments().ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active fleets: %w", err)
	}
	for _, f := range fleets {
		if err := m.advance(ctx, f.ID); err != nil {
			m.logger.Error("failed to advance fleet deployment",
				"fleet_deployment_id", f.ID,
				"error", err,
			)
		}
	}
	return m.markOffline(ctx)
}

// advance moves one fleet forward under its row lock.
func (m *Monitor) advance(ctx context.Context, fleetID string) error {
	svc := m.service
	var (
		fleet   *models.FleetDeployment
		changed bool
		halted  []*models.Deployment
	)
	err := svc.store.WithTx(ctx, func(tx store.Store) error {
		f, err := tx.FleetDeployments().GetForUpdate(ctx, fleetID)
		if err != nil {
			return notFound(err, "fleet deployment", fleetID)
		}
		fleet = f
		if f.IsFinished() {
			return nil
		}
		now := svc.now()

		if f.Status == models.FleetStatusPlanning {
			if f.ScheduledFor != nil && f.ScheduledFor.After(now) {
				return nil
			}
			f.Status = models.FleetStatusInProgress
			f.BatchStartedAt = &now
			f.UpdatedAt = now
			changed = true
		}

		children, err := tx.Deployments().ListByFleet(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("listing fleet children: %w", err)
		}

		if !f.Halted {
			step := planBatch(f, children, now)
			switch {
			case step.halt:
				f.Halted = true
				f.UpdatedAt = now
				changed = true
				for _, d := range step.unreleased {
					if d.Status != models.DeploymentStatusPending {
						continue
					}
					d.ApplyStatus(models.DeploymentStatusFailed, HaltedMessage, now)
					if err := tx.Deployments().Update(ctx, d); err != nil {
						return fmt.Errorf("failing halted child %s: %w", d.ID, err)
					}
					halted = append(halted, d)
				}
			case step.advance:
				f.CurrentBatch++
				f.BatchStartedAt = &now
				f.UpdatedAt = now
				changed = true
			}
		}

		if Aggregate(f, children, now) {
			changed = true
		}
		if !changed {
			return nil
		}
		return tx.FleetDeployments().Update(ctx, f)
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if len(halted) > 0 {
		m.logger.Warn("fleet rollout halted",
			"fleet_deployment_id", fleet.ID,
			"batch", fleet.CurrentBatch,
			"failed_children", len(halted),
		)
		for _, d := range halted {
			svc.recorder.DeploymentStatusChanged(d.Status)
			svc.publisher.Publish(notify.TopicDeploymentUpdated, d)
		}
	} else {
		m.logger.Info("fleet rollout advanced",
			"fleet_deployment_id", fleet.ID,
			"status", fleet.Status,
			"current_batch", fleet.CurrentBatch,
		)
	}
	svc.recorder.FleetStatusChanged(fleet.Status)
	svc.publisher.Publish(notify.TopicFleetUpdated, fleet)
	return nil
}

// batchStep is the monitor's decision for the current batch.
type batchStep struct {
	advance    bool
	halt       bool
	unreleased []*models.Deployment
}

// planBatch decides whether the fleet's current batch should advance or halt
// the rollout. children must be the fleet's complete child set.
func planBatch(f *models.FleetDeployment, children []*models.Deployment, now time.Time) batchStep {
	strategy := f.RolloutStrategy.WithDefaults()

	var (
		failed, inBatch, terminal int
		lastDone                  time.Time
		step                      batchStep
	)
	for _, d := range children {
		switch {
		case d.Batch > f.CurrentBatch:
			step.unreleased = append(step.unreleased, d)
		case d.Batch == f.CurrentBatch:
			inBatch++
			if d.Status.IsTerminal() {
				terminal++
				if d.CompletedAt != nil && d.CompletedAt.After(lastDone) {
					lastDone = *d.CompletedAt
				}
			}
			if d.Status == models.DeploymentStatusFailed {
				failed++
			}
		}
	}

	if len(step.unreleased) == 0 {
		return step
	}
	if failed > strategy.MaxFailuresPerBatch {
		step.halt = true
		return step
	}
	if terminal < inBatch {
		return step
	}
	if now.Sub(lastDone) >= time.Duration(strategy.DelayBetweenBatches) {
		step.advance = true
	}
	return step
}

// markOffline flips ships that have gone silent past the online threshold.
// The flip is conditional on the heartbeat still being stale, so a health
// report landing after the listing wins.
func (m *Monitor) markOffline(ctx context.Context) error {
	svc := m.service
	ships, err := svc.store.Ships().List(ctx)
	if err != nil {
		return fmt.Errorf("listing ships: %w", err)
	}
	now := svc.now()
	cutoff := now.Add(-svc.onlineThreshold)
	for _, ship := range ships {
		if ship.Status == models.ShipStatusOffline || !ship.IsStale(now, svc.onlineThreshold) {
			continue
		}
		marked, err := svc.store.Ships().MarkOffline(ctx, ship.ID, cutoff)
		if err != nil {
			m.logger.Error("failed to update ship status", "ship_id", ship.ID, "error", err)
			continue
		}
		if !marked {
			continue
		}
		m.logger.Warn("marked ship offline due to stale heartbeat",
			"ship_id", ship.ID,
			"last_seen", ship.LastSeen,
		)
		svc.publisher.Publish(notify.TopicShipStatus, map[string]any{
			"ship_id":   ship.ID,
			"status":    models.ShipStatusOffline,
			"timestamp": now,
		})
	}
	return nil
}
