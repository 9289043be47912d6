package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/cleanup"
	"github.com/narvanalabs/fleetdeploy/internal/executor"
	"github.com/narvanalabs/fleetdeploy/internal/metrics"
	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/pkg/config"
)

// progressReportTimeout bounds the best-effort progress reports sent from
// the executor's state hook.
const progressReportTimeout = 30 * time.Second

// Executor applies updates and owns the local backups.
type Executor interface {
	Execute(ctx context.Context, u *models.UpdateRequest) *executor.Result
	PruneBackups(ctx context.Context) (int, error)
}

// HealthCollector samples the ship for a health report.
type HealthCollector interface {
	Collect(ctx context.Context, now time.Time) *models.ShipMetrics
}

// Config is the agent's identity and scheduling.
type Config struct {
	ShipID         string
	ShipName       string
	Location       string
	TimeZone       string
	AgentVersion   string
	CurrentVersion string
	Capabilities   []string

	CheckInterval  time.Duration
	HealthInterval time.Duration

	// AutoApply false means eligible updates are only logged.
	AutoApply bool
	Policy    Policy
}

// ConfigFrom builds the agent configuration from the agent's config file.
func ConfigFrom(cfg *config.AgentConfig, agentVersion string) Config {
	return Config{
		ShipID:         cfg.ShipID,
		ShipName:       cfg.ShipName,
		Location:       cfg.Location,
		TimeZone:       cfg.TimeZone,
		AgentVersion:   agentVersion,
		Capabilities:   []string{"containers", "rollback", "health"},
		CheckInterval:  cfg.CheckInterval(),
		HealthInterval: cfg.HealthInterval(),
		AutoApply:      cfg.Deployment.AutoApply,
		Policy: Policy{
			Windows:               cfg.MaintenanceWindows,
			RequireManualApproval: cfg.Deployment.RequireManualApproval,
		},
	}
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock sets the clock driving both loops.
func WithClock(c clock.WithTicker) Option {
	return func(a *Agent) { a.clock = c }
}

// WithMetrics records agent activity.
func WithMetrics(m *metrics.Agent) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithDiskMonitor prunes local artifacts when health reports show the disk
// is nearly full.
func WithDiskMonitor(m *cleanup.DiskMonitor) Option {
	return func(a *Agent) { a.disk = m }
}

// Agent runs the poll loop and the health loop of one ship.
type Agent struct {
	cfg       Config
	shore     Shore
	exec      Executor
	collector HealthCollector
	clock     clock.WithTicker
	metrics   *metrics.Agent
	disk      *cleanup.DiskMonitor
	logger    *slog.Logger

	registered atomic.Bool
	reachable  atomic.Bool
	pending    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64

	mu             sync.Mutex
	currentVersion string
}

// New creates an Agent.
func New(cfg Config, shore Shore, exec Executor, collector HealthCollector, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:            cfg,
		shore:          shore,
		exec:           exec,
		collector:      collector,
		clock:          clock.RealClock{},
		logger:         logger,
		currentVersion: cfg.CurrentVersion,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.NewAgent(prometheus.NewRegistry())
	}
	return a
}

// Run starts both loops and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		"check_interval", a.cfg.CheckInterval,
		"health_interval", a.cfg.HealthInterval,
		"auto_apply", a.cfg.AutoApply,
		"maintenance_windows", len(a.cfg.Policy.Windows),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.every(ctx, a.cfg.CheckInterval, func(ctx context.Context) { a.PollOnce(ctx) })
	})
	g.Go(func() error {
		return a.every(ctx, a.cfg.HealthInterval, func(ctx context.Context) { _ = a.ReportHealth(ctx) })
	})
	err := g.Wait()
	a.logger.Info("agent stopped")
	return err
}

// every runs fn immediately and then on each tick until ctx is done.
func (a *Agent) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	fn(ctx)
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			fn(ctx)
		}
	}
}

// Cycle summarises one poll.
type Cycle struct {
	Pending  int
	Deferred int
	Results  []*executor.Result
	Pruned   int
	Err      error
}

// PollOnce runs a single poll cycle: register if needed, fetch pending
// updates, apply the eligible ones in priority order and sweep old backups.
func (a *Agent) PollOnce(ctx context.Context) *Cycle {
	cycle := &Cycle{}

	if !a.registered.Load() {
		a.register(ctx)
	}

	updates, err := a.shore.PendingUpdates(ctx, a.cfg.ShipID)
	if IsUnknownShip(err) {
		// shore lost our record; nothing is pending until we register again
		a.registered.Store(false)
		a.logger.Warn("shore does not know this ship, re-registering next cycle")
		updates, err = nil, nil
	}
	a.metrics.PollFinished(a.clock.Now(), err)
	if err != nil {
		a.reachable.Store(false)
		cycle.Err = err
		if errors.Is(err, ErrUnreachable) {
			a.logger.Warn("shore unreachable, will retry next cycle", "error", err)
		} else if ctx.Err() == nil {
			a.logger.Error("fetching pending updates failed", "error", err)
		}
		return cycle
	}
	a.reachable.Store(true)

	SortByPriority(updates)
	cycle.Pending = len(updates)
	a.pending.Store(int64(len(updates)))

	for i := range updates {
		if ctx.Err() != nil {
			break
		}
		u := &updates[i]
		if d := a.cfg.Policy.Check(u, a.clock.Now()); d != NotDeferred {
			cycle.Deferred++
			a.logger.Info("update deferred",
				"update_id", u.ID,
				"priority", u.Priority,
				"reason", string(d),
			)
			continue
		}
		if !a.cfg.AutoApply {
			cycle.Deferred++
			a.metrics.UpdateFinished(metrics.ResultSkipped, 0)
			a.logger.Info("update eligible but auto apply is disabled",
				"update_id", u.ID,
				"image", u.ContainerImage,
				"version", u.Version,
			)
			continue
		}
		cycle.Results = append(cycle.Results, a.apply(ctx, u))
		a.pending.Add(-1)
	}

	if ctx.Err() == nil {
		n, err := a.exec.PruneBackups(ctx)
		if err != nil {
			a.logger.Warn("backup sweep failed", "error", err)
		}
		a.metrics.BackupsPruned(n)
		cycle.Pruned = n
	}
	return cycle
}

func (a *Agent) register(ctx context.Context) {
	a.mu.Lock()
	version := a.currentVersion
	a.mu.Unlock()

	ship, err := a.shore.Register(ctx, &models.RegistrationRequest{
		ShipID:             a.cfg.ShipID,
		ShipName:           a.cfg.ShipName,
		AgentVersion:       a.cfg.AgentVersion,
		Location:           a.cfg.Location,
		TimeZone:           a.cfg.TimeZone,
		CurrentVersion:     version,
		Capabilities:       a.cfg.Capabilities,
		MaintenanceWindows: a.cfg.Policy.Windows,
		LastSeen:           a.clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("registration failed, will retry next cycle", "error", err)
		return
	}
	a.registered.Store(true)
	a.logger.Info("registered with shore", "status", ship.Status, "current_version", ship.CurrentVersion)
}

// apply executes one update and reports its terminal status. A failed
// report is logged and does not stop the cycle.
func (a *Agent) apply(ctx context.Context, u *models.UpdateRequest) *executor.Result {
	a.logger.Info("applying update",
		"update_id", u.ID,
		"priority", u.Priority,
		"image", u.ContainerImage,
		"version", u.Version,
	)

	res := a.exec.Execute(ctx, u)

	status := models.DeploymentStatusFailed
	result := metrics.ResultFailed
	if res.Succeeded() {
		status = models.DeploymentStatusCompleted
		result = metrics.ResultCompleted
		a.succeeded.Add(1)
		if u.Version != "" {
			a.mu.Lock()
			a.currentVersion = u.Version
			a.mu.Unlock()
		}
	} else {
		a.failed.Add(1)
	}
	a.metrics.UpdateFinished(result, res.FinishedAt.Sub(res.StartedAt))

	// the outcome must reach the shore even when shutdown interrupted the update
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressReportTimeout)
	defer cancel()
	err := a.shore.ReportStatus(reportCtx, u.ID, &models.UpdateStatusReport{
		ShipID:    a.cfg.ShipID,
		Status:    status,
		Message:   res.Message(),
		Timestamp: a.clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("reporting update status failed", "update_id", u.ID, "status", status, "error", err)
	}

	if res.Succeeded() {
		a.logger.Info("update completed", "update_id", u.ID)
	} else {
		a.logger.Error("update failed", "update_id", u.ID, "rolled_back", res.RolledBack, "error", res.Err)
	}
	return res
}

// OnExecutorState forwards executor progress to the shore. It is meant to
// be installed with executor.WithStateHook.
func (a *Agent) OnExecutorState(updateID string, s executor.State) {
	var status models.DeploymentStatus
	switch s {
	case executor.StateDownloading:
		status = models.DeploymentStatusDownloading
	case executor.StateApplying:
		status = models.DeploymentStatusInProgress
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), progressReportTimeout)
	defer cancel()
	err := a.shore.ReportStatus(ctx, updateID, &models.UpdateStatusReport{
		ShipID:    a.cfg.ShipID,
		Status:    status,
		Timestamp: a.clock.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("progress report failed", "update_id", updateID, "status", status, "error", err)
	}
}

// ReportHealth collects and sends one health report. When the disk is
// critically full local artifacts are pruned.
func (a *Agent) ReportHealth(ctx context.Context) error {
	now := a.clock.Now().UTC()
	m := a.collector.Collect(ctx, now)
	m.ID = uuid.NewString()
	m.ShipID = a.cfg.ShipID
	m.Timestamp = now
	m.NetworkConnected = a.reachable.Load()
	m.PendingUpdates = int(a.pending.Load())
	m.SuccessfulUpdates = int(a.succeeded.Load())
	m.FailedUpdates = int(a.failed.Load())

	if a.disk != nil {
		a.disk.CheckDiskUsage(ctx, a.cfg.ShipID, m.DiskPercent)
	}

	status, err := a.shore.ReportHealth(ctx, m)
	if IsUnknownShip(err) {
		a.registered.Store(false)
		a.reachable.Store(true)
		return err
	}
	if err != nil {
		a.reachable.Store(false)
		if ctx.Err() == nil {
			a.logger.Warn("health report failed", "error", err)
		}
		return err
	}
	a.reachable.Store(true)
	a.metrics.HealthStatus(string(status))
	a.logger.Debug("health reported",
		"status", status,
		"cpu", m.CPUPercent,
		"memory", m.MemoryPercent,
		"disk", m.DiskPercent,
		"containers", m.ContainerCount,
	)
	return nil
}
