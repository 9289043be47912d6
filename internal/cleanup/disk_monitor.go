package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Disk usage thresholds, matching the ship health classification.
const (
	// DiskWarningThreshold is the percentage at which a warning is logged.
	DiskWarningThreshold = 85.0

	// DiskCriticalThreshold is the percentage at which automatic pruning is triggered.
	DiskCriticalThreshold = 95.0
)

// Pruner frees local disk space. The agent's backup store satisfies it.
type Pruner interface {
	PruneBackups(ctx context.Context) (int, error)
}

// DiskMonitor watches a ship's disk usage and prunes local artifacts when it
// becomes critical.
type DiskMonitor struct {
	pruner Pruner
	logger *slog.Logger

	mu      sync.Mutex
	pruning bool
}

// NewDiskMonitor creates a new disk monitor.
func NewDiskMonitor(pruner Pruner, logger *slog.Logger) *DiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiskMonitor{pruner: pruner, logger: logger}
}

// CheckDiskUsage logs a warning above DiskWarningThreshold and prunes above
// DiskCriticalThreshold. It reports whether pruning was triggered.
func (m *DiskMonitor) CheckDiskUsage(ctx context.Context, shipID string, usagePercent float64) bool {
	switch {
	case usagePercent >= DiskCriticalThreshold:
		m.logger.Error("disk usage critical - pruning backups",
			"ship_id", shipID,
			"usage_percent", usagePercent,
			"threshold", DiskCriticalThreshold,
		)
		return m.prune(ctx, shipID)
	case usagePercent >= DiskWarningThreshold:
		m.logger.Warn("disk usage warning",
			"ship_id", shipID,
			"usage_percent", usagePercent,
			"threshold", DiskWarningThreshold,
		)
	}
	return false
}

// prune runs a single prune at a time; overlapping triggers are skipped.
func (m *DiskMonitor) prune(ctx context.Context, shipID string) bool {
	if m.pruner == nil {
		m.logger.Warn("no pruner configured, skipping automatic cleanup", "ship_id", shipID)
		return false
	}

	m.mu.Lock()
	if m.pruning {
		m.mu.Unlock()
		return false
	}
	m.pruning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pruning = false
		m.mu.Unlock()
	}()

	removed, err := m.pruner.PruneBackups(ctx)
	if err != nil {
		m.logger.Error("automatic backup pruning failed", "ship_id", shipID, "error", err)
		return true
	}
	m.logger.Info("automatic backup pruning completed", "ship_id", shipID, "removed", removed)
	return true
}

// PrunerFunc adapts a function to Pruner.
type PrunerFunc func(ctx context.Context) (int, error)

// PruneBackups implements Pruner.
func (f PrunerFunc) PruneBackups(ctx context.Context) (int, error) { return f(ctx) }

// Chain runs every pruner in order, even after a failure, and returns the
// total removed with the joined errors.
func Chain(pruners ...Pruner) Pruner {
	return PrunerFunc(func(ctx context.Context) (int, error) {
		total := 0
		var errs []error
		for _, p := range pruners {
			n, err := p.PruneBackups(ctx)
			total += n
			if err != nil {
				errs = append(errs, err)
			}
		}
		return total, errors.Join(errs...)
	})
}
