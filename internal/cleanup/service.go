// Package cleanup provides retention sweeps for coordinator records and
// disk pressure handling on ships.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/store"
)

// Default values for cleanup settings.
const (
	DefaultMetricsRetention     = 30 * 24 * time.Hour // 30 days
	DefaultReleaseSweepInterval = time.Hour
)

// Settings holds cleanup configuration.
type Settings struct {
	MetricsRetention     time.Duration `json:"metrics_retention"`
	ReleaseSweepInterval time.Duration `json:"release_sweep_interval"`
}

// DefaultSettings returns the default cleanup settings.
func DefaultSettings() Settings {
	return Settings{
		MetricsRetention:     DefaultMetricsRetention,
		ReleaseSweepInterval: DefaultReleaseSweepInterval,
	}
}

// SettingsFromDays builds settings from a metrics retention in days.
// Non-positive values fall back to the defaults.
func SettingsFromDays(metricsDays int, sweepInterval time.Duration) Settings {
	s := DefaultSettings()
	if metricsDays > 0 {
		s.MetricsRetention = time.Duration(metricsDays) * 24 * time.Hour
	}
	if sweepInterval > 0 {
		s.ReleaseSweepInterval = sweepInterval
	}
	return s
}

// Validate validates that all cleanup settings have positive values.
func (s *Settings) Validate() error {
	if s.MetricsRetention <= 0 {
		return fmt.Errorf("metrics_retention must be positive, got %v", s.MetricsRetention)
	}
	if s.ReleaseSweepInterval <= 0 {
		return fmt.Errorf("release_sweep_interval must be positive, got %v", s.ReleaseSweepInterval)
	}
	return nil
}

// ReleaseExpirer marks stale releases expired. The registry service satisfies it.
type ReleaseExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	ItemsRemoved int           `json:"items_removed"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Service runs periodic retention sweeps on the coordinator.
type Service struct {
	store    store.Store
	releases ReleaseExpirer
	clock    clock.WithTicker
	logger   *slog.Logger

	mu       sync.RWMutex
	settings Settings
}

// NewService creates a new cleanup service. releases may be nil, in which
// case only metrics retention runs.
func NewService(st store.Store, releases ReleaseExpirer, clk clock.WithTicker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:    st,
		releases: releases,
		clock:    clk,
		logger:   logger,
		settings: DefaultSettings(),
	}
}

// GetSettings returns the current cleanup settings.
func (s *Service) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetSettings validates and applies new settings.
func (s *Service) SetSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.logger.Info("applied cleanup settings",
		"metrics_retention", settings.MetricsRetention,
		"release_sweep_interval", settings.ReleaseSweepInterval,
	)
	return nil
}

// PruneMetrics deletes health reports older than the metrics retention.
func (s *Service) PruneMetrics(ctx context.Context) (*CleanupResult, error) {
	settings := s.GetSettings()
	start := s.clock.Now()
	cutoff := start.UTC().Add(-settings.MetricsRetention)

	s.logger.Info("starting metrics cleanup",
		"retention", settings.MetricsRetention,
		"cutoff", cutoff,
	)

	removed, err := s.store.Metrics().DeleteBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("deleting old metrics: %w", err)
	}

	result := &CleanupResult{ItemsRemoved: int(removed), Duration: s.clock.Since(start)}
	s.logger.Info("metrics cleanup completed",
		"removed", result.ItemsRemoved,
		"duration", result.Duration,
	)
	return result, nil
}

// ExpireReleases runs the registry expiry sweep.
func (s *Service) ExpireReleases(ctx context.Context) (*CleanupResult, error) {
	if s.releases == nil {
		return &CleanupResult{}, nil
	}
	start := s.clock.Now()
	n, err := s.releases.ExpireStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("expiring releases: %w", err)
	}
	return &CleanupResult{ItemsRemoved: n, Duration: s.clock.Since(start)}, nil
}

// RunOnce runs every sweep once. Failures of one sweep do not stop the others.
func (s *Service) RunOnce(ctx context.Context) *CleanupResult {
	total := &CleanupResult{}
	start := s.clock.Now()

	if r, err := s.ExpireReleases(ctx); err != nil {
		s.logger.Error("release sweep failed", "error", err)
		total.Errors = append(total.Errors, err.Error())
	} else {
		total.ItemsRemoved += r.ItemsRemoved
	}
	if r, err := s.PruneMetrics(ctx); err != nil {
		s.logger.Error("metrics cleanup failed", "error", err)
		total.Errors = append(total.Errors, err.Error())
	} else {
		total.ItemsRemoved += r.ItemsRemoved
	}

	total.Duration = s.clock.Since(start)
	return total
}

// Start runs the sweeps on the release sweep interval until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	interval := s.GetSettings().ReleaseSweepInterval
	s.logger.Info("starting cleanup loop", "interval", interval)

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup loop stopped")
			return ctx.Err()
		case <-ticker.C():
			s.RunOnce(ctx)
		}
	}
}
