// Package main is the entry point for the shore coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/narvanalabs/fleetdeploy/internal/api"
	"github.com/narvanalabs/fleetdeploy/internal/api/health"
	"github.com/narvanalabs/fleetdeploy/internal/cleanup"
	grpcserver "github.com/narvanalabs/fleetdeploy/internal/grpc"
	"github.com/narvanalabs/fleetdeploy/internal/metrics"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/registry"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
	"github.com/narvanalabs/fleetdeploy/internal/shutdown"
	"github.com/narvanalabs/fleetdeploy/internal/store"
	"github.com/narvanalabs/fleetdeploy/internal/store/memory"
	pgstore "github.com/narvanalabs/fleetdeploy/internal/store/postgres"
	"github.com/narvanalabs/fleetdeploy/pkg/config"
	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(slog.LevelInfo, true).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.FromStrings(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("coordinator exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("coordinator stopped")
}

func openStore(cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DatabaseDSN == "" {
		log.Warn("DATABASE_URL not set, using in-memory store; state is lost on restart")
		return memory.New(), nil
	}
	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.Migrate {
		if err := st.Migrate(); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg, log.WithComponent("store").Logger)
	if err != nil {
		return err
	}
	down := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log.Logger))
	down.Register(shutdown.Closer("store", st))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clk := clock.RealClock{}
	broker := notify.NewBroker(log.WithComponent("notify").Logger)

	rolloutSvc := rollout.NewService(st, rollout.Config{
		OnlineThreshold:   cfg.Rollout.OnlineThreshold,
		OutdatedThreshold: cfg.Rollout.OutdatedThreshold,
	}, log.WithComponent("rollout").Logger,
		rollout.WithClock(clk),
		rollout.WithPublisher(broker),
		rollout.WithRecorder(metrics.NewCoordinator(reg)),
	)
	registrySvc := registry.NewService(st, log.WithComponent("registry").Logger,
		registry.WithClock(clk),
		registry.WithPublisher(broker),
		registry.WithDefaultTTL(cfg.Retention.ReleaseTTL),
	)

	cleanupSvc := cleanup.NewService(st, registrySvc, clk, log.WithComponent("cleanup").Logger)
	if err := cleanupSvc.SetSettings(cleanup.SettingsFromDays(cfg.Retention.MetricsDays, cfg.Retention.ReleaseSweepInterval)); err != nil {
		return fmt.Errorf("cleanup settings: %w", err)
	}

	monitor := rollout.NewMonitor(rolloutSvc, cfg.Rollout.MonitorInterval, clk, log.WithComponent("monitor").Logger)
	down.Register(shutdown.Func("rollout_monitor", func(context.Context) error {
		monitor.Stop()
		return nil
	}))

	server := api.NewServer(fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort), api.Deps{
		Rollout:    rolloutSvc,
		Registry:   registrySvc,
		Broker:     broker,
		Pinger:     st,
		Registerer: reg,
		Gatherer:   reg,
	}, log.WithComponent("api").Logger)
	server.SetShutdownTimeout(cfg.ShutdownTimeout)
	server.RegisterHealthCheck("rollout_monitor", monitorCheck(monitor, clk))

	grpcCfg := grpcserver.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	grpcSrv, err := grpcserver.NewServer(grpcCfg, st, clk, log.WithComponent("grpc").Logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return grpcSrv.Start(ctx) })
	g.Go(func() error { return ignoreCanceled(monitor.Start(ctx)) })
	g.Go(func() error { return ignoreCanceled(cleanupSvc.Start(ctx)) })

	log.Info("coordinator started",
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"persistent", cfg.DatabaseDSN != "",
	)
	err = g.Wait()
	if serr := down.Shutdown(context.Background()); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

// monitorCheck reports the monitor degraded once it misses three passes.
func monitorCheck(m *rollout.Monitor, clk clock.PassiveClock) health.CheckFunc {
	return func(context.Context) health.ComponentStatus {
		last := m.LastPass()
		if last.IsZero() {
			return health.ComponentStatus{Status: health.StatusHealthy, Message: "waiting for first pass"}
		}
		if behind := clk.Since(last); behind > 3*m.Interval() {
			return health.ComponentStatus{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("last pass %s ago", behind.Truncate(time.Second)),
			}
		}
		return health.ComponentStatus{Status: health.StatusHealthy}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
