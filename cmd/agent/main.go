// Package main is the entry point for the ship agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/fleetdeploy/internal/agent"
	"github.com/narvanalabs/fleetdeploy/internal/cleanup"
	"github.com/narvanalabs/fleetdeploy/internal/executor"
	"github.com/narvanalabs/fleetdeploy/internal/metrics"
	"github.com/narvanalabs/fleetdeploy/internal/podman"
	"github.com/narvanalabs/fleetdeploy/internal/shutdown"
	"github.com/narvanalabs/fleetdeploy/pkg/config"
	"github.com/narvanalabs/fleetdeploy/pkg/logger"
)

var version = "dev"

func main() {
	var configPath, procPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("fleet-agent", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/fleet-agent/config.yaml", "path to the agent YAML configuration")
	flagSet.StringVar(&procPath, "proc", "/proc", "procfs mount used for host metrics")
	flagSet.BoolVar(&showVersion, "version", false, "print the agent version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println("fleet-agent", version)
		return
	}

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		logger.New(slog.LevelInfo, true).Error("failed to load agent configuration", "path", configPath, "error", err)
		os.Exit(1)
	}
	log := logger.FromStrings(cfg.LogLevel, cfg.LogFormat).WithShip(cfg.ShipID)

	if err := run(cfg, procPath, log); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AgentConfig, procPath string, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := podman.NewClient(cfg.Runtime.Binary, log.WithComponent("podman").Logger)

	downloaderOpts := []executor.DownloaderOption{executor.WithDownloadTimeout(cfg.Deployment.DownloadTimeout)}
	if cfg.Storage.S3Endpoint != "" || cfg.Storage.S3AccessKey != "" {
		downloaderOpts = append(downloaderOpts, executor.WithS3(executor.NewS3Client(executor.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
		})))
	}

	shoreCfg := agent.DefaultClientConfig()
	shoreCfg.BaseURL = cfg.Communication.ShoreEndpoint
	shoreCfg.APIToken = cfg.Communication.APIToken
	shoreCfg.MaxRetries = cfg.MaxRetries
	shoreCfg.UserAgent = "fleet-agent/" + version
	if cfg.Communication.RequestTimeout > 0 {
		shoreCfg.RequestTimeout = cfg.Communication.RequestTimeout
	}
	shore, err := agent.NewClient(shoreCfg, log.WithComponent("shore").Logger)
	if err != nil {
		return err
	}

	host, err := agent.NewProcSampler(procPath)
	if err != nil {
		return err
	}
	collector := agent.NewCollector(host, rt, cfg.Deployment.BackupDir, log.WithComponent("health").Logger)

	// the agent reports executor progress, so the hook is bound once it exists
	var ag *agent.Agent
	exec := executor.New(rt, executor.Config{
		WorkDir:         cfg.Deployment.WorkDir,
		BackupDir:       cfg.Deployment.BackupDir,
		BackupRetention: cfg.BackupRetention(),
		StepTimeout:     cfg.RollbackTimeout(),
	}, log.Logger,
		executor.WithDownloader(executor.NewDownloader(log.WithComponent("download").Logger, downloaderOpts...)),
		executor.WithStateHook(func(id string, s executor.State) { ag.OnExecutorState(id, s) }),
	)

	disk := cleanup.NewDiskMonitor(cleanup.Chain(exec, cleanup.PrunerFunc(rt.PruneImages)), log.WithComponent("disk").Logger)

	ag = agent.New(agent.ConfigFrom(cfg, version), shore, exec, collector, log.WithComponent("agent").Logger,
		agent.WithMetrics(metrics.NewAgent(reg)),
		agent.WithDiskMonitor(disk),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ag.Run(ctx) })

	if cfg.Monitoring.Enabled {
		srv := metrics.NewServer(cfg.Monitoring.MetricsAddr, reg)
		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.Monitoring.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		down := shutdown.NewCoordinator(shutdown.WithTimeout(5*time.Second), shutdown.WithLogger(log.Logger))
		down.Register(shutdown.Func("metrics_server", srv.Shutdown))
		g.Go(func() error {
			<-ctx.Done()
			return down.Shutdown(context.Background())
		})
	}

	return g.Wait()
}
