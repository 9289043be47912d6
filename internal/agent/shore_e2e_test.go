package agent_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/narvanalabs/fleetdeploy/internal/agent"
	"github.com/narvanalabs/fleetdeploy/internal/api"
	"github.com/narvanalabs/fleetdeploy/internal/executor"
	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/rollout"
	"github.com/narvanalabs/fleetdeploy/internal/runtime/runtimetest"
	"github.com/narvanalabs/fleetdeploy/internal/store/memory"
)

type quietHost struct{}

func (quietHost) CPUPercent() (float64, error)            { return 10, nil }
func (quietHost) MemoryPercent() (float64, error)         { return 20, nil }
func (quietHost) DiskPercent(string) (float64, error)     { return 30, nil }
func (quietHost) Uptime(time.Time) (time.Duration, error) { return time.Hour, nil }

// TestAgentAgainstCoordinator drives a real agent through the coordinator's
// HTTP API: register, pick up an emergency update, apply it and report health.
func TestAgentAgainstCoordinator(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testingclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	svc := rollout.NewService(memory.New(), rollout.Config{}, logger, rollout.WithClock(clk))
	srv := httptest.NewServer(api.NewServer(":0", api.Deps{Rollout: svc}, logger).Router())
	t.Cleanup(srv.Close)

	cfg := agent.DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.InitialBackoff = time.Millisecond
	shore, err := agent.NewClient(cfg, logger)
	require.NoError(t, err)

	rt := runtimetest.New()
	rt.AddRunning("web", "registry.local/web:1.0")

	var ag *agent.Agent
	exec := executor.New(rt, executor.Config{
		WorkDir:   t.TempDir(),
		BackupDir: t.TempDir(),
	}, logger,
		executor.WithClock(clk),
		executor.WithStateHook(func(id string, s executor.State) { ag.OnExecutorState(id, s) }),
	)
	ag = agent.New(agent.Config{
		ShipID:         "aurora",
		ShipName:       "Aurora",
		CurrentVersion: "1.0.0",
		AutoApply:      true,
	}, shore, exec, agent.NewCollector(quietHost{}, rt, "", logger), logger, agent.WithClock(clk))

	cycle := ag.PollOnce(ctx)
	require.NoError(t, cycle.Err)
	assert.Zero(t, cycle.Pending)

	ship, err := svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, "Aurora", ship.Name)

	dep, err := svc.CreateDeployment(ctx, "aurora", &models.DeploymentRequest{
		ContainerImage: "registry.local/web:2.0",
		ContainerName:  "web",
		Version:        "2.0.0",
		Priority:       models.PriorityEmergency,
	})
	require.NoError(t, err)

	cycle = ag.PollOnce(ctx)
	require.NoError(t, cycle.Err)
	require.Len(t, cycle.Results, 1)
	require.True(t, cycle.Results[0].Succeeded(), "err: %v", cycle.Results[0].Err)

	got, err := svc.GetDeployment(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusCompleted, got.Status)
	assert.NotNil(t, got.DeployedAt)
	assert.NotNil(t, got.CompletedAt)

	ship, err = svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", ship.CurrentVersion)

	require.NoError(t, ag.ReportHealth(ctx))
	ship, err = svc.GetShip(ctx, "aurora")
	require.NoError(t, err)
	assert.Equal(t, models.ShipStatusOnline, ship.Status)
}
