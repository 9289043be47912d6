package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/store/memory"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExpirer struct {
	n   int
	err error
}

func (f *fakeExpirer) ExpireStale(context.Context) (int, error) { return f.n, f.err }

// Reports inside the retention window survive a prune, older ones are removed.
func TestMetricsRetentionEnforcement(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("reports within retention are preserved", prop.ForAll(
		func(retentionDays int, ages []int) bool {
			ctx := context.Background()
			st := memory.New()
			clk := testingclock.NewFakeClock(now)
			svc := NewService(st, nil, clk, discard())
			if err := svc.SetSettings(SettingsFromDays(retentionDays, 0)); err != nil {
				return false
			}

			cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)
			kept := 0
			for i, ageHours := range ages {
				ts := now.Add(-time.Duration(ageHours) * time.Hour)
				if !ts.Before(cutoff) {
					kept++
				}
				err := st.Metrics().Record(ctx, &models.ShipMetrics{
					ID:        fmt.Sprintf("m-%d", i),
					ShipID:    "ship-01",
					Timestamp: ts,
				})
				if err != nil {
					return false
				}
			}

			result, err := svc.PruneMetrics(ctx)
			if err != nil || result.ItemsRemoved != len(ages)-kept {
				return false
			}
			left, err := st.Metrics().ListByShip(ctx, "ship-01", time.Time{}, 0)
			return err == nil && len(left) == kept
		},
		gen.IntRange(1, 60),
		gen.SliceOf(gen.IntRange(0, 24*90)),
	))

	properties.TestingRun(t)
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.MetricsRetention = 0
	assert.Error(t, s.Validate())

	s = DefaultSettings()
	s.ReleaseSweepInterval = -time.Second
	assert.Error(t, s.Validate())

	svc := NewService(memory.New(), nil, nil, discard())
	assert.Error(t, svc.SetSettings(Settings{}))
	assert.Equal(t, DefaultSettings(), svc.GetSettings())
}

func TestSettingsFromDays(t *testing.T) {
	s := SettingsFromDays(7, 0)
	assert.Equal(t, 7*24*time.Hour, s.MetricsRetention)
	assert.Equal(t, DefaultReleaseSweepInterval, s.ReleaseSweepInterval)

	s = SettingsFromDays(0, time.Minute)
	assert.Equal(t, DefaultMetricsRetention, s.MetricsRetention)
	assert.Equal(t, time.Minute, s.ReleaseSweepInterval)
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	clk := testingclock.NewFakeClock(now)
	require.NoError(t, st.Metrics().Record(ctx, &models.ShipMetrics{
		ID: "old", ShipID: "ship-01", Timestamp: now.Add(-90 * 24 * time.Hour),
	}))

	svc := NewService(st, &fakeExpirer{err: errors.New("db down")}, clk, discard())
	result := svc.RunOnce(ctx)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.ItemsRemoved)

	svc = NewService(st, &fakeExpirer{n: 3}, clk, discard())
	result = svc.RunOnce(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 3, result.ItemsRemoved)
}

type countingPruner struct {
	calls int
	err   error
}

func (p *countingPruner) PruneBackups(context.Context) (int, error) {
	p.calls++
	return 2, p.err
}

func TestDiskMonitorThresholds(t *testing.T) {
	ctx := context.Background()
	pruner := &countingPruner{}
	m := NewDiskMonitor(pruner, discard())

	assert.False(t, m.CheckDiskUsage(ctx, "ship-01", 50))
	assert.False(t, m.CheckDiskUsage(ctx, "ship-01", DiskWarningThreshold))
	assert.Equal(t, 0, pruner.calls)

	assert.True(t, m.CheckDiskUsage(ctx, "ship-01", DiskCriticalThreshold))
	assert.Equal(t, 1, pruner.calls)

	pruner.err = errors.New("read-only filesystem")
	assert.True(t, m.CheckDiskUsage(ctx, "ship-01", 99))
	assert.Equal(t, 2, pruner.calls)

	assert.False(t, NewDiskMonitor(nil, discard()).CheckDiskUsage(ctx, "ship-01", 99))
}

func TestChainSumsAndJoins(t *testing.T) {
	var order []string
	step := func(name string, n int, err error) Pruner {
		return PrunerFunc(func(context.Context) (int, error) {
			order = append(order, name)
			return n, err
		})
	}
	imagesErr := errors.New("image prune failed")

	removed, err := Chain(step("backups", 3, nil), step("images", 0, imagesErr), step("tmp", 2, nil)).
		PruneBackups(context.Background())

	assert.Equal(t, 5, removed)
	require.ErrorIs(t, err, imagesErr)
	assert.Equal(t, []string{"backups", "images", "tmp"}, order)
}
