package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime/runtimetest"
)

type stubHost struct {
	cpu, mem, disk float64
	err            error
	uptime         time.Duration
}

func (h stubHost) CPUPercent() (float64, error)            { return h.cpu, h.err }
func (h stubHost) MemoryPercent() (float64, error)         { return h.mem, h.err }
func (h stubHost) DiskPercent(string) (float64, error)     { return h.disk, h.err }
func (h stubHost) Uptime(time.Time) (time.Duration, error) { return h.uptime, h.err }

func TestCollectorReportsHostAndContainers(t *testing.T) {
	rt := runtimetest.New()
	rt.AddRunning("web", "registry.local/web:1.0")
	rt.AddRunning("db", "postgres:16")

	c := NewCollector(stubHost{cpu: 12.5, mem: 40, disk: 70, uptime: 2 * time.Hour}, rt, "/data", nil)
	m := c.Collect(context.Background(), testNow)

	assert.Equal(t, 12.5, m.CPUPercent)
	assert.Equal(t, 40.0, m.MemoryPercent)
	assert.Equal(t, 70.0, m.DiskPercent)
	assert.Equal(t, int64(7200), m.UptimeSeconds)
	assert.Equal(t, models.RuntimeStatusRunning, m.RuntimeStatus)
	assert.Equal(t, 2, m.ContainerCount)
	require.Len(t, m.Containers, 2)
	assert.Equal(t, models.ShipStatusOnline, models.DeriveShipStatus(&models.ShipMetrics{
		CPUPercent: m.CPUPercent, MemoryPercent: m.MemoryPercent, DiskPercent: m.DiskPercent,
		RuntimeStatus: m.RuntimeStatus, NetworkConnected: true,
	}))
}

func TestCollectorRuntimeDown(t *testing.T) {
	rt := runtimetest.New()
	rt.AddRunning("web", "registry.local/web:1.0")
	rt.PingErr = errors.New("cannot connect to podman socket")

	m := NewCollector(stubHost{}, rt, "", nil).Collect(context.Background(), testNow)

	assert.Equal(t, "Unavailable", m.RuntimeStatus)
	assert.Zero(t, m.ContainerCount)
	assert.Equal(t, models.ShipStatusCritical, models.DeriveShipStatus(m))
}

func TestCollectorHostErrorsLeaveZeroes(t *testing.T) {
	host := stubHost{cpu: 50, mem: 60, disk: 70, uptime: time.Hour, err: errors.New("no procfs")}
	m := NewCollector(host, runtimetest.New(), "", nil).Collect(context.Background(), testNow)

	assert.Zero(t, m.CPUPercent)
	assert.Zero(t, m.MemoryPercent)
	assert.Zero(t, m.DiskPercent)
	assert.Zero(t, m.UptimeSeconds)
	assert.Equal(t, models.RuntimeStatusRunning, m.RuntimeStatus)
}

func writeProc(t *testing.T, dir, stat string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
}

func TestProcSampler(t *testing.T) {
	dir := t.TempDir()
	// btime is 2024-05-01 10:00 UTC
	writeProc(t, dir, "cpu  200 0 100 700 0 0 0 0 0 0\nbtime 1714557600\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meminfo"), []byte(
		"MemTotal:        1000000 kB\nMemFree:          100000 kB\nMemAvailable:     250000 kB\n"), 0o644))

	s, err := NewProcSampler(dir)
	require.NoError(t, err)

	cpu, err := s.CPUPercent()
	require.NoError(t, err)
	assert.InDelta(t, 30.0, cpu, 0.001, "first sample averages since boot")

	writeProc(t, dir, "cpu  300 0 100 800 0 0 0 0 0 0\nbtime 1714557600\n")
	cpu, err = s.CPUPercent()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, cpu, 0.001, "later samples use the delta")

	mem, err := s.MemoryPercent()
	require.NoError(t, err)
	assert.InDelta(t, 75.0, mem, 0.001)

	up, err := s.Uptime(testNow)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, up)

	disk, err := s.DiskPercent(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, disk, 0.0)
	assert.LessOrEqual(t, disk, 100.0)

	_, err = s.DiskPercent(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestNewProcSamplerMissingMount(t *testing.T) {
	_, err := NewProcSampler(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
