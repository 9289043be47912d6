package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

// HostSampler reads host resource usage.
type HostSampler interface {
	CPUPercent() (float64, error)
	MemoryPercent() (float64, error)
	DiskPercent(path string) (float64, error)
	Uptime(now time.Time) (time.Duration, error)
}

// ContainerLister is the part of the runtime the health collector needs.
type ContainerLister interface {
	List(ctx context.Context, filter runtime.Filter) ([]models.ContainerInfo, error)
	Ping(ctx context.Context) error
}

// Collector builds health reports from the host and the container runtime.
type Collector struct {
	host     HostSampler
	runtime  ContainerLister
	diskPath string
	logger   *slog.Logger
}

// NewCollector creates a Collector. diskPath selects the filesystem whose
// usage is reported, usually the backup directory.
func NewCollector(host HostSampler, rt ContainerLister, diskPath string, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{host: host, runtime: rt, diskPath: diskPath, logger: logger}
}

// Collect samples the host and runtime. Individual probe failures are logged
// and leave the corresponding field zero.
func (c *Collector) Collect(ctx context.Context, now time.Time) *models.ShipMetrics {
	m := &models.ShipMetrics{Timestamp: now}

	if cpu, err := c.host.CPUPercent(); err != nil {
		c.logger.Warn("cpu sample failed", "error", err)
	} else {
		m.CPUPercent = cpu
	}
	if mem, err := c.host.MemoryPercent(); err != nil {
		c.logger.Warn("memory sample failed", "error", err)
	} else {
		m.MemoryPercent = mem
	}
	if disk, err := c.host.DiskPercent(c.diskPath); err != nil {
		c.logger.Warn("disk sample failed", "path", c.diskPath, "error", err)
	} else {
		m.DiskPercent = disk
	}
	if up, err := c.host.Uptime(now); err == nil {
		m.UptimeSeconds = int64(up.Seconds())
	}

	if err := c.runtime.Ping(ctx); err != nil {
		c.logger.Warn("container runtime not responding", "error", err)
		m.RuntimeStatus = "Unavailable"
		return m
	}
	m.RuntimeStatus = models.RuntimeStatusRunning

	containers, err := c.runtime.List(ctx, runtime.Filter{All: true})
	if err != nil {
		c.logger.Warn("listing containers failed", "error", err)
		return m
	}
	for _, ci := range containers {
		if ci.IsRunning() {
			m.ContainerCount++
		}
		m.Containers = append(m.Containers, models.ContainerHealth{
			ID:     runtime.ShortID(ci.ID),
			Name:   ci.Name,
			Image:  ci.Image,
			State:  ci.State,
			Status: ci.Status,
		})
	}
	return m
}

// ProcSampler reads usage from a procfs mount. CPU usage is measured between
// consecutive calls; the first call reports the average since boot.
type ProcSampler struct {
	fs procfs.FS

	mu   sync.Mutex
	prev *procfs.CPUStat
}

// NewProcSampler opens the procfs mounted at mountPoint, or /proc when empty.
func NewProcSampler(mountPoint string) (*ProcSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

func busyIdle(s procfs.CPUStat) (busy, idle float64) {
	idle = s.Idle + s.Iowait
	busy = s.User + s.Nice + s.System + s.IRQ + s.SoftIRQ + s.Steal
	return busy, idle
}

// CPUPercent implements HostSampler.
func (p *ProcSampler) CPUPercent() (float64, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0, err
	}
	cur := stat.CPUTotal

	p.mu.Lock()
	prev := p.prev
	p.prev = &cur
	p.mu.Unlock()

	busy, idle := busyIdle(cur)
	if prev != nil {
		pb, pi := busyIdle(*prev)
		busy, idle = busy-pb, idle-pi
	}
	if busy+idle <= 0 {
		return 0, nil
	}
	return 100 * busy / (busy + idle), nil
}

// MemoryPercent implements HostSampler.
func (p *ProcSampler) MemoryPercent() (float64, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, fmt.Errorf("meminfo has no MemTotal")
	}
	avail := mi.MemAvailable
	if avail == nil {
		avail = mi.MemFree
	}
	if avail == nil {
		return 0, fmt.Errorf("meminfo has no MemAvailable")
	}
	total := float64(*mi.MemTotal)
	return 100 * (total - float64(*avail)) / total, nil
}

// DiskPercent implements HostSampler. It matches df: used over used plus
// space available to unprivileged users.
func (p *ProcSampler) DiskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := float64(st.Blocks - st.Bfree)
	avail := float64(st.Bavail)
	if used+avail == 0 {
		return 0, nil
	}
	return 100 * used / (used + avail), nil
}

// Uptime implements HostSampler.
func (p *ProcSampler) Uptime(now time.Time) (time.Duration, error) {
	stat, err := p.fs.Stat()
	if err != nil {
		return 0, err
	}
	boot := time.Unix(int64(stat.BootTime), 0)
	if boot.After(now) {
		return 0, nil
	}
	return now.Sub(boot), nil
}
