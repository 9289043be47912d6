package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Update outcomes recorded by the agent.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// Agent holds the ship agent's collectors.
type Agent struct {
	updates        *prometheus.CounterVec
	updateDuration prometheus.Histogram
	pollTotal      *prometheus.CounterVec
	shoreReachable prometheus.Gauge
	lastPoll       prometheus.Gauge
	healthStatus   prometheus.Gauge
	backupsPruned  prometheus.Counter
}

// NewAgent registers the agent collectors with reg.
func NewAgent(reg prometheus.Registerer) *Agent {
	factory := promauto.With(reg)
	return &Agent{
		updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "updates_total",
			Help:      "Updates handled by the agent by result",
		}, []string{"result"}),
		updateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "update_duration_seconds",
			Help:      "Wall time of applied updates",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		pollTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "polls_total",
			Help:      "Pending update polls by result",
		}, []string{"result"}),
		shoreReachable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "shore_reachable",
			Help:      "1 when the last shore request succeeded, 0 otherwise",
		}),
		lastPoll: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "last_poll_timestamp_seconds",
			Help:      "Unix time of the last successful poll",
		}),
		healthStatus: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "health_status",
			Help:      "Current health status (1=online, 0.5=warning, 0=critical)",
		}),
		backupsPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "backups_pruned_total",
			Help:      "Backup archives removed by retention",
		}),
	}
}

// UpdateFinished records the outcome and duration of an update.
func (a *Agent) UpdateFinished(result string, took time.Duration) {
	a.updates.WithLabelValues(result).Inc()
	if result != ResultSkipped {
		a.updateDuration.Observe(took.Seconds())
	}
}

// PollFinished records a poll attempt.
func (a *Agent) PollFinished(at time.Time, err error) {
	if err != nil {
		a.pollTotal.WithLabelValues("error").Inc()
		a.shoreReachable.Set(0)
		return
	}
	a.pollTotal.WithLabelValues("ok").Inc()
	a.shoreReachable.Set(1)
	a.lastPoll.Set(float64(at.Unix()))
}

// HealthStatus records the ship status derived from the last health report.
func (a *Agent) HealthStatus(status string) {
	switch status {
	case "online":
		a.healthStatus.Set(1)
	case "warning":
		a.healthStatus.Set(0.5)
	default:
		a.healthStatus.Set(0)
	}
}

// BackupsPruned counts removed backups.
func (a *Agent) BackupsPruned(n int) {
	if n > 0 {
		a.backupsPruned.Add(float64(n))
	}
}
