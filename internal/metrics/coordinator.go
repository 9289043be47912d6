// Package metrics exposes Prometheus collectors for the coordinator and the
// ship agent, plus the HTTP plumbing that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

const namespace = "fleetdeploy"

// Coordinator records rollout state changes. It satisfies rollout.Recorder.
type Coordinator struct {
	deploymentTransitions *prometheus.CounterVec
	fleetTransitions      *prometheus.CounterVec
	healthReports         *prometheus.CounterVec
}

// NewCoordinator registers the coordinator collectors with reg.
func NewCoordinator(reg prometheus.Registerer) *Coordinator {
	factory := promauto.With(reg)
	return &Coordinator{
		deploymentTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployment_status_transitions_total",
			Help:      "Deployment status transitions by target status",
		}, []string{"status"}),
		fleetTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fleet_status_changes_total",
			Help:      "Fleet deployment aggregate changes by resulting status",
		}, []string{"status"}),
		healthReports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ship_health_reports_total",
			Help:      "Ship health reports by derived ship status",
		}, []string{"status"}),
	}
}

// DeploymentStatusChanged counts a deployment transition.
func (c *Coordinator) DeploymentStatusChanged(status models.DeploymentStatus) {
	c.deploymentTransitions.WithLabelValues(string(status)).Inc()
}

// FleetStatusChanged counts a fleet aggregate change.
func (c *Coordinator) FleetStatusChanged(status models.FleetStatus) {
	c.fleetTransitions.WithLabelValues(string(status)).Inc()
}

// HealthReported counts a ship health report.
func (c *Coordinator) HealthReported(status models.ShipStatus) {
	c.healthReports.WithLabelValues(string(status)).Inc()
}
