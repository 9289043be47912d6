package rollout

import (
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// DeriveFleetStatus computes a fleet's status from its children's status
// counts. Any failed child makes the fleet partially failed; whether it has
// finished is decided by the counts, see FleetDeployment.IsFinished.
func DeriveFleetStatus(current models.FleetStatus, counts models.StatusCounts, total int) models.FleetStatus {
	completed := counts.Count(models.DeploymentStatusCompleted)
	failed := counts.Count(models.DeploymentStatusFailed)

	if failed > 0 {
		return models.FleetStatusPartiallyFailed
	}
	if total > 0 && completed == total {
		return models.FleetStatusCompleted
	}

	started := counts.Count(models.DeploymentStatusDownloading) +
		counts.Count(models.DeploymentStatusInProgress) +
		completed + failed
	if started > 0 {
		return models.FleetStatusInProgress
	}
	return current
}

// Aggregate recounts fleet from its children and derives the new status.
// It reports whether any persisted field changed.
func Aggregate(fleet *models.FleetDeployment, children []*models.Deployment, now time.Time) bool {
	counts := models.CountStatuses(children)
	before := *fleet

	fleet.TotalShips = len(children)
	fleet.CompletedShips = counts.Count(models.DeploymentStatusCompleted)
	fleet.FailedShips = counts.Count(models.DeploymentStatusFailed)
	fleet.Status = DeriveFleetStatus(fleet.Status, counts, fleet.TotalShips)

	if fleet.IsFinished() {
		if fleet.CompletedAt == nil {
			t := now
			fleet.CompletedAt = &t
		}
	} else {
		fleet.CompletedAt = nil
	}

	changed := before.TotalShips != fleet.TotalShips ||
		before.CompletedShips != fleet.CompletedShips ||
		before.FailedShips != fleet.FailedShips ||
		before.Status != fleet.Status ||
		(before.CompletedAt == nil) != (fleet.CompletedAt == nil)
	if changed {
		fleet.UpdatedAt = now
	}
	return changed
}

// Progress builds the read model for a fleet and its children.
func Progress(fleet *models.FleetDeployment, children []*models.Deployment) *models.DeploymentProgress {
	counts := models.CountStatuses(children)
	p := &models.DeploymentProgress{
		FleetDeployment: fleet,
		Total:           len(children),
		Pending:         counts.Count(models.DeploymentStatusPending),
		Downloading:     counts.Count(models.DeploymentStatusDownloading),
		InProgress:      counts.Count(models.DeploymentStatusInProgress),
		Completed:       counts.Count(models.DeploymentStatusCompleted),
		Failed:          counts.Count(models.DeploymentStatusFailed),
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p
}
