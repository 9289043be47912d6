package agent

import (
	"slices"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/maintenance"
	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// SortByPriority orders updates emergency first, then high, then normal.
// Updates of equal priority keep their relative order.
func SortByPriority(updates []models.UpdateRequest) {
	slices.SortStableFunc(updates, func(a, b models.UpdateRequest) int {
		return b.Priority.Rank() - a.Priority.Rank()
	})
}

// Deferral explains why an update is not applied this cycle.
type Deferral string

const (
	NotDeferred          Deferral = ""
	DeferredScheduled    Deferral = "scheduled for later"
	DeferredWindowClosed Deferral = "outside maintenance window"
	DeferredApproval     Deferral = "awaiting manual approval"
)

// Policy decides which pending updates may run now.
type Policy struct {
	Windows               []models.MaintenanceWindow
	RequireManualApproval bool
}

// Check returns NotDeferred when u may be applied at now.
func (p Policy) Check(u *models.UpdateRequest, now time.Time) Deferral {
	if u.ScheduledFor != nil && u.ScheduledFor.After(now) {
		return DeferredScheduled
	}
	if u.IsEmergency() {
		return NotDeferred
	}
	if p.RequireManualApproval {
		return DeferredApproval
	}
	if !maintenance.AnyOpen(p.Windows, now) {
		return DeferredWindowClosed
	}
	return NotDeferred
}

// Eligible reports whether u may be applied at now.
func (p Policy) Eligible(u *models.UpdateRequest, now time.Time) bool {
	return p.Check(u, now) == NotDeferred
}
