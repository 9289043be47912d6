package models

import "time"

// DeploymentStatus represents the current state of a per-ship deployment.
type DeploymentStatus string

const (
	DeploymentStatusPending     DeploymentStatus = "pending"
	DeploymentStatusDownloading DeploymentStatus = "downloading"
	DeploymentStatusInProgress  DeploymentStatus = "in_progress"
	DeploymentStatusCompleted   DeploymentStatus = "completed"
	DeploymentStatusFailed      DeploymentStatus = "failed"
)

// IsValid returns true if the status is a known value.
func (s DeploymentStatus) IsValid() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusDownloading, DeploymentStatusInProgress,
		DeploymentStatusCompleted, DeploymentStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusCompleted || s == DeploymentStatusFailed
}

// CanTransitionTo reports whether a deployment in status s may move to next.
// Terminal states accept no transitions.
func (s DeploymentStatus) CanTransitionTo(next DeploymentStatus) bool {
	if !next.IsValid() {
		return false
	}
	switch s {
	case DeploymentStatusPending:
		return next != DeploymentStatusPending
	case DeploymentStatusDownloading:
		return next == DeploymentStatusInProgress || next.IsTerminal()
	case DeploymentStatusInProgress:
		return next.IsTerminal()
	case DeploymentStatusCompleted, DeploymentStatusFailed:
		return false
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s DeploymentStatus) String() string {
	return string(s)
}

// ValidDeploymentStatuses returns all deployment statuses.
func ValidDeploymentStatuses() []DeploymentStatus {
	return []DeploymentStatus{
		DeploymentStatusPending,
		DeploymentStatusDownloading,
		DeploymentStatusInProgress,
		DeploymentStatusCompleted,
		DeploymentStatusFailed,
	}
}

// Priority orders pending updates on a ship.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// IsValid returns true if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityNormal, PriorityHigh, PriorityEmergency:
		return true
	default:
		return false
	}
}

// Rank returns a sort key where a higher rank is applied first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// RestartPolicy mirrors the container runtime restart policy.
type RestartPolicy struct {
	Name              string `json:"name"`
	MaximumRetryCount int    `json:"maximum_retry_count"`
}

// ContainerConfig holds the runtime settings requested for a container.
type ContainerConfig struct {
	Environment   []string          `json:"environment,omitempty"`
	Ports         map[string]string `json:"ports,omitempty"`
	Volumes       []string          `json:"volumes,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
	RestartPolicy *RestartPolicy    `json:"restart_policy,omitempty"`
}

// Deployment is one ship's execution record, optionally part of a fleet rollout.
type Deployment struct {
	ID                string           `json:"id"`
	ShipID            string           `json:"ship_id"`
	ContainerImage    string           `json:"container_image"`
	ContainerName     string           `json:"container_name,omitempty"`
	ContainerConfig   *ContainerConfig `json:"container_config,omitempty"`
	Version           string           `json:"version"`
	Priority          Priority         `json:"priority"`
	Status            DeploymentStatus `json:"status"`
	PackageURL        string           `json:"package_url,omitempty"`
	Checksum          string           `json:"checksum,omitempty"`
	Description       string           `json:"description,omitempty"`
	RollbackVersion   string           `json:"rollback_version,omitempty"`
	FleetDeploymentID string           `json:"fleet_deployment_id,omitempty"`
	Batch             int              `json:"batch"`
	IsEmergency       bool             `json:"is_emergency"`
	ErrorMessage      string           `json:"error_message,omitempty"`
	ScheduledFor      *time.Time       `json:"scheduled_for,omitempty"`
	DeployedAt        *time.Time       `json:"deployed_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ApplyStatus moves the deployment to status at the given instant, keeping
// the timestamps consistent: DeployedAt is stamped on the first step away
// from pending and CompletedAt is set iff the new status is terminal.
// The caller is responsible for checking CanTransitionTo first.
func (d *Deployment) ApplyStatus(status DeploymentStatus, message string, at time.Time) {
	d.Status = status
	d.UpdatedAt = at
	if status != DeploymentStatusPending && d.DeployedAt == nil {
		t := at
		d.DeployedAt = &t
	}
	if status.IsTerminal() {
		t := at
		d.CompletedAt = &t
	} else {
		d.CompletedAt = nil
	}
	if status == DeploymentStatusFailed {
		d.ErrorMessage = message
	}
}

// ToUpdateRequest projects the deployment into the instruction handed to the agent.
func (d *Deployment) ToUpdateRequest() *UpdateRequest {
	priority := d.Priority
	if d.IsEmergency {
		priority = PriorityEmergency
	}
	if !priority.IsValid() {
		priority = PriorityNormal
	}
	req := &UpdateRequest{
		ID:              d.ID,
		ContainerImage:  d.ContainerImage,
		ContainerName:   d.ContainerName,
		Version:         d.Version,
		Priority:        priority,
		PackageURL:      d.PackageURL,
		Checksum:        d.Checksum,
		Description:     d.Description,
		RollbackVersion: d.RollbackVersion,
		ScheduledFor:    d.ScheduledFor,
	}
	if d.ContainerConfig != nil {
		cfg := *d.ContainerConfig
		req.ContainerConfig = &cfg
	}
	return req
}
