package models

import "time"

// UpdateRequest is the immutable instruction a ship agent receives for one
// pending deployment. Its ID is the backing deployment ID.
type UpdateRequest struct {
	ID              string           `json:"id"`
	ContainerImage  string           `json:"container_image"`
	ContainerName   string           `json:"container_name,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	Version         string           `json:"version,omitempty"`
	Priority        Priority         `json:"priority"`
	PackageURL      string           `json:"package_url,omitempty"`
	Checksum        string           `json:"checksum,omitempty"`
	Description     string           `json:"description,omitempty"`
	RollbackVersion string           `json:"rollback_version,omitempty"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
}

// IsEmergency returns true if the update bypasses maintenance windows.
func (u *UpdateRequest) IsEmergency() bool {
	return u.Priority == PriorityEmergency
}

// UpdateStatusReport is sent by an agent once an update reaches a terminal state.
type UpdateStatusReport struct {
	ShipID    string           `json:"ship_id"`
	Status    DeploymentStatus `json:"status" validate:"required,oneof=pending downloading in_progress completed failed"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// RegistrationRequest is sent by an agent when it starts.
type RegistrationRequest struct {
	ShipID             string              `json:"ship_id" validate:"required,max=255"`
	ShipName           string              `json:"ship_name" validate:"max=255"`
	AgentVersion       string              `json:"agent_version,omitempty"`
	Location           string              `json:"location,omitempty"`
	TimeZone           string              `json:"time_zone,omitempty"`
	CurrentVersion     string              `json:"current_version,omitempty"`
	Capabilities       []string            `json:"capabilities,omitempty"`
	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows,omitempty"`
	LastSeen           time.Time           `json:"last_seen"`
}

// RollbackRequest asks a ship to return to a previous version.
type RollbackRequest struct {
	TargetVersion  string `json:"target_version" validate:"required"`
	ContainerImage string `json:"container_image,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	PackageURL     string `json:"package_url,omitempty" validate:"omitempty,url"`
	Reason         string `json:"reason,omitempty"`
	Emergency      bool   `json:"emergency"`
}

// FleetRollbackRequest issues a rollback to several ships at once. When
// ShipIDs is empty every ship not already on the target version is included.
type FleetRollbackRequest struct {
	RollbackRequest
	ShipIDs []string `json:"ship_ids,omitempty"`
}
