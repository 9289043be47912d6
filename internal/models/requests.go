package models

import "time"

// DeploymentRequest asks the coordinator to deploy an image to one ship.
// When Version names a registry release, empty image, package and checksum
// fields are filled from that release.
type DeploymentRequest struct {
	ContainerImage  string           `json:"container_image" validate:"required_without=Version"`
	ContainerName   string           `json:"container_name,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	Version         string           `json:"version,omitempty"`
	Priority        Priority         `json:"priority,omitempty" validate:"omitempty,oneof=normal high emergency"`
	PackageURL      string           `json:"package_url,omitempty" validate:"omitempty,url"`
	Checksum        string           `json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Description     string           `json:"description,omitempty"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
	IsEmergency     bool             `json:"is_emergency,omitempty"`
}

// FleetDeploymentRequest asks the coordinator to roll an image out across ships.
type FleetDeploymentRequest struct {
	Name            string           `json:"name,omitempty"`
	Description     string           `json:"description,omitempty"`
	ContainerImage  string           `json:"container_image" validate:"required_without=Version"`
	ContainerName   string           `json:"container_name,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	Version         string           `json:"version,omitempty"`
	PackageURL      string           `json:"package_url,omitempty" validate:"omitempty,url"`
	Checksum        string           `json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Priority        Priority         `json:"priority,omitempty" validate:"omitempty,oneof=normal high emergency"`
	ShipFilter      ShipFilter       `json:"ship_filter"`
	RolloutStrategy RolloutStrategy  `json:"rollout_strategy"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
}

// ReleaseRequest publishes an update package to the registry index.
type ReleaseRequest struct {
	Version        string     `json:"version" validate:"required"`
	ContainerImage string     `json:"container_image" validate:"required"`
	PackageURL     string     `json:"package_url,omitempty" validate:"omitempty,url"`
	Checksum       string     `json:"checksum,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Priority       Priority   `json:"priority,omitempty" validate:"omitempty,oneof=normal high emergency"`
	Description    string     `json:"description,omitempty"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	// TTL is how long the release stays available. Zero uses the registry default.
	TTL Duration `json:"ttl,omitempty"`
	// Package holds the raw package bytes when the checksum should be computed server side.
	Package []byte `json:"package,omitempty"`
}
