package models

import "time"

// ReleaseStatus tracks a registry entry's availability.
type ReleaseStatus string

const (
	ReleaseStatusPending   ReleaseStatus = "pending"
	ReleaseStatusProcessed ReleaseStatus = "processed"
	ReleaseStatusExpired   ReleaseStatus = "expired"
)

// Release is a published update package known to the registry index.
type Release struct {
	ID             string        `json:"id"`
	Version        string        `json:"version"`
	ContainerImage string        `json:"container_image"`
	PackageURL     string        `json:"package_url,omitempty"`
	Checksum       string        `json:"checksum"`
	Priority       Priority      `json:"priority"`
	Status         ReleaseStatus `json:"status"`
	Description    string        `json:"description,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduled_at,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsAvailable reports whether the release is pending and unexpired at now.
func (r *Release) IsAvailable(now time.Time) bool {
	return r.Status == ReleaseStatusPending && r.ExpiresAt.After(now)
}
