// Package models provides the data models shared by the coordinator and the ship agent.
package models

import "time"

// ShipStatus represents the derived health state of a ship.
type ShipStatus string

const (
	ShipStatusOnline   ShipStatus = "online"
	ShipStatusWarning  ShipStatus = "warning"
	ShipStatusCritical ShipStatus = "critical"
	ShipStatusOffline  ShipStatus = "offline"
)

// IsValid returns true if the ship status is a known value.
func (s ShipStatus) IsValid() bool {
	switch s {
	case ShipStatusOnline, ShipStatusWarning, ShipStatusCritical, ShipStatusOffline:
		return true
	default:
		return false
	}
}

// String returns the string representation of the ship status.
func (s ShipStatus) String() string {
	return string(s)
}

// Ship represents an edge node running the update agent.
type Ship struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Status             ShipStatus          `json:"status"`
	LastSeen           time.Time           `json:"last_seen"`
	CurrentVersion     string              `json:"current_version,omitempty"`
	TargetVersion      string              `json:"target_version,omitempty"`
	Location           string              `json:"location,omitempty"`
	TimeZone           string              `json:"time_zone,omitempty"`
	AgentVersion       string              `json:"agent_version,omitempty"`
	Capabilities       []string            `json:"capabilities,omitempty"`
	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// IsStale reports whether the ship has not been seen within threshold of now.
// A ship that has never been seen is stale.
func (s *Ship) IsStale(now time.Time, threshold time.Duration) bool {
	if s.LastSeen.IsZero() {
		return true
	}
	return now.Sub(s.LastSeen) > threshold
}

// EffectiveStatus returns the stored status, or offline when the ship is stale.
// A stored offline status is only kept while the ship stays stale.
func (s *Ship) EffectiveStatus(now time.Time, threshold time.Duration) ShipStatus {
	if s.IsStale(now, threshold) {
		return ShipStatusOffline
	}
	if !s.Status.IsValid() || s.Status == ShipStatusOffline {
		return ShipStatusOnline
	}
	return s.Status
}

// MaintenanceWindow is a recurring local-time interval during which
// non-emergency updates may be applied.
type MaintenanceWindow struct {
	// Days holds weekday names ("Monday", "tue", ...), matched case-insensitively.
	Days []string `json:"days" yaml:"days"`
	// StartTime is the inclusive start of the window as HH:MM or HH:MM:SS.
	StartTime string `json:"start_time" yaml:"start_time"`
	// EndTime is the inclusive end of the window as HH:MM or HH:MM:SS.
	EndTime string `json:"end_time" yaml:"end_time"`
	// TimeZone is an IANA zone name. Empty means UTC.
	TimeZone string `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
}
