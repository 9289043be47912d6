package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FleetStatus represents the aggregate state of a fleet rollout.
type FleetStatus string

const (
	FleetStatusPlanning        FleetStatus = "planning"
	FleetStatusInProgress      FleetStatus = "in_progress"
	FleetStatusCompleted       FleetStatus = "completed"
	FleetStatusPartiallyFailed FleetStatus = "partially_failed"
)


// RolloutType selects how child deployments are grouped into batches.
type RolloutType string

const (
	RolloutRolling   RolloutType = "rolling"
	RolloutCanary    RolloutType = "canary"
	RolloutBlueGreen RolloutType = "blue-green"
)

// IsValid returns true if the rollout type is a known value.
func (t RolloutType) IsValid() bool {
	switch t {
	case RolloutRolling, RolloutCanary, RolloutBlueGreen:
		return true
	default:
		return false
	}
}

// Duration is a time.Duration that encodes as a Go duration string ("2h30m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// DefaultDelayBetweenBatches applies when a strategy omits the delay.
const DefaultDelayBetweenBatches = 2 * time.Hour

// RolloutStrategy controls batch sizing and failure tolerance of a fleet rollout.
type RolloutStrategy struct {
	Type                RolloutType `json:"type"`
	BatchSize           int         `json:"batch_size"`
	DelayBetweenBatches Duration    `json:"delay_between_batches"`
	MaxFailuresPerBatch int         `json:"max_failures_per_batch"`
}

// UnmarshalJSON decodes a strategy, applying DefaultDelayBetweenBatches when
// the delay is omitted. An explicit zero delay is kept.
func (s *RolloutStrategy) UnmarshalJSON(b []byte) error {
	type plain RolloutStrategy
	p := plain{DelayBetweenBatches: Duration(DefaultDelayBetweenBatches)}
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = RolloutStrategy(p)
	return nil
}

// WithDefaults returns a copy of the strategy with zero values filled in.
func (s RolloutStrategy) WithDefaults() RolloutStrategy {
	if s.Type == "" {
		s.Type = RolloutRolling
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 1
	}
	if s.DelayBetweenBatches < 0 {
		s.DelayBetweenBatches = 0
	}
	if s.MaxFailuresPerBatch < 0 {
		s.MaxFailuresPerBatch = 0
	}
	return s
}

// BatchFor returns the batch index of the i-th targeted ship (zero based).
func (s RolloutStrategy) BatchFor(i int) int {
	s = s.WithDefaults()
	switch s.Type {
	case RolloutBlueGreen:
		return 0
	case RolloutCanary:
		if i == 0 {
			return 0
		}
		return 1 + (i-1)/s.BatchSize
	default:
		return i / s.BatchSize
	}
}

// ShipFilter narrows the ships targeted by a fleet rollout.
type ShipFilter struct {
	Regions      []string `json:"regions,omitempty"`
	IncludeShips []string `json:"include_ships,omitempty"`
	ExcludeShips []string `json:"exclude_ships,omitempty"`
	MinVersion   string   `json:"min_version,omitempty"`
	MaxVersion   string   `json:"max_version,omitempty"`
}

// FleetDeployment is a rollout of one image version across many ships.
type FleetDeployment struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	Description     string           `json:"description,omitempty"`
	ContainerImage  string           `json:"container_image"`
	ContainerName   string           `json:"container_name,omitempty"`
	ContainerConfig *ContainerConfig `json:"container_config,omitempty"`
	Version         string           `json:"version"`
	PackageURL      string           `json:"package_url,omitempty"`
	Checksum        string           `json:"checksum,omitempty"`
	Priority        Priority         `json:"priority"`
	ShipFilter      ShipFilter       `json:"ship_filter"`
	RolloutStrategy RolloutStrategy  `json:"rollout_strategy"`
	Status          FleetStatus      `json:"status"`
	TotalShips      int              `json:"total_ships"`
	CompletedShips  int              `json:"completed_ships"`
	FailedShips     int              `json:"failed_ships"`
	CurrentBatch    int              `json:"current_batch"`
	BatchStartedAt  *time.Time       `json:"batch_started_at,omitempty"`
	Halted          bool             `json:"halted"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// IsFinished reports whether every child deployment reached a terminal
// state. A partially failed fleet keeps running until then.
func (f *FleetDeployment) IsFinished() bool {
	return f.TotalShips > 0 && f.CompletedShips+f.FailedShips == f.TotalShips
}

// StatusCounts tallies child deployments per status.
type StatusCounts map[DeploymentStatus]int

// Count returns the tally for status, zero when absent.
func (c StatusCounts) Count(status DeploymentStatus) int {
	return c[status]
}

// CountStatuses tallies the statuses of the given deployments.
func CountStatuses(deployments []*Deployment) StatusCounts {
	counts := make(StatusCounts, len(ValidDeploymentStatuses()))
	for _, d := range deployments {
		counts[d.Status]++
	}
	return counts
}

// DeploymentProgress is the read model returned for a fleet rollout.
type DeploymentProgress struct {
	FleetDeployment *FleetDeployment `json:"fleet_deployment"`
	Total           int              `json:"total"`
	Pending         int              `json:"pending"`
	Downloading     int              `json:"downloading"`
	InProgress      int              `json:"in_progress"`
	Completed       int              `json:"completed"`
	Failed          int              `json:"failed"`
	Percentage      float64          `json:"percentage"`
}

// FleetStatusSummary describes the whole fleet at one instant.
type FleetStatusSummary struct {
	TotalShips          int            `json:"total_ships"`
	OnlineShips         int            `json:"online_ships"`
	OfflineShips        int            `json:"offline_ships"`
	WarningShips        int            `json:"warning_ships"`
	CriticalShips       int            `json:"critical_ships"`
	VersionDistribution map[string]int `json:"version_distribution"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// FleetHealthSummary aggregates recent health reports and deployment activity.
type FleetHealthSummary struct {
	TotalShips         int       `json:"total_ships"`
	OnlineShips        int       `json:"online_ships"`
	OfflineShips       int       `json:"offline_ships"`
	WarningShips       int       `json:"warning_ships"`
	AverageCPUPercent  float64   `json:"average_cpu_percent"`
	AverageMemPercent  float64   `json:"average_memory_percent"`
	AverageDiskPercent float64   `json:"average_disk_percent"`
	ActiveDeployments  int       `json:"active_deployments"`
	RecentDeployments  int       `json:"recent_deployments"`
	FailedDeployments  int       `json:"failed_deployments"`
	GeneratedAt        time.Time `json:"generated_at"`
}
