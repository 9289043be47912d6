package models

import "time"

// Health thresholds used to derive a ship's status from its latest report.
const (
	CriticalCPUPercent    = 90.0
	CriticalMemoryPercent = 90.0
	CriticalDiskPercent   = 95.0
	WarningCPUPercent     = 80.0
	WarningMemoryPercent  = 80.0
	WarningDiskPercent    = 85.0
)

// Status strings reported by agents for their local services.
const (
	DatabaseStatusHealthy = "Healthy"
	RuntimeStatusRunning  = "Running"
)

// ContainerHealth describes one container in a health report.
type ContainerHealth struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image"`
	State  string `json:"state"`
	Status string `json:"status,omitempty"`
}

// ShipMetrics is a single health report from a ship.
type ShipMetrics struct {
	ID                string            `json:"id"`
	ShipID            string            `json:"ship_id"`
	Timestamp         time.Time         `json:"timestamp"`
	CPUPercent        float64           `json:"cpu_percent"`
	MemoryPercent     float64           `json:"memory_percent"`
	DiskPercent       float64           `json:"disk_percent"`
	ContainerCount    int               `json:"container_count"`
	NetworkConnected  bool              `json:"network_connected"`
	RuntimeStatus     string            `json:"runtime_status,omitempty"`
	DatabaseStatus    string            `json:"database_status,omitempty"`
	UptimeSeconds     int64             `json:"uptime_seconds"`
	Containers        []ContainerHealth `json:"containers,omitempty"`
	PendingUpdates    int               `json:"pending_updates"`
	SuccessfulUpdates int               `json:"successful_updates"`
	FailedUpdates     int               `json:"failed_updates"`
}

// DeriveShipStatus maps a health report to a ship status. A nil report yields online.
func DeriveShipStatus(m *ShipMetrics) ShipStatus {
	if m == nil {
		return ShipStatusOnline
	}
	if m.CPUPercent >= CriticalCPUPercent ||
		m.MemoryPercent >= CriticalMemoryPercent ||
		m.DiskPercent >= CriticalDiskPercent ||
		(m.DatabaseStatus != "" && m.DatabaseStatus != DatabaseStatusHealthy) ||
		(m.RuntimeStatus != "" && m.RuntimeStatus != RuntimeStatusRunning) {
		return ShipStatusCritical
	}
	if m.CPUPercent >= WarningCPUPercent ||
		m.MemoryPercent >= WarningMemoryPercent ||
		m.DiskPercent >= WarningDiskPercent ||
		!m.NetworkConnected {
		return ShipStatusWarning
	}
	return ShipStatusOnline
}
