package models

import "time"

// ContainerInfo describes a container as reported by the runtime.
type ContainerInfo struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	State   string            `json:"state"`
	Status  string            `json:"status,omitempty"`
	Created time.Time         `json:"created"`
	Ports   map[string]string `json:"ports,omitempty"`
}

// IsRunning returns true if the runtime reports the container as running.
func (c *ContainerInfo) IsRunning() bool {
	return c.State == "running"
}

// Backup records a container filesystem export taken before an update.
type Backup struct {
	ContainerID string    `json:"container_id"`
	Name        string    `json:"name"`
	Image       string    `json:"image"`
	BackupPath  string    `json:"backup_path"`
	CreatedAt   time.Time `json:"created_at"`
}
