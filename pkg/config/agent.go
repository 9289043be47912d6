package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/fleetdeploy/internal/maintenance"
	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// AgentConfig is the ship agent's configuration file.
type AgentConfig struct {
	ShipID   string `yaml:"ship_id"`
	ShipName string `yaml:"ship_name"`
	Location string `yaml:"location"`
	TimeZone string `yaml:"time_zone"`

	CheckIntervalSeconds       int `yaml:"check_interval_seconds"`
	HealthCheckIntervalSeconds int `yaml:"health_check_interval_seconds"`
	MaxRetries                 int `yaml:"max_retries"`
	RollbackTimeoutMinutes     int `yaml:"rollback_timeout_minutes"`

	Communication      CommunicationConfig        `yaml:"communication"`
	MaintenanceWindows []models.MaintenanceWindow `yaml:"maintenance_windows"`
	Deployment         DeploymentConfig           `yaml:"deployment"`
	Monitoring         MonitoringConfig           `yaml:"monitoring"`
	Storage            StorageConfig              `yaml:"storage"`
	Runtime            RuntimeConfig              `yaml:"runtime"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// CommunicationConfig describes how the agent reaches the coordinator.
type CommunicationConfig struct {
	ShoreEndpoint  string        `yaml:"shore_endpoint"`
	APIToken       string        `yaml:"api_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DeploymentConfig controls how updates are applied on the ship.
type DeploymentConfig struct {
	AutoApply             bool          `yaml:"auto_apply"`
	RequireManualApproval bool          `yaml:"require_manual_approval"`
	BackupRetentionDays   int           `yaml:"backup_retention_days"`
	WorkDir               string        `yaml:"work_dir"`
	BackupDir             string        `yaml:"backup_dir"`
	DownloadTimeout       time.Duration `yaml:"download_timeout"`
}

// MonitoringConfig controls the agent's metrics endpoint.
type MonitoringConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// StorageConfig holds object storage credentials for s3:// package URLs.
type StorageConfig struct {
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// RuntimeConfig selects the container runtime CLI.
type RuntimeConfig struct {
	Binary string `yaml:"binary"`
}

// DefaultAgentConfig returns an agent configuration with every default applied.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		CheckIntervalSeconds:       300,
		HealthCheckIntervalSeconds: 60,
		MaxRetries:                 3,
		RollbackTimeoutMinutes:     10,
		Communication: CommunicationConfig{
			RequestTimeout: 30 * time.Second,
		},
		Deployment: DeploymentConfig{
			AutoApply:           true,
			BackupRetentionDays: 30,
			WorkDir:             "/var/lib/fleet-agent/work",
			BackupDir:           "/var/lib/fleet-agent/backups",
			DownloadTimeout:     10 * time.Minute,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsAddr: ":9100",
		},
		Runtime:   RuntimeConfig{Binary: "podman"},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadAgent reads the YAML file at path over the defaults, applies
// environment overrides for secrets and validates the result.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent decodes YAML agent configuration over the defaults.
func ParseAgent(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) applyEnv() {
	c.Communication.ShoreEndpoint = getEnv("FLEET_SHORE_ENDPOINT", c.Communication.ShoreEndpoint)
	c.Communication.APIToken = getEnv("FLEET_API_TOKEN", c.Communication.APIToken)
	c.Storage.S3AccessKey = getEnv("FLEET_S3_ACCESS_KEY", c.Storage.S3AccessKey)
	c.Storage.S3SecretKey = getEnv("FLEET_S3_SECRET_KEY", c.Storage.S3SecretKey)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Validate checks that required fields are set and values are in range.
func (c *AgentConfig) Validate() error {
	if c.ShipID == "" {
		return fmt.Errorf("ship_id is required")
	}
	if c.Communication.ShoreEndpoint == "" {
		return fmt.Errorf("communication.shore_endpoint is required")
	}
	if c.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("check_interval_seconds must be positive, got %d", c.CheckIntervalSeconds)
	}
	if c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("health_check_interval_seconds must be positive, got %d", c.HealthCheckIntervalSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.Deployment.BackupRetentionDays <= 0 {
		return fmt.Errorf("deployment.backup_retention_days must be positive, got %d", c.Deployment.BackupRetentionDays)
	}
	if c.Deployment.WorkDir == "" || c.Deployment.BackupDir == "" {
		return fmt.Errorf("deployment.work_dir and deployment.backup_dir are required")
	}
	for i, w := range c.MaintenanceWindows {
		if err := maintenance.Validate(w); err != nil {
			return fmt.Errorf("maintenance_windows[%d]: %w", i, err)
		}
	}
	return nil
}

// CheckInterval returns the pending update poll interval.
func (c *AgentConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// HealthInterval returns the health report interval.
func (c *AgentConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalSeconds) * time.Second
}

// RollbackTimeout bounds a restore from backup.
func (c *AgentConfig) RollbackTimeout() time.Duration {
	return time.Duration(c.RollbackTimeoutMinutes) * time.Minute
}

// BackupRetention returns how long backups are kept.
func (c *AgentConfig) BackupRetention() time.Duration {
	return time.Duration(c.Deployment.BackupRetentionDays) * 24 * time.Hour
}
