package docker

import (
	"jobwatch/internal/config"
	"time"
)

// Label keys identifying job containers.
const (
	LabelManaged  = "jobwatch.managed"
	LabelType     = "jobwatch.type"
	LabelProject  = "jobwatch.project"
	LabelLocation = "jobwatch.location"
)

// Config holds configuration for the Docker job backend.
type Config struct {
	DrainTimeout        time.Duration // Grace period given to a draining container (default 30s)
	MessagePageSize     int           // Log lines per message page (default 500)
	JobRetention        time.Duration // How long finished job containers are kept, 0 keeps them forever
	MaintenanceInterval time.Duration // How often to prune finished containers (default 1m)
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		DrainTimeout:        config.GetDurationEnv("DOCKER_DRAIN_TIMEOUT", 30*time.Second),
		MessagePageSize:     config.GetIntEnv("DOCKER_MESSAGE_PAGE_SIZE", 500),
		JobRetention:        config.GetDurationEnv("DOCKER_JOB_RETENTION", 0),
		MaintenanceInterval: config.GetDurationEnv("DOCKER_MAINTENANCE_INTERVAL", time.Minute),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.MessagePageSize <= 0 {
		c.MessagePageSize = 500
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	return c
}
