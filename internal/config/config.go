// Package config provides configuration loading from environment variables
// and TOML session files.
package config

import (
	"fmt"
	"time"
)

// Supported job backends.
const (
	BackendDataflow = "dataflow"
	BackendDocker   = "docker"
)

// ServiceConfig holds configuration for the jobwatch service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	Backend         string // dataflow or docker
	DefaultProject  string // Project used when a request names none
	DefaultLocation string
	StorePath       string // SQLite watch store; empty keeps watches in memory

	PollInterval   time.Duration // Default poll interval for watches
	CancelTimeout  time.Duration // Default cancel timeout, 0 waits forever
	MaxWatches     int           // Concurrent watch limit, 0 for unlimited
	WatchRetention time.Duration // How long finished watches are kept, 0 keeps them forever
	CORSOrigins    string        // Allowed CORS origin, empty disables CORS headers
	Debug          bool
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Backend:           GetEnv("JOB_BACKEND", BackendDataflow),
		DefaultProject:    GetEnv("DEFAULT_PROJECT", ""),
		DefaultLocation:   GetEnv("DEFAULT_LOCATION", "us-central1"),
		StorePath:         GetEnv("WATCH_STORE_PATH", ""),
		PollInterval:      GetDurationEnv("POLL_INTERVAL", 10*time.Second),
		CancelTimeout:     GetDurationEnv("CANCEL_TIMEOUT", 5*time.Minute),
		MaxWatches:        GetIntEnv("MAX_WATCHES", 0),
		WatchRetention:    GetDurationEnv("WATCH_RETENTION", 0),
		CORSOrigins:       GetEnv("CORS_ORIGINS", ""),
		Debug:             GetBoolEnv("DEBUG", false),
	}
}

// Validate checks the configuration once at startup.
func (c *ServiceConfig) Validate() error {
	if err := ValidateBackend(c.Backend); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.CancelTimeout < 0 {
		return fmt.Errorf("CANCEL_TIMEOUT must not be negative")
	}
	if c.MaxWatches < 0 {
		return fmt.Errorf("MAX_WATCHES must not be negative")
	}
	if c.WatchRetention < 0 {
		return fmt.Errorf("WATCH_RETENTION must not be negative")
	}
	return nil
}

// ValidateBackend rejects unknown backend names.
func ValidateBackend(backend string) error {
	switch backend {
	case BackendDataflow, BackendDocker:
		return nil
	default:
		return fmt.Errorf("unsupported backend: %s (must be %s or %s)", backend, BackendDataflow, BackendDocker)
	}
}
