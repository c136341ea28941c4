package dataflow

import (
	"jobwatch/internal/config"
	"jobwatch/internal/job"
	"jobwatch/pkg/backoff"
	"jobwatch/pkg/circuitbreaker"
	"time"
)

// DefaultEndpoint is the public Dataflow v1b3 REST endpoint.
const DefaultEndpoint = "https://dataflow.googleapis.com/v1b3/"

// Client defaults.
const (
	defaultNumRetries       = 5
	defaultTimeout          = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	maxResponseBytes        = 16 << 20
)

// Config holds configuration for the REST client.
type Config struct {
	Endpoint   string        // base URL (default: DefaultEndpoint)
	Token      string        // static bearer token, empty = unauthenticated
	NumRetries int           // retries for transient errors (default: 5)
	Timeout    time.Duration // per-request timeout (default: 30s)
	UserAgent  string

	Backoff backoff.Config
	Breaker circuitbreaker.Config

	// ReadyScope is listed by Ready. An empty project skips the probe.
	ReadyScope job.Scope
}

// LoadConfigFromEnv loads client configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Endpoint:   config.GetEnv("DATAFLOW_ENDPOINT", DefaultEndpoint),
		Token:      config.GetSecretFile(config.GetEnv("DATAFLOW_TOKEN_FILE", "")),
		NumRetries: config.GetIntEnv("DATAFLOW_NUM_RETRIES", defaultNumRetries),
		Timeout:    config.GetDurationEnv("DATAFLOW_TIMEOUT", defaultTimeout),
		ReadyScope: job.Scope{
			ProjectID: config.GetEnv("DEFAULT_PROJECT", ""),
			Location:  config.GetEnv("DEFAULT_LOCATION", job.DefaultLocation),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults. NumRetries is only
// defaulted when negative so that zero disables retries.
func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.NumRetries < 0 {
		c.NumRetries = defaultNumRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobwatch"
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = defaultBreakerThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	return c
}
