// Package healthmonitor keeps a status board of every AlbumQR backend. It
// checks instances on a schedule, records the health-change events other
// processes announce on the bus, and publishes its own transitions.
package healthmonitor

import (
	"errors"
	"time"
)

// Config holds health monitor runtime configuration.
type Config struct {
	Port              string        `env:"HEALTHMONITOR_PORT" envDefault:"8081"`
	ServiceName       string        `env:"SERVICE_NAME" envDefault:"healthmonitor"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	ConsulAddr        string        `env:"CONSUL_ADDRESS"`
	Queue             string        `env:"HEALTHMONITOR_QUEUE" envDefault:"albumqr.healthmonitor"`
	HealthPath        string        `env:"HEALTHMONITOR_HEALTH_PATH" envDefault:"/health"`
	CheckInterval     time.Duration `env:"HEALTHMONITOR_CHECK_INTERVAL" envDefault:"30s"`
	HTTPTimeout       time.Duration `env:"HEALTHMONITOR_HTTP_TIMEOUT" envDefault:"5s"`
	TCPTimeout        time.Duration `env:"HEALTHMONITOR_TCP_TIMEOUT" envDefault:"3s"`
	FailureThreshold  int           `env:"HEALTHMONITOR_FAILURE_THRESHOLD" envDefault:"3"`
	RecoveryThreshold int           `env:"HEALTHMONITOR_RECOVERY_THRESHOLD" envDefault:"2"`
	// SlowThreshold marks an HTTP check degraded when it succeeds slower
	// than this.
	SlowThreshold time.Duration `env:"HEALTHMONITOR_SLOW_THRESHOLD" envDefault:"2s"`
}

// DefaultConfig returns the defaults used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Port:              "8081",
		ServiceName:       "healthmonitor",
		LogLevel:          "info",
		Queue:             "albumqr.healthmonitor",
		HealthPath:        "/health",
		CheckInterval:     30 * time.Second,
		HTTPTimeout:       5 * time.Second,
		TCPTimeout:        3 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		SlowThreshold:     2 * time.Second,
	}
}

// Validate reports unusable settings.
func (c *Config) Validate() error {
	var errs []error
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("HEALTHMONITOR_CHECK_INTERVAL must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HEALTHMONITOR_HTTP_TIMEOUT must be positive"))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, errors.New("HEALTHMONITOR_FAILURE_THRESHOLD must be at least 1"))
	}
	return errors.Join(errs...)
}
