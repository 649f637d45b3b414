// Package config loads the YAML configuration of the coordinator
// front-end. Namespace, host, port, coordinators and metrics address can
// also be set by command line flags; flags win over the file. The timing
// values are read from the file only.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/labmesh/labmesh/internal/envelope"
)

// Config is the on-disk configuration of a coordinator.
type Config struct {
	Namespace string `yaml:"namespace"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	// Coordinators to federate with at startup ("host:port").
	Coordinators []string `yaml:"coordinators"`

	// MetricsAddress exposes Prometheus metrics when set (e.g. ":9100").
	MetricsAddress string `yaml:"metrics_address"`

	TimeoutMS               int     `yaml:"timeout_ms"`
	CleaningIntervalSeconds float64 `yaml:"cleaning_interval_seconds"`
	ExpirationTimeSeconds   float64 `yaml:"expiration_time_seconds"`
}

// Load reads a config file and fills in defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()
	return &config, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	config := &Config{}
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = envelope.CoordinatorPort
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 50
	}
	if c.CleaningIntervalSeconds == 0 {
		c.CleaningIntervalSeconds = 5
	}
	if c.ExpirationTimeSeconds == 0 {
		c.ExpirationTimeSeconds = 15
	}
}

// Timeout returns the poll timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// CleaningInterval returns the cleaning interval as a duration.
func (c *Config) CleaningInterval() time.Duration {
	return time.Duration(c.CleaningIntervalSeconds * float64(time.Second))
}

// ExpirationTime returns the expiration time as a duration.
func (c *Config) ExpirationTime() time.Duration {
	return time.Duration(c.ExpirationTimeSeconds * float64(time.Second))
}
