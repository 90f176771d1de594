// Package config provides configuration management for the relay broker.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relay-x-project/relay/core/identity"
)

// Duration accepts yaml durations as "60s" notation or bare seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the root broker configuration.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker" json:"broker"`
	Exchange ExchangeConfig `yaml:"exchange" json:"exchange"`
	Health   HealthConfig   `yaml:"health" json:"health"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Keys     []ProxyKey     `yaml:"keys" json:"keys"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// BrokerConfig names the broker and its listen address.
type BrokerConfig struct {
	ID       string `yaml:"id" json:"id"`
	BindAddr string `yaml:"bind_addr" json:"bind_addr"`
}

// ExchangeConfig tunes the in-memory task exchange.
type ExchangeConfig struct {
	// SweepInterval is the expiry sweeper's fallback interval.
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// MaxWait caps client-supplied wait times; zero leaves the long
	// sentinel in place.
	MaxWait Duration `yaml:"max_wait" json:"max_wait"`
}

// HealthConfig configures the health endpoint server.
type HealthConfig struct {
	Port int `yaml:"port" json:"port"`
}

// MetricsConfig configures the prometheus endpoint server.
type MetricsConfig struct {
	Port int `yaml:"port" json:"port"`
}

// ProxyKey is one operator-provisioned proxy signing key.
type ProxyKey struct {
	ID string `yaml:"id" json:"id"`
	// PublicKey is the base64 encoded Ed25519 public key.
	PublicKey string `yaml:"public_key" json:"public_key"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// setDefaults fills unset fields with working values.
func setDefaults(cfg *Config) {
	if cfg.Broker.BindAddr == "" {
		cfg.Broker.BindAddr = ":8080"
	}
	if cfg.Exchange.SweepInterval == 0 {
		cfg.Exchange.SweepInterval = Duration(time.Minute)
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8081
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for startup-blocking problems.
func (c *Config) Validate() error {
	if c.Broker.ID == "" {
		return fmt.Errorf("broker.id must be set")
	}
	if _, err := identity.NewBrokerID(c.Broker.ID); err != nil {
		return fmt.Errorf("broker.id: %w", err)
	}
	if c.Exchange.SweepInterval < 0 {
		return fmt.Errorf("exchange.sweep_interval must not be negative")
	}
	for i, key := range c.Keys {
		if key.ID == "" || key.PublicKey == "" {
			return fmt.Errorf("keys[%d]: id and public_key must be set", i)
		}
	}
	return nil
}
