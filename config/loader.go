package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// Path is the config file to read; empty tries config.yaml.
	Path string
	// SkipDotEnv disables loading a .env file from the working directory.
	SkipDotEnv bool
	// SkipValidation disables configuration validation.
	SkipValidation bool
}

// Load reads the broker configuration: .env layer first, then the yaml
// file, then ${VAR} substitution, then RELAY_* overrides, then defaults.
func Load(opts ...LoaderOptions) (*Config, error) {
	var options LoaderOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if !options.SkipDotEnv {
		// Missing .env files are the normal case.
		_ = godotenv.Load()
	}

	path := options.Path
	if path == "" {
		path = "config.yaml"
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && options.Path == "":
		// No file: run from environment alone.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	substituteEnvVarsInConfig(cfg)
	applyEnvironmentOverrides(cfg)
	setDefaults(cfg)

	if !options.SkipValidation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}
