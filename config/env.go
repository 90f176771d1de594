package config

import (
	"os"
	"regexp"
	"strconv"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment
// variable values.
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// substituteEnvVarsInConfig runs substitution over every string field that
// plausibly carries a placeholder.
func substituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Broker.ID = SubstituteEnvVars(cfg.Broker.ID)
	cfg.Broker.BindAddr = SubstituteEnvVars(cfg.Broker.BindAddr)
	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	for i := range cfg.Keys {
		cfg.Keys[i].ID = SubstituteEnvVars(cfg.Keys[i].ID)
		cfg.Keys[i].PublicKey = SubstituteEnvVars(cfg.Keys[i].PublicKey)
	}
}

// applyEnvironmentOverrides lets RELAY_* variables win over the file.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_BROKER_ID"); v != "" {
		cfg.Broker.ID = v
	}
	if v := os.Getenv("RELAY_BIND_ADDR"); v != "" {
		cfg.Broker.BindAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RELAY_HEALTH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Health.Port = port
		}
	}
	if v := os.Getenv("RELAY_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}
