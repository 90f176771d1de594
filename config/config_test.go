package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
broker:
  id: broker23.example.org
  bind_addr: ":9999"
exchange:
  sweep_interval: 30s
keys:
  - id: proxy42.broker23.example.org
    public_key: c29tZWtleQ==
logging:
  level: debug
`)
	cfg, err := Load(LoaderOptions{Path: path, SkipDotEnv: true})
	require.NoError(t, err)
	require.Equal(t, "broker23.example.org", cfg.Broker.ID)
	require.Equal(t, ":9999", cfg.Broker.BindAddr)
	require.Equal(t, 30*time.Second, cfg.Exchange.SweepInterval.Std())
	require.Len(t, cfg.Keys, 1)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Defaults fill the rest.
	require.Equal(t, 8081, cfg.Health.Port)
	require.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoadValidates(t *testing.T) {
	path := writeConfig(t, `
broker:
  id: ""
`)
	_, err := Load(LoaderOptions{Path: path, SkipDotEnv: true})
	require.Error(t, err)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_BROKER", "broker9.example.org")
	path := writeConfig(t, `
broker:
  id: ${TEST_RELAY_BROKER}
  bind_addr: "${TEST_RELAY_UNSET::8123}"
`)
	cfg, err := Load(LoaderOptions{Path: path, SkipDotEnv: true})
	require.NoError(t, err)
	require.Equal(t, "broker9.example.org", cfg.Broker.ID)
	require.Equal(t, ":8123", cfg.Broker.BindAddr)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("RELAY_BROKER_ID", "broker7.example.org")
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	path := writeConfig(t, `
broker:
  id: broker23.example.org
`)
	cfg, err := Load(LoaderOptions{Path: path, SkipDotEnv: true})
	require.NoError(t, err)
	require.Equal(t, "broker7.example.org", cfg.Broker.ID)
	require.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadBrokerID(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)
	cfg.Broker.ID = "not_a_valid.id!"
	require.Error(t, cfg.Validate())

	cfg.Broker.ID = "broker23.example.org"
	require.NoError(t, cfg.Validate())

	cfg.Keys = []ProxyKey{{ID: "proxy42.broker23.example.org"}}
	require.Error(t, cfg.Validate(), "key without material must fail")
}
