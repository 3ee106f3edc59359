package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./splitgoat.db", cfg.Store.Path)
	assert.Equal(t, "splitgoat", cfg.Store.Redis.Prefix)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Server.BeaconRate)
	assert.Equal(t, 100, cfg.Server.BeaconBurst)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.InDelta(t, 0.95, cfg.Engine.SignificanceThreshold, 0.001)
	assert.Equal(t, "fail_open", cfg.Engine.UnknownRulePolicy)
	assert.Equal(t, 3, cfg.Engine.RetryAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: badger
  path: ./data
server:
  port: 9090
  token: s3cret
log:
  level: debug
  format: console
engine:
  unknown_rule_policy: fail_closed
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "splitgoat.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, "./data", cfg.Store.Path)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "fail_closed", cfg.Engine.UnknownRulePolicy)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Engine.RetryAttempts)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err, "an explicit file must exist")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "splitgoat.yaml"), []byte("store:\n  driver: badger\n"), 0644))

	t.Setenv("SPLITGOAT_STORE_DRIVER", "redis")
	t.Setenv("SPLITGOAT_STORE_REDIS_ADDR", "cache:6380")
	t.Setenv("SPLITGOAT_SERVER_PORT", "9191")
	t.Setenv("SPLITGOAT_ENGINE_SIGNIFICANCE_THRESHOLD", "0.99")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "cache:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.InDelta(t, 0.99, cfg.Engine.SignificanceThreshold, 0.0001)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		chdirTemp(t)
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero beacon rate", func(c *Config) { c.Server.BeaconRate = 0 }, "beacon_rate"},
		{"threshold too low", func(c *Config) { c.Engine.SignificanceThreshold = 0.4 }, "significance_threshold"},
		{"bad policy", func(c *Config) { c.Engine.UnknownRulePolicy = "maybe" }, "unknown_rule_policy"},
		{"no attempts", func(c *Config) { c.Engine.RetryAttempts = 0 }, "retry_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := valid()
	cfg.Store.Driver = "badger"
	cfg.Store.Path = ""
	cfg.Store.Badger.InMemory = true
	assert.NoError(t, cfg.Validate(), "in-memory badger needs no path")
}

func TestInitLogger(t *testing.T) {
	logger, err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Same(t, logger, zap.L())
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = InitLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
