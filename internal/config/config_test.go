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
	// Change to temp dir so no config.yaml or .env is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "forecast.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	assert.Equal(t, 600, cfg.Batch.RunTimeoutSecs)
	assert.Equal(t, "0 30 * * * *", cfg.Batch.Schedule)
	assert.InDelta(t, 0.10, cfg.Batch.MinProbabilityChange, 0.001)
	assert.Equal(t, "models/shortage_model.json", cfg.Model.ArtifactPath)
	assert.Equal(t, 3, cfg.Model.MaxAttempts)
	assert.Equal(t, 300, cfg.Cache.TTLSecs)
	assert.Empty(t, cfg.Cache.RedisURL)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.True(t, cfg.Monitoring.AlertOnCritical)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/forecast
log:
  level: debug
  format: console
batch:
  concurrency: 8
  schedule: "0 */15 * * * *"
scoring:
  tables_path: tables.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/forecast", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, "0 */15 * * * *", cfg.Batch.Schedule)
	assert.Equal(t, "tables.yaml", cfg.Scoring.TablesPath)
	// Defaults still apply for unset values
	assert.Equal(t, 600, cfg.Batch.RunTimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("FORECAST_STORE_DRIVER", "postgres")
	t.Setenv("FORECAST_LOG_LEVEL", "warn")
	t.Setenv("FORECAST_CACHE_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
}

func TestLoadFile(t *testing.T) {
	dir := chdirTemp(t)

	// A config.yaml in the working directory is ignored when a file is named.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 1111\n"), 0644))
	path := filepath.Join(dir, "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2222\nlog:\n  level: warn\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFile_Missing(t *testing.T) {
	dir := chdirTemp(t)

	_, err := LoadFile(filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FORECAST_SERVER_PORT=3000\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("FORECAST_SERVER_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "forecast.db"
	cfg.Batch.Concurrency = 4
	cfg.Batch.RunTimeoutSecs = 600
	cfg.Batch.MinProbabilityChange = 0.1
	cfg.Model.ArtifactPath = "models/shortage_model.json"
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr []string
	}{
		{name: "run defaults", mode: "run", mutate: func(*Config) {}},
		{name: "serve defaults", mode: "serve", mutate: func(*Config) {}},
		{
			name:    "unknown driver",
			mode:    "store",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: []string{"store.driver"},
		},
		{
			name: "no model source",
			mode: "run",
			mutate: func(c *Config) {
				c.Model.ArtifactPath = ""
				c.Batch.Concurrency = 0
			},
			wantErr: []string{"model.artifact_path or model.remote_url", "batch.concurrency"},
		},
		{
			name:   "remote model only",
			mode:   "run",
			mutate: func(c *Config) { c.Model.ArtifactPath = ""; c.Model.RemoteURL = "http://scorer:9000" },
		},
		{
			name:    "bad port",
			mode:    "serve",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: []string{"server.port"},
		},
		{
			name:    "monitoring without webhook",
			mode:    "serve",
			mutate:  func(c *Config) { c.Monitoring.Enabled = true },
			wantErr: []string{"monitoring.webhook_url"},
		},
		{
			name:   "port ignored outside serve",
			mode:   "run",
			mutate: func(c *Config) { c.Server.Port = 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate(tt.mode)
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
