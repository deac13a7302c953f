package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "matchco", cfg.Matching.Provider)
	assert.Equal(t, 100, cfg.Matching.PageSize)
	assert.Equal(t, 20, cfg.Matching.MaxPages)
	assert.Equal(t, 10, cfg.Matching.TimeoutSecs)
	assert.InDelta(t, 50.0, cfg.Sourcing.RadiusKm, 0.001)
	assert.Equal(t, 30, cfg.Sourcing.LookbackDays)
	assert.InDelta(t, 0.27, cfg.Sourcing.ClusterThresholdDegrees, 0.001)
	assert.Equal(t, 10, cfg.Sourcing.MaxFailures)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 4, cfg.Registry.Concurrency)
	assert.Equal(t, 1000, cfg.Monitoring.BacklogThreshold)
	assert.InDelta(t, 0.5, cfg.Monitoring.MissRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: file:sourcing.db
matching:
  provider: labonneapi
  base_url: https://matching.example.org
sourcing:
  radius_km: 35
  max_failures: 5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "file:sourcing.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "labonneapi", cfg.Matching.Provider)
	assert.Equal(t, "https://matching.example.org", cfg.Matching.BaseURL)
	assert.InDelta(t, 35.0, cfg.Sourcing.RadiusKm, 0.001)
	assert.Equal(t, 5, cfg.Sourcing.MaxFailures)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, 30, cfg.Sourcing.LookbackDays)
	assert.Equal(t, 100, cfg.Matching.PageSize)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "shouty", Format: "json"})
	require.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
}
