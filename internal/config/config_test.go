package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":5000", cfg.Listen)
	require.NotNil(t, cfg.GeoIP)
	assert.Equal(t, 5, cfg.GeoIP.TimeoutSeconds)
	require.NotNil(t, cfg.Alerts)
	assert.Equal(t, 0.7, cfg.Alerts.MinScore)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.GeoIP.TimeoutSeconds = -1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Alerts.MinScore = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Alerts.MinScore = -0.1
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	fileCfg := map[string]any{
		"listen":   ":6000",
		"data_dir": dataDir,
		"geoip": map[string]any{
			"lookup_url":      "http://geo.example/%s",
			"timeout_seconds": 2,
		},
		"alerts": map[string]any{
			"webhook_url": "http://hooks.example/alert",
			"min_score":   0.9,
		},
	}
	data, err := json.Marshal(fileCfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Listen)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "http://geo.example/%s", cfg.GeoIP.LookupURL)
	assert.Equal(t, 2, cfg.GeoIP.TimeoutSeconds)
	assert.Equal(t, 0.9, cfg.Alerts.MinScore)

	// The data directory is created as part of loading
	assert.DirExists(t, dataDir)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "no-such.json"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	fileCfg := map[string]any{
		"data_dir": filepath.Join(dir, "data"),
		"alerts":   map[string]any{"min_score": 2.0},
	}
	data, err := json.Marshal(fileCfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(path)
	assert.Error(t, err)
}
