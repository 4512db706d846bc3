package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STEPTRACK_DATA_DIR", "")
	t.Setenv("STEPTRACK_DB_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, filepath.Join("./data", "steptrack.db"), cfg.DBPath)
	assert.Equal(t, "fitness-storage", cfg.StoreName)
	assert.Equal(t, 0.04, cfg.CaloriesPerStep)
	assert.Equal(t, time.Second, cfg.StepThrottle)
	assert.Equal(t, 7, cfg.HistoryCacheSize)
	assert.Equal(t, 15*time.Minute, cfg.HistoryCacheTTL)
	assert.Equal(t, 3*time.Second, cfg.LocationThrottle)
	assert.Equal(t, time.Second, cfg.StepPollInterval)
	assert.Empty(t, cfg.ExportDir)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STEPTRACK_DATA_DIR", "/tmp/steps")
	t.Setenv("STEPTRACK_LOCATION_THROTTLE", "10s")
	t.Setenv("STEPTRACK_HISTORY_CACHE_SIZE", "3")
	t.Setenv("STEPTRACK_STRIDE_METERS", "0.9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/tmp/steps", "steptrack.db"), cfg.DBPath)
	assert.Equal(t, 10*time.Second, cfg.LocationThrottle)
	assert.Equal(t, 3, cfg.HistoryCacheSize)
	assert.Equal(t, 0.9, cfg.StrideMeters)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("STEPTRACK_STEP_THROTTLE", "soon")
	t.Setenv("STEPTRACK_HISTORY_CACHE_SIZE", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.StepThrottle)
	assert.Equal(t, 7, cfg.HistoryCacheSize)
}

func TestValidate(t *testing.T) {
	t.Setenv("STEPTRACK_DATA_DIR", "")
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.StepPollInterval = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.HistoryCacheSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ReplaySpeed = -1
	assert.Error(t, bad.Validate())
}
