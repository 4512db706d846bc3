// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage.
	DataDir   string
	DBPath    string
	StoreName string // key of the persisted state blob

	// HTTP facade for the UI shell.
	HTTPAddr string

	// Logging.
	LogLevel  string
	LogFormat string

	// Replay device (simulated native layer).
	ReplayFile   string
	ReplaySpeed  float64
	StrideMeters float64

	// Step counter bridge.
	CaloriesPerStep   float64
	StepThrottle      time.Duration
	HistoryCacheSize  int
	HistoryCacheTTL   time.Duration
	StepPollInterval  time.Duration
	LocationInterval  time.Duration
	LocationDistanceM float64
	LocationThrottle  time.Duration

	// Active session checkpointing (cron spec).
	CheckpointSchedule string

	// Directory for FIT exports of finalized sessions; empty disables export.
	ExportDir string

	// OTEL.
	OTELEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
func Load() (Config, error) {
	dataDir := envStr("STEPTRACK_DATA_DIR", "./data")
	cfg := Config{
		DataDir:            dataDir,
		DBPath:             envStr("STEPTRACK_DB_PATH", filepath.Join(dataDir, "steptrack.db")),
		StoreName:          envStr("STEPTRACK_STORE_NAME", "fitness-storage"),
		HTTPAddr:           envStr("STEPTRACK_HTTP_ADDR", ":8888"),
		LogLevel:           envStr("STEPTRACK_LOG_LEVEL", "info"),
		LogFormat:          envStr("STEPTRACK_LOG_FORMAT", "text"),
		ReplayFile:         envStr("STEPTRACK_REPLAY_FILE", ""),
		ReplaySpeed:        envFloat("STEPTRACK_REPLAY_SPEED", 1.0),
		StrideMeters:       envFloat("STEPTRACK_STRIDE_METERS", 0.75),
		CaloriesPerStep:    envFloat("STEPTRACK_CALORIES_PER_STEP", 0.04),
		StepThrottle:       envDuration("STEPTRACK_STEP_THROTTLE", time.Second),
		HistoryCacheSize:   envInt("STEPTRACK_HISTORY_CACHE_SIZE", 7),
		HistoryCacheTTL:    envDuration("STEPTRACK_HISTORY_CACHE_TTL", 15*time.Minute),
		StepPollInterval:   envDuration("STEPTRACK_STEP_POLL_INTERVAL", time.Second),
		LocationInterval:   envDuration("STEPTRACK_LOCATION_INTERVAL", 5*time.Second),
		LocationDistanceM:  envFloat("STEPTRACK_LOCATION_DISTANCE_M", 2),
		LocationThrottle:   envDuration("STEPTRACK_LOCATION_THROTTLE", 3*time.Second),
		CheckpointSchedule: envStr("STEPTRACK_CHECKPOINT_SCHEDULE", "@every 15s"),
		ExportDir:          envStr("STEPTRACK_EXPORT_DIR", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "steptrack"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: STEPTRACK_DB_PATH is required")
	}
	if c.StoreName == "" {
		return fmt.Errorf("config: STEPTRACK_STORE_NAME is required")
	}
	if c.ReplaySpeed <= 0 {
		return fmt.Errorf("config: STEPTRACK_REPLAY_SPEED must be positive")
	}
	if c.StrideMeters <= 0 {
		return fmt.Errorf("config: STEPTRACK_STRIDE_METERS must be positive")
	}
	if c.CaloriesPerStep < 0 {
		return fmt.Errorf("config: STEPTRACK_CALORIES_PER_STEP must not be negative")
	}
	if c.HistoryCacheSize <= 0 {
		return fmt.Errorf("config: STEPTRACK_HISTORY_CACHE_SIZE must be positive")
	}
	for name, d := range map[string]time.Duration{
		"STEPTRACK_STEP_THROTTLE":      c.StepThrottle,
		"STEPTRACK_HISTORY_CACHE_TTL":  c.HistoryCacheTTL,
		"STEPTRACK_STEP_POLL_INTERVAL": c.StepPollInterval,
		"STEPTRACK_LOCATION_INTERVAL":  c.LocationInterval,
		"STEPTRACK_LOCATION_THROTTLE":  c.LocationThrottle,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
