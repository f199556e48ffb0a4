package config

import (
	"os"
	"time"
)

// Config holds the service-level settings. Engine policy knobs map onto the
// per-document session configuration.
type Config struct {
	Port string
	Env  string

	// PostgresDSN selects the snapshot store. Empty falls back to the
	// in-memory store (dev only: snapshots do not survive a restart).
	PostgresDSN string

	PresenceTTL      time.Duration
	ReorderTimeout   time.Duration
	CompactThreshold int
	CompactMaxAge    time.Duration
}

// Load builds the configuration for the given environment, applying
// TASKSYNC_* environment overrides.
func Load(env string) (*Config, error) {
	cfg := &Config{
		Port:             "8080",
		Env:              env,
		PostgresDSN:      os.Getenv("TASKSYNC_POSTGRES_DSN"),
		PresenceTTL:      30 * time.Second,
		ReorderTimeout:   5 * time.Second,
		CompactThreshold: 512,
		CompactMaxAge:    5 * time.Minute,
	}
	if port := os.Getenv("TASKSYNC_PORT"); port != "" {
		cfg.Port = port
	}
	return cfg, nil
}
