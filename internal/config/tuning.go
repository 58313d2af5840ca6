package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TuningConfig holds the operational knobs that deployments adjust without a
// rebuild: decay cadence, batch sizing and route matching width. All fields
// are pointers so a partial JSON file overrides only what it names; the Get*
// methods supply defaults for the rest.
type TuningConfig struct {
	// Decay worker params
	DecayInterval  *string `json:"decay_interval,omitempty"` // duration string like "24h"
	DecayBatchSize *int    `json:"decay_batch_size,omitempty"`

	// Route scoring params
	RouteBufferMeters *float64 `json:"route_buffer_meters,omitempty"`
}

// Defaults
const (
	defaultDecayInterval     = 24 * time.Hour
	defaultDecayBatchSize    = 500
	defaultRouteBufferMeters = 50.0
)

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	if c.DecayInterval != nil && *c.DecayInterval != "" {
		d, err := time.ParseDuration(*c.DecayInterval)
		if err != nil {
			return fmt.Errorf("invalid decay_interval %q: %w", *c.DecayInterval, err)
		}
		if d < time.Minute {
			return fmt.Errorf("decay_interval must be at least 1m, got %s", d)
		}
	}
	if c.DecayBatchSize != nil && *c.DecayBatchSize < 1 {
		return fmt.Errorf("decay_batch_size must be positive, got %d", *c.DecayBatchSize)
	}
	if c.RouteBufferMeters != nil && (*c.RouteBufferMeters <= 0 || *c.RouteBufferMeters > 1000) {
		return fmt.Errorf("route_buffer_meters must be in (0, 1000], got %f", *c.RouteBufferMeters)
	}
	return nil
}

// GetDecayInterval returns the decay worker tick interval.
func (c *TuningConfig) GetDecayInterval() time.Duration {
	if c.DecayInterval != nil && *c.DecayInterval != "" {
		if d, err := time.ParseDuration(*c.DecayInterval); err == nil {
			return d
		}
	}
	return defaultDecayInterval
}

// GetDecayBatchSize returns the keyset page size for decay scans.
func (c *TuningConfig) GetDecayBatchSize() int {
	if c.DecayBatchSize != nil {
		return *c.DecayBatchSize
	}
	return defaultDecayBatchSize
}

// GetRouteBufferMeters returns how far off a route line an obstacle can sit
// and still count against it.
func (c *TuningConfig) GetRouteBufferMeters() float64 {
	if c.RouteBufferMeters != nil {
		return *c.RouteBufferMeters
	}
	return defaultRouteBufferMeters
}
