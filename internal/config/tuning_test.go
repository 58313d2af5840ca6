package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEmptyTuningConfigDefaults(t *testing.T) {
	cfg := EmptyTuningConfig()

	if cfg.GetDecayInterval() != 24*time.Hour {
		t.Errorf("GetDecayInterval() = %v, want 24h", cfg.GetDecayInterval())
	}
	if cfg.GetDecayBatchSize() != 500 {
		t.Errorf("GetDecayBatchSize() = %d, want 500", cfg.GetDecayBatchSize())
	}
	if cfg.GetRouteBufferMeters() != 50.0 {
		t.Errorf("GetRouteBufferMeters() = %f, want 50", cfg.GetRouteBufferMeters())
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "decay_interval": "6h",
  "decay_batch_size": 200
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("LoadTuningConfig failed: %v", err)
	}

	if cfg.GetDecayInterval() != 6*time.Hour {
		t.Errorf("GetDecayInterval() = %v, want 6h", cfg.GetDecayInterval())
	}
	if cfg.GetDecayBatchSize() != 200 {
		t.Errorf("GetDecayBatchSize() = %d, want 200", cfg.GetDecayBatchSize())
	}

	// fields omitted from the file keep their defaults
	if cfg.GetRouteBufferMeters() != 50.0 {
		t.Errorf("GetRouteBufferMeters() = %f, want default 50", cfg.GetRouteBufferMeters())
	}
}

func TestLoadTuningConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	// non-json extension rejected
	badExt := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(badExt, []byte("{}"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadTuningConfig(badExt); err == nil {
		t.Error("Expected error for non-.json extension")
	}

	// missing file
	if _, err := LoadTuningConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	// malformed JSON
	malformed := filepath.Join(tmpDir, "malformed.json")
	if err := os.WriteFile(malformed, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := LoadTuningConfig(malformed); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestTuningConfigValidate(t *testing.T) {
	badInterval := "10s"
	cfg := &TuningConfig{DecayInterval: &badInterval}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for sub-minute decay_interval")
	}

	badBatch := 0
	cfg = &TuningConfig{DecayBatchSize: &badBatch}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for zero decay_batch_size")
	}

	badBuffer := -5.0
	cfg = &TuningConfig{RouteBufferMeters: &badBuffer}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for negative route_buffer_meters")
	}

	goodInterval := "90m"
	goodBatch := 50
	goodBuffer := 25.0
	cfg = &TuningConfig{
		DecayInterval:     &goodInterval,
		DecayBatchSize:    &goodBatch,
		RouteBufferMeters: &goodBuffer,
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
