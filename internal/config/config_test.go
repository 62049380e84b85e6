package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.BaseDir != ".opencode" {
		t.Errorf("BaseDir = %q", cfg.BaseDir)
	}
	if cfg.BaseIntervalMs != 30000 || cfg.MaxIntervalMs != 120000 {
		t.Errorf("intervals = %d/%d", cfg.BaseIntervalMs, cfg.MaxIntervalMs)
	}
	if cfg.MinConfidence != 0.6 || cfg.MaxLearnings != 10 {
		t.Errorf("learning tunables = %v/%d", cfg.MinConfidence, cfg.MaxLearnings)
	}
	if cfg.RuntimeBaseURL != "http://127.0.0.1:4096" {
		t.Errorf("RuntimeBaseURL = %q", cfg.RuntimeBaseURL)
	}
	if len(cfg.ProtectedAgents) != len(DefaultProtectedAgents) {
		t.Errorf("protected agents = %v", cfg.ProtectedAgents)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORCHD_BASE_DIR", "/tmp/state")
	t.Setenv("ORCHD_MAX_CHECKPOINTS", "3")
	t.Setenv("ORCHD_MIN_CONFIDENCE", "0.8")
	t.Setenv("ORCHD_PROTECTED_AGENTS", "oracle, librarian")

	cfg := Load()
	if cfg.BaseDir != "/tmp/state" || cfg.MaxCheckpoints != 3 || cfg.MinConfidence != 0.8 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.ProtectedAgents) != 2 || cfg.ProtectedAgents[1] != "librarian" {
		t.Errorf("protected = %v", cfg.ProtectedAgents)
	}
}

func TestLoad_UnparseableFallsBack(t *testing.T) {
	// Bad numeric values warn and keep the default instead of failing
	t.Setenv("ORCHD_BASE_INTERVAL_MS", "soon")
	t.Setenv("ORCHD_MIN_CONFIDENCE", "high")

	cfg := Load()
	if cfg.BaseIntervalMs != 30000 || cfg.MinConfidence != 0.6 {
		t.Errorf("cfg = %+v", cfg)
	}
}
