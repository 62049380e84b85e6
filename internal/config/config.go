// Package config loads the orchestration core's configuration from ORCHD_*
// environment variables with the documented defaults. main loads .env via
// godotenv before calling Load, so a project-local .env works the same as
// exported variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DefaultProtectedAgents is the closed list of agents only chief-of-staff
// may invoke.
var DefaultProtectedAgents = []string{
	"planner", "executor", "validator", "oracle", "librarian", "explore",
	"interviewer", "spec-writer", "memory-catcher", "workflow-architect",
	"frontend-ui-ux-engineer",
}

// Config carries every tunable of the core. Zero values are never used
// directly; Load fills defaults.
type Config struct {
	// BaseDir is the state root, ".opencode" relative to the working dir.
	BaseDir string

	// Supervisor cadence.
	BaseIntervalMs   int64
	MaxIntervalMs    int64
	StuckThresholdMs int64

	// Stream limits.
	MaxStreamSizeMB     int64
	MaxCheckpoints      int
	CheckpointTimeoutMs int64
	MaxHistorySize      int
	SnapshotGCHours     int

	// Learning extraction.
	MinConfidence float64
	MaxLearnings  int

	// Access control.
	ProtectedAgents []string

	// Agent runtime server.
	RuntimeBaseURL string
}

// Load reads ORCHD_* environment variables, falling back to defaults.
// Unparseable numeric values fall back with a warning rather than failing.
func Load() Config {
	return Config{
		BaseDir:             envStr("ORCHD_BASE_DIR", ".opencode"),
		BaseIntervalMs:      envInt64("ORCHD_BASE_INTERVAL_MS", 30000),
		MaxIntervalMs:       envInt64("ORCHD_MAX_INTERVAL_MS", 120000),
		StuckThresholdMs:    envInt64("ORCHD_STUCK_THRESHOLD_MS", 30000),
		MaxStreamSizeMB:     envInt64("ORCHD_MAX_STREAM_SIZE_MB", 10),
		MaxCheckpoints:      int(envInt64("ORCHD_MAX_CHECKPOINTS", 20)),
		CheckpointTimeoutMs: envInt64("ORCHD_CHECKPOINT_TIMEOUT_MS", 300000),
		MaxHistorySize:      int(envInt64("ORCHD_MAX_HISTORY_SIZE", 1000)),
		SnapshotGCHours:     int(envInt64("ORCHD_SNAPSHOT_GC_HOURS", 48)),
		MinConfidence:       envFloat("ORCHD_MIN_CONFIDENCE", 0.6),
		MaxLearnings:        int(envInt64("ORCHD_MAX_LEARNINGS", 10)),
		ProtectedAgents:     envList("ORCHD_PROTECTED_AGENTS", DefaultProtectedAgents),
		RuntimeBaseURL:      envStr("ORCHD_RUNTIME_URL", "http://127.0.0.1:4096"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("[CONFIG] unparseable integer — using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("[CONFIG] unparseable float — using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
