// Package activity writes the high-frequency JSONL activity stream. Entries
// are best-effort: a failed write is logged and dropped, never propagated
// into the caller's control flow, and lock contention falls through to an
// unlocked append so concurrent writers lose consistency rather than data.
package activity

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/opencode-core/orchd/internal/appendlog"
)

const fileName = "activity.jsonl"

// Entry is one JSONL line in the activity stream.
type Entry struct {
	Timestamp string         `json:"ts"`
	Kind      string         `json:"kind"`
	SessionID string         `json:"sessionId,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger appends activity entries with daily rotation: when the local date
// rolls over, the previous day's file is renamed to
// activity_<YYYY-MM-DD>.jsonl and a fresh file begins.
//
// Expectations:
//   - Log never returns an error; failures are slog-warned and dropped
//   - All methods are nil-safe (no-op on nil receiver)
//   - Rotation renames by the date the entries were written, not today's
type Logger struct {
	mu      sync.Mutex
	log     *appendlog.Log
	lastDay string
	now     func() time.Time
}

// New creates a Logger writing under dir.
func New(dir string) *Logger {
	return &Logger{
		log: appendlog.New(filepath.Join(dir, fileName), appendlog.WithLockFallback()),
		now: time.Now,
	}
}

// Log appends one activity entry, rotating first if the local date changed
// since the previous append.
func (a *Logger) Log(kind, sessionID, agent string, fields map[string]any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	day := now.Format("2006-01-02")
	if a.lastDay != "" && a.lastDay != day {
		if err := a.log.Rotate(a.lastDay); err != nil {
			slog.Warn("[ACTIVITY] daily rotation failed", "error", err)
		}
	}
	a.lastDay = day

	entry := Entry{
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Kind:      kind,
		SessionID: sessionID,
		Agent:     agent,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("[ACTIVITY] marshal entry failed", "kind", kind, "error", err)
		return
	}
	if err := a.log.Append(data); err != nil {
		slog.Warn("[ACTIVITY] append failed — entry dropped", "kind", kind, "error", err)
	}
}

// Path returns the active file path (for the CLI's status view).
func (a *Logger) Path() string {
	if a == nil {
		return ""
	}
	return a.log.Path()
}
