package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// ResumeReport summarizes what a replay recovered.
type ResumeReport struct {
	EventsReplayed     int
	SkippedLines       int
	PendingCheckpoints []types.Checkpoint
	ActiveIntents      []string // session ids spawned but never terminated
	SnapshotsDeleted   int
}

// Resume replays the on-disk log into memory: history, id index, lineage,
// pending checkpoints and context snapshots. Malformed lines are skipped and
// counted, never fatal. Snapshot files past the GC horizon are deleted.
//
// Expectations:
//   - Replay is deterministic: same log, same in-memory state
//   - A checkpoint.requested without a later resolution re-enters pending
//   - currentOffset continues strictly above the highest replayed offset
func (s *Stream) Resume() (ResumeReport, error) {
	lines, err := s.log.ReadAll()
	if err != nil {
		return ResumeReport{}, fmt.Errorf("stream: resume: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.history = nil
	s.byID.Purge()
	s.lineage = make(map[string][]string)
	s.pending = make(map[string]*types.Checkpoint)
	s.snapshots = make(map[string]*types.AgentContext)

	var report ResumeReport
	var maxOffset int64 = -1
	spawned := make(map[string]bool) // sessionId → still active

	for _, line := range lines {
		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			report.SkippedLines++
			continue
		}
		s.record(e)
		report.EventsReplayed++
		if e.Metadata.Offset > maxOffset {
			maxOffset = e.Metadata.Offset
		}

		switch e.Type {
		case types.EventCheckpointRequested:
			if e.Checkpoint != nil && e.Checkpoint.ApprovedAt == 0 {
				ckpt := *e.Checkpoint
				ckpt.Status = types.CheckpointPending
				s.pending[ckpt.ID] = &ckpt
			}
		case types.EventCheckpointApproved, types.EventCheckpointRejected:
			if id, ok := e.Payload["checkpointId"].(string); ok {
				delete(s.pending, id)
			}
		case types.EventContextSnapshot:
			s.rehydrateSnapshot(e)
		case types.EventAgentSpawned:
			if e.SessionID != "" {
				spawned[e.SessionID] = true
			}
		case types.EventAgentCompleted, types.EventAgentFailed:
			delete(spawned, e.SessionID)
		}
	}

	s.offset = maxOffset + 1
	s.skipped = report.SkippedLines
	for _, ckpt := range s.pending {
		report.PendingCheckpoints = append(report.PendingCheckpoints, *ckpt)
	}
	for id := range spawned {
		report.ActiveIntents = append(report.ActiveIntents, id)
	}
	s.mu.Unlock()

	if s.opts.SnapshotGCHours > 0 {
		n, err := s.GCSnapshots(time.Duration(s.opts.SnapshotGCHours) * time.Hour)
		if err != nil {
			slog.Warn("[STREAM] snapshot gc failed", "error", err)
		}
		report.SnapshotsDeleted = n
	}

	slog.Info("[STREAM] resumed",
		"replayed", report.EventsReplayed,
		"skipped", report.SkippedLines,
		"pendingCheckpoints", len(report.PendingCheckpoints),
		"activeIntents", len(report.ActiveIntents))
	return report, nil
}

// rehydrateSnapshot loads the snapshot referenced by a replayed
// context.snapshot event. Missing or unparseable files are skipped. Caller
// holds s.mu.
func (s *Stream) rehydrateSnapshot(e types.Event) {
	path, _ := e.Payload["path"].(string)
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var ctx types.AgentContext
	if err := json.Unmarshal(data, &ctx); err != nil {
		slog.Warn("[STREAM] unparseable snapshot skipped", "path", path, "error", err)
		return
	}
	s.snapshots[ctx.SessionID] = &ctx
}

// CreateContextSnapshot persists an immutable agent-context snapshot under
// snapshots/<sessionId>_<ms>.json and appends the context.snapshot event
// referencing it. Returns the snapshot file path.
func (s *Stream) CreateContextSnapshot(ctx types.AgentContext) (string, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return "", fmt.Errorf("stream: snapshot: %w", types.ErrNotInitialized)
	}
	if ctx.CapturedAt == 0 {
		ctx.CapturedAt = ids.NowMs()
	}
	path := filepath.Join(s.opts.Dir, "snapshots",
		fmt.Sprintf("%s_%d.json", ctx.SessionID, ctx.CapturedAt))
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("stream: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("stream: write snapshot: %w", err)
	}
	s.snapshots[ctx.SessionID] = &ctx
	s.mu.Unlock()

	_, err = s.Append(types.Event{
		Type:      types.EventContextSnapshot,
		SessionID: ctx.SessionID,
		Actor:     ctx.AgentName,
		Payload:   map[string]any{"path": path, "agentName": ctx.AgentName},
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// RestoreContext returns the latest snapshot for a session and appends the
// context.restored event. Returns nil when no snapshot exists.
func (s *Stream) RestoreContext(sessionID string) (*types.AgentContext, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream: restore: %w", types.ErrNotInitialized)
	}
	ctx, ok := s.snapshots[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	restored := *ctx
	if _, err := s.Append(types.Event{
		Type:      types.EventContextRestored,
		SessionID: sessionID,
		Actor:     restored.AgentName,
		Payload:   map[string]any{"agentName": restored.AgentName},
	}); err != nil {
		return nil, err
	}
	return &restored, nil
}

// GCSnapshots deletes snapshot files whose mtime is older than horizon and
// returns how many were removed. Snapshots are immutable once written, so
// mtime is the capture time.
func (s *Stream) GCSnapshots(horizon time.Duration) (int, error) {
	dir := filepath.Join(s.opts.Dir, "snapshots")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stream: gc snapshots: %w", err)
	}
	cutoff := time.Now().Add(-horizon)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			slog.Warn("[STREAM] snapshot delete failed", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("[STREAM] snapshots gc", "removed", removed, "horizonHours", horizon.Hours())
	}
	return removed, nil
}
