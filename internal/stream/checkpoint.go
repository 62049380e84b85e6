package stream

import (
	"fmt"
	"log/slog"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// Checkpoint lifecycle: pending → approved | rejected | expired. Only
// pending checkpoints transition; resolving twice returns false.

// RequestCheckpoint opens a pending decision point and appends the
// checkpoint.requested event carrying it. Fails when the pending set is at
// the configured cap.
func (s *Stream) RequestCheckpoint(decisionPoint string, options []types.CheckpointOption, requestedBy, sessionID string) (types.Checkpoint, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return types.Checkpoint{}, fmt.Errorf("stream: request checkpoint: %w", types.ErrNotInitialized)
	}
	if len(s.pending) >= s.opts.MaxCheckpoints {
		s.mu.Unlock()
		return types.Checkpoint{}, fmt.Errorf("stream: %d checkpoints already pending: %w",
			s.opts.MaxCheckpoints, types.ErrStateViolation)
	}
	now := ids.NowMs()
	ckpt := types.Checkpoint{
		ID:            ids.NewCheckpointID(),
		DecisionPoint: decisionPoint,
		Options:       options,
		Status:        types.CheckpointPending,
		RequestedBy:   requestedBy,
		RequestedAt:   now,
		ExpiresAt:     now + s.opts.CheckpointTimeoutMs,
	}
	s.pending[ckpt.ID] = &ckpt
	s.mu.Unlock()

	_, err := s.Append(types.Event{
		Type:       types.EventCheckpointRequested,
		SessionID:  sessionID,
		Actor:      requestedBy,
		Payload:    map[string]any{"checkpointId": ckpt.ID, "decisionPoint": decisionPoint},
		Checkpoint: &ckpt,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, ckpt.ID)
		s.mu.Unlock()
		return types.Checkpoint{}, err
	}
	slog.Info("[STREAM] checkpoint requested", "checkpoint", ckpt.ID, "by", requestedBy)
	return ckpt, nil
}

// ApproveCheckpoint resolves a pending checkpoint with the selected option.
// Returns false when the checkpoint is unknown or already resolved.
func (s *Stream) ApproveCheckpoint(id, approvedBy, selectedOption string) bool {
	s.mu.Lock()
	ckpt, ok := s.pending[id]
	if !ok || ckpt.Status != types.CheckpointPending {
		s.mu.Unlock()
		return false
	}
	ckpt.Status = types.CheckpointApproved
	ckpt.ApprovedBy = approvedBy
	ckpt.ApprovedAt = ids.NowMs()
	ckpt.SelectedOption = selectedOption
	resolved := *ckpt
	delete(s.pending, id)
	s.mu.Unlock()

	if _, err := s.Append(types.Event{
		Type:  types.EventCheckpointApproved,
		Actor: approvedBy,
		Payload: map[string]any{
			"checkpointId":    id,
			"selected_option": selectedOption,
		},
		Checkpoint: &resolved,
	}); err != nil {
		slog.Warn("[STREAM] approve event append failed", "checkpoint", id, "error", err)
	}
	return true
}

// RejectCheckpoint resolves a pending checkpoint with a reason. Returns
// false when the checkpoint is unknown or already resolved.
func (s *Stream) RejectCheckpoint(id, rejectedBy, reason string) bool {
	return s.reject(id, rejectedBy, reason, types.CheckpointRejected)
}

func (s *Stream) reject(id, by, reason string, terminal types.CheckpointStatus) bool {
	s.mu.Lock()
	ckpt, ok := s.pending[id]
	if !ok || ckpt.Status != types.CheckpointPending {
		s.mu.Unlock()
		return false
	}
	ckpt.Status = terminal
	ckpt.ApprovedBy = by
	ckpt.ApprovedAt = ids.NowMs()
	ckpt.RejectReason = reason
	resolved := *ckpt
	delete(s.pending, id)
	s.mu.Unlock()

	if _, err := s.Append(types.Event{
		Type:       types.EventCheckpointRejected,
		Actor:      by,
		Payload:    map[string]any{"checkpointId": id, "reason": reason},
		Checkpoint: &resolved,
	}); err != nil {
		slog.Warn("[STREAM] reject event append failed", "checkpoint", id, "error", err)
	}
	return true
}

// ExpireCheckpoints auto-rejects every pending checkpoint past its ExpiresAt
// with reason "expired" and returns how many were expired.
func (s *Stream) ExpireCheckpoints() int {
	s.mu.Lock()
	now := ids.NowMs()
	var due []string
	for id, ckpt := range s.pending {
		if now > ckpt.ExpiresAt {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if s.reject(id, "system", "expired", types.CheckpointExpired) {
			slog.Info("[STREAM] checkpoint expired", "checkpoint", id)
		}
	}
	return len(due)
}

// PendingCheckpoints returns copies of all unresolved checkpoints, oldest
// first.
func (s *Stream) PendingCheckpoints() []types.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Checkpoint, 0, len(s.pending))
	for _, ckpt := range s.pending {
		out = append(out, *ckpt)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RequestedAt < out[j-1].RequestedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
