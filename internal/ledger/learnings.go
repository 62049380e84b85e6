package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// learningBucket maps a learning type to its markdown file. Decisions and
// preferences get their own buckets; everything else lands in patterns.
func learningBucket(lt types.LearningType) string {
	switch lt {
	case types.LearningDecision:
		return "decisions.md"
	case types.LearningPreference:
		return "preferences.md"
	default:
		return "patterns.md"
	}
}

// AddLearning appends a learning to its typed bucket file and pushes it onto
// the index's recent ring.
func (s *Store) AddLearning(lt types.LearningType, content string) error {
	line := fmt.Sprintf("[%s] %s", lt, content)
	return s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		path := filepath.Join(s.dir, "learnings", learningBucket(lt))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("ledger: open learnings bucket: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString("- " + line + "\n"); err != nil {
			return fmt.Errorf("ledger: append learning: %w", err)
		}
		ix.pushRecentLearning(line)
		emit(types.LedgerLearningExtracted, map[string]any{"type": string(lt), "content": content})
		return nil
	})
}

// RecentLearnings returns up to limit entries from the index ring, newest
// first. The limit is a contract, not a hint.
func (s *Store) RecentLearnings(limit int) ([]string, error) {
	s.mu.Lock()
	ix, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(ix.RecentLearnings) {
		limit = len(ix.RecentLearnings)
	}
	return append([]string(nil), ix.RecentLearnings[:limit]...), nil
}

// LearningsByBucket reads every entry of one bucket file, oldest first.
func (s *Store) LearningsByBucket(lt types.LearningType) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "learnings", learningBucket(lt)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read learnings bucket: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimPrefix(line, "- "))
		}
	}
	return out, nil
}

// CreateHandoff records the handoff block and flips the index status so the
// next session knows to resume instead of starting fresh. At most one
// handoff is active; a new one replaces it.
func (s *Store) CreateHandoff(h types.Handoff) error {
	if h.CreatedAt == 0 {
		h.CreatedAt = ids.NowMs()
	}
	return s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		ix.Handoff = &h
		ix.Meta.Status = "handoff"
		emit(types.LedgerHandoffCreated, map[string]any{
			"reason":        string(h.Reason),
			"resumeCommand": h.ResumeCommand,
		})
		return nil
	})
}

// ResumeHandoff clears the active handoff and returns it, or nil when none
// was pending.
func (s *Store) ResumeHandoff() (*types.Handoff, error) {
	var resumed *types.Handoff
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.Handoff == nil {
			return nil
		}
		resumed = ix.Handoff
		ix.Handoff = nil
		ix.Meta.Status = "active"
		emit(types.LedgerHandoffResumed, map[string]any{"resumeCommand": resumed.ResumeCommand})
		return nil
	})
	return resumed, err
}

// SetWorkflowState persists the workflow engine's cursor in the index's
// active-workflow slot; nil clears it.
func (s *Store) SetWorkflowState(ws *types.WorkflowState) error {
	return s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		ix.ActiveWorkflow = ws
		return nil
	})
}

// WorkflowState returns the persisted workflow cursor, or nil.
func (s *Store) WorkflowState() (*types.WorkflowState, error) {
	s.mu.Lock()
	ix, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return ix.ActiveWorkflow, nil
}
