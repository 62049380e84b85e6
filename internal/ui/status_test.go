package ui

import (
	"strings"
	"testing"

	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/types"
)

func init() { Colors = false }

func TestClip_BoundsByDisplayWidth(t *testing.T) {
	// Wide glyphs count as two cells, so CJK text clips earlier than its
	// rune count suggests
	if got := clip("short", 10); got != "short" {
		t.Errorf("clip = %q", got)
	}
	got := clip("配置文件解析器", 8)
	if !strings.HasSuffix(got, "…") || len([]rune(got)) >= 7 {
		t.Errorf("clip wide = %q", got)
	}
}

func TestTable_AlignsColumns(t *testing.T) {
	var sb strings.Builder
	table(&sb, []string{"ID", "NAME"}, [][]string{
		{"a1", "first"},
		{"longer-id", "x"},
	})
	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	// NAME starts at the same column on every row
	want := strings.Index(lines[0], "NAME")
	if strings.Index(lines[1], "first") != want || strings.Index(lines[2], "x") != want {
		t.Errorf("misaligned:\n%s", sb.String())
	}
}

func TestRenderStatus_CoversAllSections(t *testing.T) {
	snap := ledger.Snapshot{
		Index: &ledger.Index{
			Meta:            ledger.Meta{Phase: types.PhaseExecute, Status: "active"},
			RecentLearnings: []string{"[decision] prefer table-driven tests"},
			Handoff:         &types.Handoff{ResumeCommand: "orchd resume"},
		},
		Epic: &types.Epic{
			ID:     "abc123",
			Title:  "Build Auth",
			Status: types.EpicInProgress,
			Tasks: []types.Task{
				{ID: "abc123.1", Title: "wire login", Agent: "executor", Status: types.TaskCompleted, Outcome: types.OutcomeSucceeded},
				{ID: "abc123.2", Title: "add tests", Agent: "executor", Status: types.TaskRunning},
			},
		},
	}
	tasks := []types.RegistryTask{
		{ID: "abc123.2", SessionID: "ses-9", Status: types.TaskRunning, MaxRetries: 2},
	}
	ckpts := []types.Checkpoint{
		{ID: "ckpt_1", DecisionPoint: "merge strategy", RequestedBy: "planner",
			Options: []types.CheckpointOption{{ID: "opt1", Label: "squash"}}},
	}

	var sb strings.Builder
	RenderStatus(&sb, snap, tasks, ckpts)
	out := sb.String()

	for _, want := range []string{
		"epic abc123", "abc123.1", "wire login", "SUCCEEDED",
		"runtime tasks", "ses-9", "0/2",
		"pending checkpoints", "merge strategy", "opt1: squash",
		"recent learnings", "table-driven",
		"orchd resume",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderStatus_EmptyLedger(t *testing.T) {
	var sb strings.Builder
	RenderStatus(&sb, ledger.Snapshot{Index: &ledger.Index{Meta: ledger.Meta{Phase: types.PhaseClarify, Status: "active"}}}, nil, nil)
	if !strings.Contains(sb.String(), "no active epic") {
		t.Errorf("output = %s", sb.String())
	}
}
