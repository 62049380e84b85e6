// Package ledger owns the durable orchestration state: a compact markdown
// index (LEDGER.md) pointing at per-epic directories, learning buckets and
// an archive. Every mutation is a serialized read-parse-mutate-render-write
// cycle under an advisory file lock, then surfaced to the event stream
// through the post-mutation hook.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// Hook receives the event emission for a completed mutation. Wired to the
// ledger event bridge; nil disables emission. Called after the write, never
// under the store lock.
type Hook func(t types.EventType, payload map[string]any, causationID string)

// Store is the ledger over one base directory.
//
// Expectations:
//   - Operations are serialized; cross-process writers coordinate via flock
//   - Preconditions (single active epic, ≤3 tasks, acyclic deps) are checked
//     before any file changes; violations mutate nothing
//   - parse ∘ render is the identity on canonical index files
type Store struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
	hook Hook
	now  func() time.Time
}

// New creates a Store rooted at dir (the ".opencode" directory). Call
// Initialize before use.
func New(dir string) *Store {
	return &Store{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, "LEDGER.md.lock")),
		now:  time.Now,
	}
}

// SetHook wires the post-mutation event hook.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

// Initialize creates the directory layout and a default index when missing.
func (s *Store) Initialize() error {
	for _, sub := range []string{"", "epics", "learnings", "archive", "context"} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("ledger: mkdir: %w", err)
		}
	}
	if _, err := os.Stat(s.indexPath()); os.IsNotExist(err) {
		if err := s.writeIndex(defaultIndex()); err != nil {
			return err
		}
		slog.Info("[LEDGER] initialized", "dir", s.dir)
	}
	return nil
}

func (s *Store) indexPath() string        { return filepath.Join(s.dir, "LEDGER.md") }
func (s *Store) epicDir(id string) string { return filepath.Join(s.dir, "epics", id) }

// emission is a deferred hook call collected during a locked mutation.
type emission struct {
	t       types.EventType
	payload map[string]any
}

// mutate runs fn over the parsed index under both locks, writes the result
// back when fn succeeds, then fires collected emissions with both the mutex
// and the file lock released. Hooks may re-enter the store.
func (s *Store) mutate(fn func(ix *Index, emit func(types.EventType, map[string]any)) error) error {
	emissions, hook, err := s.mutateLocked(fn)
	if err != nil {
		return err
	}
	if hook != nil {
		for _, e := range emissions {
			hook(e.t, e.payload, "")
		}
	}
	return nil
}

func (s *Store) mutateLocked(fn func(ix *Index, emit func(types.EventType, map[string]any)) error) ([]emission, Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLock()
	if err == nil && !locked {
		// bounded retry, matching the append-log discipline
		for attempt := 0; attempt < 5 && !locked; attempt++ {
			time.Sleep(10 * time.Millisecond)
			locked, err = s.lock.TryLock()
		}
	}
	if err != nil || !locked {
		return nil, nil, fmt.Errorf("ledger: lock %s: held by another process", s.indexPath())
	}
	defer func() { _ = s.lock.Unlock() }()

	ix, err := s.readIndex()
	if err != nil {
		return nil, nil, err
	}
	var emissions []emission
	emit := func(t types.EventType, payload map[string]any) {
		emissions = append(emissions, emission{t, payload})
	}
	if err := fn(ix, emit); err != nil {
		return nil, nil, err
	}
	ix.Meta.LastUpdated = s.now().UTC().Format(time.RFC3339)
	if err := s.writeIndex(ix); err != nil {
		return nil, nil, err
	}
	return emissions, s.hook, nil
}

func (s *Store) readIndex() (*Index, error) {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return defaultIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read index: %w", err)
	}
	return ParseIndex(string(data)), nil
}

func (s *Store) writeIndex(ix *Index) error {
	if err := os.WriteFile(s.indexPath(), []byte(ix.Render()), 0o644); err != nil {
		return fmt.Errorf("ledger: write index: %w", err)
	}
	return nil
}

// readEpic loads epics/<id>/metadata.json.
func (s *Store) readEpic(id string) (*types.Epic, error) {
	data, err := os.ReadFile(filepath.Join(s.epicDir(id), "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("ledger: epic %s: %w", id, err)
	}
	var epic types.Epic
	if err := json.Unmarshal(data, &epic); err != nil {
		return nil, fmt.Errorf("ledger: epic %s metadata: %w", id, err)
	}
	return &epic, nil
}

func (s *Store) writeEpic(epic *types.Epic) error {
	data, err := json.MarshalIndent(epic, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal epic %s: %w", epic.ID, err)
	}
	path := filepath.Join(s.epicDir(epic.ID), "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write epic %s: %w", epic.ID, err)
	}
	return nil
}

// appendEpicLog adds a timestamped line to epics/<id>/log.md.
func (s *Store) appendEpicLog(epicID, line string) {
	path := filepath.Join(s.epicDir(epicID), "log.md")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("[LEDGER] epic log open failed", "epic", epicID, "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "- %s — %s\n", s.now().UTC().Format(time.RFC3339), line)
}

// CreateEpic opens a new epic in draft status. Fails with a state violation
// while another epic is active.
func (s *Store) CreateEpic(title, request string) (*types.Epic, error) {
	var created *types.Epic
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.ActiveEpic != nil && ix.ActiveEpic.Status.Active() {
			return fmt.Errorf("ledger: epic %s is still active — archive it first: %w",
				ix.ActiveEpic.ID, types.ErrStateViolation)
		}
		now := ids.NowMs()
		epic := &types.Epic{
			ID:        ids.NewEpicID(),
			Title:     title,
			Request:   request,
			Status:    types.EpicDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := os.MkdirAll(s.epicDir(epic.ID), 0o755); err != nil {
			return fmt.Errorf("ledger: mkdir epic %s: %w", epic.ID, err)
		}
		if err := s.writeEpic(epic); err != nil {
			return err
		}
		spec := fmt.Sprintf("# %s\n\n## Request\n\n%s\n", title, request)
		if err := os.WriteFile(filepath.Join(s.epicDir(epic.ID), "spec.md"), []byte(spec), 0o644); err != nil {
			return fmt.Errorf("ledger: write spec: %w", err)
		}
		plan := fmt.Sprintf("# Plan: %s\n\n## Tasks\n\n", title)
		if err := os.WriteFile(filepath.Join(s.epicDir(epic.ID), "plan.md"), []byte(plan), 0o644); err != nil {
			return fmt.Errorf("ledger: write plan: %w", err)
		}

		ix.ActiveEpic = &EpicRef{ID: epic.ID, Title: title, Status: epic.Status}
		ix.Meta.Phase = epic.Status.PhaseFor()
		ix.Meta.TasksCompleted = "0/0"
		created = epic
		emit(types.LedgerEpicCreated, map[string]any{"epicId": epic.ID, "title": title})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendEpicLog(created.ID, "epic created: "+title)
	slog.Info("[LEDGER] epic created", "epic", created.ID, "title", title)
	return created, nil
}

// CreateTask appends a task to the active epic.
//
// Expectations:
//   - At most three tasks per epic; ids are dense "<epic>.<n>" from 1
//   - Dependencies must name existing tasks and stay acyclic
//   - The plan file gains an unchecked "- [ ] Task <id>:" marker
func (s *Store) CreateTask(title, agent string, deps []string) (*types.Task, error) {
	var created *types.Task
	var epicID string
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.ActiveEpic == nil {
			return fmt.Errorf("ledger: no active epic: %w", types.ErrStateViolation)
		}
		epic, err := s.readEpic(ix.ActiveEpic.ID)
		if err != nil {
			return err
		}
		if len(epic.Tasks) >= types.MaxTasksPerEpic {
			return fmt.Errorf("ledger: cannot create task — epic %s already has %d tasks: %w",
				epic.ID, types.MaxTasksPerEpic, types.ErrStateViolation)
		}
		known := make(map[string]bool, len(epic.Tasks))
		for _, t := range epic.Tasks {
			known[t.ID] = true
		}
		for _, d := range deps {
			if !known[d] {
				return fmt.Errorf("ledger: dependency %s does not exist: %w", d, types.ErrStateViolation)
			}
		}
		task := types.Task{
			ID:           ids.TaskID(epic.ID, len(epic.Tasks)+1),
			Title:        title,
			Agent:        agent,
			Dependencies: deps,
			Status:       types.TaskPending,
		}
		candidate := append(append([]types.Task{}, epic.Tasks...), task)
		if hasCircularDependencies(candidate) {
			return fmt.Errorf("ledger: dependency cycle through %s: %w", task.ID, types.ErrStateViolation)
		}
		epic.Tasks = candidate
		if epic.Status == types.EpicDraft {
			epic.Status = types.EpicPlanning
		}
		epic.UpdatedAt = ids.NowMs()
		if err := s.writeEpic(epic); err != nil {
			return err
		}
		if err := s.appendPlanMarker(epic.ID, task); err != nil {
			return err
		}

		ix.ActiveEpic.Status = epic.Status
		ix.Meta.Phase = epic.Status.PhaseFor()
		ix.Meta.TasksCompleted = tasksCompleted(epic)
		created = &task
		epicID = epic.ID
		emit(types.LedgerTaskCreated, map[string]any{"taskId": task.ID, "title": title, "agent": agent})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.appendEpicLog(epicID, fmt.Sprintf("task %s created: %s (%s)", created.ID, title, agent))
	return created, nil
}

// UpdateTaskStatus transitions a task of the active epic, applies the
// status→outcome mapping, rewrites the plan marker and refreshes the task
// summary. Satisfies the registry's ledger-sync interface.
func (s *Store) UpdateTaskStatus(taskID string, status types.TaskStatus, result, errMsg string) error {
	var epicID string
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.ActiveEpic == nil {
			return fmt.Errorf("ledger: no active epic: %w", types.ErrStateViolation)
		}
		epic, err := s.readEpic(ix.ActiveEpic.ID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range epic.Tasks {
			if epic.Tasks[i].ID == taskID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("ledger: unknown task %s: %w", taskID, types.ErrStateViolation)
		}
		task := &epic.Tasks[idx]
		now := ids.NowMs()
		task.Status = status
		if result != "" {
			task.Result = result
		}
		if errMsg != "" {
			task.Error = errMsg
		}
		switch status {
		case types.TaskRunning:
			if task.StartedAt == 0 {
				task.StartedAt = now
			}
			if epic.Status == types.EpicPlanning || epic.Status == types.EpicDraft {
				epic.Status = types.EpicInProgress
			}
			emit(types.LedgerTaskStarted, map[string]any{"taskId": taskID, "agent": task.Agent})
		case types.TaskCompleted:
			task.CompletedAt = now
			task.Outcome = types.OutcomeSucceeded
			emit(types.LedgerTaskCompleted, map[string]any{"taskId": taskID, "result": task.Result})
		case types.TaskFailed, types.TaskTimeout:
			task.CompletedAt = now
			task.Outcome = types.OutcomeFailed
			emit(types.LedgerTaskFailed, map[string]any{"taskId": taskID, "error": task.Error})
		}
		epic.UpdatedAt = now
		if err := s.writeEpic(epic); err != nil {
			return err
		}
		if status.Terminal() {
			if err := UpdateTaskInPlan(s.planPath(epic.ID), taskID, status); err != nil {
				slog.Warn("[LEDGER] plan marker rewrite failed", "task", taskID, "error", err)
			}
		}

		ix.ActiveEpic.Status = epic.Status
		ix.Meta.Phase = epic.Status.PhaseFor()
		ix.Meta.TasksCompleted = tasksCompleted(epic)
		epicID = epic.ID
		return nil
	})
	if err != nil {
		return err
	}
	s.appendEpicLog(epicID, fmt.Sprintf("task %s → %s", taskID, status))
	return nil
}

// tasksCompleted renders the "n/m" summary from the epic's task list.
func tasksCompleted(epic *types.Epic) string {
	done := 0
	for _, t := range epic.Tasks {
		if t.Status == types.TaskCompleted {
			done++
		}
	}
	return fmt.Sprintf("%d/%d", done, len(epic.Tasks))
}

func (s *Store) planPath(epicID string) string {
	return filepath.Join(s.epicDir(epicID), "plan.md")
}

func (s *Store) appendPlanMarker(epicID string, task types.Task) error {
	f, err := os.OpenFile(s.planPath(epicID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open plan: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("- [ ] Task %s: %s (agent: %s)", task.ID, task.Title, task.Agent)
	if len(task.Dependencies) > 0 {
		line += " [deps: " + strings.Join(task.Dependencies, ", ") + "]"
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("ledger: write plan marker: %w", err)
	}
	return nil
}

// UpdateTaskInPlan rewrites the task's checkbox marker in a plan file:
// "[ ]" → "[x]" on completion, "[!]" on failure or timeout. The edit leaves
// the plan re-parseable.
func UpdateTaskInPlan(planPath, taskID string, status types.TaskStatus) error {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("ledger: read plan: %w", err)
	}
	marker := "[x]"
	if status == types.TaskFailed || status == types.TaskTimeout {
		marker = "[!]"
	}
	re, err := regexp.Compile(`(?m)^- \[[ x!]\] Task ` + regexp.QuoteMeta(taskID) + `:`)
	if err != nil {
		return err
	}
	updated := re.ReplaceAll(data, []byte("- "+marker+" Task "+taskID+":"))
	if err := os.WriteFile(planPath, updated, 0o644); err != nil {
		return fmt.Errorf("ledger: write plan: %w", err)
	}
	return nil
}

// hasCircularDependencies reports whether the task dependency graph has a
// directed cycle.
func hasCircularDependencies(tasks []types.Task) bool {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if visit(d) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for id := range deps {
		if visit(id) {
			return true
		}
	}
	return false
}

// AddContext appends a free-form context note to the active epic.
func (s *Store) AddContext(note string) error {
	var epicID string
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.ActiveEpic == nil {
			return fmt.Errorf("ledger: no active epic: %w", types.ErrStateViolation)
		}
		epic, err := s.readEpic(ix.ActiveEpic.ID)
		if err != nil {
			return err
		}
		epic.Context = append(epic.Context, note)
		epic.UpdatedAt = ids.NowMs()
		if err := s.writeEpic(epic); err != nil {
			return err
		}
		epicID = epic.ID
		emit(types.LedgerDirectiveAdded, map[string]any{"epicId": epic.ID, "note": note})
		return nil
	})
	if err != nil {
		return err
	}
	s.appendEpicLog(epicID, "context: "+note)
	return nil
}

// ArchiveEpic closes the active epic and moves it to the archive.
//
// Expectations:
//   - Outcome defaults by task results: all completed → SUCCEEDED, some →
//     PARTIAL, none → FAILED
//   - The epic directory moves under archive/; the compact ring keeps ≤5
//   - The active slot clears and the phase resets to CLARIFY
func (s *Store) ArchiveEpic(outcome types.Outcome) (*types.Epic, error) {
	var archived *types.Epic
	err := s.mutate(func(ix *Index, emit func(types.EventType, map[string]any)) error {
		if ix.ActiveEpic == nil {
			return fmt.Errorf("ledger: no active epic to archive: %w", types.ErrStateViolation)
		}
		epic, err := s.readEpic(ix.ActiveEpic.ID)
		if err != nil {
			return err
		}
		if outcome == "" {
			outcome = deriveOutcome(epic.Tasks)
		}
		now := ids.NowMs()
		epic.Outcome = outcome
		epic.CompletedAt = now
		epic.UpdatedAt = now
		if outcome == types.OutcomeFailed {
			epic.Status = types.EpicFailed
		} else {
			epic.Status = types.EpicCompleted
		}
		if err := s.writeEpic(epic); err != nil {
			return err
		}
		dest := filepath.Join(s.dir, "archive", epic.ID)
		if err := os.Rename(s.epicDir(epic.ID), dest); err != nil {
			return fmt.Errorf("ledger: archive move %s: %w", epic.ID, err)
		}

		ix.pushArchive(ArchiveEntry{
			ID: epic.ID, Title: epic.Title, Outcome: outcome,
			ArchivedAt: s.now().UTC().Format(time.RFC3339),
		})
		ix.ActiveEpic = nil
		ix.Meta.Phase = types.PhaseClarify
		ix.Meta.TasksCompleted = ""
		archived = epic

		if epic.Status == types.EpicFailed {
			emit(types.LedgerEpicFailed, map[string]any{"epicId": epic.ID})
		} else {
			emit(types.LedgerEpicCompleted, map[string]any{"epicId": epic.ID, "outcome": string(outcome)})
		}
		emit(types.LedgerEpicArchived, map[string]any{"epicId": epic.ID, "outcome": string(outcome)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("[LEDGER] epic archived", "epic", archived.ID, "outcome", archived.Outcome)
	return archived, nil
}

// deriveOutcome applies the default mapping when the caller did not specify
// one.
func deriveOutcome(tasks []types.Task) types.Outcome {
	if len(tasks) == 0 {
		return types.OutcomeFailed
	}
	done := 0
	for _, t := range tasks {
		if t.Status == types.TaskCompleted {
			done++
		}
	}
	switch {
	case done == len(tasks):
		return types.OutcomeSucceeded
	case done > 0:
		return types.OutcomePartial
	default:
		return types.OutcomeFailed
	}
}

// ActiveEpic returns the active epic with its tasks, or nil when none.
func (s *Store) ActiveEpic() (*types.Epic, error) {
	s.mu.Lock()
	ix, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ix.ActiveEpic == nil {
		return nil, nil
	}
	return s.readEpic(ix.ActiveEpic.ID)
}

// Snapshot is the read-only view served to tools and the CLI.
type Snapshot struct {
	Index *Index
	Epic  *types.Epic // nil when no active epic
}

// Status returns the current ledger snapshot.
func (s *Store) Status() (Snapshot, error) {
	s.mu.Lock()
	ix, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Index: ix}
	if ix.ActiveEpic != nil {
		epic, err := s.readEpic(ix.ActiveEpic.ID)
		if err != nil {
			slog.Warn("[LEDGER] active epic unreadable", "epic", ix.ActiveEpic.ID, "error", err)
		} else {
			snap.Epic = epic
		}
	}
	return snap, nil
}
