// Package registry keeps the in-memory runtime task table the supervisor
// polls. It is the authoritative record of live sessions, retries and
// heartbeats; the ledger holds the durable twin and is optionally mirrored
// on every status mutation.
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// LedgerSync mirrors registry status mutations into the durable ledger.
// Implemented by ledger.Store; nil disables mirroring.
type LedgerSync interface {
	UpdateTaskStatus(id string, status types.TaskStatus, result, errMsg string) error
}

// Spec describes a task to register. ID may be a ledger task id supplied by
// the caller; when empty one is generated from the session id.
type Spec struct {
	ID              string
	Title           string
	Agent           string
	SessionID       string
	ParentSessionID string
	Prompt          string
	MaxRetries      int
	TimeoutMs       int64
	Complexity      types.Complexity
}

// Registry is the thread-safe task table. All returned tasks are copies;
// mutating them does not affect registry state.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*types.RegistryTask
	ledger LedgerSync
}

// New creates an empty Registry. ledger may be nil.
func New(ledger LedgerSync) *Registry {
	return &Registry{tasks: make(map[string]*types.RegistryTask), ledger: ledger}
}

// Register adds a task in pending status and returns its id.
//
// Expectations:
//   - Uses spec.ID when supplied (ledger task id), otherwise derives one
//   - Duplicate ids are rejected
//   - Complexity defaults to medium, MaxRetries to 2 when unset
func (r *Registry) Register(spec Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = "task_" + spec.SessionID
	}
	if _, exists := r.tasks[id]; exists {
		return "", fmt.Errorf("registry: task %s already registered: %w", id, types.ErrStateViolation)
	}
	if spec.Complexity == "" {
		spec.Complexity = types.ComplexityMedium
	}
	if spec.MaxRetries == 0 {
		spec.MaxRetries = 2
	}
	now := ids.NowMs()
	r.tasks[id] = &types.RegistryTask{
		ID:              id,
		Title:           spec.Title,
		Agent:           spec.Agent,
		Status:          types.TaskPending,
		SessionID:       spec.SessionID,
		ParentSessionID: spec.ParentSessionID,
		Prompt:          spec.Prompt,
		MaxRetries:      spec.MaxRetries,
		TimeoutMs:       spec.TimeoutMs,
		Complexity:      spec.Complexity,
		CreatedAt:       now,
		LastHeartbeat:   now,
	}
	slog.Debug("[REGISTRY] registered", "task", id, "agent", spec.Agent, "session", spec.SessionID)
	return id, nil
}

// Get returns a copy of the task, or false when unknown.
func (r *Registry) Get(id string) (types.RegistryTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return types.RegistryTask{}, false
	}
	return *t, true
}

// UpdateStatus transitions a task and mirrors the change to the ledger when
// sync is enabled. Entering running stamps StartedAt and refreshes the
// heartbeat; terminal statuses stamp CompletedAt.
func (r *Registry) UpdateStatus(id string, status types.TaskStatus, result, errMsg string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown task %s: %w", id, types.ErrStateViolation)
	}
	now := ids.NowMs()
	t.Status = status
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}
	switch {
	case status == types.TaskRunning:
		if t.StartedAt == 0 {
			t.StartedAt = now
		}
		t.LastHeartbeat = now
	case status.Terminal():
		t.CompletedAt = now
	}
	r.mu.Unlock()

	if r.ledger != nil {
		if err := r.ledger.UpdateTaskStatus(id, status, result, errMsg); err != nil {
			slog.Warn("[REGISTRY] ledger sync failed", "task", id, "status", status, "error", err)
		}
	}
	return nil
}

// Heartbeat refreshes the task's liveness timestamp. Never transitions
// status.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("registry: unknown task %s: %w", id, types.ErrStateViolation)
	}
	t.LastHeartbeat = ids.NowMs()
	return nil
}

// IncrementRetry bumps the retry counter and returns the new count.
func (r *Registry) IncrementRetry(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return 0, fmt.Errorf("registry: unknown task %s: %w", id, types.ErrStateViolation)
	}
	t.RetryCount++
	return t.RetryCount, nil
}

// UpdateSessionID points the task at the session of a fresh retry attempt
// and resets the timeout window.
func (r *Registry) UpdateSessionID(id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("registry: unknown task %s: %w", id, types.ErrStateViolation)
	}
	t.SessionID = sessionID
	now := ids.NowMs()
	t.StartedAt = now
	t.LastHeartbeat = now
	return nil
}

// TimedOut returns copies of running tasks whose runtime exceeds their own
// TimeoutMs budget.
func (r *Registry) TimedOut(nowMs int64) []types.RegistryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.RegistryTask
	for _, t := range r.tasks {
		if t.Status == types.TaskRunning && t.TimeoutMs > 0 && nowMs-t.StartedAt > t.TimeoutMs {
			out = append(out, *t)
		}
	}
	return out
}

// Stuck returns copies of running tasks whose heartbeat is older than
// thresholdMs.
func (r *Registry) Stuck(nowMs, thresholdMs int64) []types.RegistryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.RegistryTask
	for _, t := range r.tasks {
		if t.Status == types.TaskRunning && nowMs-t.LastHeartbeat > thresholdMs {
			out = append(out, *t)
		}
	}
	return out
}

// ByStatus returns copies of tasks in the given status.
func (r *Registry) ByStatus(status types.TaskStatus) []types.RegistryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.RegistryTask
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	return out
}

// All returns copies of every registered task.
func (r *Registry) All() []types.RegistryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.RegistryTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out
}

// Cleanup removes terminal tasks older than maxAgeMs (by completion time)
// and returns how many were removed.
func (r *Registry) Cleanup(nowMs, maxAgeMs int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.CompletedAt > 0 && nowMs-t.CompletedAt > maxAgeMs {
			delete(r.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("[REGISTRY] cleanup", "removed", removed)
	}
	return removed
}
