package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/runtime"
	"github.com/opencode-core/orchd/internal/types"
)

const maxStepResultLen = 1000

// StateStore persists the engine's cursor between steps and processes; the
// ledger store satisfies it.
type StateStore interface {
	SetWorkflowState(ws *types.WorkflowState) error
	WorkflowState() (*types.WorkflowState, error)
}

// Emitter surfaces workflow lifecycle events; the ledger event bridge
// satisfies it.
type Emitter interface {
	Emit(t types.EventType, payload map[string]any, causationID string) (types.Event, error)
}

// Subscriber is the event source the resume trigger watches.
type Subscriber interface {
	Subscribe(t types.EventType, cb func(types.Event)) func()
}

// Options tunes the engine's wait polling.
type Options struct {
	PollInterval time.Duration // session idle probe cadence, default 2 s
	MaxPolls     int           // per waiting step, default 150
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.MaxPolls <= 0 {
		o.MaxPolls = 150
	}
}

// Engine executes workflow definitions step by step.
//
// Expectations:
//   - The cursor persists after every step; a crash resumes mid-phase
//   - A checkpoint step pauses the workflow before running; approval of the
//     checkpoint resumes it
//   - Step results are truncated and keyed "phase<i>_step<j>"
type Engine struct {
	rt      runtime.Client
	store   StateStore
	emitter Emitter
	opts    Options
}

// NewEngine creates an Engine. emitter may be nil.
func NewEngine(rt runtime.Client, store StateStore, emitter Emitter, opts Options) *Engine {
	opts.defaults()
	return &Engine{rt: rt, store: store, emitter: emitter, opts: opts}
}

// Run starts def from the beginning for the given task description and
// executes until completion, a checkpoint pause, or an error.
func (e *Engine) Run(ctx context.Context, def Definition, task string) (*types.WorkflowState, error) {
	state := &types.WorkflowState{
		Workflow:    def.Name,
		Task:        task,
		Status:      "running",
		StepResults: map[string]string{},
	}
	return e.advance(ctx, def, state)
}

// Resume continues a paused or interrupted workflow from its persisted
// cursor. A paused state skips past the checkpoint step that held it.
func (e *Engine) Resume(ctx context.Context, def Definition) (*types.WorkflowState, error) {
	state, err := e.store.WorkflowState()
	if err != nil {
		return nil, err
	}
	if state == nil || state.Workflow != def.Name {
		return nil, fmt.Errorf("workflow: no persisted state for %s: %w", def.Name, types.ErrStateViolation)
	}
	if state.Status == "completed" || state.Status == "failed" {
		return state, nil
	}
	if state.StepResults == nil {
		state.StepResults = map[string]string{}
	}
	if state.Status == "paused" {
		state.StepIndex++ // the checkpoint step itself is the gate, not work
		state.Status = "running"
	}
	slog.Info("[WORKFLOW] resuming",
		"workflow", def.Name, "phase", state.PhaseIndex, "step", state.StepIndex)
	return e.advance(ctx, def, state)
}

// advance drives the cursor until the definition is exhausted or a
// checkpoint pauses it.
func (e *Engine) advance(ctx context.Context, def Definition, state *types.WorkflowState) (*types.WorkflowState, error) {
	for state.PhaseIndex < len(def.Phases) {
		phase := def.Phases[state.PhaseIndex]
		if state.StepIndex >= len(phase.Steps) {
			state.StepIndex = 0
			state.PhaseIndex++
			continue
		}
		step := phase.Steps[state.StepIndex]

		if step.Checkpoint {
			state.Status = "paused"
			if err := e.persist(state); err != nil {
				return nil, err
			}
			e.emit(types.LedgerTaskYielded, map[string]any{
				"workflow": def.Name,
				"phase":    phase.Name,
				"step":     state.StepIndex,
				"agent":    step.Agent,
			})
			slog.Info("[WORKFLOW] paused at checkpoint",
				"workflow", def.Name, "phase", phase.Name, "step", state.StepIndex)
			return state, nil
		}

		result, err := e.runStep(ctx, def, state, step)
		if err != nil {
			state.Status = "failed"
			_ = e.persist(state)
			return state, fmt.Errorf("workflow: %s phase %q step %d: %w",
				def.Name, phase.Name, state.StepIndex, err)
		}
		key := fmt.Sprintf("phase%d_step%d", state.PhaseIndex, state.StepIndex)
		state.StepResults[key] = truncateResult(result)

		// Advance before persisting so an interrupted run resumes at the
		// next step instead of re-spawning the one that just finished.
		state.StepIndex++
		if state.StepIndex >= len(phase.Steps) {
			state.StepIndex = 0
			state.PhaseIndex++
		}
		if err := e.persist(state); err != nil {
			return nil, err
		}
	}
	state.Status = "completed"
	if err := e.persist(state); err != nil {
		return nil, err
	}
	slog.Info("[WORKFLOW] completed", "workflow", def.Name)
	return state, nil
}

// runStep spawns the step's agent with the substituted prompt and, for
// waiting steps, blocks until the session goes idle and returns its last
// assistant message.
func (e *Engine) runStep(ctx context.Context, def Definition, state *types.WorkflowState, step Step) (string, error) {
	prompt := strings.ReplaceAll(step.Prompt, "{{task}}", state.Task)
	if len(state.StepResults) > 0 {
		if condensed, err := json.Marshal(state.StepResults); err == nil {
			prompt += "\n\nPrior step results:\n" + string(condensed)
		}
	}

	sessionID, err := e.rt.SessionCreate(ctx, "", def.Name+": "+step.Agent)
	if err != nil {
		return "", err
	}
	if err := e.rt.SessionPrompt(ctx, sessionID, step.Agent, prompt); err != nil {
		return "", err
	}
	if !step.Wait {
		return "", nil
	}

	for poll := 0; poll < e.opts.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.opts.PollInterval):
		}
		status, err := e.rt.SessionStatus(ctx)
		if err != nil {
			slog.Warn("[WORKFLOW] status probe failed", "session", sessionID, "error", err)
			continue
		}
		if status[sessionID] != "idle" {
			continue
		}
		msgs, err := e.rt.SessionMessages(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return runtime.LastAssistantText(msgs), nil
	}
	return "", fmt.Errorf("session %s never went idle: %w", sessionID, types.ErrTimeout)
}

func (e *Engine) persist(state *types.WorkflowState) error {
	state.UpdatedAt = ids.NowMs()
	return e.store.SetWorkflowState(state)
}

func (e *Engine) emit(t types.EventType, payload map[string]any) {
	if e.emitter == nil {
		return
	}
	if _, err := e.emitter.Emit(t, payload, ""); err != nil {
		slog.Warn("[WORKFLOW] event emit failed", "type", t, "error", err)
	}
}

// ResumeOnApproval subscribes the engine to checkpoint approvals and resumes
// the paused workflow when one lands. Returns the unsubscribe func.
func (e *Engine) ResumeOnApproval(src Subscriber, def Definition) func() {
	return src.Subscribe(types.EventCheckpointApproved, func(ev types.Event) {
		state, err := e.store.WorkflowState()
		if err != nil || state == nil || state.Status != "paused" || state.Workflow != def.Name {
			return
		}
		if _, err := e.Resume(context.Background(), def); err != nil {
			slog.Warn("[WORKFLOW] resume after approval failed", "workflow", def.Name, "error", err)
		}
	})
}

// truncateResult bounds a step result, cutting on a rune boundary so
// multibyte text stays valid UTF-8.
func truncateResult(s string) string {
	if len(s) <= maxStepResultLen {
		return s
	}
	cut := maxStepResultLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
