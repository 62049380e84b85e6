package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/opencode-core/orchd/internal/runtime"
	"github.com/opencode-core/orchd/internal/types"
)

const sampleDoc = `---
name: feature
trigger: [build, implement]
entry_agent: chief-of-staff
---

## Phase 1: Planning

- Agent: planner
  - Prompt: "Plan {{task}}"
  - Wait: true

## Phase 2: Execution

- Agent: executor
  - Prompt: "Implement {{task}}"
  - Wait: true
  - Checkpoint: false
- Agent: validator
  - Prompt: "Validate the result"
  - Checkpoint: true
- Agent: validator
  - Prompt: "Run the final checks"
  - Wait: true
`

func TestParse_FullDocument(t *testing.T) {
	// Frontmatter, phases and step sub-bullets all land in the definition
	def, err := Parse(sampleDoc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "feature" || def.EntryAgent != "chief-of-staff" {
		t.Errorf("frontmatter = %+v", def)
	}
	if len(def.Trigger) != 2 || def.Trigger[0] != "build" {
		t.Errorf("triggers = %v", def.Trigger)
	}
	if len(def.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(def.Phases))
	}
	if def.Phases[0].Name != "Planning" || len(def.Phases[0].Steps) != 1 {
		t.Errorf("phase 1 = %+v", def.Phases[0])
	}
	planning := def.Phases[0].Steps[0]
	if planning.Agent != "planner" || planning.Prompt != "Plan {{task}}" || !planning.Wait {
		t.Errorf("planning step = %+v", planning)
	}
	exec := def.Phases[1]
	if len(exec.Steps) != 3 || !exec.Steps[1].Checkpoint || exec.Steps[1].Agent != "validator" {
		t.Errorf("execution steps = %+v", exec.Steps)
	}
}

func TestParse_Rejections(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "## Phase 1: x\n- Agent: a\n",
		"unterminated":   "---\nname: x\n",
		"no name":        "---\ntrigger: [a]\n---\n## Phase 1: x\n",
		"no phases":      "---\nname: x\n---\njust prose\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(doc); err == nil {
				t.Error("want parse error")
			}
		})
	}
}

func TestDefinition_Matches(t *testing.T) {
	def := Definition{Trigger: []string{"build", "implement"}}
	if !def.Matches("please BUILD the login page") {
		t.Error("case-insensitive trigger missed")
	}
	if def.Matches("just a question") {
		t.Error("false trigger")
	}
}

// engineRuntime simulates sessions that go idle immediately with a canned
// answer per agent.
type engineRuntime struct {
	mu      sync.Mutex
	nextID  int
	prompts map[string]string // sessionID → prompt text
	agents  map[string]string // sessionID → agent
}

func newEngineRuntime() *engineRuntime {
	return &engineRuntime{prompts: map[string]string{}, agents: map[string]string{}}
}

func (m *engineRuntime) SessionCreate(ctx context.Context, parentID, title string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("ses-%d", m.nextID), nil
}

func (m *engineRuntime) SessionPrompt(ctx context.Context, sessionID, agent, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts[sessionID] = text
	m.agents[sessionID] = agent
	return nil
}

func (m *engineRuntime) SessionStatus(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for id := range m.prompts {
		out[id] = "idle"
	}
	return out, nil
}

func (m *engineRuntime) SessionMessages(ctx context.Context, sessionID string) ([]runtime.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return []runtime.Message{{
		Role:  "assistant",
		Parts: []runtime.Part{{Type: "text", Text: m.agents[sessionID] + " done"}},
	}}, nil
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu    sync.Mutex
	state *types.WorkflowState
}

func (s *memStore) SetWorkflowState(ws *types.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws == nil {
		s.state = nil
		return nil
	}
	cp := *ws
	cp.StepResults = map[string]string{}
	for k, v := range ws.StepResults {
		cp.StepResults[k] = v
	}
	s.state = &cp
	return nil
}

func (s *memStore) WorkflowState() (*types.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	cp := *s.state
	return &cp, nil
}

type emitRecorder struct {
	mu     sync.Mutex
	events []types.EventType
}

func (r *emitRecorder) Emit(t types.EventType, payload map[string]any, causationID string) (types.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
	return types.Event{Type: t, Payload: payload}, nil
}

func testEngine(t *testing.T) (*Engine, *engineRuntime, *memStore, *emitRecorder) {
	t.Helper()
	rt := newEngineRuntime()
	store := &memStore{}
	rec := &emitRecorder{}
	e := NewEngine(rt, store, rec, Options{PollInterval: time.Millisecond, MaxPolls: 10})
	return e, rt, store, rec
}

func TestEngine_PausesAtCheckpointAndResumes(t *testing.T) {
	// Execution stops before the checkpoint step, persists a paused cursor
	// and emits ledger.task.yielded; Resume picks up past the gate
	def, err := Parse(sampleDoc)
	if err != nil {
		t.Fatal(err)
	}
	e, rt, store, rec := testEngine(t)

	state, err := e.Run(context.Background(), def, "add login")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != "paused" || state.PhaseIndex != 1 || state.StepIndex != 1 {
		t.Fatalf("paused cursor = %+v", state)
	}
	if len(rec.events) != 1 || rec.events[0] != types.LedgerTaskYielded {
		t.Errorf("emitted = %v", rec.events)
	}
	persisted, _ := store.WorkflowState()
	if persisted == nil || persisted.Status != "paused" {
		t.Fatalf("persisted = %+v", persisted)
	}

	// task substitution and prior-results condensation reached the prompts
	var sawTask, sawPrior bool
	for _, p := range rt.prompts {
		if strings.Contains(p, "add login") {
			sawTask = true
		}
		if strings.Contains(p, "Prior step results:") {
			sawPrior = true
		}
	}
	if !sawTask || !sawPrior {
		t.Errorf("prompts missing substitution or prior results: %v", rt.prompts)
	}

	resumed, err := e.Resume(context.Background(), def)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != "completed" {
		t.Fatalf("resumed = %+v", resumed)
	}
	if resumed.StepResults["phase0_step0"] != "planner done" {
		t.Errorf("step results = %v", resumed.StepResults)
	}
	if _, ok := resumed.StepResults["phase1_step2"]; !ok {
		t.Errorf("post-checkpoint step never ran: %v", resumed.StepResults)
	}
}

// snapshotStore records every persisted cursor in order.
type snapshotStore struct {
	memStore
	snaps []types.WorkflowState
}

func (s *snapshotStore) SetWorkflowState(ws *types.WorkflowState) error {
	if ws != nil {
		cp := *ws
		cp.StepResults = map[string]string{}
		for k, v := range ws.StepResults {
			cp.StepResults[k] = v
		}
		s.snaps = append(s.snaps, cp)
	}
	return s.memStore.SetWorkflowState(ws)
}

func TestEngine_InterruptedRunResumesAtNextStep(t *testing.T) {
	// The cursor persisted after each step already points past it, so a
	// process killed between steps never re-spawns completed work
	const doc = `---
name: pipeline
---

## Phase 1: Work

- Agent: alpha
  - Prompt: "Do {{task}}"
  - Wait: true
- Agent: beta
  - Prompt: "Then verify"
  - Wait: true
`
	def, err := Parse(doc)
	if err != nil {
		t.Fatal(err)
	}

	rt := newEngineRuntime()
	store := &snapshotStore{}
	e := NewEngine(rt, store, nil, Options{PollInterval: time.Millisecond, MaxPolls: 10})
	if _, err := e.Run(context.Background(), def, "ship it"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(store.snaps) < 2 {
		t.Fatalf("snapshots = %d", len(store.snaps))
	}
	afterFirst := store.snaps[0]
	if afterFirst.Status != "running" || afterFirst.StepIndex != 1 {
		t.Fatalf("cursor after step 0 = %+v, want it past the step", afterFirst)
	}

	// Crash simulation: a fresh engine picks up that snapshot
	rt2 := newEngineRuntime()
	store2 := &memStore{}
	if err := store2.SetWorkflowState(&afterFirst); err != nil {
		t.Fatal(err)
	}
	e2 := NewEngine(rt2, store2, nil, Options{PollInterval: time.Millisecond, MaxPolls: 10})
	resumed, err := e2.Resume(context.Background(), def)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != "completed" {
		t.Fatalf("resumed = %+v", resumed)
	}
	if len(rt2.agents) != 1 {
		t.Fatalf("sessions after resume = %v, want only the second step", rt2.agents)
	}
	for _, agent := range rt2.agents {
		if agent != "beta" {
			t.Errorf("re-spawned agent %q", agent)
		}
	}
	if resumed.StepResults["phase0_step0"] != "alpha done" || resumed.StepResults["phase0_step1"] != "beta done" {
		t.Errorf("step results = %v", resumed.StepResults)
	}
}

func TestEngine_ResumeOnApprovalEvent(t *testing.T) {
	// A checkpoint.approved event triggers the resume of a paused workflow
	def, err := Parse(sampleDoc)
	if err != nil {
		t.Fatal(err)
	}
	e, _, store, _ := testEngine(t)
	if _, err := e.Run(context.Background(), def, "add login"); err != nil {
		t.Fatal(err)
	}

	var cb func(types.Event)
	src := subscriberFunc(func(ty types.EventType, f func(types.Event)) func() {
		if ty != types.EventCheckpointApproved {
			t.Errorf("subscribed to %s", ty)
		}
		cb = f
		return func() { cb = nil }
	})
	unsub := e.ResumeOnApproval(src, def)
	defer unsub()

	cb(types.Event{Type: types.EventCheckpointApproved})
	state, _ := store.WorkflowState()
	if state == nil || state.Status != "completed" {
		t.Errorf("state after approval = %+v", state)
	}
}

type subscriberFunc func(types.EventType, func(types.Event)) func()

func (f subscriberFunc) Subscribe(t types.EventType, cb func(types.Event)) func() {
	return f(t, cb)
}

func TestEngine_ResultTruncation(t *testing.T) {
	if got := truncateResult(strings.Repeat("a", 2000)); len(got) != 1000 {
		t.Errorf("truncated to %d, want 1000", len(got))
	}
	// multibyte runes are never split mid-sequence
	got := truncateResult(strings.Repeat("界", 500)) // 3 bytes each
	if !utf8.ValidString(got) {
		t.Errorf("invalid UTF-8 after truncation")
	}
	if len(got) != 999 {
		t.Errorf("truncated to %d, want 999 (rune boundary below 1000)", len(got))
	}
}
