// Package types defines the shared entities of the orchestration core:
// events, checkpoints, epics, tasks, learnings, handoffs and the signal
// envelopes exchanged between components. Everything here is plain data;
// behavior lives in the owning packages.
package types

import (
	"encoding/json"
	"errors"
)

// EventType identifies one entry of the closed event enum. Events carry the
// type as a plain string on the wire; unknown types still parse (the payload
// stays opaque) so old readers survive future writers.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionResumed EventType = "session.resumed"

	EventAgentSpawned   EventType = "agent.spawned"
	EventAgentCompleted EventType = "agent.completed"
	EventAgentFailed    EventType = "agent.failed"

	EventHandoffInitiated EventType = "handoff.initiated"
	EventHandoffCompleted EventType = "handoff.completed"

	EventContextSnapshot EventType = "context.snapshot"
	EventContextRestored EventType = "context.restored"

	EventCheckpointRequested EventType = "checkpoint.requested"
	EventCheckpointApproved  EventType = "checkpoint.approved"
	EventCheckpointRejected  EventType = "checkpoint.rejected"

	EventHumanIntervention EventType = "human.intervention"
	EventHumanApproved     EventType = "human.approved"
	EventHumanRejected     EventType = "human.rejected"

	EventLearningExtracted EventType = "learning.extracted"
	EventErrorRecovered    EventType = "error.recovered"
	EventTaskProgress      EventType = "task.progress"
)

// The ledger.* family is emitted by the ledger event bridge after ledger
// mutations so downstream subscribers (learning extractor, observers) see
// every state change.
const (
	LedgerEpicCreated   EventType = "ledger.epic.created"
	LedgerEpicStarted   EventType = "ledger.epic.started"
	LedgerEpicCompleted EventType = "ledger.epic.completed"
	LedgerEpicFailed    EventType = "ledger.epic.failed"
	LedgerEpicArchived  EventType = "ledger.epic.archived"

	LedgerTaskCreated   EventType = "ledger.task.created"
	LedgerTaskStarted   EventType = "ledger.task.started"
	LedgerTaskCompleted EventType = "ledger.task.completed"
	LedgerTaskFailed    EventType = "ledger.task.failed"
	LedgerTaskYielded   EventType = "ledger.task.yielded"

	LedgerHandoffCreated EventType = "ledger.handoff.created"
	LedgerHandoffResumed EventType = "ledger.handoff.resumed"

	LedgerDirectiveAdded  EventType = "ledger.governance.directive_added"
	LedgerAssumptionAdded EventType = "ledger.governance.assumption_added"

	LedgerLearningExtracted EventType = "ledger.learning.extracted"

	ProgressStatusUpdate     EventType = "ledger.progress.status_update"
	ProgressPhaseStarted     EventType = "ledger.progress.phase_started"
	ProgressPhaseCompleted   EventType = "ledger.progress.phase_completed"
	ProgressUserActionNeeded EventType = "ledger.progress.user_action_needed"
	ProgressContextHandoff   EventType = "ledger.progress.context_handoff"
)

// EventWildcard subscribes to every event type.
const EventWildcard EventType = "*"

// EventMetadata carries the stream bookkeeping attached to every event.
type EventMetadata struct {
	Offset        int64  `json:"offset"`
	CorrelationID string `json:"correlationId"`
	SourceAgent   string `json:"sourceAgent,omitempty"`
	TargetAgent   string `json:"targetAgent,omitempty"`
	DurationMs    int64  `json:"duration,omitempty"`
	RetryCount    int    `json:"retryCount,omitempty"`
}

// Event is one immutable record in the durable stream. One JSON object per
// line on the wire. Unknown top-level fields are preserved across a
// parse/re-emit cycle via Extra.
type Event struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Timestamp     int64          `json:"timestamp"` // unix ms
	SessionID     string         `json:"sessionId,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Metadata      EventMetadata  `json:"metadata"`
	Checkpoint    *Checkpoint    `json:"checkpoint,omitempty"`

	// Extra holds top-level wire fields this version does not know about.
	// Never populated by local producers.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownEventFields are the top-level JSON keys owned by this Event version.
var knownEventFields = []string{
	"id", "type", "timestamp", "sessionId", "parentEventId",
	"actor", "payload", "metadata", "checkpoint",
}

// UnmarshalJSON parses an event and captures unknown top-level fields so a
// replayed log re-emits them untouched.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownEventFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*e = Event(p)
	return nil
}

// MarshalJSON re-emits preserved unknown fields alongside the known schema.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	b, err := json.Marshal(plain(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// CheckpointStatus is the lifecycle state of a human decision point.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// CheckpointOption is one selectable answer at a decision point.
type CheckpointOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Action      string `json:"action,omitempty"`
}

// Checkpoint is a decision point awaiting a human. Only pending checkpoints
// may transition; approve/reject/expire are terminal.
type Checkpoint struct {
	ID             string             `json:"id"`
	DecisionPoint  string             `json:"decisionPoint"`
	Options        []CheckpointOption `json:"options"`
	Status         CheckpointStatus   `json:"status"`
	RequestedBy    string             `json:"requestedBy"`
	RequestedAt    int64              `json:"requestedAt"` // unix ms
	ApprovedBy     string             `json:"approvedBy,omitempty"`
	ApprovedAt     int64              `json:"approvedAt,omitempty"`
	SelectedOption string             `json:"selectedOption,omitempty"`
	RejectReason   string             `json:"rejectReason,omitempty"`
	ExpiresAt      int64              `json:"expiresAt"`
}

// LedgerStateRef is the ledger position embedded in a context snapshot.
type LedgerStateRef struct {
	EpicID         string   `json:"epicId,omitempty"`
	TaskID         string   `json:"taskId,omitempty"`
	Phase          Phase    `json:"phase"`
	CompletedTasks []string `json:"completedTasks,omitempty"`
	PendingTasks   []string `json:"pendingTasks,omitempty"`
}

// AgentContext is the immutable snapshot written for crash recovery and
// handoff. One JSON file per snapshot under snapshots/.
type AgentContext struct {
	SessionID    string         `json:"sessionId"`
	AgentName    string         `json:"agentName"`
	Prompt       string         `json:"prompt,omitempty"`
	Memories     []string       `json:"memories,omitempty"`
	LedgerState  LedgerStateRef `json:"ledgerState"`
	RecentEvents []Event        `json:"recentEvents,omitempty"`
	CapturedAt   int64          `json:"capturedAt"` // unix ms
}

// Phase is the coarse position of the orchestration session.
type Phase string

const (
	PhaseClarify  Phase = "CLARIFY"
	PhasePlan     Phase = "PLAN"
	PhaseExecute  Phase = "EXECUTE"
	PhaseReview   Phase = "REVIEW"
	PhaseComplete Phase = "COMPLETE"
)

// EpicStatus enumerates epic lifecycle states.
type EpicStatus string

const (
	EpicDraft      EpicStatus = "draft"
	EpicPlanning   EpicStatus = "planning"
	EpicInProgress EpicStatus = "in_progress"
	EpicReview     EpicStatus = "review"
	EpicCompleted  EpicStatus = "completed"
	EpicFailed     EpicStatus = "failed"
	EpicPaused     EpicStatus = "paused"
)

// Active reports whether the epic still occupies the single active slot.
func (s EpicStatus) Active() bool {
	return s != EpicCompleted && s != EpicFailed
}

// PhaseFor maps an epic status to the session phase (v6 index mapping).
func (s EpicStatus) PhaseFor() Phase {
	switch s {
	case EpicDraft:
		return PhaseClarify
	case EpicPlanning:
		return PhasePlan
	case EpicInProgress, EpicPaused:
		return PhaseExecute
	case EpicReview:
		return PhaseReview
	default: // completed, failed
		return PhaseComplete
	}
}

// Outcome summarizes how an epic or task ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomePartial   Outcome = "PARTIAL"
	OutcomeFailed    Outcome = "FAILED"
)

// TaskStatus enumerates task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// MaxTasksPerEpic bounds an epic to three tasks.
const MaxTasksPerEpic = 3

// Task is one agent-executed step within an epic, identified as
// "<epicId>.<n>" with n dense from 1.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Agent        string     `json:"agent"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    int64      `json:"startedAt,omitempty"`   // unix ms
	CompletedAt  int64      `json:"completedAt,omitempty"` // unix ms
	Outcome      Outcome    `json:"outcome,omitempty"`
}

// Epic is a single unit of user-requested work owning up to three tasks.
type Epic struct {
	ID          string     `json:"id"` // 6 hex chars
	Title       string     `json:"title"`
	Request     string     `json:"request"`
	Status      EpicStatus `json:"status"`
	Tasks       []Task     `json:"tasks,omitempty"`
	Context     []string   `json:"context,omitempty"`
	CreatedAt   int64      `json:"createdAt"` // unix ms
	UpdatedAt   int64      `json:"updatedAt"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	Outcome     Outcome    `json:"outcome,omitempty"`
}

// Complexity drives the supervisor's adaptive polling interval.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RegistryTask is the runtime twin of a ledger task: the same identity plus
// the session, retry and heartbeat state the supervisor reconciles.
type RegistryTask struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Agent           string     `json:"agent"`
	Status          TaskStatus `json:"status"`
	SessionID       string     `json:"sessionId"`
	ParentSessionID string     `json:"parentSessionId,omitempty"`
	Prompt          string     `json:"prompt"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	MaxRetries      int        `json:"maxRetries"`
	RetryCount      int        `json:"retryCount"`
	TimeoutMs       int64      `json:"timeoutMs"`
	Complexity      Complexity `json:"complexity"`
	CreatedAt       int64      `json:"createdAt"` // unix ms
	StartedAt       int64      `json:"startedAt,omitempty"`
	CompletedAt     int64      `json:"completedAt,omitempty"`
	LastHeartbeat   int64      `json:"lastHeartbeat,omitempty"`
}

// LearningType classifies an extracted learning.
type LearningType string

const (
	LearningPattern     LearningType = "pattern"
	LearningAntiPattern LearningType = "antiPattern"
	LearningDecision    LearningType = "decision"
	LearningPreference  LearningType = "preference"
	LearningCorrection  LearningType = "correction"
	LearningInsight     LearningType = "insight"
)

// Learning is one derived observation with a confidence score in [0,1].
type Learning struct {
	ID            string       `json:"id"`
	Type          LearningType `json:"type"`
	Content       string       `json:"content"`
	Entities      []string     `json:"entities,omitempty"`
	Confidence    float64      `json:"confidence"`
	SourceEventID string       `json:"sourceEventId,omitempty"`
	ExtractedAt   int64        `json:"extractedAt"` // unix ms
}

// HandoffReason explains why a session is being handed off.
type HandoffReason string

const (
	HandoffContextLimit HandoffReason = "context_limit"
	HandoffUserExit     HandoffReason = "user_exit"
	HandoffSessionBreak HandoffReason = "session_break"
)

// Handoff is the persisted record that lets a later session resume with a
// short command. At most one is active.
type Handoff struct {
	Reason        HandoffReason `json:"reason"`
	ResumeCommand string        `json:"resumeCommand"`
	Summary       string        `json:"summary"`
	FilesModified []string      `json:"filesModified,omitempty"`
	WhatsDone     []string      `json:"whatsDone,omitempty"`
	WhatsNext     []string      `json:"whatsNext,omitempty"`
	KeyContext    []string      `json:"keyContext,omitempty"`
	CreatedAt     int64         `json:"createdAt"` // unix ms
}

// SignalType enumerates upward signal kinds a child agent may raise.
type SignalType string

const (
	SignalAskUser     SignalType = "ASK_USER"
	SignalSpawnHelper SignalType = "SPAWN_HELPER"
	SignalLogMetric   SignalType = "LOG_METRIC"
)

// SignalPayload carries the typed content of an upward signal.
type SignalPayload struct {
	Type   SignalType     `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// UpwardSignal is queued for a busy parent session and flushed when the
// parent goes idle.
type UpwardSignal struct {
	ID              string        `json:"id"`
	SourceAgent     string        `json:"sourceAgent"`
	TargetSessionID string        `json:"targetSessionId"`
	Payload         SignalPayload `json:"payload"`
	CreatedAt       int64         `json:"createdAt"` // unix ms
}

// DeferredPrompt is a prompt held until the target session can accept it.
type DeferredPrompt struct {
	ID              string `json:"id"`
	TargetSessionID string `json:"targetSessionId"`
	Agent           string `json:"agent"`
	Prompt          string `json:"prompt"`
	MessageID       string `json:"messageId,omitempty"`
	CreatedAt       int64  `json:"createdAt"` // unix ms
	Attempts        int    `json:"attempts"`
}

// WorkflowState is the engine's persisted cursor, stored in the ledger
// meta's active_workflow slot.
type WorkflowState struct {
	Workflow    string            `json:"workflow"`
	Task        string            `json:"task"`
	PhaseIndex  int               `json:"phaseIndex"`
	StepIndex   int               `json:"stepIndex"`
	Status      string            `json:"status"` // "running" | "paused" | "completed" | "failed"
	StepResults map[string]string `json:"stepResults,omitempty"`
	UpdatedAt   int64             `json:"updatedAt"` // unix ms
}

// Error kinds (closed set). Matched with errors.Is; callers wrap with
// context via fmt.Errorf("...: %w", Err...).
var (
	ErrNotInitialized    = errors.New("not initialized")
	ErrStateViolation    = errors.New("state violation")
	ErrAccessDenied      = errors.New("access denied")
	ErrTimeout           = errors.New("timeout")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrRuntimeClient     = errors.New("runtime client error")
	ErrCheckpointExpired = errors.New("checkpoint expired")
)
