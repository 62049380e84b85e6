// Package tools exposes the agent-facing tool surface: a stable set of
// named handlers over the ledger, registry, stream, learning index, access
// guard and signal/prompt buffers. Every handler returns a JSON-shaped map
// with a success flag; failures carry an error message and, where useful, a
// hint.
package tools

import (
	"sort"

	"github.com/opencode-core/orchd/internal/buffers"
	"github.com/opencode-core/orchd/internal/guard"
	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/learning"
	"github.com/opencode-core/orchd/internal/registry"
	"github.com/opencode-core/orchd/internal/stream"
	"github.com/opencode-core/orchd/internal/types"
)

// Observer is the supervisor surface observer_control drives.
type Observer interface {
	Start()
	Stop()
	CheckNow()
}

// Deps wires the handlers to the owning components. Learnings and Observer
// may be nil; the corresponding tools then degrade or report failure.
type Deps struct {
	Ledger    *ledger.Store
	Registry  *registry.Registry
	Stream    *stream.Stream
	Learnings *learning.Index
	Observer  Observer
	Guard     *guard.Guard
	Signals   *buffers.SignalBuffer
	Prompts   *buffers.PromptBuffer
}

// Handler executes one tool invocation.
type Handler func(args map[string]any) map[string]any

// Tools is the named handler table.
type Tools struct {
	handlers map[string]Handler
}

// New builds the full tool table over deps.
func New(deps Deps) *Tools {
	t := &Tools{handlers: map[string]Handler{}}
	t.handlers["ledger_status"] = deps.ledgerStatus
	t.handlers["ledger_create_epic"] = deps.ledgerCreateEpic
	t.handlers["ledger_create_task"] = deps.ledgerCreateTask
	t.handlers["ledger_update_task"] = deps.ledgerUpdateTask
	t.handlers["ledger_add_learning"] = deps.ledgerAddLearning
	t.handlers["ledger_get_learnings"] = deps.ledgerGetLearnings
	t.handlers["ledger_add_context"] = deps.ledgerAddContext
	t.handlers["ledger_create_handoff"] = deps.ledgerCreateHandoff
	t.handlers["ledger_archive_epic"] = deps.ledgerArchiveEpic
	t.handlers["task_status"] = deps.taskStatus
	t.handlers["task_aggregate"] = deps.taskAggregate
	t.handlers["task_heartbeat"] = deps.taskHeartbeat
	t.handlers["task_retry"] = deps.taskRetry
	t.handlers["task_kill"] = deps.taskKill
	t.handlers["task_fetch_context"] = deps.taskFetchContext
	t.handlers["task_list"] = deps.taskList
	t.handlers["observer_stats"] = deps.observerStats
	t.handlers["observer_control"] = deps.observerControl
	t.handlers["agent_check_access"] = deps.agentCheckAccess
	t.handlers["agent_resolve"] = deps.agentResolve
	t.handlers["signal_send"] = deps.signalSend
	t.handlers["signal_check"] = deps.signalCheck
	t.handlers["signal_flush"] = deps.signalFlush
	t.handlers["prompt_defer"] = deps.promptDefer
	return t
}

// Handle runs the named tool; unknown names fail with the available set in
// the hint.
func (t *Tools) Handle(name string, args map[string]any) map[string]any {
	h, ok := t.handlers[name]
	if !ok {
		return fail("unknown tool: "+name, "available: "+joinNames(t.Names()))
	}
	return h(args)
}

// Names lists the registered tool names, sorted.
func (t *Tools) Names() []string {
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func ok(fields map[string]any) map[string]any {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func fail(msg, hint string) map[string]any {
	out := map[string]any{"success": false, "error": msg}
	if hint != "" {
		out["hint"] = hint
	}
	return out
}

func failErr(err error, hint string) map[string]any {
	return fail(err.Error(), hint)
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64: // JSON numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return def
}

func argStrings(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func joinNames(names []string) string {
	s := ""
	for i, n := range names {
		if i > 0 {
			s += ", "
		}
		s += n
	}
	return s
}

func (d Deps) ledgerStatus(args map[string]any) map[string]any {
	snap, err := d.Ledger.Status()
	if err != nil {
		return failErr(err, "")
	}
	fields := map[string]any{
		"phase":           string(snap.Index.Meta.Phase),
		"status":          snap.Index.Meta.Status,
		"tasksCompleted":  snap.Index.Meta.TasksCompleted,
		"recentLearnings": snap.Index.RecentLearnings,
	}
	if snap.Epic != nil {
		fields["epic"] = snap.Epic
	}
	if snap.Index.Handoff != nil {
		fields["handoff"] = snap.Index.Handoff
	}
	return ok(fields)
}

func (d Deps) ledgerCreateEpic(args map[string]any) map[string]any {
	title := argString(args, "title")
	if title == "" {
		return fail("title is required", "")
	}
	epic, err := d.Ledger.CreateEpic(title, argString(args, "request"))
	if err != nil {
		return failErr(err, "archive the active epic before opening a new one")
	}
	return ok(map[string]any{"epicId": epic.ID, "status": string(epic.Status)})
}

func (d Deps) ledgerCreateTask(args map[string]any) map[string]any {
	title := argString(args, "title")
	agent := argString(args, "agent")
	if title == "" || agent == "" {
		return fail("title and agent are required", "")
	}
	task, err := d.Ledger.CreateTask(title, agent, argStrings(args, "dependencies"))
	if err != nil {
		return failErr(err, "an epic holds at most 3 tasks with acyclic dependencies")
	}
	return ok(map[string]any{"taskId": task.ID})
}

func (d Deps) ledgerUpdateTask(args map[string]any) map[string]any {
	taskID := argString(args, "taskId")
	status := types.TaskStatus(argString(args, "status"))
	if taskID == "" || status == "" {
		return fail("taskId and status are required", "")
	}
	err := d.Ledger.UpdateTaskStatus(taskID, status, argString(args, "result"), argString(args, "error"))
	if err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"taskId": taskID, "status": string(status)})
}

func (d Deps) ledgerAddLearning(args map[string]any) map[string]any {
	content := argString(args, "content")
	if content == "" {
		return fail("content is required", "")
	}
	lt := types.LearningType(argString(args, "type"))
	if lt == "" {
		lt = types.LearningInsight
	}
	if err := d.Ledger.AddLearning(lt, content); err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"type": string(lt)})
}

func (d Deps) ledgerGetLearnings(args map[string]any) map[string]any {
	limit := argInt(args, "limit", 10)
	if d.Learnings != nil {
		var (
			learnings []types.Learning
			err       error
		)
		switch {
		case argString(args, "entity") != "":
			learnings, err = d.Learnings.ByEntity(argString(args, "entity"), limit)
		case argString(args, "type") != "":
			learnings, err = d.Learnings.ByType(types.LearningType(argString(args, "type")), limit)
		default:
			learnings, err = d.Learnings.Recent(limit)
		}
		if err != nil {
			return failErr(err, "")
		}
		return ok(map[string]any{"learnings": learnings})
	}
	recent, err := d.Ledger.RecentLearnings(limit)
	if err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"learnings": recent})
}

func (d Deps) ledgerAddContext(args map[string]any) map[string]any {
	note := argString(args, "note")
	if note == "" {
		return fail("note is required", "")
	}
	if err := d.Ledger.AddContext(note); err != nil {
		return failErr(err, "context notes attach to the active epic")
	}
	return ok(nil)
}

func (d Deps) ledgerCreateHandoff(args map[string]any) map[string]any {
	cmd := argString(args, "resumeCommand")
	if cmd == "" {
		return fail("resumeCommand is required", "")
	}
	h := types.Handoff{
		Reason:        types.HandoffReason(argString(args, "reason")),
		ResumeCommand: cmd,
		Summary:       argString(args, "summary"),
		FilesModified: argStrings(args, "filesModified"),
		WhatsDone:     argStrings(args, "whatsDone"),
		WhatsNext:     argStrings(args, "whatsNext"),
		KeyContext:    argStrings(args, "keyContext"),
	}
	if h.Reason == "" {
		h.Reason = types.HandoffSessionBreak
	}
	if err := d.Ledger.CreateHandoff(h); err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"resumeCommand": cmd})
}

func (d Deps) ledgerArchiveEpic(args map[string]any) map[string]any {
	epic, err := d.Ledger.ArchiveEpic(types.Outcome(argString(args, "outcome")))
	if err != nil {
		return failErr(err, "only an active epic can be archived")
	}
	return ok(map[string]any{"epicId": epic.ID, "outcome": string(epic.Outcome)})
}

func (d Deps) taskStatus(args map[string]any) map[string]any {
	taskID := argString(args, "taskId")
	task, found := d.Registry.Get(taskID)
	if !found {
		return fail("unknown task: "+taskID, "use task_list to see registered tasks")
	}
	return ok(map[string]any{"task": task})
}

func (d Deps) taskAggregate(args map[string]any) map[string]any {
	counts := map[string]int{}
	for _, task := range d.Registry.All() {
		counts[string(task.Status)]++
	}
	return ok(map[string]any{"counts": counts})
}

func (d Deps) taskHeartbeat(args map[string]any) map[string]any {
	taskID := argString(args, "taskId")
	if err := d.Registry.Heartbeat(taskID); err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"taskId": taskID})
}

func (d Deps) taskRetry(args map[string]any) map[string]any {
	taskID := argString(args, "taskId")
	task, found := d.Registry.Get(taskID)
	if !found {
		return fail("unknown task: "+taskID, "")
	}
	if task.RetryCount >= task.MaxRetries {
		return fail("retry budget exhausted for "+taskID, "kill and recreate the task instead")
	}
	count, err := d.Registry.IncrementRetry(taskID)
	if err != nil {
		return failErr(err, "")
	}
	if err := d.Registry.UpdateStatus(taskID, types.TaskPending, "", ""); err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"taskId": taskID, "retryCount": count})
}

func (d Deps) taskKill(args map[string]any) map[string]any {
	taskID := argString(args, "taskId")
	if _, found := d.Registry.Get(taskID); !found {
		return fail("unknown task: "+taskID, "")
	}
	if err := d.Registry.UpdateStatus(taskID, types.TaskFailed, "", "killed by operator"); err != nil {
		return failErr(err, "")
	}
	return ok(map[string]any{"taskId": taskID})
}

func (d Deps) taskFetchContext(args map[string]any) map[string]any {
	sessionID := argString(args, "sessionId")
	if sessionID == "" {
		return fail("sessionId is required", "")
	}
	ctx, err := d.Stream.RestoreContext(sessionID)
	if err != nil {
		return failErr(err, "")
	}
	if ctx == nil {
		return fail("no snapshot for session "+sessionID, "snapshots appear after context.snapshot events")
	}
	return ok(map[string]any{"context": ctx})
}

func (d Deps) taskList(args map[string]any) map[string]any {
	status := argString(args, "status")
	var tasks []types.RegistryTask
	if status != "" {
		tasks = d.Registry.ByStatus(types.TaskStatus(status))
	} else {
		tasks = d.Registry.All()
	}
	return ok(map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (d Deps) observerStats(args map[string]any) map[string]any {
	counts := map[string]int{}
	for _, task := range d.Registry.All() {
		counts[string(task.Status)]++
	}
	return ok(map[string]any{
		"taskCounts":         counts,
		"streamOffset":       d.Stream.Offset(),
		"droppedEvents":      d.Stream.Dropped(),
		"pendingCheckpoints": len(d.Stream.PendingCheckpoints()),
	})
}

func (d Deps) agentCheckAccess(args map[string]any) map[string]any {
	if d.Guard == nil {
		return fail("no guard attached", "")
	}
	target := argString(args, "target")
	if target == "" {
		return fail("target is required", "")
	}
	isCustomSkill, _ := args["isCustomSkill"].(bool)
	dec := d.Guard.CanCallAgent(argString(args, "caller"), target, isCustomSkill)
	fields := map[string]any{"allowed": dec.Allowed}
	if dec.Reason != "" {
		fields["reason"] = dec.Reason
		fields["suggestion"] = dec.Suggestion
	}
	return ok(fields)
}

func (d Deps) agentResolve(args map[string]any) map[string]any {
	requested := argString(args, "requested")
	if requested == "" {
		return fail("requested is required", "")
	}
	agent := guard.ResolveAgent(requested, argString(args, "skillName"), argStrings(args, "candidates"))
	if agent == "" {
		return fail("no candidate matches "+requested, "pass the available agent names in candidates")
	}
	return ok(map[string]any{"agent": agent})
}

func (d Deps) signalSend(args map[string]any) map[string]any {
	if d.Signals == nil {
		return fail("no signal buffer attached", "")
	}
	target := argString(args, "targetSessionId")
	sigType := types.SignalType(argString(args, "type"))
	if target == "" || sigType == "" {
		return fail("targetSessionId and type are required", "")
	}
	data, _ := args["data"].(map[string]any)
	sig := d.Signals.Enqueue(types.UpwardSignal{
		SourceAgent:     argString(args, "sourceAgent"),
		TargetSessionID: target,
		Payload:         types.SignalPayload{Type: sigType, Data: data, Reason: argString(args, "reason")},
	})
	return ok(map[string]any{"signalId": sig.ID, "pending": d.Signals.Pending(target)})
}

func (d Deps) signalCheck(args map[string]any) map[string]any {
	if d.Signals == nil {
		return fail("no signal buffer attached", "")
	}
	sessionID := argString(args, "sessionId")
	return ok(map[string]any{
		"hasSignals": d.Signals.HasSignals(sessionID),
		"pending":    d.Signals.Pending(sessionID),
	})
}

func (d Deps) signalFlush(args map[string]any) map[string]any {
	if d.Signals == nil {
		return fail("no signal buffer attached", "")
	}
	signals := d.Signals.Flush(argString(args, "sessionId"))
	return ok(map[string]any{"signals": signals, "count": len(signals)})
}

func (d Deps) promptDefer(args map[string]any) map[string]any {
	if d.Prompts == nil {
		return fail("no prompt buffer attached", "")
	}
	target := argString(args, "targetSessionId")
	prompt := argString(args, "prompt")
	if target == "" || prompt == "" {
		return fail("targetSessionId and prompt are required", "")
	}
	p := d.Prompts.Enqueue(types.DeferredPrompt{
		TargetSessionID: target,
		Agent:           argString(args, "agent"),
		Prompt:          prompt,
		MessageID:       argString(args, "messageId"),
	})
	return ok(map[string]any{"promptId": p.ID})
}

func (d Deps) observerControl(args map[string]any) map[string]any {
	if d.Observer == nil {
		return fail("no supervisor attached", "")
	}
	action := argString(args, "action")
	switch action {
	case "start":
		d.Observer.Start()
	case "stop":
		d.Observer.Stop()
	case "check_now":
		d.Observer.CheckNow()
	default:
		return fail("unknown action: "+action, "use start, stop or check_now")
	}
	return ok(map[string]any{"action": action})
}
