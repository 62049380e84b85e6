// Package supervisor is the adaptive watchdog over the task registry. Each
// pass reconciles registry state with the agent runtime: timed-out tasks are
// retried or marked, stuck tasks are probed, finished sessions have their
// results pulled in, and old terminal tasks are swept. Passes never overlap;
// the next one is scheduled only after the previous completes.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/opencode-core/orchd/internal/buffers"
	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/registry"
	"github.com/opencode-core/orchd/internal/runtime"
	"github.com/opencode-core/orchd/internal/types"
)

const statusCacheKey = "session.status"

// LearningSink records supervisor-derived learnings; the ledger store
// satisfies it.
type LearningSink interface {
	AddLearning(lt types.LearningType, content string) error
}

// Options tunes the supervisor. Zero values take the documented defaults.
type Options struct {
	BaseIntervalMs   int64 // default 30000
	MaxIntervalMs    int64 // default 120000
	StuckThresholdMs int64 // default 30000
	CleanupTTLMs     int64 // terminal-task retention, default 10 min
	StatusProbeTTL   time.Duration // session.status cache TTL, default 5 s
	RPCTimeout       time.Duration // per runtime call, default 30 s
}

func (o *Options) defaults() {
	if o.BaseIntervalMs <= 0 {
		o.BaseIntervalMs = 30_000
	}
	if o.MaxIntervalMs <= 0 {
		o.MaxIntervalMs = 120_000
	}
	if o.StuckThresholdMs <= 0 {
		o.StuckThresholdMs = 30_000
	}
	if o.CleanupTTLMs <= 0 {
		o.CleanupTTLMs = 10 * 60 * 1000
	}
	if o.StatusProbeTTL <= 0 {
		o.StatusProbeTTL = 5 * time.Second
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 30 * time.Second
	}
}

// Supervisor drives the watchdog loop.
//
// Expectations:
//   - Passes are single-threaded with respect to themselves
//   - Stop cancels the pending timer; an in-flight pass finishes
//   - Retry budgets are honored exactly; exhaustion records an anti-pattern
type Supervisor struct {
	reg       *registry.Registry
	rt        runtime.Client
	learnings LearningSink
	opts      Options

	statusCache *gocache.Cache
	prompts     *buffers.PromptBuffer

	mu      sync.Mutex
	passMu  sync.Mutex
	timer   *time.Timer
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Supervisor. learnings may be nil.
func New(reg *registry.Registry, rt runtime.Client, learnings LearningSink, opts Options) *Supervisor {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:         reg,
		rt:          rt,
		learnings:   learnings,
		opts:        opts,
		statusCache: gocache.New(opts.StatusProbeTTL, time.Minute),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetPromptBuffer attaches the deferred-prompt queue. Each pass delivers
// queued prompts to sessions found idle; failed deliveries are requeued.
func (s *Supervisor) SetPromptBuffer(pb *buffers.PromptBuffer) {
	s.prompts = pb
}

// Start schedules the first pass. Subsequent passes chain off each other
// with the adaptive interval. Calling Start after Stop re-arms the loop
// with a fresh context.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.stopped {
		s.stopped = false
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	s.schedule()
	slog.Info("[SUPERVISOR] started",
		"baseIntervalMs", s.opts.BaseIntervalMs, "maxIntervalMs", s.opts.MaxIntervalMs)
}

func (s *Supervisor) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	interval := s.nextInterval()
	s.timer = time.AfterFunc(interval, func() {
		s.CheckNow()
		s.schedule()
	})
}

// nextInterval applies the adaptive policy: maximum when idle or any
// high-complexity task runs, midpoint when the hottest task is medium, base
// otherwise. Caller holds s.mu.
func (s *Supervisor) nextInterval() time.Duration {
	running := s.reg.ByStatus(types.TaskRunning)
	ms := s.opts.BaseIntervalMs
	switch {
	case len(running) == 0 || anyComplexity(running, types.ComplexityHigh):
		ms = s.opts.MaxIntervalMs
	case anyComplexity(running, types.ComplexityMedium):
		ms = (s.opts.BaseIntervalMs + s.opts.MaxIntervalMs) / 2
	}
	return time.Duration(ms) * time.Millisecond
}

func anyComplexity(tasks []types.RegistryTask, c types.Complexity) bool {
	for _, t := range tasks {
		if t.Complexity == c {
			return true
		}
	}
	return false
}

// Stop cancels the pending timer and in-flight runtime calls. A pass that
// already started finishes its registry bookkeeping.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	slog.Info("[SUPERVISOR] stopped")
}

// runCtx returns the loop context current at call time; Stop invalidates it
// and the next Start replaces it.
func (s *Supervisor) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// CheckNow runs one supervision pass synchronously.
func (s *Supervisor) CheckNow() {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	now := ids.NowMs()
	handled := make(map[string]bool)

	for _, t := range s.reg.TimedOut(now) {
		handled[t.ID] = true
		if t.RetryCount < t.MaxRetries {
			s.retry(t, "timeout")
		} else {
			s.exhaust(t, types.TaskTimeout,
				"timed out after exhausting retries")
		}
	}

	for _, t := range s.reg.Stuck(now, s.opts.StuckThresholdMs) {
		if handled[t.ID] {
			continue
		}
		handled[t.ID] = true
		if s.sessionIdle(t.SessionID) {
			s.fetchResult(t)
		} else if t.RetryCount < t.MaxRetries {
			s.retry(t, "stuck")
		} else {
			s.exhaust(t, types.TaskFailed, "stuck with no heartbeat and no retries left")
		}
	}

	for _, t := range s.reg.ByStatus(types.TaskRunning) {
		if handled[t.ID] {
			continue
		}
		if s.sessionIdle(t.SessionID) {
			s.fetchResult(t)
		}
	}

	s.deliverPrompts()
	s.reg.Cleanup(now, s.opts.CleanupTTLMs)
}

// deliverPrompts drains the deferred-prompt queues of every idle session.
func (s *Supervisor) deliverPrompts() {
	if s.prompts == nil {
		return
	}
	for _, sessionID := range s.prompts.Sessions() {
		if !s.sessionIdle(sessionID) {
			continue
		}
		for _, p := range s.prompts.Flush(sessionID) {
			ctx, cancel := context.WithTimeout(s.runCtx(), s.opts.RPCTimeout)
			err := s.rt.SessionPrompt(ctx, sessionID, p.Agent, p.Prompt)
			cancel()
			if err != nil {
				slog.Warn("[SUPERVISOR] deferred prompt delivery failed",
					"session", sessionID, "prompt", p.ID, "attempts", p.Attempts, "error", err)
				s.prompts.Requeue(p)
				continue
			}
			slog.Info("[SUPERVISOR] deferred prompt delivered", "session", sessionID, "prompt", p.ID)
		}
	}
}

// sessionIdle probes the runtime's session table through a short-TTL cache
// so one pass issues at most one status RPC.
func (s *Supervisor) sessionIdle(sessionID string) bool {
	var status map[string]string
	if cached, ok := s.statusCache.Get(statusCacheKey); ok {
		status = cached.(map[string]string)
	} else {
		ctx, cancel := context.WithTimeout(s.runCtx(), s.opts.RPCTimeout)
		defer cancel()
		fetched, err := s.rt.SessionStatus(ctx)
		if err != nil {
			slog.Warn("[SUPERVISOR] status probe failed", "error", err)
			return false
		}
		status = fetched
		s.statusCache.Set(statusCacheKey, status, gocache.DefaultExpiration)
	}
	return status[sessionID] == "idle"
}

// retry spins up a fresh session under the task's parent and re-prompts the
// same agent with the original prompt. Any runtime failure marks the task
// failed.
func (s *Supervisor) retry(t types.RegistryTask, cause string) {
	count, err := s.reg.IncrementRetry(t.ID)
	if err != nil {
		return
	}
	slog.Info("[SUPERVISOR] retrying task",
		"task", t.ID, "agent", t.Agent, "attempt", count, "cause", cause)

	ctx, cancel := context.WithTimeout(s.runCtx(), s.opts.RPCTimeout)
	defer cancel()
	sessionID, err := s.rt.SessionCreate(ctx, t.ParentSessionID, "retry: "+t.Title)
	if err != nil {
		s.fail(t, "retry session create: "+err.Error())
		return
	}
	if err := s.reg.UpdateSessionID(t.ID, sessionID); err != nil {
		return
	}
	s.statusCache.Delete(statusCacheKey)
	if err := s.rt.SessionPrompt(ctx, sessionID, t.Agent, t.Prompt); err != nil {
		s.fail(t, "retry prompt: "+err.Error())
	}
}

// fetchResult pulls the session's last assistant message in as the task
// result. An empty result still completes the task.
func (s *Supervisor) fetchResult(t types.RegistryTask) {
	ctx, cancel := context.WithTimeout(s.runCtx(), s.opts.RPCTimeout)
	defer cancel()
	msgs, err := s.rt.SessionMessages(ctx, t.SessionID)
	if err != nil {
		slog.Warn("[SUPERVISOR] result fetch failed", "task", t.ID, "error", err)
		return
	}
	result := runtime.LastAssistantText(msgs)
	if err := s.reg.UpdateStatus(t.ID, types.TaskCompleted, result, ""); err != nil {
		slog.Warn("[SUPERVISOR] completion update failed", "task", t.ID, "error", err)
		return
	}
	slog.Info("[SUPERVISOR] task completed", "task", t.ID, "agent", t.Agent)
}

func (s *Supervisor) fail(t types.RegistryTask, reason string) {
	if err := s.reg.UpdateStatus(t.ID, types.TaskFailed, "", reason); err != nil {
		slog.Warn("[SUPERVISOR] failure update failed", "task", t.ID, "error", err)
	}
}

// exhaust terminates a task whose retry budget is spent and records the
// anti-pattern learning.
func (s *Supervisor) exhaust(t types.RegistryTask, status types.TaskStatus, why string) {
	if err := s.reg.UpdateStatus(t.ID, status, "", why); err != nil {
		return
	}
	slog.Warn("[SUPERVISOR] retry budget exhausted",
		"task", t.ID, "agent", t.Agent, "status", status, "retries", t.RetryCount)
	if s.learnings != nil {
		content := "[Supervisor] Task " + t.ID + " (" + t.Agent + ") " + why
		if err := s.learnings.AddLearning(types.LearningAntiPattern, content); err != nil {
			slog.Warn("[SUPERVISOR] learning record failed", "task", t.ID, "error", err)
		}
	}
}
