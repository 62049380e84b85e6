// Package stream is the durable event stream at the center of the
// orchestration core. Every state change in the system flows through here as
// an immutable Event: appended to the on-disk JSONL log, mirrored into a
// bounded in-memory history, and fanned out to subscribers. The stream also
// owns the checkpoint lifecycle and the context snapshots used for crash
// recovery.
package stream

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opencode-core/orchd/internal/appendlog"
	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

const (
	streamFileName  = "orchestration_stream.jsonl"
	subscriberQueue = 64
)

// Options configures a Stream. Zero values take the documented defaults.
type Options struct {
	Dir                 string // base directory, e.g. ".opencode"
	CorrelationID       string // defaults to a fresh uuid
	MaxHistorySize      int    // in-memory ring cap, default 1000
	MaxStreamSizeMB     int64  // log rotation threshold, default 10
	MaxCheckpoints      int    // pending checkpoint cap, default 20
	CheckpointTimeoutMs int64  // default 300000
	SnapshotGCHours     int    // snapshot retention horizon, default 48
}

func (o *Options) defaults() {
	if o.CorrelationID == "" {
		o.CorrelationID = ids.NewCorrelationID()
	}
	if o.MaxHistorySize <= 0 {
		o.MaxHistorySize = 1000
	}
	if o.MaxStreamSizeMB <= 0 {
		o.MaxStreamSizeMB = 10
	}
	if o.MaxCheckpoints <= 0 {
		o.MaxCheckpoints = 20
	}
	if o.CheckpointTimeoutMs <= 0 {
		o.CheckpointTimeoutMs = 300_000
	}
	if o.SnapshotGCHours <= 0 {
		o.SnapshotGCHours = 48
	}
}

// subscriber is one registered callback with its bounded delivery queue. A
// slow subscriber never stalls Append; overflow increments the drop counter
// instead.
type subscriber struct {
	id      int64
	eventTy types.EventType
	ch      chan types.Event
	done    chan struct{}
	dropped atomic.Int64
}

// Stream owns the durable event log and the derived in-memory state.
//
// Expectations:
//   - Append is atomic per line and assigns strictly increasing offsets
//   - Fan-out is asynchronous; subscribers cannot block or fail an append
//   - Resume rebuilds history, lineage, pending checkpoints and snapshots
//   - All methods except Initialize return ErrNotInitialized before it
type Stream struct {
	opts Options

	mu          sync.Mutex
	initialized bool
	log         *appendlog.Log
	clock       ids.Clock
	offset      int64

	history   []types.Event                     // append order, trimmed to MaxHistorySize
	byID      *lru.Cache[string, types.Event]   // id → event, bounded
	lineage   map[string][]string               // parentEventId → child ids
	pending   map[string]*types.Checkpoint      // checkpoint id → pending checkpoint
	snapshots map[string]*types.AgentContext    // sessionId → latest snapshot
	subs      map[types.EventType][]*subscriber // includes EventWildcard bucket
	nextSubID int64
	dropped   atomic.Int64
	skipped   int // malformed lines on last replay
}

// New creates an uninitialized Stream. Call Initialize before use.
func New(opts Options) *Stream {
	opts.defaults()
	cache, _ := lru.New[string, types.Event](opts.MaxHistorySize)
	return &Stream{
		opts:      opts,
		log:       appendlog.New(filepath.Join(opts.Dir, streamFileName)),
		byID:      cache,
		lineage:   make(map[string][]string),
		pending:   make(map[string]*types.Checkpoint),
		snapshots: make(map[string]*types.AgentContext),
		subs:      make(map[types.EventType][]*subscriber),
	}
}

// Initialize ensures the directory layout exists and replays the on-disk log.
func (s *Stream) Initialize() (ResumeReport, error) {
	for _, sub := range []string{"", "snapshots", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(s.opts.Dir, sub), 0o755); err != nil {
			return ResumeReport{}, fmt.Errorf("stream: mkdir: %w", err)
		}
	}
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return s.Resume()
}

// Append materializes a partial event (caller fills Type, SessionID, Actor,
// Payload, ParentEventID and optional Checkpoint), persists it and fans it
// out. Returns the completed event.
func (s *Stream) Append(partial types.Event) (types.Event, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return types.Event{}, fmt.Errorf("stream: append: %w", types.ErrNotInitialized)
	}

	if s.log.Size() > s.opts.MaxStreamSizeMB*1024*1024 {
		ts := fmt.Sprintf("%d", ids.NowMs())
		if err := s.log.Rotate(ts); err != nil {
			slog.Warn("[STREAM] rotation failed — continuing on active file", "error", err)
		} else {
			s.offset = 0
		}
	}

	e := partial
	e.Timestamp = s.clock.NowMs()
	e.Metadata.Offset = s.offset
	e.Metadata.CorrelationID = s.opts.CorrelationID
	e.ID = ids.EventID(s.opts.CorrelationID, e.Timestamp, e.Metadata.Offset)
	s.offset++

	data, err := e.MarshalJSON()
	if err != nil {
		s.mu.Unlock()
		return types.Event{}, fmt.Errorf("stream: marshal event: %w", err)
	}
	if err := s.log.Append(data); err != nil {
		s.mu.Unlock()
		return types.Event{}, fmt.Errorf("stream: persist event: %w", err)
	}

	s.record(e)
	targets := s.fanoutTargets(e.Type)
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			s.dropped.Add(1)
			slog.Warn("[STREAM] subscriber queue full — event dropped",
				"subscriber", sub.id, "type", e.Type, "event", e.ID)
		}
	}
	return e, nil
}

// record inserts an event into the in-memory views. Caller holds s.mu.
func (s *Stream) record(e types.Event) {
	s.history = append(s.history, e)
	if len(s.history) > s.opts.MaxHistorySize {
		s.history = s.history[len(s.history)-s.opts.MaxHistorySize:]
	}
	s.byID.Add(e.ID, e)
	if e.ParentEventID != "" {
		s.lineage[e.ParentEventID] = append(s.lineage[e.ParentEventID], e.ID)
	}
}

// fanoutTargets returns the subscribers interested in t. Caller holds s.mu.
func (s *Stream) fanoutTargets(t types.EventType) []*subscriber {
	targets := make([]*subscriber, 0, len(s.subs[t])+len(s.subs[types.EventWildcard]))
	targets = append(targets, s.subs[t]...)
	if t != types.EventWildcard {
		targets = append(targets, s.subs[types.EventWildcard]...)
	}
	return targets
}

// Subscribe registers cb for events of type t (or EventWildcard for all).
// Delivery is in append order through a bounded per-subscriber queue drained
// by a dedicated goroutine; a panicking callback is recovered and logged so
// other subscribers still run. Returns the unsubscribe func.
func (s *Stream) Subscribe(t types.EventType, cb func(types.Event)) func() {
	s.mu.Lock()
	s.nextSubID++
	sub := &subscriber{
		id:      s.nextSubID,
		eventTy: t,
		ch:      make(chan types.Event, subscriberQueue),
		done:    make(chan struct{}),
	}
	s.subs[t] = append(s.subs[t], sub)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case e := <-sub.ch:
				func() {
					defer func() {
						if r := recover(); r != nil {
							slog.Error("[STREAM] subscriber panicked", "subscriber", sub.id, "panic", r)
						}
					}()
					cb(e)
				}()
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		s.mu.Lock()
		bucket := s.subs[t]
		for i, candidate := range bucket {
			if candidate.id == sub.id {
				s.subs[t] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(sub.done)
	}
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Type      types.EventType
	SessionID string
	Actor     string
	SinceMs   int64
	Limit     int
}

// Query returns matching events from the in-memory history, recent-first.
func (s *Stream) Query(f Filter) []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []types.Event
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.history[i]
		if f.Type != "" && f.Type != types.EventWildcard && e.Type != f.Type {
			continue
		}
		if f.SessionID != "" && e.SessionID != f.SessionID {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if f.SinceMs > 0 && e.Timestamp < f.SinceMs {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EventHistory returns the most recent events of type t ("" or wildcard for
// all), newest first, capped at limit (default 100).
func (s *Stream) EventHistory(t types.EventType, limit int) []types.Event {
	return s.Query(Filter{Type: t, Limit: limit})
}

// Get returns the event with the given id from the bounded id index.
func (s *Stream) Get(id string) (types.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID.Get(id)
}

// Descendants walks the lineage tree breadth-first from id and returns every
// transitive child event id in discovery order.
func (s *Stream) Descendants(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	queue := append([]string(nil), s.lineage[id]...)
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, s.lineage[next]...)
	}
	return out
}

// Dropped returns the total number of events dropped across all subscriber
// queues since startup.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Offset returns the next offset to be assigned.
func (s *Stream) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Shutdown quiesces all subscribers and forgets volatile state. The on-disk
// log is left intact; a later Stream over the same dir resumes from it.
func (s *Stream) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range s.subs {
		for _, sub := range bucket {
			close(sub.done)
		}
	}
	s.subs = make(map[types.EventType][]*subscriber)
	s.initialized = false
	slog.Info("[STREAM] shut down", "offset", s.offset)
}
