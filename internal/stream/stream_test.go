package stream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencode-core/orchd/internal/types"
)

func newStream(t *testing.T, dir string) *Stream {
	t.Helper()
	s := New(Options{Dir: dir, CorrelationID: "11112222-0000-0000-0000-000000000000"})
	if _, err := s.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func append1(t *testing.T, s *Stream, ty types.EventType, sessionID string) types.Event {
	t.Helper()
	e, err := s.Append(types.Event{Type: ty, SessionID: sessionID, Actor: "test"})
	if err != nil {
		t.Fatalf("append %s: %v", ty, err)
	}
	return e
}

func TestStream_AppendAssignsMonotonicOffsets(t *testing.T) {
	// Offsets strictly increase; the newest event heads the history
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	var last int64 = -1
	for i := 0; i < 5; i++ {
		e := append1(t, s, types.EventTaskProgress, "ses-1")
		if e.Metadata.Offset <= last {
			t.Fatalf("offset %d not above previous %d", e.Metadata.Offset, last)
		}
		last = e.Metadata.Offset
		if !strings.HasPrefix(e.ID, "evt_11112222_") {
			t.Errorf("event id = %q", e.ID)
		}
	}
	history := s.EventHistory("", 0)
	if len(history) != 5 || history[0].Metadata.Offset != last {
		t.Errorf("history head = %+v, want offset %d", history[0], last)
	}
}

func TestStream_AppendBeforeInitializeFails(t *testing.T) {
	s := New(Options{Dir: t.TempDir()})
	if _, err := s.Append(types.Event{Type: types.EventTaskProgress}); err == nil {
		t.Fatal("append on uninitialized stream should fail")
	}
}

func TestStream_SubscribeTypedAndWildcard(t *testing.T) {
	// Typed subscribers see only their type; wildcard sees everything;
	// unsubscribing stops delivery
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	typed := make(chan types.Event, 8)
	all := make(chan types.Event, 8)
	unsubTyped := s.Subscribe(types.EventAgentCompleted, func(e types.Event) { typed <- e })
	defer s.Subscribe(types.EventWildcard, func(e types.Event) { all <- e })()

	append1(t, s, types.EventAgentCompleted, "ses-1")
	append1(t, s, types.EventAgentFailed, "ses-1")

	select {
	case e := <-typed:
		if e.Type != types.EventAgentCompleted {
			t.Errorf("typed subscriber got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("typed subscriber never delivered")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatal("wildcard subscriber missed an event")
		}
	}

	unsubTyped()
	append1(t, s, types.EventAgentCompleted, "ses-1")
	select {
	case e := <-typed:
		t.Errorf("delivery after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStream_SlowSubscriberDropsObservably(t *testing.T) {
	// A subscriber that never drains loses events to the drop counter
	// instead of stalling appends
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	gate := make(chan struct{})
	defer close(gate)
	s.Subscribe(types.EventTaskProgress, func(types.Event) { <-gate })

	for i := 0; i < 70; i++ {
		append1(t, s, types.EventTaskProgress, "ses-1")
	}
	if s.Dropped() == 0 {
		t.Error("drop counter never incremented for a stalled subscriber")
	}
}

func TestStream_PanickingSubscriberIsIsolated(t *testing.T) {
	// One subscriber panicking must not break delivery to another
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	got := make(chan types.Event, 1)
	s.Subscribe(types.EventAgentFailed, func(types.Event) { panic("boom") })
	s.Subscribe(types.EventAgentFailed, func(e types.Event) { got <- e })

	append1(t, s, types.EventAgentFailed, "ses-1")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second subscriber starved by panicking sibling")
	}
}

func TestStream_ResumeReplaysState(t *testing.T) {
	// Re-opening the stream over the same dir reproduces history, continues
	// offsets, and reports spawned-but-unterminated sessions
	dir := t.TempDir()
	s := newStream(t, dir)
	for i := 0; i < 4; i++ {
		append1(t, s, types.EventTaskProgress, "ses-1")
	}
	e, err := s.Append(types.Event{
		Type: types.EventAgentSpawned, SessionID: "ses-child", Actor: "executor",
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Shutdown()

	reopened := New(Options{Dir: dir, CorrelationID: "11112222-0000-0000-0000-000000000000"})
	report, err := reopened.Initialize()
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Shutdown()

	if report.EventsReplayed != 5 {
		t.Errorf("replayed = %d, want 5", report.EventsReplayed)
	}
	if len(report.ActiveIntents) != 1 || report.ActiveIntents[0] != "ses-child" {
		t.Errorf("active intents = %v", report.ActiveIntents)
	}
	if reopened.Offset() != e.Metadata.Offset+1 {
		t.Errorf("offset = %d, want %d", reopened.Offset(), e.Metadata.Offset+1)
	}
}

func TestStream_ResumeSkipsMalformedLines(t *testing.T) {
	// Corrupt lines are counted and skipped, never fatal
	dir := t.TempDir()
	s := newStream(t, dir)
	append1(t, s, types.EventTaskProgress, "ses-1")
	s.Shutdown()

	path := filepath.Join(dir, "orchestration_stream.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened := New(Options{Dir: dir})
	report, err := reopened.Initialize()
	if err != nil {
		t.Fatalf("resume over corrupt log: %v", err)
	}
	defer reopened.Shutdown()
	if report.EventsReplayed != 1 || report.SkippedLines != 1 {
		t.Errorf("report = %+v, want 1 replayed / 1 skipped", report)
	}
}

func TestStream_UnknownFieldsSurviveReplay(t *testing.T) {
	// A future writer's extra top-level field round-trips through replay
	dir := t.TempDir()
	s := newStream(t, dir)
	append1(t, s, types.EventTaskProgress, "ses-1")
	s.Shutdown()

	path := filepath.Join(dir, "orchestration_stream.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	line := `{"id":"evt_x_1_1","type":"task.progress","timestamp":1,"metadata":{"offset":1,"correlationId":"c"},"futureField":{"a":1}}`
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened := New(Options{Dir: dir})
	if _, err := reopened.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer reopened.Shutdown()
	e, ok := reopened.Get("evt_x_1_1")
	if !ok {
		t.Fatal("replayed event not indexed")
	}
	if _, ok := e.Extra["futureField"]; !ok {
		t.Error("unknown field lost on replay")
	}
}

func TestStream_CheckpointLifecycle(t *testing.T) {
	// pending → approved is one-shot; resolving again returns false
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	ckpt, err := s.RequestCheckpoint("deploy to prod?", []types.CheckpointOption{
		{ID: "yes", Label: "Deploy"}, {ID: "no", Label: "Abort"},
	}, "executor", "ses-1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := s.PendingCheckpoints(); len(got) != 1 || got[0].ID != ckpt.ID {
		t.Fatalf("pending = %v", got)
	}

	if !s.ApproveCheckpoint(ckpt.ID, "human", "yes") {
		t.Fatal("first approve should succeed")
	}
	if s.ApproveCheckpoint(ckpt.ID, "human", "yes") {
		t.Error("second approve should return false")
	}
	if s.RejectCheckpoint(ckpt.ID, "human", "late") {
		t.Error("reject after approve should return false")
	}
	if len(s.PendingCheckpoints()) != 0 {
		t.Error("pending set not cleared")
	}
}

func TestStream_CheckpointExpiry(t *testing.T) {
	// A pending checkpoint past expiresAt is auto-rejected with "expired"
	s := New(Options{Dir: t.TempDir(), CheckpointTimeoutMs: 1})
	if _, err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	if _, err := s.RequestCheckpoint("q", nil, "executor", "ses-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if n := s.ExpireCheckpoints(); n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if len(s.PendingCheckpoints()) != 0 {
		t.Error("expired checkpoint still pending")
	}
	events := s.EventHistory(types.EventCheckpointRejected, 0)
	if len(events) != 1 || events[0].Payload["reason"] != "expired" {
		t.Errorf("rejection event = %v", events)
	}
}

func TestStream_CheckpointRehydratesOnResume(t *testing.T) {
	// An unresolved checkpoint survives a crash; a resolved one does not
	dir := t.TempDir()
	s := newStream(t, dir)
	open, err := s.RequestCheckpoint("keep?", nil, "executor", "ses-1")
	if err != nil {
		t.Fatal(err)
	}
	closed, err := s.RequestCheckpoint("done?", nil, "executor", "ses-1")
	if err != nil {
		t.Fatal(err)
	}
	s.ApproveCheckpoint(closed.ID, "human", "yes")
	s.Shutdown()

	reopened := New(Options{Dir: dir})
	report, err := reopened.Initialize()
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Shutdown()
	if len(report.PendingCheckpoints) != 1 || report.PendingCheckpoints[0].ID != open.ID {
		t.Errorf("rehydrated pending = %v, want only %s", report.PendingCheckpoints, open.ID)
	}
}

func TestStream_SnapshotRoundTrip(t *testing.T) {
	// CreateContextSnapshot persists a file; RestoreContext returns it and
	// a fresh stream rehydrates it from the replayed event
	dir := t.TempDir()
	s := newStream(t, dir)

	path, err := s.CreateContextSnapshot(types.AgentContext{
		SessionID: "ses-1",
		AgentName: "executor",
		Prompt:    "implement login",
		LedgerState: types.LedgerStateRef{
			EpicID: "abc123", Phase: types.PhaseExecute, PendingTasks: []string{"abc123.2"},
		},
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	ctx, err := s.RestoreContext("ses-1")
	if err != nil || ctx == nil || ctx.AgentName != "executor" {
		t.Fatalf("restore = %+v, %v", ctx, err)
	}
	if ctx, _ := s.RestoreContext("ses-none"); ctx != nil {
		t.Error("restore of unknown session should be nil")
	}
	s.Shutdown()

	reopened := New(Options{Dir: dir})
	if _, err := reopened.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer reopened.Shutdown()
	ctx, err = reopened.RestoreContext("ses-1")
	if err != nil || ctx == nil || ctx.LedgerState.EpicID != "abc123" {
		t.Errorf("rehydrated snapshot = %+v, %v", ctx, err)
	}
}

func TestStream_GCSnapshotsByAge(t *testing.T) {
	// Only files older than the horizon are deleted
	dir := t.TempDir()
	s := newStream(t, dir)
	defer s.Shutdown()

	snapDir := filepath.Join(dir, "snapshots")
	old := filepath.Join(snapDir, "ses-old_1.json")
	if err := os.WriteFile(old, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(snapDir, "ses-new_2.json")
	if err := os.WriteFile(fresh, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := s.GCSnapshots(48 * time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("gc = %d, %v, want 1", n, err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale snapshot survived gc")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh snapshot deleted by gc")
	}
}

func TestStream_LineageDescendantsBFS(t *testing.T) {
	// Descendants walks the causation tree transitively
	s := newStream(t, t.TempDir())
	defer s.Shutdown()

	root := append1(t, s, types.EventSessionCreated, "ses-1")
	child, err := s.Append(types.Event{
		Type: types.EventAgentSpawned, SessionID: "ses-2", ParentEventID: root.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	grandchild, err := s.Append(types.Event{
		Type: types.EventAgentCompleted, SessionID: "ses-2", ParentEventID: child.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	got := s.Descendants(root.ID)
	if len(got) != 2 || got[0] != child.ID || got[1] != grandchild.ID {
		t.Errorf("descendants = %v, want [%s %s]", got, child.ID, grandchild.ID)
	}
	if len(s.Descendants(grandchild.ID)) != 0 {
		t.Error("leaf should have no descendants")
	}
}

func TestStream_RotationResetsOffset(t *testing.T) {
	// Crossing the size threshold rotates the file and restarts offsets at 0
	dir := t.TempDir()
	s := New(Options{Dir: dir, MaxStreamSizeMB: 1})
	if _, err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown()

	big := strings.Repeat("x", 2*1024*1024)
	if _, err := s.Append(types.Event{
		Type: types.EventTaskProgress, Payload: map[string]any{"blob": big},
	}); err != nil {
		t.Fatal(err)
	}
	e := append1(t, s, types.EventTaskProgress, "ses-1")
	if e.Metadata.Offset != 0 {
		t.Errorf("offset after rotation = %d, want 0", e.Metadata.Offset)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "orchestration_stream_*.jsonl"))
	if err != nil || len(entries) != 1 {
		t.Errorf("rotated segments = %v, %v", entries, err)
	}
}
