package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/stream"
	"github.com/opencode-core/orchd/internal/types"
)

func newBridge(t *testing.T) (*Bridge, *stream.Stream) {
	t.Helper()
	s := stream.New(stream.Options{Dir: t.TempDir()})
	if _, err := s.Initialize(); err != nil {
		t.Fatalf("stream init: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return New(s, ""), s
}

func TestBridge_EmitAppendsLedgerEvents(t *testing.T) {
	// Emitted events land in the stream with the bridge actor and causation
	b, s := newBridge(t)

	root, err := b.Emit(types.LedgerEpicCreated, map[string]any{"epicId": "abc123"}, "")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	child, err := b.Emit(types.LedgerTaskCreated, map[string]any{"taskId": "abc123.1"}, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if root.Actor != "ledger" || child.ParentEventID != root.ID {
		t.Errorf("events = %+v / %+v", root, child)
	}
	if got := s.Descendants(root.ID); len(got) != 1 || got[0] != child.ID {
		t.Errorf("lineage = %v", got)
	}
}

func TestBridge_RejectsNonLedgerTypes(t *testing.T) {
	b, _ := newBridge(t)
	if _, err := b.Emit(types.EventAgentSpawned, nil, ""); !errors.Is(err, types.ErrStateViolation) {
		t.Errorf("err = %v, want state violation", err)
	}
}

func TestBridge_WiredAsLedgerHook(t *testing.T) {
	// Ledger mutations surface on the stream through the hook without the
	// ledger ever touching the stream package
	b, s := newBridge(t)
	store := ledger.New(t.TempDir())
	if err := store.Initialize(); err != nil {
		t.Fatal(err)
	}
	store.SetHook(b.LedgerHook())

	got := make(chan types.Event, 4)
	defer s.Subscribe(types.LedgerEpicCreated, func(e types.Event) { got <- e })()

	epic, err := store.CreateEpic("Build Auth", "OAuth please")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-got:
		if e.Payload["epicId"] != epic.ID {
			t.Errorf("event payload = %v", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("ledger.epic.created never reached the stream")
	}
}

func TestBridge_InitializeReplaysStream(t *testing.T) {
	// Initialize resumes the stream so new emissions continue the offsets
	dir := t.TempDir()
	s := stream.New(stream.Options{Dir: dir})
	if _, err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	b := New(s, "")
	first, err := b.Emit(types.LedgerEpicCreated, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	s.Shutdown()

	reopened := stream.New(stream.Options{Dir: dir})
	if _, err := reopened.Initialize(); err != nil {
		t.Fatal(err)
	}
	defer reopened.Shutdown()
	b2 := New(reopened, "")
	report, err := b2.Initialize()
	if err != nil || report.EventsReplayed != 1 {
		t.Fatalf("report = %+v, %v", report, err)
	}
	second, err := b2.Emit(types.LedgerTaskCreated, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Metadata.Offset != first.Metadata.Offset+1 {
		t.Errorf("offset = %d, want %d", second.Metadata.Offset, first.Metadata.Offset+1)
	}
}
