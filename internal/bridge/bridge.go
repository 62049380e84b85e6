// Package bridge adapts ledger mutations onto the durable event stream. The
// ledger never imports the stream; its post-mutation hook points here, which
// keeps the stream a leaf dependency and the hook graph acyclic.
package bridge

import (
	"fmt"
	"strings"

	"github.com/opencode-core/orchd/internal/ledger"
	"github.com/opencode-core/orchd/internal/stream"
	"github.com/opencode-core/orchd/internal/types"
)

// Bridge emits ledger.* events into the stream.
type Bridge struct {
	stream *stream.Stream
	actor  string
}

// New creates a Bridge emitting as the given actor ("ledger" when empty).
func New(s *stream.Stream, actor string) *Bridge {
	if actor == "" {
		actor = "ledger"
	}
	return &Bridge{stream: s, actor: actor}
}

// Initialize replays the stream so emitted events continue the recovered
// offset sequence and the lineage tree is rebuilt.
func (b *Bridge) Initialize() (stream.ResumeReport, error) {
	return b.stream.Resume()
}

// Emit appends one ledger.* event. Types outside the ledger family are
// rejected; everything else in the system appends to the stream directly.
func (b *Bridge) Emit(t types.EventType, payload map[string]any, causationID string) (types.Event, error) {
	if !strings.HasPrefix(string(t), "ledger.") {
		return types.Event{}, fmt.Errorf("bridge: %s is not a ledger event: %w", t, types.ErrStateViolation)
	}
	return b.stream.Append(types.Event{
		Type:          t,
		Actor:         b.actor,
		Payload:       payload,
		ParentEventID: causationID,
	})
}

// LedgerHook adapts Emit to the ledger's post-mutation hook signature.
// Emission failures are swallowed: the ledger write already succeeded, and
// the stream replays ledger state from its own files on the next resume.
func (b *Bridge) LedgerHook() ledger.Hook {
	return func(t types.EventType, payload map[string]any, causationID string) {
		_, _ = b.Emit(t, payload, causationID)
	}
}
