package buffers

import (
	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// SignalBuffer queues upward signals for parent sessions that are busy.
// The session owner flushes its queue when it goes idle.
type SignalBuffer struct {
	q *fifo[types.UpwardSignal]
}

// NewSignalBuffer creates an empty SignalBuffer.
func NewSignalBuffer() *SignalBuffer {
	return &SignalBuffer{q: newFifo[types.UpwardSignal]()}
}

// Enqueue appends a signal to the target session's queue, assigning an id
// and creation time when missing. Returns the stored signal.
func (b *SignalBuffer) Enqueue(sig types.UpwardSignal) types.UpwardSignal {
	if sig.ID == "" {
		sig.ID = ids.NewSignalID()
	}
	if sig.CreatedAt == 0 {
		sig.CreatedAt = ids.NowMs()
	}
	b.q.enqueue(sig.TargetSessionID, sig)
	return sig
}

// HasSignals reports whether sessionID has queued signals.
func (b *SignalBuffer) HasSignals(sessionID string) bool {
	return b.q.has(sessionID)
}

// Flush returns sessionID's signals in FIFO order and removes the queue.
func (b *SignalBuffer) Flush(sessionID string) []types.UpwardSignal {
	return b.q.flush(sessionID)
}

// Clear drops every queue.
func (b *SignalBuffer) Clear() {
	b.q.clear()
}

// Pending returns the queue length for sessionID.
func (b *SignalBuffer) Pending(sessionID string) int {
	return b.q.pending(sessionID)
}
