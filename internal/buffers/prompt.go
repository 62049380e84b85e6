package buffers

import (
	"github.com/opencode-core/orchd/internal/ids"
	"github.com/opencode-core/orchd/internal/types"
)

// PromptBuffer holds prompts addressed to sessions that cannot accept them
// yet. Delivery is the supervisor's job; the buffer only preserves order.
type PromptBuffer struct {
	q *fifo[types.DeferredPrompt]
}

// NewPromptBuffer creates an empty PromptBuffer.
func NewPromptBuffer() *PromptBuffer {
	return &PromptBuffer{q: newFifo[types.DeferredPrompt]()}
}

// Enqueue appends a deferred prompt to the target session's queue, assigning
// an id and creation time when missing. Returns the stored prompt.
func (b *PromptBuffer) Enqueue(p types.DeferredPrompt) types.DeferredPrompt {
	if p.ID == "" {
		p.ID = ids.NewPromptID()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = ids.NowMs()
	}
	b.q.enqueue(p.TargetSessionID, p)
	return p
}

// HasPrompts reports whether sessionID has deferred prompts.
func (b *PromptBuffer) HasPrompts(sessionID string) bool {
	return b.q.has(sessionID)
}

// Flush returns sessionID's prompts in FIFO order and removes the queue.
func (b *PromptBuffer) Flush(sessionID string) []types.DeferredPrompt {
	return b.q.flush(sessionID)
}

// Sessions lists every session with at least one deferred prompt.
func (b *PromptBuffer) Sessions() []string {
	return b.q.keys()
}

// Requeue puts a failed delivery back with its attempt counter bumped.
func (b *PromptBuffer) Requeue(p types.DeferredPrompt) {
	p.Attempts++
	b.q.enqueue(p.TargetSessionID, p)
}

// Clear drops every queue.
func (b *PromptBuffer) Clear() {
	b.q.clear()
}
