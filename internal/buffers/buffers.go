// Package buffers holds per-target FIFO queues for upward signals and
// deferred prompts. Queues are in-memory only: on crash, a re-woken agent
// that sees no flushed result re-yields and is re-signalled, so persistence
// rides on the ledger's suspended task state.
package buffers

import "sync"

// fifo is a per-key FIFO queue map shared by both buffer kinds.
type fifo[T any] struct {
	mu     sync.Mutex
	queues map[string][]T
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{queues: make(map[string][]T)}
}

func (f *fifo[T]) enqueue(key string, item T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[key] = append(f.queues[key], item)
}

func (f *fifo[T]) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[key]) > 0
}

// flush returns the queue for key in enqueue order and removes it.
func (f *fifo[T]) flush(key string) []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.queues[key]
	delete(f.queues, key)
	return items
}

func (f *fifo[T]) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = make(map[string][]T)
}

func (f *fifo[T]) pending(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queues[key])
}

func (f *fifo[T]) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.queues))
	for k := range f.queues {
		out = append(out, k)
	}
	return out
}
