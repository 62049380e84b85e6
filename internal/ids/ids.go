// Package ids generates the identifiers used across the orchestration core
// and provides the monotonic millisecond clock event timestamps come from.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewCorrelationID returns the per-process random id grouping all events of
// one run.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewCheckpointID returns a checkpoint id.
func NewCheckpointID() string {
	return "ckpt_" + uuid.New().String()
}

// NewMessageID returns an id for a deferred prompt message.
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewEpicID returns a 6-hex-char epic id from crypto/rand.
func NewEpicID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to time
		// so an id is still produced.
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b[:])
}

// TaskID builds the "<epicId>.<n>" task identifier.
func TaskID(epicID string, n int) string {
	return fmt.Sprintf("%s.%d", epicID, n)
}

// EventID derives the stable event id from its correlation id, timestamp and
// stream offset.
func EventID(correlationID string, timestampMs, offset int64) string {
	corr := correlationID
	if len(corr) > 8 {
		corr = corr[:8]
	}
	return fmt.Sprintf("evt_%s_%d_%d", corr, timestampMs, offset)
}

// NewLearningID returns a lexically sortable learning id.
func NewLearningID() string {
	return "lrn_" + ulid.Make().String()
}

// NewSignalID returns a lexically sortable upward-signal id.
func NewSignalID() string {
	return "sig_" + ulid.Make().String()
}

// NewPromptID returns a lexically sortable deferred-prompt id.
func NewPromptID() string {
	return "dp_" + ulid.Make().String()
}

// Clock hands out strictly increasing unix-millisecond timestamps. Two calls
// in the same millisecond are disambiguated by bumping the counter, so event
// timestamps never collide within a process.
type Clock struct {
	mu   sync.Mutex
	last int64
}

// NowMs returns the current unix milliseconds, strictly greater than any
// previous value returned by this Clock.
func (c *Clock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}

// NowMs returns the current unix milliseconds without monotonic adjustment.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
