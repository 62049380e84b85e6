// Package appendlog provides the crash-safe append-only line log underneath
// the event stream and the activity logger. One JSON object per LF-delimited
// line; rotation renames the active file and starts a fresh one.
//
// Cross-process writers coordinate via an advisory flock on a sibling .lock
// file with bounded retry. The activity-logger variant falls back to an
// unlocked best-effort append when the lock cannot be acquired; the event
// stream variant fails instead.
package appendlog

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockAttempts = 5
	lockBackoff  = 10 * time.Millisecond
)

// Log is an append-only line file.
//
// Expectations:
//   - Append writes exactly one LF-terminated line per call
//   - ReadAll returns lines in write order, skipping blank lines
//   - Rotate renames the active file and leaves a fresh empty one
//   - Concurrent in-process appends are serialized by a mutex
type Log struct {
	path         string
	mu           sync.Mutex
	lock         *flock.Flock
	lockFallback bool
}

// Option configures a Log.
type Option func(*Log)

// WithLockFallback makes Append fall through to an unlocked write after the
// lock retry budget is exhausted instead of returning an error.
func WithLockFallback() Option {
	return func(l *Log) { l.lockFallback = true }
}

// New creates a Log writing to path. The file is created lazily on first
// append.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, lock: flock.New(path + ".lock")}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Path returns the active file path.
func (l *Log) Path() string { return l.path }

// Append writes one line (LF appended) with O_APPEND semantics under the
// advisory file lock. Lock contention is retried lockAttempts times; what
// happens after that depends on WithLockFallback.
func (l *Log) Append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	locked, err := l.acquireLock()
	if err != nil && !l.lockFallback {
		return fmt.Errorf("appendlog: lock %s: %w", l.path, err)
	}
	if locked {
		defer func() { _ = l.lock.Unlock() }()
	} else if l.lockFallback {
		slog.Warn("[APPENDLOG] lock unavailable — unlocked append", "path", l.path)
	}
	return l.write(line)
}

// acquireLock tries the advisory lock with bounded retry. Returns whether
// the lock was obtained; err is the last failure.
func (l *Log) acquireLock() (bool, error) {
	var lastErr error
	for attempt := 0; attempt < lockAttempts; attempt++ {
		ok, err := l.lock.TryLock()
		if ok {
			return true, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("lock held by another process")
		}
		time.Sleep(lockBackoff)
	}
	return false, lastErr
}

func (l *Log) write(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("appendlog: open %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appendlog: write %s: %w", l.path, err)
	}
	return nil
}

// ReadAll returns every non-blank line in write order. A missing file is an
// empty log, not an error. Line validity (JSON or otherwise) is the
// caller's concern.
func (l *Log) ReadAll() ([][]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appendlog: read %s: %w", l.path, err)
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Size returns the active file size in bytes; 0 when the file does not
// exist yet.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := os.Stat(l.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Rotate renames the active file to "<base>_<suffix><ext>" next to it. The
// next append starts a fresh file. Rotating a non-existent file is a no-op.
func (l *Log) Rotate(suffix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return nil
	}
	rotated := rotatedName(l.path, suffix)
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("appendlog: rotate %s: %w", l.path, err)
	}
	slog.Info("[APPENDLOG] rotated", "from", l.path, "to", rotated)
	return nil
}

// rotatedName inserts the suffix before the extension:
// "stream.jsonl" + "1700000000000" → "stream_1700000000000.jsonl".
func rotatedName(path, suffix string) string {
	ext := ""
	base := path
	if i := bytes.LastIndexByte([]byte(path), '.'); i > 0 {
		base, ext = path[:i], path[i:]
	}
	return base + "_" + suffix + ext
}
