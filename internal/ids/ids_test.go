package ids

import (
	"regexp"
	"sync"
	"testing"
)

func TestNewEpicID_SixHexChars(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewEpicID()
		if !re.MatchString(id) {
			t.Fatalf("epic id = %q", id)
		}
		seen[id] = true
	}
	// 100 draws from a 16M space should not all collide
	if len(seen) < 90 {
		t.Errorf("only %d distinct ids in 100 draws", len(seen))
	}
}

func TestEventID_TruncatesCorrelation(t *testing.T) {
	got := EventID("11112222-3333-4444", 1700000000000, 7)
	if got != "evt_11112222_1700000000000_7" {
		t.Errorf("id = %q", got)
	}
	// short correlation ids pass through whole
	if got := EventID("abc", 5, 0); got != "evt_abc_5_0" {
		t.Errorf("id = %q", got)
	}
}

func TestTaskID(t *testing.T) {
	if got := TaskID("abc123", 2); got != "abc123.2" {
		t.Errorf("id = %q", got)
	}
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	// Concurrent callers never observe a duplicate or decreasing timestamp
	var c Clock
	const n = 200
	out := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- c.NowMs()
		}()
	}
	wg.Wait()
	close(out)

	seen := map[int64]bool{}
	for ts := range out {
		if seen[ts] {
			t.Fatalf("duplicate timestamp %d", ts)
		}
		seen[ts] = true
	}
}

func TestSortableIDPrefixes(t *testing.T) {
	for prefix, gen := range map[string]func() string{
		"lrn_":  NewLearningID,
		"sig_":  NewSignalID,
		"dp_":   NewPromptID,
		"ckpt_": NewCheckpointID,
		"msg_":  NewMessageID,
	} {
		if id := gen(); len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			t.Errorf("id %q lacks prefix %q", id, prefix)
		}
	}
}
