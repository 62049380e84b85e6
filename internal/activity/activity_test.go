package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func readLines(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_WritesJSONLEntries(t *testing.T) {
	// Each Log call appends one JSONL line with kind and fields
	dir := t.TempDir()
	a := New(dir)
	a.Log("task.dispatch", "ses-1", "executor", map[string]any{"taskId": "abc123.1"})
	a.Log("task.complete", "ses-1", "executor", nil)

	entries := readLines(t, filepath.Join(dir, "activity.jsonl"))
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Kind != "task.dispatch" || entries[0].SessionID != "ses-1" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[0].Fields["taskId"] != "abc123.1" {
		t.Errorf("fields not preserved: %+v", entries[0].Fields)
	}
}

func TestLogger_DailyRotation(t *testing.T) {
	// When the local date rolls over, the previous day's file is renamed to
	// activity_<YYYY-MM-DD>.jsonl and a fresh file begins
	dir := t.TempDir()
	a := New(dir)

	day1 := time.Date(2026, 8, 23, 23, 59, 0, 0, time.Local)
	day2 := day1.Add(2 * time.Minute)

	a.now = func() time.Time { return day1 }
	a.Log("task.dispatch", "", "", nil)

	a.now = func() time.Time { return day2 }
	a.Log("task.complete", "", "", nil)

	rotated := filepath.Join(dir, "activity_2026-08-23.jsonl")
	old := readLines(t, rotated)
	if len(old) != 1 || old[0].Kind != "task.dispatch" {
		t.Errorf("rotated file = %+v", old)
	}
	fresh := readLines(t, filepath.Join(dir, "activity.jsonl"))
	if len(fresh) != 1 || fresh[0].Kind != "task.complete" {
		t.Errorf("fresh file = %+v", fresh)
	}
}

func TestLogger_NilReceiverNoops(t *testing.T) {
	// Log and Path are safe on a nil *Logger
	var a *Logger
	a.Log("anything", "", "", nil)
	if a.Path() != "" {
		t.Error("Path on nil should return empty")
	}
}
