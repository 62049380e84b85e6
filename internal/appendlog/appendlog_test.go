package appendlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLog_AppendThenReadAll(t *testing.T) {
	// ReadAll returns appended lines in write order
	dir := t.TempDir()
	l := New(filepath.Join(dir, "stream.jsonl"))

	for _, s := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if err := l.Append([]byte(s)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	lines, err := l.ReadAll()
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if string(lines[0]) != `{"n":1}` || string(lines[2]) != `{"n":3}` {
		t.Errorf("line order wrong: %q ... %q", lines[0], lines[2])
	}
}

func TestLog_ReadAllMissingFileIsEmpty(t *testing.T) {
	// A log that was never appended to reads as empty, not as an error
	l := New(filepath.Join(t.TempDir(), "never.jsonl"))
	lines, err := l.ReadAll()
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("got %d lines, want 0", len(lines))
	}
}

func TestLog_ReadAllSkipsBlankLines(t *testing.T) {
	// Blank lines (e.g. from a partial crash write) are skipped
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")
	if err := os.WriteFile(path, []byte("{\"n\":1}\n\n  \n{\"n\":2}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := New(path)
	lines, err := l.ReadAll()
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(lines) != 2 {
		t.Errorf("got %d lines, want 2", len(lines))
	}
}

func TestLog_RotateRenamesAndResets(t *testing.T) {
	// Rotate renames the active file with the suffix before the extension;
	// the next append starts a fresh file
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.jsonl")
	l := New(path)
	if err := l.Append([]byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	if err := l.Rotate("1700000000000"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	rotated := filepath.Join(dir, "stream_1700000000000.jsonl")
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("rotated file missing: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("active file should not exist after rotate")
	}

	if err := l.Append([]byte(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	lines, _ := l.ReadAll()
	if len(lines) != 1 || string(lines[0]) != `{"n":2}` {
		t.Errorf("fresh file contents wrong: %v", lines)
	}
}

func TestLog_RotateMissingFileIsNoop(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "none.jsonl"))
	if err := l.Rotate("x"); err != nil {
		t.Errorf("rotate of missing file: %v", err)
	}
}

func TestLog_SizeTracksAppends(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "s.jsonl"))
	if l.Size() != 0 {
		t.Errorf("size of missing file = %d, want 0", l.Size())
	}
	if err := l.Append([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if l.Size() != 5 { // 4 bytes + LF
		t.Errorf("size = %d, want 5", l.Size())
	}
}
