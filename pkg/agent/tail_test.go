package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileTailer_PollReturnsOnlyNewCompleteLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	if err := os.WriteFile(path, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	tailer := newFileTailer(path, dir)

	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(lines) != 2 || lines[0] != "line one" || lines[1] != "line two" {
		t.Fatalf("unexpected lines: %v", lines)
	}

	// A second poll with no new data should return nothing.
	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("second Poll error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no new lines, got %v", lines)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("reopen for append: %v", err)
	}
	f.WriteString("line three\n")
	f.Close()

	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("third Poll error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "line three" {
		t.Fatalf("expected only the newly appended line, got %v", lines)
	}
}

func TestFileTailer_PartialLineWaitsForNextPoll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.log")
	os.WriteFile(path, []byte("complete\nincomplete"), 0o644)

	tailer := newFileTailer(path, dir)
	lines, err := tailer.Poll()
	if err != nil {
		t.Fatalf("Poll error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "complete" {
		t.Fatalf("expected only the complete line, got %v", lines)
	}

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(" now complete\n")
	f.Close()

	lines, err = tailer.Poll()
	if err != nil {
		t.Fatalf("second Poll error: %v", err)
	}
	if len(lines) != 1 || lines[0] != "incomplete now complete" {
		t.Fatalf("expected the completed line joined, got %v", lines)
	}
}
