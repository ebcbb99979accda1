package agent

import (
	"testing"
)

func TestBuffer_AppendAndReadInOrder(t *testing.T) {
	dir := t.TempDir()
	buf, err := NewBuffer(dir, "logs", 1<<20)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}

	if _, err := buf.Append([][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`)}); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	lines, offset, err := buf.Read(10)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if string(lines[0]) != `{"n":1}` || string(lines[1]) != `{"n":2}` {
		t.Errorf("lines out of order: %q, %q", lines[0], lines[1])
	}

	if err := buf.Commit(offset); err != nil {
		t.Fatalf("Commit error: %v", err)
	}

	lines, _, err = buf.Read(10)
	if err != nil {
		t.Fatalf("second Read error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines after commit, got %d", len(lines))
	}
}

func TestBuffer_ReadWithoutCommitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	buf, _ := NewBuffer(dir, "metrics", 1<<20)
	buf.Append([][]byte{[]byte(`{"n":1}`)})

	lines1, _, _ := buf.Read(10)
	lines2, _, _ := buf.Read(10)
	if len(lines1) != 1 || len(lines2) != 1 {
		t.Fatalf("expected repeated reads to return the same uncommitted line")
	}
}

func TestBuffer_CapEnforcementDropsOldest(t *testing.T) {
	dir := t.TempDir()
	// A tiny cap forces compaction almost immediately.
	buf, err := NewBuffer(dir, "processes", 50)
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := buf.Append([][]byte{[]byte(`{"padding":"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"}`)}); err != nil {
			t.Fatalf("Append %d error: %v", i, err)
		}
	}

	pending, err := buf.Pending()
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if pending > 500 {
		t.Errorf("expected cap enforcement to keep pending data near the cap, got %d bytes pending (20 records of ~50 bytes each would be ~1000 uncapped)", pending)
	}

	// The most recent record should still be readable — drop-oldest, not
	// drop-newest.
	lines, _, err := buf.Read(100)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("expected at least the most recent record to survive cap enforcement")
	}
}
