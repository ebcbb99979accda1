package agent

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// fileTailer tracks a byte offset into one source file (a log or shell
// history file being watched), persisting it so a restart resumes where
// it left off instead of re-emitting or losing lines.
type fileTailer struct {
	path       string
	offsetPath string
}

func newFileTailer(path, stateDir string) *fileTailer {
	return &fileTailer{path: path, offsetPath: stateDir + "/" + sanitizeFilename(path) + ".tailpos"}
}

func sanitizeFilename(path string) string {
	return strings.ReplaceAll(strings.TrimPrefix(path, "/"), "/", "_")
}

// Poll returns any complete new lines appended to the source file since
// the last call, and durably advances the tail offset past them. A
// partial trailing line (not yet newline-terminated) is left for the
// next poll.
func (t *fileTailer) Poll() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening tailed file %s: %w", t.path, err)
	}
	defer f.Close()

	offset, err := t.readOffset()
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat tailed file %s: %w", t.path, err)
	}
	if info.Size() < offset {
		// File was truncated or rotated out from under us; restart at 0.
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking tailed file %s: %w", t.path, err)
	}

	var lines []string
	r := bufio.NewReader(f)
	pos := offset
	for {
		line, readErr := r.ReadString('\n')
		if readErr != nil {
			break // partial line or EOF: wait for the next poll
		}
		lines = append(lines, strings.TrimSuffix(line, "\n"))
		pos += int64(len(line))
	}

	if pos != offset {
		if err := t.writeOffset(pos); err != nil {
			return lines, err
		}
	}
	return lines, nil
}

func (t *fileTailer) readOffset() (int64, error) {
	raw, err := os.ReadFile(t.offsetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading tail offset for %s: %w", t.path, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (t *fileTailer) writeOffset(offset int64) error {
	return os.WriteFile(t.offsetPath, []byte(strconv.FormatInt(offset, 10)), 0o600)
}
