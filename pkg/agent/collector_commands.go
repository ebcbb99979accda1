package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// CommandCollector diffs tracked shell-history files every interval,
// extracting new entries with user attribution (the file owner, since
// shell history files are per-user by convention), per §4.D step 1's
// command collector.
type CommandCollector struct {
	buf      *Buffer
	tailers  map[string]*fileTailer
	interval time.Duration
	logger   *slog.Logger
}

func NewCommandCollector(buf *Buffer, files []string, stateDir string, interval time.Duration, logger *slog.Logger) *CommandCollector {
	tailers := make(map[string]*fileTailer, len(files))
	for _, f := range files {
		tailers[f] = newFileTailer(f, stateDir)
	}
	return &CommandCollector{buf: buf, tailers: tailers, interval: interval, logger: logger}
}

func (c *CommandCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.pollAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollAll()
		}
	}
}

func (c *CommandCollector) pollAll() {
	for path, tailer := range c.tailers {
		lines, err := tailer.Poll()
		if err != nil {
			c.logger.Error("tailing history file", "path", path, "error", err)
			continue
		}
		if len(lines) == 0 {
			continue
		}

		user := userFromHistoryPath(path)
		shell := shellFromHistoryPath(path)
		now := time.Now().UTC()

		var batch [][]byte
		for _, text := range lines {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			rec := CommandRecord{
				Timestamp: now,
				Text:      text,
				User:      user,
				Shell:     shell,
				Source:    path,
			}
			line, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			batch = append(batch, line)
		}
		if len(batch) == 0 {
			continue
		}
		if _, err := c.buf.Append(batch); err != nil {
			c.logger.Error("appending command batch to buffer", "error", err)
		}
	}
}

// userFromHistoryPath extracts the owning user from a conventional
// "/home/<user>/.bash_history" style path.
func userFromHistoryPath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(dir)
	if base == "root" || strings.HasPrefix(dir, "/home/") || strings.HasPrefix(dir, "/Users/") {
		return base
	}
	return "unknown"
}

func shellFromHistoryPath(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "zsh"):
		return "zsh"
	case strings.Contains(base, "bash"):
		return "bash"
	case strings.Contains(base, "fish"):
		return "fish"
	default:
		return "unknown"
	}
}
