package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollFallbackInterval is how often the log collector re-checks watched
// files when no fsnotify event has fired recently — covers filesystems
// where inotify/kqueue isn't available (§4.D step 1).
const pollFallbackInterval = 5 * time.Second

// LogCollector tails a set of log files using OS-native change
// notification with a polling fallback, normalizing each new line into
// a LogRecord in arrival order.
type LogCollector struct {
	buf      *Buffer
	tailers  map[string]*fileTailer
	hostname string
	logger   *slog.Logger
}

func NewLogCollector(buf *Buffer, files []string, stateDir, hostname string, logger *slog.Logger) *LogCollector {
	tailers := make(map[string]*fileTailer, len(files))
	for _, f := range files {
		tailers[f] = newFileTailer(f, stateDir)
	}
	return &LogCollector{buf: buf, tailers: tailers, hostname: hostname, logger: logger}
}

func (c *LogCollector) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("fsnotify unavailable, falling back to polling only", "error", err)
		return c.pollLoop(ctx)
	}
	defer watcher.Close()

	for path := range c.tailers {
		if _, statErr := os.Stat(path); statErr != nil {
			continue // file doesn't exist yet; polling fallback still covers it
		}
		if err := watcher.Add(path); err != nil {
			c.logger.Warn("watching log file", "path", path, "error", err)
		}
	}

	ticker := time.NewTicker(pollFallbackInterval)
	defer ticker.Stop()

	c.pollAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.poll(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("fsnotify watcher error", "error", err)
		case <-ticker.C:
			c.pollAll()
		}
	}
}

func (c *LogCollector) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollAll()
		}
	}
}

func (c *LogCollector) pollAll() {
	for path := range c.tailers {
		c.poll(path)
	}
}

func (c *LogCollector) poll(path string) {
	tailer, ok := c.tailers[path]
	if !ok {
		return
	}
	lines, err := tailer.Poll()
	if err != nil {
		c.logger.Error("tailing log file", "path", path, "error", err)
		return
	}
	if len(lines) == 0 {
		return
	}

	var batch [][]byte
	now := time.Now().UTC()
	for _, text := range lines {
		if strings.TrimSpace(text) == "" {
			continue
		}
		rec := LogRecord{
			Timestamp: now,
			Hostname:  c.hostname,
			Severity:  6, // default to "informational"; no syslog priority header to parse
			Facility:  facilityFromPath(path),
			Message:   text,
			RawSource: path,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		batch = append(batch, line)
	}
	if len(batch) == 0 {
		return
	}
	if _, err := c.buf.Append(batch); err != nil {
		c.logger.Error("appending log batch to buffer", "error", err)
	}
}

func facilityFromPath(path string) string {
	if strings.Contains(path, "auth") {
		return "auth"
	}
	return "syslog"
}
