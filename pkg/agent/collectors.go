package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// MetricsCollector samples CPU, memory, disk, and network counters
// every interval and appends one record per sample to buf, per §4.D
// step 1's metrics collector.
type MetricsCollector struct {
	buf       *Buffer
	hostname  string
	interval  time.Duration
	throttled func() bool
	logger    *slog.Logger
}

func NewMetricsCollector(buf *Buffer, hostname string, interval time.Duration, throttled func() bool, logger *slog.Logger) *MetricsCollector {
	return &MetricsCollector{buf: buf, hostname: hostname, interval: interval, throttled: throttled, logger: logger}
}

// Run samples at interval, or at half that frequency while throttled
// reports true (§4.D's backpressure clause).
func (c *MetricsCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	skip := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.throttled != nil && c.throttled() {
				skip = !skip
				if skip {
					continue
				}
			}
			if err := c.sample(); err != nil {
				c.logger.Error("sampling metrics", "error", err)
			}
		}
	}
}

func (c *MetricsCollector) sample() error {
	var rec MetricRecord
	rec.Timestamp = time.Now().UTC()

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		rec.CPU.Percent = pct[0]
	}
	if perCore, err := cpu.Percent(0, true); err == nil {
		rec.CPU.PerCore = perCore
	}
	if avg, err := load.Avg(); err == nil {
		rec.CPU.LoadAvg1 = avg.Load1
		rec.CPU.LoadAvg5 = avg.Load5
		rec.LoadAvg15 = avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rec.Memory.Percent = vm.UsedPercent
		rec.Memory.UsedBytes = int64(vm.Used)
		rec.Memory.TotalBytes = int64(vm.Total)
	}
	if du, err := disk.Usage("/"); err == nil {
		rec.Disk.Percent = du.UsedPercent
		rec.Disk.FreeBytes = int64(du.Free)
		rec.Disk.TotalBytes = int64(du.Total)
	}
	if counters, err := psnet.IOCounters(false); err == nil && len(counters) > 0 {
		rec.Network.BytesSent = int64(counters[0].BytesSent)
		rec.Network.BytesRecv = int64(counters[0].BytesRecv)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling metric record: %w", err)
	}
	_, err = c.buf.Append([][]byte{line})
	return err
}

// ProcessCollector enumerates every visible process every interval and
// appends one record per process, per §4.D step 1's process collector.
type ProcessCollector struct {
	buf       *Buffer
	interval  time.Duration
	throttled func() bool
	logger    *slog.Logger
}

func NewProcessCollector(buf *Buffer, interval time.Duration, throttled func() bool, logger *slog.Logger) *ProcessCollector {
	return &ProcessCollector{buf: buf, interval: interval, throttled: throttled, logger: logger}
}

func (c *ProcessCollector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	skip := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.throttled != nil && c.throttled() {
				skip = !skip
				if skip {
					continue
				}
			}
			if err := c.sample(ctx); err != nil {
				c.logger.Error("sampling processes", "error", err)
			}
		}
	}
}

func (c *ProcessCollector) sample(ctx context.Context) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return fmt.Errorf("listing processes: %w", err)
	}

	now := time.Now().UTC()
	var lines [][]byte
	for _, p := range procs {
		rec := ProcessRecord{CollectedAt: now, PID: p.Pid}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			rec.PPID = ppid
		}
		if name, err := p.NameWithContext(ctx); err == nil {
			rec.Name = name
		}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			rec.ExePath = exe
		}
		if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
			rec.Cmdline = cmdline
		}
		if user, err := p.UsernameWithContext(ctx); err == nil {
			rec.User = user
		}
		if statuses, err := p.StatusWithContext(ctx); err == nil && len(statuses) > 0 {
			rec.Status = statuses[0]
		}
		if createMs, err := p.CreateTimeWithContext(ctx); err == nil {
			rec.CreateTime = time.UnixMilli(createMs).UTC()
		}
		if cpuPct, err := p.CPUPercentWithContext(ctx); err == nil {
			rec.CPUPercent = cpuPct
		}
		if memPct, err := p.MemoryPercentWithContext(ctx); err == nil {
			rec.MemPercent = float64(memPct)
		}
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			rec.RSSBytes = int64(memInfo.RSS)
			rec.VMSBytes = int64(memInfo.VMS)
		}
		if threads, err := p.NumThreadsWithContext(ctx); err == nil {
			rec.NumThreads = threads
		}
		if fds, err := p.NumFDsWithContext(ctx); err == nil {
			rec.NumFDs = fds
		}
		if conns, err := p.ConnectionsWithContext(ctx); err == nil {
			rec.NumConns = int32(len(conns))
		}
		if rec.Name == "" {
			continue // process exited mid-enumeration; skip rather than emit a useless row
		}

		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		lines = append(lines, line)
	}

	if len(lines) == 0 {
		return nil
	}
	_, err = c.buf.Append(lines)
	return err
}

// hostname returns the local hostname, falling back to "unknown" if the
// OS lookup fails.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
