// Package agent implements the host-side runtime of §4.D: collectors,
// a durable on-disk buffer, and a forwarder that submits batches to the
// ingestion API.
package agent

import "time"

// Telemetry kinds, matching the server's pkg/ingest data_type values.
const (
	KindLogs      = "logs"
	KindMetrics   = "metrics"
	KindProcesses = "processes"
	KindCommands  = "commands"
)

// batchTargets is the per-kind record count that, together with
// flushInterval, decides when a kind's forwarder drains its buffer, per
// §4.D step 3.
var batchTargets = map[string]int{
	KindLogs:      100,
	KindMetrics:   10,
	KindProcesses: 50,
	KindCommands:  50,
}

const flushInterval = 60 * time.Second

// LogRecord is the wire shape of one tailed log line. Field names and
// json tags mirror the server's logRecordDTO.
type LogRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
	Severity    int16     `json:"severity"`
	Facility    string    `json:"facility"`
	ProcessName *string   `json:"process_name"`
	Message     string    `json:"message"`
	RawSource   string    `json:"raw_source"`
}

// MetricRecord is the wire shape of one sampled metric snapshot,
// mirroring the server's metricRecordDTO.
type MetricRecord struct {
	Timestamp time.Time `json:"timestamp"`
	CPU       struct {
		Percent  float64   `json:"cpu_percent"`
		PerCore  []float64 `json:"per_core"`
		LoadAvg1 float64   `json:"load_avg_1"`
		LoadAvg5 float64   `json:"load_avg_5"`
	} `json:"cpu"`
	LoadAvg15 float64 `json:"load_avg_15"`
	Memory    struct {
		Percent    float64 `json:"memory_percent"`
		UsedBytes  int64   `json:"used_bytes"`
		TotalBytes int64   `json:"total_bytes"`
	} `json:"memory"`
	Disk struct {
		Percent    float64 `json:"disk_percent"`
		FreeBytes  int64   `json:"free_bytes"`
		TotalBytes int64   `json:"total_bytes"`
	} `json:"disk"`
	Network struct {
		BytesSent int64 `json:"bytes_sent"`
		BytesRecv int64 `json:"bytes_recv"`
	} `json:"network"`
}

// ProcessRecord is the wire shape of one process-snapshot row, mirroring
// the server's processRecordDTO.
type ProcessRecord struct {
	CollectedAt time.Time `json:"collected_at"`
	PID         int32     `json:"pid"`
	PPID        int32     `json:"ppid"`
	Name        string    `json:"name"`
	ExePath     string    `json:"exe_path"`
	Cmdline     string    `json:"cmdline"`
	User        string    `json:"user"`
	Status      string    `json:"status"`
	CreateTime  time.Time `json:"create_time"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	RSSBytes    int64     `json:"rss_bytes"`
	VMSBytes    int64     `json:"vms_bytes"`
	NumThreads  int32     `json:"num_threads"`
	NumFDs      int32     `json:"num_fds"`
	NumConns    int32     `json:"num_connections"`
}

// CommandRecord is the wire shape of one shell-history entry, mirroring
// the server's commandRecordDTO.
type CommandRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	User      string    `json:"user"`
	Shell     string    `json:"shell"`
	Source    string    `json:"source"`
	WorkDir   string    `json:"work_dir"`
	ExitCode  *int32    `json:"exit_code"`
}
