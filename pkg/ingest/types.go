package ingest

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Data types accepted by the batch-ingest endpoint, per §4.C.
const (
	DataTypeLogs      = "logs"
	DataTypeMetrics   = "metrics"
	DataTypeProcesses = "processes"
	DataTypeCommands  = "commands"
)

// batchRequest is the wire shape of POST /api/ingest/batch.
type batchRequest struct {
	DeviceID uuid.UUID         `json:"device_id" validate:"required"`
	DataType string            `json:"data_type" validate:"required,oneof=logs metrics processes commands"`
	Records  []json.RawMessage `json:"records" validate:"required,min=1"`
}

// batchResponse is returned on success: {ingested: N}.
type batchResponse struct {
	Ingested int `json:"ingested"`
}

// logRecordDTO is the wire shape of one log record within a batch.
type logRecordDTO struct {
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
	Severity    int16     `json:"severity"`
	Facility    string    `json:"facility"`
	ProcessName *string   `json:"process_name"`
	Message     string    `json:"message"`
	RawSource   string    `json:"raw_source"`
}

func (r logRecordDTO) validate() string {
	if r.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if r.Severity < 0 || r.Severity > 7 {
		return "severity out of range [0,7]"
	}
	if r.Message == "" {
		return "missing message"
	}
	return ""
}

// metricRecordDTO is the wire shape of one metric sample within a batch.
type metricRecordDTO struct {
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

func (r metricRecordDTO) validate() string {
	if r.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if r.CPU.Percent < 0 || r.CPU.Percent > 100 {
		return "cpu_percent out of range [0,100]"
	}
	if r.Memory.Percent < 0 || r.Memory.Percent > 100 {
		return "memory_percent out of range [0,100]"
	}
	return ""
}

// processRecordDTO is the wire shape of one process-snapshot row.
type processRecordDTO struct {
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

func (r processRecordDTO) validate() string {
	if r.CollectedAt.IsZero() {
		return "missing collected_at"
	}
	if r.PID <= 0 {
		return "pid must be positive"
	}
	if r.Name == "" {
		return "missing name"
	}
	return ""
}

// commandRecordDTO is the wire shape of one shell-command record.
type commandRecordDTO struct {
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	User      string    `json:"user"`
	Shell     string    `json:"shell"`
	Source    string    `json:"source"`
	WorkDir   string    `json:"work_dir"`
	ExitCode  *int32    `json:"exit_code"`
}

func (r commandRecordDTO) validate() string {
	if r.Timestamp.IsZero() {
		return "missing timestamp"
	}
	if r.Text == "" {
		return "missing text"
	}
	return ""
}
