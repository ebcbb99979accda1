package store

import (
	"encoding/json"
	"testing"
)

func TestSplitDescriptor(t *testing.T) {
	cases := []struct {
		descriptor string
		hostname   string
		os         string
	}{
		{"web-01/linux-amd64", "web-01", "linux-amd64"},
		{"standalone-host", "standalone-host", "unknown"},
		{"a/b/c", "a", "b/c"},
	}

	for _, c := range cases {
		hostname, os := splitDescriptor(c.descriptor)
		if hostname != c.hostname || os != c.os {
			t.Errorf("splitDescriptor(%q) = (%q, %q), want (%q, %q)", c.descriptor, hostname, os, c.hostname, c.os)
		}
	}
}

func TestEnsureJSON(t *testing.T) {
	cases := []struct {
		in   json.RawMessage
		want string
	}{
		{nil, "{}"},
		{json.RawMessage(""), "{}"},
		{json.RawMessage("null"), "{}"},
		{json.RawMessage(`{"a":1}`), `{"a":1}`},
	}

	for _, c := range cases {
		if got := string(ensureJSON(c.in)); got != c.want {
			t.Errorf("ensureJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMetricSampleToJSON(t *testing.T) {
	m := MetricSample{
		CPUPercent:    42.5,
		CPUPerCore:    []float64{10, 20, 12.5},
		MemPercent:    60,
		MemUsedBytes:  1024,
		MemTotalBytes: 2048,
	}

	out := m.ToJSON()
	if out.CPU.Percent != 42.5 || len(out.CPU.PerCore) != 3 {
		t.Errorf("ToJSON() CPU = %+v, want percent 42.5 with 3 cores", out.CPU)
	}
	if out.Memory.Percent != 60 || out.Memory.UsedBytes != 1024 {
		t.Errorf("ToJSON() Memory = %+v, want percent 60 used 1024", out.Memory)
	}
}
