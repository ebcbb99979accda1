package rules

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/store"
)

func TestHighMemory_StrictlyGreaterThan(t *testing.T) {
	cfg := DefaultConfig()
	eval := highMemory(cfg)

	atThreshold := Window{Metrics: []store.MetricSample{{MemPercent: 90.0}}}
	if got := eval(atThreshold); got != nil {
		t.Errorf("memory_percent == 90.0 should not fire, got %+v", got)
	}

	overThreshold := Window{Metrics: []store.MetricSample{{MemPercent: 90.1}}}
	if got := eval(overThreshold); got == nil {
		t.Error("memory_percent == 90.1 should fire")
	}
}

func TestBruteForce_ThreeAttemptsSameUser(t *testing.T) {
	cfg := DefaultConfig()
	eval := bruteForce(cfg)

	base := time.Now()
	win := Window{Logs: []store.LogRecord{
		{Timestamp: base, Message: "Failed password for invalid user admin from 10.0.0.5"},
		{Timestamp: base.Add(10 * time.Second), Message: "Failed password for invalid user admin from 10.0.0.5"},
		{Timestamp: base.Add(20 * time.Second), Message: "Failed password for invalid user admin from 10.0.0.5"},
	}}

	cand := eval(win)
	if cand == nil {
		t.Fatal("expected brute_force candidate")
	}
	if cand.Details["user"] != "admin" {
		t.Errorf("details.user = %v, want admin", cand.Details["user"])
	}
	if cand.Severity != "medium" {
		t.Errorf("severity = %q, want medium", cand.Severity)
	}
}

func TestBruteForce_TwoAttemptsDoesNotFire(t *testing.T) {
	cfg := DefaultConfig()
	eval := bruteForce(cfg)

	win := Window{Logs: []store.LogRecord{
		{Message: "Failed password for invalid user admin from 10.0.0.5"},
		{Message: "Failed password for invalid user admin from 10.0.0.5"},
	}}
	if got := eval(win); got != nil {
		t.Errorf("two attempts should not fire, got %+v", got)
	}
}

func TestForkBomb_ProcessGrowth(t *testing.T) {
	cfg := DefaultConfig()
	eval := forkBomb(cfg)

	t0 := time.Now()
	deviceID := uuid.New()

	var records []store.ProcessRecord
	for pid := int32(0); pid < 500; pid++ {
		records = append(records, store.ProcessRecord{DeviceID: deviceID, CollectedAt: t0, PID: pid})
	}
	for pid := int32(0); pid < 16000; pid++ {
		records = append(records, store.ProcessRecord{DeviceID: deviceID, CollectedAt: t0.Add(60 * time.Second), PID: pid})
	}

	win := Window{Processes: records}
	cand := eval(win)
	if cand == nil {
		t.Fatal("expected fork_bomb candidate for 500 -> 16000 processes over 60s")
	}
}

func TestProcessExplosion_ForkBombScenario(t *testing.T) {
	cfg := DefaultConfig()
	eval := processExplosion(cfg)

	t0 := time.Now()
	var records []store.ProcessRecord
	for pid := int32(0); pid < 16000; pid++ {
		records = append(records, store.ProcessRecord{CollectedAt: t0, PID: pid})
	}

	win := Window{Processes: records}
	if got := eval(win); got == nil {
		t.Error("expected process_explosion for a 16000-process snapshot")
	}
}

func TestSuspiciousCommand_MatchesPattern(t *testing.T) {
	cfg := DefaultConfig()
	suspicious := Catalog(cfg)
	var rule Rule
	for _, r := range suspicious {
		if r.Name == "suspicious_command" {
			rule = r
		}
	}

	win := Window{Commands: []store.CommandRecord{{Text: "rm -rf /"}}}
	if got := rule.Eval(win); got == nil {
		t.Error("expected suspicious_command to fire on rm -rf /")
	}

	clean := Window{Commands: []store.CommandRecord{{Text: "ls -la"}}}
	if got := rule.Eval(clean); got != nil {
		t.Errorf("ls -la should not match, got %+v", got)
	}
}

func TestServiceDisruption_ProtectedService(t *testing.T) {
	cfg := DefaultConfig()
	eval := serviceDisruption(cfg)

	win := Window{Commands: []store.CommandRecord{{Text: "systemctl stop sshd", User: "deploy"}}}
	cand := eval(win)
	if cand == nil {
		t.Fatal("expected service_disruption for stopping sshd")
	}
	if cand.Severity != "critical" {
		t.Errorf("severity = %q, want critical", cand.Severity)
	}

	unprotected := Window{Commands: []store.CommandRecord{{Text: "systemctl stop nginx", User: "deploy"}}}
	if got := eval(unprotected); got != nil {
		t.Errorf("stopping an unlisted service should not fire, got %+v", got)
	}
}

func TestDataExfiltration_RateOverThreshold(t *testing.T) {
	cfg := DefaultConfig()
	eval := dataExfiltration(cfg)

	t0 := time.Now()
	win := Window{Metrics: []store.MetricSample{
		{Timestamp: t0, NetBytesSent: 0},
		{Timestamp: t0.Add(time.Minute), NetBytesSent: 600 * 1024 * 1024},
	}}
	if got := eval(win); got == nil {
		t.Error("expected data_exfiltration for 600MB/min")
	}
}

