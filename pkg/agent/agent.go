package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// shutdownGrace is the hard deadline for in-flight work to finish after
// cancellation, per §4.D's cancellation contract.
const shutdownGrace = 30 * time.Second

// pressureHighWatermark and pressureLowWatermark bound the
// backpressure hysteresis of §4.D's "Pressure" clause: collectors halve
// their sample frequency once a buffer crosses 75% of cap, and resume
// normal frequency once it recedes to 50%.
const (
	pressureHighWatermark = 0.75
	pressureLowWatermark  = 0.50
)

// Agent is the host-side runtime: one process per device, composed of
// per-kind collector/buffer/forwarder pipelines that never share
// mutable state other than their buffer, per §4.D's concurrency model.
type Agent struct {
	cfg    *Config
	logger *slog.Logger
	client *http.Client
	cred   *Credential

	buffers map[string]*Buffer

	mu        sync.RWMutex
	throttled map[string]bool
}

// New constructs an Agent. It registers against the server if no
// credential is yet persisted.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Agent, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	cred, err := LoadCredential(cfg.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	if cred == nil {
		logger.Info("no persisted credential, registering")
		cred, err = Register(ctx, client, cfg.ServerURL, cfg.InvitationFile, hostname(), runtime.GOOS)
		if err != nil {
			return nil, fmt.Errorf("registering agent: %w", err)
		}
		if err := SaveCredential(cfg.CredentialFile, *cred); err != nil {
			return nil, fmt.Errorf("persisting credential: %w", err)
		}
	}

	buffers := make(map[string]*Buffer, 4)
	for _, kind := range []string{KindLogs, KindMetrics, KindProcesses, KindCommands} {
		buf, err := NewBuffer(cfg.BufferDir, kind, cfg.BufferCapBytes)
		if err != nil {
			return nil, fmt.Errorf("opening %s buffer: %w", kind, err)
		}
		buffers[kind] = buf
	}

	return &Agent{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		cred:      cred,
		buffers:   buffers,
		throttled: make(map[string]bool, 4),
	}, nil
}

// Run starts every collector, forwarder, the pressure monitor, and the
// heartbeat loop, and blocks until ctx is cancelled. On cancellation it
// gives in-flight work shutdownGrace to finish.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(a.cfg.MaxRequestsPerSecond), 1)

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				a.logger.Error("task exited", "task", name, "error", err)
			}
		}()
	}

	baseInterval := time.Duration(a.cfg.MetricsIntervalSec) * time.Second
	metrics := NewMetricsCollector(a.buffers[KindMetrics], hostname(), baseInterval, a.isThrottled(KindMetrics), a.logger)
	processes := NewProcessCollector(a.buffers[KindProcesses], baseInterval, a.isThrottled(KindProcesses), a.logger)
	logs := NewLogCollector(a.buffers[KindLogs], a.cfg.LogFiles, a.cfg.BufferDir, hostname(), a.logger)
	commands := NewCommandCollector(a.buffers[KindCommands], a.cfg.HistoryFiles, a.cfg.BufferDir, time.Duration(a.cfg.CommandsIntervalSec)*time.Second, a.logger)

	start("metrics_collector", metrics.Run)
	start("process_collector", processes.Run)
	start("log_collector", logs.Run)
	start("command_collector", commands.Run)

	for _, kind := range []string{KindLogs, KindMetrics, KindProcesses, KindCommands} {
		fw := NewForwarder(kind, a.buffers[kind], a.client, limiter, a.cfg.ServerURL, a.cfg.GzipThresholdBytes, a.cred, a.logger)
		start("forwarder_"+kind, fw.Run)
	}

	start("pressure_monitor", a.monitorPressure)
	start("heartbeat", a.heartbeatLoop)

	<-ctx.Done()
	a.logger.Info("shutting down, waiting for in-flight work", "grace", shutdownGrace)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		a.logger.Warn("shutdown grace period elapsed, remaining data stays buffered for next launch")
	}
	return nil
}

// isThrottled returns a closure reporting whether kind's buffer is
// currently under backpressure, per §4.D's "Pressure" clause.
func (a *Agent) isThrottled(kind string) func() bool {
	return func() bool {
		a.mu.RLock()
		defer a.mu.RUnlock()
		return a.throttled[kind]
	}
}

func (a *Agent) monitorPressure(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.mu.Lock()
			for kind, buf := range a.buffers {
				ratio := buf.PressureRatio()
				switch {
				case ratio >= pressureHighWatermark:
					if !a.throttled[kind] {
						a.logger.Warn("buffer pressure high, halving sample frequency", "kind", kind, "ratio", ratio)
					}
					a.throttled[kind] = true
				case ratio <= pressureLowWatermark:
					if a.throttled[kind] {
						a.logger.Info("buffer pressure receded, resuming normal sample frequency", "kind", kind, "ratio", ratio)
					}
					a.throttled[kind] = false
				}
			}
			a.mu.Unlock()
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	interval := time.Duration(a.cfg.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := Heartbeat(ctx, a.client, a.cfg.ServerURL, *a.cred); err != nil {
				a.logger.Error("heartbeat failed", "error", err)
			}
		}
	}
}
