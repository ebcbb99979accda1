package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/bus"
)

// defaultLivenessWindow is the window after which a silent device is
// considered offline, per §3's device status invariant.
const defaultLivenessWindow = 90 * time.Second

// defaultSweepInterval is the liveness sweep's tick period, per §4.C.
const defaultSweepInterval = 30 * time.Second

// LivenessSweeper periodically flips status to offline for devices that
// have gone silent, publishing an agent_status event for each flip.
type LivenessSweeper struct {
	store    Store
	bus      *bus.Bus
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewLivenessSweeper creates a sweeper. window and interval default to the
// spec's values (90s / 30s) when zero.
func NewLivenessSweeper(st Store, b *bus.Bus, window, interval time.Duration, logger *slog.Logger) *LivenessSweeper {
	if window <= 0 {
		window = defaultLivenessWindow
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &LivenessSweeper{store: st, bus: b, window: window, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (s *LivenessSweeper) Run(ctx context.Context) error {
	s.logger.Info("liveness sweeper started", "window", s.window, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *LivenessSweeper) tick(ctx context.Context) {
	// SweepOfflineDevices flips status in a single statement; we still
	// need the individual device IDs to publish per-device events, so
	// query the set that is about to go stale before sweeping it.
	before, err := s.store.ActiveDevices(ctx, s.window)
	if err != nil {
		s.logger.Error("listing active devices before sweep", "error", err)
		before = nil
	}

	n, err := s.store.SweepOfflineDevices(ctx, s.window)
	if err != nil {
		s.logger.Error("sweeping offline devices", "error", err)
		return
	}
	if n == 0 {
		return
	}

	after, err := s.store.ActiveDevices(ctx, s.window)
	if err != nil {
		s.logger.Error("listing active devices after sweep", "error", err)
		return
	}
	stillActive := make(map[string]bool, len(after))
	for _, d := range after {
		stillActive[d.ID.String()] = true
	}

	for _, d := range before {
		if !stillActive[d.ID.String()] {
			s.bus.Publish(bus.Event{Type: bus.EventAgentStatus, Payload: agentStatusEvent{
				DeviceID: d.ID,
				Status:   "offline",
			}})
		}
	}

	s.logger.Info("liveness sweep flipped devices offline", "count", n)
}

type agentStatusEvent struct {
	DeviceID uuid.UUID `json:"device_id"`
	Status   string    `json:"status"`
}
