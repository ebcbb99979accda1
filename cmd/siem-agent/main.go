package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenwicksec/siem/internal/telemetry"
	"github.com/fenwicksec/siem/pkg/agent"
)

func main() {
	cfg, err := agent.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading agent config: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("fatal: constructing agent", "error", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}
