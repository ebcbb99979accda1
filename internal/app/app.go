// Package app wires together every component of the SIEM core — storage,
// identity, ingestion, correlation, detection, the real-time bus, and the
// HTTP surface — and runs the track(s) selected by cfg.Mode. One goroutine
// per track shares a single cancellation context, per §5.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/config"
	"github.com/fenwicksec/siem/internal/httpserver"
	"github.com/fenwicksec/siem/internal/platform"
	"github.com/fenwicksec/siem/internal/store"
	"github.com/fenwicksec/siem/internal/telemetry"
	"github.com/fenwicksec/siem/pkg/api"
	"github.com/fenwicksec/siem/pkg/ingest"
	"github.com/fenwicksec/siem/pkg/ml"
	"github.com/fenwicksec/siem/pkg/rules"
)

// shutdownGrace bounds how long the HTTP server gets to drain in-flight
// requests once ctx is cancelled.
const shutdownGrace = 10 * time.Second

// Run loads dependencies for cfg.Mode and blocks until ctx is cancelled or
// a track exits with an error. Mode is one of "api", "rules", "ml",
// "migrate", or "all" (every track in one process).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting", "mode", cfg.Mode)

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	if cfg.Mode == "migrate" {
		logger.Info("migrations applied, exiting")
		return nil
	}

	pool, err := platform.NewPostgresPool(ctx, platform.PostgresConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	st := store.New(pool, logger)
	metricsReg := telemetry.NewMetricsRegistry()

	sessionSecret := cfg.AuthTokenSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Warn("SIEM_AUTH_TOKEN_SECRET not set, generated an ephemeral dev secret; sessions will not survive a restart")
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, time.Duration(cfg.AuthTokenTTLDays)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("constructing session manager: %w", err)
	}
	authSvc := auth.NewService(st, sessionMgr, logger)
	loginLimiter := auth.NewRateLimiter(rdb, 10, 15*time.Minute)

	eventBus := bus.New(logger, telemetry.BusDroppedTotal, 256)

	rulesCfg, err := rules.LoadConfig(cfg.RulesConfigJSON)
	if err != nil {
		return fmt.Errorf("loading rules config: %w", err)
	}

	rp := cfg.Retention()
	retention := store.RetentionPolicy{
		Logs:      time.Duration(rp.LogsDays) * 24 * time.Hour,
		Metrics:   time.Duration(rp.MetricsDays) * 24 * time.Hour,
		Processes: time.Duration(rp.ProcessesDays) * 24 * time.Hour,
		Alerts:    time.Duration(rp.AlertsDays) * 24 * time.Hour,
	}
	dedupWindow := time.Duration(cfg.AnalysisDedupWindowSec) * time.Second
	livenessWindow := time.Duration(cfg.AnalysisLivenessWindowSec) * time.Second

	var wg sync.WaitGroup
	var taskErrs []error
	var taskErrsMu sync.Mutex
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("track exited", "track", name, "error", err)
				taskErrsMu.Lock()
				taskErrs = append(taskErrs, fmt.Errorf("%s: %w", name, err))
				taskErrsMu.Unlock()
			}
		}()
	}

	runAPI := cfg.Mode == "api" || cfg.Mode == "all"
	runRules := cfg.Mode == "rules" || cfg.Mode == "all"
	runML := cfg.Mode == "ml" || cfg.Mode == "all"

	// Background maintenance runs in every non-migrate mode, mirroring
	// the teacher's "housekeeping always runs" shape rather than gating
	// it behind a single track.
	janitor := store.NewJanitor(st, retention, time.Hour, logger)
	start("retention_janitor", janitor.Run)

	var detector *ml.Detector
	if cfg.MLEnabled {
		detector = ml.NewDetector(cfg.MLModelPath, st, eventBus, dedupWindow,
			telemetry.AlertsRaisedTotal, telemetry.AlertsDeduplicatedTotal,
			time.Duration(cfg.MLPeriodSec)*time.Second, livenessWindow,
			ml.Thresholds{High: cfg.MLThresholdHigh, Medium: cfg.MLThresholdMed, Low: cfg.MLThresholdLow},
			telemetry.MLScoresTotal, logger)
	}

	if runAPI {
		srv := httpserver.NewServer(cfg, logger, pool, metricsReg)

		touch := func(ctx context.Context, deviceID uuid.UUID) error {
			return st.TouchLastSeen(ctx, []uuid.UUID{deviceID}, time.Now())
		}
		authHandler := auth.NewHandler(authSvc, loginLimiter, touch, logger)
		srv.Router.Group(func(r chi.Router) {
			r.Use(auth.Middleware(authSvc, logger))
			r.Mount("/auth", authHandler.Routes())
			r.Mount("/agent", authHandler.AgentRoutes())
		})

		lastSeenCache := ingest.NewLastSeenCache(st, logger)
		ingestHandler := ingest.NewHandler(st, lastSeenCache, eventBus, retention, telemetry.IngestClockSkewTotal, logger)
		liveness := ingest.NewLivenessSweeper(st, eventBus, livenessWindow, 30*time.Second, logger)
		start("lastseen_cache_flush", func(ctx context.Context) error {
			lastSeenCache.Run(ctx, 10*time.Second)
			return nil
		})
		start("liveness_sweeper", liveness.Run)

		apiHandler := api.NewHandler(st, logger)

		srv.APIRouter.Group(func(r chi.Router) {
			r.Use(auth.Middleware(authSvc, logger))
			r.Use(auth.RequireAuth)
			r.With(auth.RequireRole(auth.RoleDevice)).Mount("/ingest", ingestHandler.Routes())
			r.With(auth.RequireMinRole(auth.RoleAnalyst)).Mount("/", apiHandler.Routes())
			if detector != nil {
				r.Mount("/ml", ml.NewHandler(detector).Routes())
			}
		})

		srv.Router.Group(func(r chi.Router) {
			r.Use(auth.Middleware(authSvc, logger))
			r.Get("/ws", bus.Handler(eventBus, logger))
		})

		httpServer := &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      srv,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		start("http_server", func(ctx context.Context) error {
			logger.Info("http server listening", "addr", cfg.ListenAddr())
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			}
		})
	}

	if runRules {
		engine := rules.NewEngine(st, eventBus, rulesCfg,
			time.Duration(cfg.AnalysisRulePeriodSec)*time.Second,
			dedupWindow, livenessWindow,
			telemetry.AlertsRaisedTotal, telemetry.AlertsDeduplicatedTotal, logger)
		start("rule_engine", engine.Run)
	}

	if runML {
		if detector == nil {
			logger.Info("ml track requested but SIEM_ML_ENABLED=false, skipping")
		} else {
			start("ml_detector", detector.Run)
		}
	}

	if detector != nil {
		start("ml_model_reload", func(ctx context.Context) error {
			hupCh := make(chan os.Signal, 1)
			signal.Notify(hupCh, syscall.SIGHUP)
			defer signal.Stop(hupCh)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupCh:
					if err := detector.Reload(); err != nil {
						logger.Error("ml model reload failed", "error", err)
						continue
					}
					logger.Info("ml model reloaded on SIGHUP")
				}
			}
		})
	}

	wg.Wait()

	taskErrsMu.Lock()
	defer taskErrsMu.Unlock()
	if len(taskErrs) > 0 {
		return errors.Join(taskErrs...)
	}
	return nil
}
