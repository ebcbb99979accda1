// Package config loads the server's single top-level configuration
// document from environment variables, per §6.
package config

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Mode selects the runtime entry point: "api", "rules", "ml",
	// "migrate", or "all" (every track in one process).
	Mode string `env:"SIEM_MODE" envDefault:"all"`

	// Server
	Host    string `env:"SIEM_SERVER_HOST" envDefault:"0.0.0.0"`
	Port    int    `env:"SIEM_SERVER_PORT" envDefault:"8000"`
	Workers int    `env:"SIEM_SERVER_WORKERS" envDefault:"0"`

	// Database
	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseMaxConns int32  `env:"SIEM_DATABASE_MAX_CONNECTIONS" envDefault:"20"`
	MigrationsDir    string `env:"SIEM_MIGRATIONS_DIR" envDefault:"internal/store/migrations"`

	// Redis (login rate limiting only — no alert dedup, no bus backing)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Auth
	AuthTokenSecret  string `env:"SIEM_AUTH_TOKEN_SECRET,required"`
	AuthTokenTTLDays int    `env:"SIEM_AUTH_TOKEN_TTL_DAYS" envDefault:"7"`

	// Retention
	RetentionLogsDays      int `env:"SIEM_RETENTION_LOGS_DAYS" envDefault:"30"`
	RetentionMetricsDays   int `env:"SIEM_RETENTION_METRICS_DAYS" envDefault:"90"`
	RetentionProcessesDays int `env:"SIEM_RETENTION_PROCESSES_DAYS" envDefault:"30"`
	RetentionAlertsDays    int `env:"SIEM_RETENTION_ALERTS_DAYS" envDefault:"180"`

	// Analysis (rule correlation engine)
	AnalysisRulePeriodSec     int `env:"SIEM_ANALYSIS_RULE_PERIOD_SEC" envDefault:"30"`
	AnalysisDedupWindowSec    int `env:"SIEM_ANALYSIS_DEDUP_WINDOW_SEC" envDefault:"300"`
	AnalysisLivenessWindowSec int `env:"SIEM_ANALYSIS_LIVENESS_WINDOW_SEC" envDefault:"90"`

	// Rules — JSON object overriding pkg/rules.DefaultConfig() fields.
	RulesConfigJSON string `env:"SIEM_RULES_CONFIG_JSON" envDefault:""`

	// ML detector
	MLEnabled       bool    `env:"SIEM_ML_ENABLED" envDefault:"true"`
	MLPeriodSec     int     `env:"SIEM_ML_PERIOD_SEC" envDefault:"600"`
	MLModelPath     string  `env:"SIEM_ML_MODEL_PATH" envDefault:"./models/latest"`
	MLThresholdHigh float64 `env:"SIEM_ML_THRESHOLD_HIGH" envDefault:"-0.6"`
	MLThresholdMed  float64 `env:"SIEM_ML_THRESHOLD_MEDIUM" envDefault:"-0.5"`
	MLThresholdLow  float64 `env:"SIEM_ML_THRESHOLD_LOW" envDefault:"-0.4"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetentionPolicy maps the retention.* config keys to the store's policy
// type — kept here rather than in internal/store to avoid that package
// importing config.
type RetentionPolicy struct {
	LogsDays      int
	MetricsDays   int
	ProcessesDays int
	AlertsDays    int
}

// Retention returns the configured retention policy.
func (c *Config) Retention() RetentionPolicy {
	return RetentionPolicy{
		LogsDays:      c.RetentionLogsDays,
		MetricsDays:   c.RetentionMetricsDays,
		ProcessesDays: c.RetentionProcessesDays,
		AlertsDays:    c.RetentionAlertsDays,
	}
}
