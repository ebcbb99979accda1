package agent

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the agent's configuration, loaded from environment
// variables per the server's own config.Load convention.
type Config struct {
	ServerURL      string `env:"SIEM_AGENT_SERVER_URL,required"`
	InvitationFile string `env:"SIEM_AGENT_INVITATION_FILE" envDefault:"/etc/siem-agent/invitation"`
	CredentialFile string `env:"SIEM_AGENT_CREDENTIAL_FILE" envDefault:"/var/lib/siem-agent/credential.json"`
	BufferDir      string `env:"SIEM_AGENT_BUFFER_DIR" envDefault:"/var/lib/siem-agent/buffer"`

	// BufferCapBytes is the per-kind retention cap (§4.D step 2: 1 GB).
	BufferCapBytes int64 `env:"SIEM_AGENT_BUFFER_CAP_BYTES" envDefault:"1073741824"`

	MetricsIntervalSec int `env:"SIEM_AGENT_METRICS_INTERVAL_SEC" envDefault:"60"`
	CommandsIntervalSec int `env:"SIEM_AGENT_COMMANDS_INTERVAL_SEC" envDefault:"300"`
	HeartbeatIntervalSec int `env:"SIEM_AGENT_HEARTBEAT_INTERVAL_SEC" envDefault:"60"`

	LogFiles      []string `env:"SIEM_AGENT_LOG_FILES" envDefault:"/var/log/syslog,/var/log/auth.log" envSeparator:","`
	HistoryFiles  []string `env:"SIEM_AGENT_HISTORY_FILES" envDefault:"" envSeparator:","`

	// GzipThresholdBytes is the serialized-batch size above which the
	// forwarder compresses the request body (§4.D step 3).
	GzipThresholdBytes int `env:"SIEM_AGENT_GZIP_THRESHOLD_BYTES" envDefault:"10240"`

	// MaxRequestsPerSecond paces the forwarder's outbound requests during
	// backlog catch-up so a reconnecting fleet doesn't stampede the API.
	MaxRequestsPerSecond float64 `env:"SIEM_AGENT_MAX_REQUESTS_PER_SEC" envDefault:"5"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads the agent's configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config from env: %w", err)
	}
	return cfg, nil
}
