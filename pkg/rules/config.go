package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds the configurable thresholds for every rule in the catalog.
// Defaults match §4.E's catalog table; operators override via the
// SIEM_RULES_CONFIG_JSON env var (a JSON object keyed by the field names
// below), which is simpler to validate than a dotted rules.<name>.<field>
// key-value store and still satisfies "thresholds are defaults, all
// configurable".
type Config struct {
	HighCPUPercent        float64       `json:"high_cpu_percent"`
	HighMemoryPercent     float64       `json:"high_memory_percent"`
	ProcessExplosionCount int           `json:"process_explosion_count"`
	ForkBombPerMinute     float64       `json:"fork_bomb_per_minute"`
	ForkBombSustain       time.Duration `json:"-"`
	BruteForceCount       int           `json:"brute_force_count"`
	BruteForceWindow      time.Duration `json:"-"`
	PortScanConnections   int           `json:"port_scan_connections"`
	ExfilBytesPerMinute   float64       `json:"exfil_bytes_per_minute"`

	PrivilegedUsers           []string `json:"privileged_users"`
	SuspiciousCommandPatterns []string `json:"suspicious_command_patterns"`
	MalwareBlocklist          []string `json:"malware_blocklist"`
	ProtectedServices         []string `json:"protected_services"`
}

// DefaultConfig returns the catalog's default thresholds.
func DefaultConfig() Config {
	return Config{
		HighCPUPercent:        200,
		HighMemoryPercent:     90,
		ProcessExplosionCount: 15000,
		ForkBombPerMinute:     50,
		ForkBombSustain:       60 * time.Second,
		BruteForceCount:       3,
		BruteForceWindow:      5 * time.Minute,
		PortScanConnections:   50,
		ExfilBytesPerMinute:   500 * 1024 * 1024,

		PrivilegedUsers: []string{"root", "admin"},
		SuspiciousCommandPatterns: []string{
			`rm\s+-rf\s+/`,
			`dd\s+if=`,
			`nc\s+-l`,
			`mkfs`,
			`:\(\)\{`,
		},
		MalwareBlocklist:  []string{"xmrig", "mimikatz", "cryptominer", "kinsing"},
		ProtectedServices: []string{"sshd", "ssh", "auditd", "rsyslog", "syslog", "firewalld", "iptables"},
	}
}

// LoadConfig starts from DefaultConfig and overlays any fields present in
// raw (a JSON object matching Config's json tags). An empty raw returns
// the defaults unchanged.
func LoadConfig(raw string) (Config, error) {
	cfg := DefaultConfig()
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing rules config json: %w", err)
	}
	return cfg, nil
}
