package rules

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fenwicksec/siem/internal/store"
)

var authFailurePattern = regexp.MustCompile(`Failed password for (?:invalid user )?(\S+) from`)

// Catalog builds the thirteen rules bound to the given thresholds. Rule
// order here matches §4.E's table; evaluation order is otherwise not
// observable, since dedup and fingerprinting make the emitted set
// deterministic given the window data.
func Catalog(cfg Config) []Rule {
	suspicious := make([]*regexp.Regexp, 0, len(cfg.SuspiciousCommandPatterns))
	for _, p := range cfg.SuspiciousCommandPatterns {
		if re, err := regexp.Compile(p); err == nil {
			suspicious = append(suspicious, re)
		}
	}

	return []Rule{
		{Name: "high_cpu", Eval: highCPU(cfg)},
		{Name: "high_memory", Eval: highMemory(cfg)},
		{Name: "process_explosion", Eval: processExplosion(cfg)},
		{Name: "fork_bomb", Eval: forkBomb(cfg)},
		{Name: "brute_force", Eval: bruteForce(cfg)},
		{Name: "privilege_escalation", Eval: privilegeEscalation(cfg)},
		{Name: "suspicious_command", Eval: suspiciousCommand(suspicious)},
		{Name: "port_scan", Eval: portScan(cfg)},
		{Name: "data_exfiltration", Eval: dataExfiltration(cfg)},
		{Name: "malware_indicator", Eval: malwareIndicator(cfg)},
		{Name: "log_deletion", Eval: logDeletion()},
		{Name: "cron_tamper", Eval: cronTamper()},
		{Name: "service_disruption", Eval: serviceDisruption(cfg)},
	}
}

// 1. High CPU — max_process_cpu > threshold over the window.
func highCPU(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		var max float64
		for _, p := range w.Processes {
			if p.CPUPercent > max {
				max = p.CPUPercent
			}
		}
		if max <= cfg.HighCPUPercent {
			return nil
		}
		return &Candidate{
			RuleName:     "high_cpu",
			Severity:     "high",
			Details:      map[string]any{"max_process_cpu": max},
			StableFields: nil,
		}
	}
}

// 2. High memory — avg memory_percent strictly greater than threshold.
// Exactly at the threshold (e.g. 90.0%) does NOT fire, per §8.
func highMemory(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		if len(w.Metrics) == 0 {
			return nil
		}
		var sum float64
		for _, m := range w.Metrics {
			sum += m.MemPercent
		}
		avg := sum / float64(len(w.Metrics))
		if avg <= cfg.HighMemoryPercent {
			return nil
		}
		return &Candidate{
			RuleName: "high_memory",
			Severity: "high",
			Details:  map[string]any{"avg_memory_percent": avg},
		}
	}
}

// 3. Process explosion — distinct-PID count in any single snapshot exceeds
// threshold.
func processExplosion(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		max := maxSnapshotProcessCount(w.Processes)
		if max <= cfg.ProcessExplosionCount {
			return nil
		}
		return &Candidate{
			RuleName: "process_explosion",
			Severity: "high",
			Details:  map[string]any{"process_count": max},
		}
	}
}

// 4. Fork bomb — process creation rate sustained above threshold for at
// least ForkBombSustain. Approximated from the growth in distinct-PID
// snapshot counts between the earliest and latest sample in the window,
// since the store captures periodic snapshots rather than a creation
// event stream.
func forkBomb(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		times, counts := snapshotSeries(w.Processes)
		if len(times) < 2 {
			return nil
		}
		first, last := times[0], times[len(times)-1]
		elapsed := last.Sub(first)
		if elapsed < cfg.ForkBombSustain {
			return nil
		}
		delta := counts[len(counts)-1] - counts[0]
		if delta <= 0 {
			return nil
		}
		perMinute := float64(delta) / elapsed.Minutes()
		if perMinute <= cfg.ForkBombPerMinute {
			return nil
		}
		return &Candidate{
			RuleName: "fork_bomb",
			Severity: "high",
			Details:  map[string]any{"processes_per_minute": perMinute, "delta": delta},
		}
	}
}

// snapshotSeries groups process rows by collection time and returns the
// distinct snapshot timestamps (ascending) with their distinct-PID counts.
func snapshotSeries(records []store.ProcessRecord) ([]time.Time, []int) {
	byTime := map[time.Time]map[int32]struct{}{}
	for _, p := range records {
		seen, ok := byTime[p.CollectedAt]
		if !ok {
			seen = map[int32]struct{}{}
			byTime[p.CollectedAt] = seen
		}
		seen[p.PID] = struct{}{}
	}
	times := make([]time.Time, 0, len(byTime))
	for t := range byTime {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	counts := make([]int, len(times))
	for i, t := range times {
		counts[i] = len(byTime[t])
	}
	return times, counts
}

func maxSnapshotProcessCount(records []store.ProcessRecord) int {
	_, counts := snapshotSeries(records)
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	return max
}

// 5. Brute force — >= threshold sshd auth-failure log lines for the same
// principal within the window's log slice ([now-period, now]).
// BruteForceWindow is not consulted; failures spread across more than one
// rule period are not summed.
func bruteForce(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		byUser := map[string]int{}
		for _, l := range w.Logs {
			m := authFailurePattern.FindStringSubmatch(l.Message)
			if m == nil {
				continue
			}
			byUser[m[1]]++
		}
		for user, count := range byUser {
			if count >= cfg.BruteForceCount {
				return &Candidate{
					RuleName:     "brute_force",
					Severity:     "medium",
					Details:      map[string]any{"user": user, "attempts": count},
					StableFields: []string{"user"},
				}
			}
		}
		return nil
	}
}

// 6. Privilege escalation — a sudo command by a user outside the
// privileged allowlist.
func privilegeEscalation(cfg Config) func(Window) *Candidate {
	allowed := toSet(cfg.PrivilegedUsers)
	return func(w Window) *Candidate {
		for _, c := range w.Commands {
			if !strings.HasPrefix(strings.TrimSpace(c.Text), "sudo ") {
				continue
			}
			if allowed[c.User] {
				continue
			}
			return &Candidate{
				RuleName:     "privilege_escalation",
				Severity:     "medium",
				Details:      map[string]any{"user": c.User, "command": c.Text},
				StableFields: []string{"user"},
			}
		}
		return nil
	}
}

// 7. Suspicious command — matches one of the configured patterns.
func suspiciousCommand(patterns []*regexp.Regexp) func(Window) *Candidate {
	return func(w Window) *Candidate {
		for _, c := range w.Commands {
			for _, re := range patterns {
				if re.MatchString(c.Text) {
					return &Candidate{
						RuleName:     "suspicious_command",
						Severity:     "high",
						Details:      map[string]any{"command": c.Text, "pattern": re.String()},
						StableFields: []string{"pattern"},
					}
				}
			}
		}
		return nil
	}
}

// 8. Port scan — approximated as any single process sample reporting more
// distinct connections than the threshold. The columnar process schema
// records a per-sample connection count, not individual (host, port)
// tuples, so an exact distinct-pair count is not available at this layer;
// see DESIGN.md.
func portScan(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		for _, p := range w.Processes {
			if int(p.NumConnection) > cfg.PortScanConnections {
				return &Candidate{
					RuleName:     "port_scan",
					Severity:     "medium",
					Details:      map[string]any{"process": p.Name, "connections": p.NumConnection},
					StableFields: []string{"process"},
				}
			}
		}
		return nil
	}
}

// 9. Data exfiltration — outbound byte rate over the window exceeds
// threshold per minute.
func dataExfiltration(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		if len(w.Metrics) < 2 {
			return nil
		}
		sorted := append([]store.MetricSample(nil), w.Metrics...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
		first, last := sorted[0], sorted[len(sorted)-1]
		elapsed := last.Timestamp.Sub(first.Timestamp)
		if elapsed <= 0 {
			return nil
		}
		delta := last.NetBytesSent - first.NetBytesSent
		if delta <= 0 {
			return nil
		}
		perMinute := float64(delta) / elapsed.Minutes()
		if perMinute <= cfg.ExfilBytesPerMinute {
			return nil
		}
		return &Candidate{
			RuleName: "data_exfiltration",
			Severity: "high",
			Details:  map[string]any{"bytes_sent_per_minute": perMinute},
		}
	}
}

// 10. Malware indicator — process name or path matches a blocklist entry.
func malwareIndicator(cfg Config) func(Window) *Candidate {
	return func(w Window) *Candidate {
		for _, p := range w.Processes {
			for _, bad := range cfg.MalwareBlocklist {
				if strings.Contains(strings.ToLower(p.Name), bad) || strings.Contains(strings.ToLower(p.ExePath), bad) {
					return &Candidate{
						RuleName:     "malware_indicator",
						Severity:     "high",
						Details:      map[string]any{"process": p.Name, "path": p.ExePath, "match": bad},
						StableFields: []string{"process", "match"},
					}
				}
			}
		}
		return nil
	}
}

// 11. Log deletion — a command modifying /var/log/*.
func logDeletion() func(Window) *Candidate {
	logPathPattern := regexp.MustCompile(`/var/log/\S*`)
	verbPattern := regexp.MustCompile(`\b(rm|truncate)\b|>`)
	return func(w Window) *Candidate {
		for _, c := range w.Commands {
			if logPathPattern.MatchString(c.Text) && verbPattern.MatchString(c.Text) {
				return &Candidate{
					RuleName:     "log_deletion",
					Severity:     "high",
					Details:      map[string]any{"command": c.Text, "user": c.User},
					StableFields: []string{"user"},
				}
			}
		}
		return nil
	}
}

// 12. Cron tamper — a command modifying crontab or /etc/cron.d/*.
func cronTamper() func(Window) *Candidate {
	pattern := regexp.MustCompile(`\bcrontab\b|/etc/cron\.d/`)
	return func(w Window) *Candidate {
		for _, c := range w.Commands {
			if pattern.MatchString(c.Text) {
				return &Candidate{
					RuleName:     "cron_tamper",
					Severity:     "medium",
					Details:      map[string]any{"command": c.Text, "user": c.User},
					StableFields: []string{"user"},
				}
			}
		}
		return nil
	}
}

// 13. Service disruption — systemctl stop on a protected service.
func serviceDisruption(cfg Config) func(Window) *Candidate {
	protected := toSet(cfg.ProtectedServices)
	stopPattern := regexp.MustCompile(`systemctl\s+stop\s+(\S+)`)
	return func(w Window) *Candidate {
		for _, c := range w.Commands {
			m := stopPattern.FindStringSubmatch(c.Text)
			if m == nil {
				continue
			}
			svc := strings.TrimSuffix(m[1], ".service")
			if !protected[svc] {
				continue
			}
			return &Candidate{
				RuleName:     "service_disruption",
				Severity:     "critical",
				Details:      map[string]any{"service": svc, "user": c.User},
				StableFields: []string{"service"},
			}
		}
		return nil
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
