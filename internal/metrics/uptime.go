package metrics

import (
	"math"
	"time"

	"netkeep/internal/models"
)

// ReachabilityUptime summarises a window of probe results.
type ReachabilityUptime struct {
	UptimePercent float64 `json:"uptime_percent"`
	TotalChecks   int     `json:"total_checks"`
	Online        int     `json:"online"`
	Offline       int     `json:"offline"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	LastOnline    string  `json:"last_online,omitempty"`
	LastOffline   string  `json:"last_offline,omitempty"`
}

// ComputeReachabilityUptime aggregates uptime statistics from probe history.
func ComputeReachabilityUptime(history []models.ProbeResult) ReachabilityUptime {
	var (
		out        ReachabilityUptime
		latencySum time.Duration
		lastUp     time.Time
		lastDown   time.Time
	)
	for _, r := range history {
		if r.IsOnline {
			out.Online++
			latencySum += r.Latency
			if r.CheckedAt.After(lastUp) {
				lastUp = r.CheckedAt
			}
		} else {
			out.Offline++
			if r.CheckedAt.After(lastDown) {
				lastDown = r.CheckedAt
			}
		}
	}
	out.TotalChecks = out.Online + out.Offline
	if out.TotalChecks > 0 {
		out.UptimePercent = round2(float64(out.Online) / float64(out.TotalChecks) * 100)
	}
	if out.Online > 0 {
		out.AvgLatencyMs = round2(float64(latencySum) / float64(out.Online) / float64(time.Millisecond))
	}
	if !lastUp.IsZero() {
		out.LastOnline = lastUp.UTC().Format(time.RFC3339)
	}
	if !lastDown.IsZero() {
		out.LastOffline = lastDown.UTC().Format(time.RFC3339)
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
