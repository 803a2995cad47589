package models

import "time"

// ProbeResult captures the outcome of a reachability check.
type ProbeResult struct {
	IsOnline  bool          `json:"is_online"`
	Latency   time.Duration `json:"latency"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Err       error         `json:"-"`
	CheckedAt time.Time     `json:"checked_at"`
}

// ErrorMessage returns the failure message or an empty string.
func (r ProbeResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// LatencyMs reports the latency in whole milliseconds.
func (r ProbeResult) LatencyMs() int64 {
	return int64(r.Latency / time.Millisecond)
}
