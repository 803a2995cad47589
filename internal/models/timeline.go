package models

import "time"

// StateTransition records one status change of the connection manager.
type StateTransition struct {
	From       ConnectionStatus `json:"from"`
	To         ConnectionStatus `json:"to"`
	At         time.Time        `json:"at"`
	RetryCount int              `json:"retry_count"`
	Error      string           `json:"error,omitempty"`
}

// TimelineSpan is a contiguous period spent in a single status.
type TimelineSpan struct {
	Status ConnectionStatus `json:"status"`
	Start  time.Time        `json:"start"`
	End    time.Time        `json:"end"`
}

// Duration returns the span length.
func (s TimelineSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// TimelinePoint is one fixed-width bucket of the connection timeline.
type TimelinePoint struct {
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Status      ConnectionStatus `json:"status,omitempty"`
	ClassName   string           `json:"class_name"`
	Label       string           `json:"label"`
	Transitions int              `json:"transitions"`
}
