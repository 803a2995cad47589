package models

import (
	"encoding/json"
	"time"
)

// OperationStatus is the delivery state of a queued operation.
type OperationStatus string

const (
	StatusPending   OperationStatus = "pending"
	StatusCompleted OperationStatus = "completed"
	// StatusFailed is only produced when a max-attempts policy is configured.
	StatusFailed OperationStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Operation is a write request to replay against the server. The queue never
// interprets it.
type Operation struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// QueuedOperation is an Operation plus its delivery bookkeeping.
type QueuedOperation struct {
	ID            string          `json:"id"`
	Operation     Operation       `json:"operation"`
	Status        OperationStatus `json:"status"`
	Timestamp     time.Time       `json:"timestamp"`
	Attempts      int             `json:"attempts,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// ProcessResult is the outcome of one replay attempt.
type ProcessResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Total      int               `json:"total"`
	Pending    int               `json:"pending"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
	Operations []QueuedOperation `json:"operations"`
}
