package models

import "time"

// ConnectionStatus enumerates the lifecycle states of a session.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Reconnecting ConnectionStatus = "reconnecting"
	Errored      ConnectionStatus = "error"
)

// String implements fmt.Stringer.
func (s ConnectionStatus) String() string {
	if s == "" {
		return string(Disconnected)
	}
	return string(s)
}

// ConnectionState is a snapshot of the connection manager.
type ConnectionState struct {
	Status              ConnectionStatus `json:"status"`
	RetryCount          int              `json:"retry_count"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastConnectedAt     *time.Time       `json:"last_connected_at,omitempty"`
	LastDisconnectedAt  *time.Time       `json:"last_disconnected_at,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
}
