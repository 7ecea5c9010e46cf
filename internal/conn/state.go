// Package conn implements the connection lifecycle manager: a state machine
// with connect timeouts, bounded history, and automatic reconnection with
// exponential backoff.
package conn

import (
	"context"
	"encoding/json"
	"time"

	"rtcguard/internal/netmon"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateSuspended
)

// String returns the lowercase word used on the wire and in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// ParseState maps the wire form back to a State. Unrecognized input yields
// StateDisconnected.
func ParseState(s string) State {
	switch s {
	case "connecting":
		return StateConnecting
	case "connected":
		return StateConnected
	case "reconnecting":
		return StateReconnecting
	case "failed":
		return StateFailed
	case "suspended":
		return StateSuspended
	default:
		return StateDisconnected
	}
}

// IsActive reports whether the state represents a live or in-progress
// connection.
func (s State) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseState(str)
	return nil
}

// StateEvent is one recorded transition.
type StateEvent struct {
	State     State
	Previous  State
	Timestamp time.Time
	Err       error
	Network   netmon.Status
	Attempt   int
}

// MarshalJSON flattens the error to its message so history serializes
// cleanly for the diagnostics API.
func (e StateEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		State     State     `json:"state"`
		Previous  State     `json:"previous"`
		Timestamp time.Time `json:"timestamp"`
		Error     string    `json:"error,omitempty"`
		Network   string    `json:"network"`
		Attempt   int       `json:"attempt"`
	}{
		State:     e.State,
		Previous:  e.Previous,
		Timestamp: e.Timestamp,
		Network:   e.Network.String(),
		Attempt:   e.Attempt,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	State              State            `json:"state"`
	Network            string           `json:"network"`
	ReconnectAttempts  int              `json:"reconnect_attempts"`
	AutoReconnect      bool             `json:"auto_reconnect"`
	Transitions        map[string]int64 `json:"transitions"`
	AvgConnectedTime   time.Duration    `json:"avg_connected_time"`
	LastConnectedAt    time.Time        `json:"last_connected_at"`
	LastDisconnectedAt time.Time        `json:"last_disconnected_at"`
	HistoryLength      int              `json:"history_length"`
	LastError          string           `json:"last_error,omitempty"`
}

// Operation is the externally supplied reconnect action. It must respect
// the context: a cancelled episode abandons the call's outcome.
type Operation func(ctx context.Context) error
