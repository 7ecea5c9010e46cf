// Package journal persists diagnostics history (connection events, switch
// records, renewal statistics) in a bbolt database under the data
// directory. It is an append-mostly store bounded by a per-bucket cap; it
// never holds application state.
package journal

import (
	"encoding/json"
	"time"

	"rtcguard/internal/events"
)

// Bucket names for the bbolt database
const (
	MetaBucket             = "meta"
	ConnectionEventsBucket = "connection_events"
	SwitchRecordsBucket    = "switch_records"
	RenewalStatsBucket     = "renewal_stats"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// CurrentSchemaVersion is bumped when the record formats change.
const CurrentSchemaVersion = 1

// ConnectionEventRecord is one journaled bus event. Well-known payload
// fields are lifted into columns; connection state transitions fill most of
// them, other event types fill what applies.
type ConnectionEventRecord struct {
	Seq       uint64    `json:"seq,omitempty"`
	Type      string    `json:"type"`
	Backend   string    `json:"backend,omitempty"`
	State     string    `json:"state,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Network   string    `json:"network,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromEvent builds a record from a bus event, lifting the payload fields
// the journal indexes on.
func FromEvent(ev events.Event) ConnectionEventRecord {
	rec := ConnectionEventRecord{
		Type:      string(ev.Type),
		Backend:   ev.Backend,
		Timestamp: ev.Timestamp,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	for key, val := range ev.Data {
		switch key {
		case "state":
			rec.State, _ = val.(string)
		case "previous":
			rec.Previous, _ = val.(string)
		case "network":
			rec.Network, _ = val.(string)
		case "status":
			// Network status events carry the new status under "status".
			rec.Network, _ = val.(string)
		case "error":
			rec.Error, _ = val.(string)
		case "attempt":
			switch n := val.(type) {
			case int:
				rec.Attempt = n
			case int64:
				rec.Attempt = int(n)
			case float64:
				rec.Attempt = int(n)
			}
		}
	}
	return rec
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ConnectionEventRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ConnectionEventRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
