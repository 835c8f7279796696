package alert

import (
	"time"

	"github.com/coopwatch/coop_exporter/internal/sensor"
)

// Record is an alert stored by the backend. Resolution is owned by the
// backend; the monitor only hides resolved ones. Timestamp is kept as sent,
// either a date string or epoch milliseconds.
type Record struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp any    `json:"timestamp,omitempty"`
	Resolved  bool   `json:"resolved,omitempty"`
}

// Time parses the record timestamp, zero when it cannot be read.
func (r Record) Time() time.Time {
	t, _ := sensor.ParseTime(r.Timestamp)
	return t
}

// Unresolved returns the records still open, preserving order.
func Unresolved(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out
}
