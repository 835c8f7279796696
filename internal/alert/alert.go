// Package alert derives threshold alerts from sensor readings and gates the
// notifier so a persisting condition is only signalled once.
package alert

import (
	"time"

	"github.com/coopwatch/coop_exporter/internal/sensor"
)

// Kind identifies which threshold tripped.
type Kind string

const (
	AmmoniaHigh     Kind = "ammonia-high"
	TemperatureHigh Kind = "temperature-high"
	HumidityLow     Kind = "humidity-low"
)

// Kinds in priority order, highest first.
var Kinds = []Kind{AmmoniaHigh, TemperatureHigh, HumidityLow}

const (
	AmmoniaMaxPPM      = 25.0
	TemperatureMaxC    = 35.0
	HumidityMinPercent = 30.0
)

var messages = map[Kind]string{
	AmmoniaHigh:     "⚠️ Ammonia level too high!",
	TemperatureHigh: "🔥 Temperature too high!",
	HumidityLow:     "💧 Humidity too low!",
}

// Alert is a condition derived from one reading.
type Alert struct {
	Kind          Kind
	Message       string
	SourceReading sensor.Reading
	RaisedAt      time.Time
}

func (k Kind) priority() int {
	for i, c := range Kinds {
		if c == k {
			return i
		}
	}
	return len(Kinds)
}

// Evaluate checks r against the fixed thresholds. Only the highest priority
// condition is returned. Pending readings never alert.
func Evaluate(r sensor.Reading, now time.Time) (Alert, bool) {
	if r.Pending() {
		return Alert{}, false
	}

	var kind Kind
	switch {
	case r.Ammonia.Value > AmmoniaMaxPPM:
		kind = AmmoniaHigh
	case r.Temperature.Value > TemperatureMaxC:
		kind = TemperatureHigh
	case r.Humidity.Value < HumidityMinPercent:
		kind = HumidityLow
	default:
		return Alert{}, false
	}

	return Alert{
		Kind:          kind,
		Message:       messages[kind],
		SourceReading: r,
		RaisedAt:      now,
	}, true
}

// EvaluateBatch evaluates every reading and returns the highest priority
// alert across the batch. Equal priorities go to the earliest reading.
func EvaluateBatch(readings []sensor.Reading, now time.Time) (Alert, bool) {
	var (
		best  Alert
		found bool
	)
	for _, r := range readings {
		a, ok := Evaluate(r, now)
		if !ok {
			continue
		}
		if !found || a.Kind.priority() < best.Kind.priority() {
			best, found = a, true
		}
	}
	return best, found
}
