// Package sensor normalizes the loosely-typed sensor records returned by the
// coop telemetry API into Readings with numeric measurements.
package sensor

import (
	"fmt"
	"time"
)

// Field names a measurement key in the raw API payload.
type Field string

const (
	Temperature Field = "temperature"
	Humidity    Field = "humidity"
	Ammonia     Field = "ammonia"
	Luminosity  Field = "luminosity"
)

// Fields lists every measured quantity in display order.
var Fields = []Field{Temperature, Humidity, Ammonia, Luminosity}

const (
	displayLayout = "2006-01-02 15:04:05"
	noData        = "N/A"
)

// Measurement is a coerced numeric value. Present is false when the payload
// carried nothing usable, in which case Value is 0.
type Measurement struct {
	Value   float64
	Present bool
}

func (m Measurement) String() string {
	if !m.Present {
		return noData
	}
	return fmt.Sprintf("%.1f", m.Value)
}

// Reading is one normalized snapshot of a single sensor.
type Reading struct {
	SensorID    string
	Temperature Measurement
	Humidity    Measurement
	Ammonia     Measurement
	Luminosity  Measurement
	ObservedAt  time.Time
}

// Get returns the measurement for f.
func (r Reading) Get(f Field) Measurement {
	switch f {
	case Temperature:
		return r.Temperature
	case Humidity:
		return r.Humidity
	case Ammonia:
		return r.Ammonia
	case Luminosity:
		return r.Luminosity
	}
	return Measurement{}
}

// Pending reports whether the core measurements are all at the fallback
// value, meaning the sensor has not delivered real data yet.
func (r Reading) Pending() bool {
	return r.Temperature.Value == 0 && r.Humidity.Value == 0 && r.Ammonia.Value == 0
}

// Display renders the observation time in local time.
func (r Reading) Display() string {
	return r.ObservedAt.Local().Format(displayLayout)
}

// Latest returns the most recent reading of a newest-first batch.
func Latest(readings []Reading) (Reading, bool) {
	if len(readings) == 0 {
		return Reading{}, false
	}
	return readings[0], true
}
