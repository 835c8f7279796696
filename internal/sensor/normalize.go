package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// Document keys such as _id change with every stored reading and are
	// not sensor identities.
	idKeys        = []string{"sensorId", "sensor_id", "deviceId", "device_id"}
	timestampKeys = []string{"timestamp", "observedAt", "lastUpdated", "createdAt"}

	timeLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}

	slotNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:coop:sensor-slot"))
)

// Normalize turns one raw record into a Reading. It never fails: unusable
// fields degrade to zero and an unparsable timestamp becomes now. index is
// the record's position in its batch and seeds the id of records without one.
func Normalize(raw map[string]any, index int, now time.Time) Reading {
	r := Reading{
		SensorID:    lookupID(raw),
		Temperature: measure(raw, Temperature),
		Humidity:    measure(raw, Humidity),
		Ammonia:     measure(raw, Ammonia),
		Luminosity:  measure(raw, Luminosity),
		ObservedAt:  lookupTime(raw, now),
	}
	if r.SensorID == "" {
		r.SensorID = SlotID(index)
	}
	return r
}

// NormalizeAll normalizes a decoded reading history. Elements that are not
// objects become zeroed readings so one bad row does not sink the batch.
// Rows without a sensor id are history of the same unnamed sensor and all
// share its id.
func NormalizeAll(raw []any, now time.Time) []Reading {
	readings := make([]Reading, 0, len(raw))
	for _, item := range raw {
		m, _ := item.(map[string]any)
		readings = append(readings, Normalize(m, 0, now))
	}
	return readings
}

// SlotID derives a stable identifier for the index-th record of a batch.
func SlotID(index int) string {
	return uuid.NewSHA1(slotNamespace, []byte(strconv.Itoa(index))).String()
}

func measure(raw map[string]any, f Field) Measurement {
	v, ok := raw[string(f)]
	if !ok {
		return Measurement{}
	}
	if wrapper, ok := v.(map[string]any); ok {
		v = wrapper["value"]
	}
	n, ok := Coerce(v)
	return Measurement{Value: n, Present: ok}
}

// Coerce converts v to a finite number. It returns 0 and false when v is
// missing or not numeric.
func Coerce(v any) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case int32:
		n = float64(t)
	case uint:
		n = float64(t)
	case uint64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case bool:
		if t {
			n = 1
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func lookupID(raw map[string]any) string {
	for _, k := range idKeys {
		if id := idString(raw[k]); id != "" {
			return id
		}
	}
	return ""
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}

func lookupTime(raw map[string]any, now time.Time) time.Time {
	for _, k := range timestampKeys {
		if t, ok := ParseTime(raw[k]); ok {
			return t
		}
	}
	return now
}

// ParseTime accepts RFC3339-style strings or epoch milliseconds.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
	case float64:
		if !math.IsNaN(t) && !math.IsInf(t, 0) {
			return time.UnixMilli(int64(t)), true
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	}
	return time.Time{}, false
}

// Capteur is one row of the fixed three-sensor deployment payload.
type Capteur struct {
	DeviceID    any    `json:"deviceId"`
	CapteurNum  any    `json:"capteurNum"`
	Temperature any    `json:"temperature"`
	Humidity    any    `json:"humidity"`
	Ammonia     any    `json:"ammonia"`
	Luminosity  any    `json:"luminosity"`
	Timestamp   any    `json:"timestamp"`
	LastUpdated any    `json:"lastUpdated"`
}

// FromCapteur normalizes a three-sensor row. The sensor id combines the
// device id with the sensor number.
func FromCapteur(c Capteur, index int, now time.Time) Reading {
	raw := map[string]any{
		string(Temperature): c.Temperature,
		string(Humidity):    c.Humidity,
		string(Ammonia):     c.Ammonia,
		string(Luminosity):  c.Luminosity,
		"timestamp":         c.Timestamp,
		"lastUpdated":       c.LastUpdated,
	}
	r := Normalize(raw, index, now)
	device := idString(c.DeviceID)
	if device == "" {
		return r
	}
	if num, ok := Coerce(c.CapteurNum); ok {
		r.SensorID = fmt.Sprintf("%s/%d", device, int(num))
	} else {
		r.SensorID = fmt.Sprintf("%s/%d", device, index+1)
	}
	return r
}
