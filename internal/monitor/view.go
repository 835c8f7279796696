package monitor

import (
	"time"

	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

// ReadingView is the JSON form of a reading. Absent measurements are null
// and render as N/A in the Text map.
type ReadingView struct {
	SensorID    string            `json:"sensorId"`
	Temperature *float64          `json:"temperature"`
	Humidity    *float64          `json:"humidity"`
	Ammonia     *float64          `json:"ammonia"`
	Luminosity  *float64          `json:"luminosity"`
	Text        map[string]string `json:"text"`
	ObservedAt  time.Time         `json:"observedAt"`
	Display     string            `json:"display"`
}

type AlertView struct {
	Kind     alert.Kind `json:"kind"`
	Message  string     `json:"message"`
	SensorID string     `json:"sensorId"`
	RaisedAt time.Time  `json:"raisedAt"`
}

// View is the JSON form of a Snapshot.
type View struct {
	Loading       bool           `json:"loading"`
	Latest        *ReadingView   `json:"latest"`
	Readings      []ReadingView  `json:"readings"`
	Alert         *AlertView     `json:"alert"`
	BackendAlerts []alert.Record `json:"backendAlerts"`
	LastSuccess   *time.Time     `json:"lastSuccess,omitempty"`
	LastError     string         `json:"lastError,omitempty"`
	Notice        string         `json:"notice,omitempty"`
}

func valuePtr(m sensor.Measurement) *float64 {
	if !m.Present {
		return nil
	}
	v := m.Value
	return &v
}

func NewReadingView(r sensor.Reading) ReadingView {
	text := make(map[string]string, len(sensor.Fields))
	for _, f := range sensor.Fields {
		text[string(f)] = r.Get(f).String()
	}
	return ReadingView{
		SensorID:    r.SensorID,
		Temperature: valuePtr(r.Temperature),
		Humidity:    valuePtr(r.Humidity),
		Ammonia:     valuePtr(r.Ammonia),
		Luminosity:  valuePtr(r.Luminosity),
		Text:        text,
		ObservedAt:  r.ObservedAt,
		Display:     r.Display(),
	}
}

func (s Snapshot) View() View {
	v := View{
		Loading:       s.Loading,
		Readings:      make([]ReadingView, 0, len(s.Readings)),
		BackendAlerts: s.BackendAlerts,
		LastError:     s.LastError,
		Notice:        s.Notice,
	}
	if v.BackendAlerts == nil {
		v.BackendAlerts = []alert.Record{}
	}
	for _, r := range s.Readings {
		v.Readings = append(v.Readings, NewReadingView(r))
	}
	if len(v.Readings) > 0 {
		latest := v.Readings[0]
		v.Latest = &latest
	}
	if s.Alert != nil {
		v.Alert = &AlertView{
			Kind:     s.Alert.Kind,
			Message:  s.Alert.Message,
			SensorID: s.Alert.SourceReading.SensorID,
			RaisedAt: s.Alert.RaisedAt,
		}
	}
	if !s.LastSuccess.IsZero() {
		t := s.LastSuccess
		v.LastSuccess = &t
	}
	return v
}
