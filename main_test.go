package main

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coopwatch/coop_exporter/internal/actuator"
	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/monitor"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

type staticMonitor struct{ snap monitor.Snapshot }

func (s staticMonitor) Snapshot() monitor.Snapshot { return s.snap }

type staticActuators struct {
	state        actuator.State
	sent, failed uint64
}

func (s staticActuators) State() actuator.State         { return s.state }
func (s staticActuators) Counts() (sent, failed uint64) { return s.sent, s.failed }

type staticSession bool

func (s staticSession) Active() bool { return bool(s) }

func present(v float64) sensor.Measurement { return sensor.Measurement{Value: v, Present: true} }

func testSnapshot() monitor.Snapshot {
	hot := sensor.Reading{SensorID: "s1", Temperature: present(36), Humidity: present(50), Ammonia: present(10)}
	a, _ := alert.Evaluate(hot, time.Now())
	return monitor.Snapshot{
		Readings: []sensor.Reading{
			hot,
			{SensorID: "s1", Temperature: present(20), Humidity: present(50), Ammonia: present(10)},
			{SensorID: "s2", Temperature: present(21)},
		},
		Alert:         &a,
		BackendAlerts: []alert.Record{{Message: "open"}},
		LastSuccess:   time.Unix(1700000000, 0),
		Polls:         7,
		ReadingErrors: 2,
		PerSensor:     true,
	}
}

func TestExporterCollect(t *testing.T) {
	e := NewExporter(
		staticMonitor{testSnapshot()},
		staticActuators{state: actuator.State{actuator.Fan: true}, sent: 3, failed: 1},
		staticSession(true),
	)

	expected := `
# HELP coop_actuator_on Local on/off state of the actuator
# TYPE coop_actuator_on gauge
coop_actuator_on{device="fan"} 1
coop_actuator_on{device="lamp"} 0
coop_actuator_on{device="water"} 0
# HELP coop_alert_active Whether the threshold alert of this kind is currently surfaced
# TYPE coop_alert_active gauge
coop_alert_active{kind="ammonia-high"} 0
coop_alert_active{kind="humidity-low"} 0
coop_alert_active{kind="temperature-high"} 1
# HELP coop_actuator_commands_total Actuator commands by outcome
# TYPE coop_actuator_commands_total counter
coop_actuator_commands_total{result="failure"} 1
coop_actuator_commands_total{result="success"} 3
# HELP coop_poll_errors_total Failed fetches by resource
# TYPE coop_poll_errors_total counter
coop_poll_errors_total{resource="alerts"} 0
coop_poll_errors_total{resource="readings"} 2
`
	if err := testutil.CollectAndCompare(e, strings.NewReader(expected),
		"coop_actuator_on", "coop_alert_active", "coop_actuator_commands_total", "coop_poll_errors_total"); err != nil {
		t.Error(err)
	}

	// s1 appears twice; only its first reading is exported.
	if n := testutil.CollectAndCount(e, "coop_sensor_temperature_celsius"); n != 2 {
		t.Errorf("temperature series: got %d, want 2", n)
	}
	if n := testutil.CollectAndCount(e, "coop_sensor_humidity_percent"); n != 1 {
		t.Errorf("humidity series: got %d, want 1 (s2 has no humidity)", n)
	}
}

func TestExporterExportsOnlyNewestHistoryEntry(t *testing.T) {
	raw := []any{
		map[string]any{"_id": "doc3", "temperature": 23.0},
		map[string]any{"_id": "doc2", "temperature": 22.0},
		map[string]any{"_id": "doc1", "temperature": 21.0},
	}
	snap := monitor.Snapshot{Readings: sensor.NormalizeAll(raw, time.Now())}
	e := NewExporter(staticMonitor{snap}, staticActuators{state: actuator.State{}}, staticSession(false))

	expected := `
# HELP coop_sensor_temperature_celsius Latest temperature reading
# TYPE coop_sensor_temperature_celsius gauge
coop_sensor_temperature_celsius{sensor="` + sensor.SlotID(0) + `"} 23
`
	if err := testutil.CollectAndCompare(e, strings.NewReader(expected), "coop_sensor_temperature_celsius"); err != nil {
		t.Error(err)
	}
}
