package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/coopapi"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

type fakeSource struct {
	readingCalls atomic.Int64
	alertCalls   atomic.Int64

	mu       sync.Mutex
	readings []sensor.Reading
	records  []alert.Record
	err      error

	// blockReadings makes FetchReadings wait for ctx and then return data
	// anyway, like a slow request finishing after teardown.
	blockReadings bool
	blocked       chan struct{}
}

func (f *fakeSource) FetchReadings(ctx context.Context) ([]sensor.Reading, error) {
	f.readingCalls.Add(1)
	f.mu.Lock()
	readings, err, block := f.readings, f.err, f.blockReadings
	f.mu.Unlock()
	if block {
		if f.blocked != nil {
			f.blocked <- struct{}{}
		}
		<-ctx.Done()
	}
	return readings, err
}

func (f *fakeSource) FetchAlerts(ctx context.Context) ([]alert.Record, error) {
	f.alertCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, f.err
}

type countingNotifier struct{ calls atomic.Int64 }

func (c *countingNotifier) Notify(context.Context, alert.Impact, string) { c.calls.Add(1) }

type sinkRecorder struct {
	mu        sync.Mutex
	messages  []string
	snapshots int
}

func (s *sinkRecorder) PublishSnapshot(Snapshot) {
	s.mu.Lock()
	s.snapshots++
	s.mu.Unlock()
}

func (s *sinkRecorder) ShowMessage(msg string) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
}

func (s *sinkRecorder) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func hot(id string) sensor.Reading {
	return sensor.Reading{
		SensorID:    id,
		Temperature: sensor.Measurement{Value: 36, Present: true},
		Humidity:    sensor.Measurement{Value: 50, Present: true},
		Ammonia:     sensor.Measurement{Value: 10, Present: true},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollerEvaluatesLatestAndNotifiesOnce(t *testing.T) {
	src := &fakeSource{
		readings: []sensor.Reading{hot("newest"), {SensorID: "older"}},
		records:  []alert.Record{{Message: "open"}, {Message: "closed", Resolved: true}},
	}
	n := &countingNotifier{}
	sink := &sinkRecorder{}
	p := New(src, alert.NewTracker(n), sink, Config{Interval: 10 * time.Millisecond}, nil)

	if !p.Snapshot().Loading {
		t.Error("snapshot should be loading before the first fetch")
	}

	task := p.Start(context.Background())
	waitFor(t, "several polls", func() bool { return src.readingCalls.Load() >= 4 })
	task.Stop()

	snap := p.Snapshot()
	if snap.Loading {
		t.Error("loading should clear after the first fetch")
	}
	if snap.Alert == nil || snap.Alert.Kind != alert.TemperatureHigh {
		t.Fatalf("alert: got %+v", snap.Alert)
	}
	if snap.Alert.SourceReading.SensorID != "newest" {
		t.Errorf("alert should come from index 0, got %s", snap.Alert.SourceReading.SensorID)
	}
	if got := n.calls.Load(); got != 1 {
		t.Errorf("notifier calls: got %d, want 1", got)
	}
	if len(snap.BackendAlerts) != 1 || snap.BackendAlerts[0].Message != "open" {
		t.Errorf("backend alerts: got %+v", snap.BackendAlerts)
	}
	if snap.LastSuccess.IsZero() {
		t.Error("LastSuccess should be set")
	}
}

func TestPersistingAlertNotifiesOnceAcrossNewDocuments(t *testing.T) {
	var doc atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sensors/latest":
			n := doc.Add(1)
			fmt.Fprintf(w, `[{"_id": "doc%d", "temperature": 22, "humidity": 50, "ammonia": 30},
				{"_id": "doc%d", "temperature": 22, "humidity": 50, "ammonia": 30}]`, n, n-1)
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	n := &countingNotifier{}
	client := coopapi.New(srv.URL, coopapi.ModeLatest, nil, nil)
	p := New(client, alert.NewTracker(n), nil, Config{Interval: 5 * time.Millisecond}, nil)

	task := p.Start(context.Background())
	waitFor(t, "several documents", func() bool { return doc.Load() >= 6 })
	task.Stop()

	if a := p.Snapshot().Alert; a == nil || a.Kind != alert.AmmoniaHigh {
		t.Fatalf("alert: got %+v", a)
	}
	if got := n.calls.Load(); got != 1 {
		t.Errorf("notifier calls: got %d over %d polls, want 1", got, doc.Load())
	}
}

type blockingNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingNotifier) Notify(context.Context, alert.Impact, string) {
	b.entered <- struct{}{}
	<-b.release
}

func TestSlowNotifierDoesNotBlockSnapshot(t *testing.T) {
	src := &fakeSource{readings: []sensor.Reading{hot("a")}}
	n := &blockingNotifier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := New(src, alert.NewTracker(n), nil, Config{Interval: time.Hour}, nil)

	task := p.Start(context.Background())
	<-n.entered

	got := make(chan Snapshot, 1)
	go func() { got <- p.Snapshot() }()
	select {
	case snap := <-got:
		if snap.Alert == nil || snap.Notice == "" {
			t.Errorf("snapshot should already carry the alert, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Error("Snapshot blocked while the notifier was running")
	}

	close(n.release)
	task.Stop()
}

func TestPollerEvaluateAllUsesWholeBatch(t *testing.T) {
	nh3 := hot("s3")
	nh3.Temperature.Value = 20
	nh3.Ammonia.Value = 40
	src := &fakeSource{readings: []sensor.Reading{hot("s1"), {SensorID: "s2"}, nh3}}
	p := New(src, nil, nil, Config{Interval: time.Hour, EvaluateAll: true}, nil)

	task := p.Start(context.Background())
	waitFor(t, "first poll", func() bool { return !p.Snapshot().Loading })
	task.Stop()

	a := p.Snapshot().Alert
	if a == nil || a.Kind != alert.AmmoniaHigh || a.SourceReading.SensorID != "s3" {
		t.Errorf("got %+v, want ammonia-high from s3", a)
	}
}

func TestPollerKeepsPollingAfterFailures(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	sink := &sinkRecorder{}
	p := New(src, nil, sink, Config{Interval: 10 * time.Millisecond}, nil)

	task := p.Start(context.Background())
	waitFor(t, "retries", func() bool { return src.readingCalls.Load() >= 3 })

	src.mu.Lock()
	src.err = nil
	src.readings = []sensor.Reading{hot("a")}
	src.mu.Unlock()
	waitFor(t, "recovery", func() bool { return p.Snapshot().LastError == "" && len(p.Snapshot().Readings) == 1 })
	task.Stop()

	snap := p.Snapshot()
	if snap.ReadingErrors < 2 || snap.AlertErrors == 0 {
		t.Errorf("error counters: readings=%d alerts=%d", snap.ReadingErrors, snap.AlertErrors)
	}
	if sink.messageCount() == 0 {
		t.Error("failures should surface a user-visible message")
	}
}

func TestPollerSkipsOverlappingFetchOfSameKind(t *testing.T) {
	src := &fakeSource{blockReadings: true}
	p := New(src, nil, nil, Config{Interval: 5 * time.Millisecond}, nil)

	task := p.Start(context.Background())
	waitFor(t, "alert polls", func() bool { return src.alertCalls.Load() >= 5 })
	if got := src.readingCalls.Load(); got != 1 {
		t.Errorf("readings fetches while one is outstanding: got %d, want 1", got)
	}
	task.Stop()
}

func TestStopHaltsFetchesAndDiscardsLateResults(t *testing.T) {
	src := &fakeSource{
		readings:      []sensor.Reading{hot("late")},
		blockReadings: true,
		blocked:       make(chan struct{}, 1),
	}
	n := &countingNotifier{}
	p := New(src, alert.NewTracker(n), nil, Config{Interval: 5 * time.Millisecond}, nil)

	task := p.Start(context.Background())
	<-src.blocked
	task.Stop()

	readings, alerts := src.readingCalls.Load(), src.alertCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if src.readingCalls.Load() != readings || src.alertCalls.Load() != alerts {
		t.Error("fetches continued after Stop")
	}

	snap := p.Snapshot()
	if len(snap.Readings) != 0 || snap.Alert != nil {
		t.Errorf("in-flight result should be discarded, got %+v", snap)
	}
	if n.calls.Load() != 0 {
		t.Error("discarded result must not notify")
	}

	task.Stop()
}

func TestSnapshotSensors(t *testing.T) {
	history := Snapshot{Readings: []sensor.Reading{hot("a"), hot("a"), hot("b")}}
	if got := history.Sensors(); len(got) != 1 || got[0].SensorID != "a" {
		t.Errorf("history: got %+v, want only the newest entry", got)
	}

	perSensor := history
	perSensor.PerSensor = true
	if got := perSensor.Sensors(); len(got) != 2 || got[1].SensorID != "b" {
		t.Errorf("per sensor: got %+v", got)
	}

	if got := (Snapshot{}).Sensors(); len(got) != 0 {
		t.Errorf("empty: got %+v", got)
	}
}
