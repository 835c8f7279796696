// Package monitor runs the periodic fetch-and-evaluate cycle against the
// coop API and keeps the snapshot presentation surfaces read from.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

const DefaultInterval = 10 * time.Second

// Source fetches the two polled resources. Implementations must return
// promptly once ctx is cancelled.
type Source interface {
	FetchReadings(ctx context.Context) ([]sensor.Reading, error)
	FetchAlerts(ctx context.Context) ([]alert.Record, error)
}

// Sink receives every published snapshot and user-visible message.
type Sink interface {
	PublishSnapshot(Snapshot)
	ShowMessage(msg string)
}

type nopSink struct{}

func (nopSink) PublishSnapshot(Snapshot) {}
func (nopSink) ShowMessage(string)       {}

type Config struct {
	Interval time.Duration
	// EvaluateAll evaluates every reading of the batch instead of only the
	// latest one. Used when each entry is a distinct sensor.
	EvaluateAll bool
}

// Snapshot is the state of the last poll cycle.
type Snapshot struct {
	Readings      []sensor.Reading
	Alert         *alert.Alert
	BackendAlerts []alert.Record
	LastSuccess   time.Time
	LastError     string
	Notice        string
	Loading       bool
	Polls         uint64
	ReadingErrors uint64
	AlertErrors   uint64

	// PerSensor is set when each reading is a distinct sensor rather than
	// an entry of the newest-first history.
	PerSensor bool
}

// Latest returns the newest reading of the snapshot.
func (s Snapshot) Latest() (sensor.Reading, bool) {
	return sensor.Latest(s.Readings)
}

// Sensors returns the current reading of every sensor: the newest history
// entry, or the first reading per sensor id when PerSensor is set.
func (s Snapshot) Sensors() []sensor.Reading {
	if !s.PerSensor {
		if r, ok := s.Latest(); ok {
			return []sensor.Reading{r}
		}
		return nil
	}
	seen := make(map[string]bool, len(s.Readings))
	out := make([]sensor.Reading, 0, len(s.Readings))
	for _, r := range s.Readings {
		if seen[r.SensorID] {
			continue
		}
		seen[r.SensorID] = true
		out = append(out, r)
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Readings = append([]sensor.Reading(nil), s.Readings...)
	c.BackendAlerts = append([]alert.Record(nil), s.BackendAlerts...)
	if s.Alert != nil {
		a := *s.Alert
		c.Alert = &a
	}
	return c
}

type Poller struct {
	source  Source
	tracker *alert.Tracker
	sink    Sink
	cfg     Config
	logger  log.Logger
	now     func() time.Time

	readingsBusy atomic.Bool
	alertsBusy   atomic.Bool

	mu   sync.Mutex
	snap Snapshot
}

func New(source Source, tracker *alert.Tracker, sink Sink, cfg Config, logger log.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if sink == nil {
		sink = nopSink{}
	}
	if tracker == nil {
		tracker = alert.NewTracker(nil)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Poller{
		source:  source,
		tracker: tracker,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		snap:    Snapshot{Loading: true, PerSensor: cfg.EvaluateAll},
	}
}

// Snapshot returns a copy of the current state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.clone()
}

// Task is the handle of a running poll schedule.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stop cancels the schedule and waits for outstanding fetches to return.
// Results that arrive after cancellation are discarded. Safe to call more
// than once.
func (t *Task) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Done is closed once the task has been cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Start fetches immediately and then on every interval until the returned
// task is stopped or ctx ends.
func (p *Poller) Start(ctx context.Context) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{ctx: ctx, cancel: cancel}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		p.run(t)
	}()
	return t
}

func (p *Poller) run(t *Task) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	level.Info(p.logger).Log("msg", "polling started", "interval", p.cfg.Interval)
	p.tick(t)
	for {
		select {
		case <-t.ctx.Done():
			level.Info(p.logger).Log("msg", "polling stopped")
			return
		case <-ticker.C:
			p.tick(t)
		}
	}
}

func (p *Poller) tick(t *Task) {
	if t.ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	p.snap.Polls++
	p.mu.Unlock()

	p.launch(t, &p.readingsBusy, "readings", p.pollReadings)
	p.launch(t, &p.alertsBusy, "alerts", p.pollAlerts)
}

// launch starts fn unless the previous fetch of the same kind is still
// outstanding.
func (p *Poller) launch(t *Task, busy *atomic.Bool, kind string, fn func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		level.Debug(p.logger).Log("msg", "previous fetch still outstanding, skipping", "kind", kind)
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer busy.Store(false)
		fn(t.ctx)
	}()
}

func (p *Poller) pollReadings(ctx context.Context) {
	readings, err := p.source.FetchReadings(ctx)

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return
	}

	p.snap.Loading = false
	if err != nil {
		p.snap.ReadingErrors++
		notice, snap := p.fail("sensor readings", err)
		p.mu.Unlock()
		p.sink.ShowMessage(notice)
		p.sink.PublishSnapshot(snap)
		return
	}

	now := p.now()
	p.snap.Readings = readings
	p.snap.LastSuccess = now
	p.snap.LastError = ""

	var (
		a  alert.Alert
		ok bool
	)
	if p.cfg.EvaluateAll {
		a, ok = alert.EvaluateBatch(readings, now)
	} else if latest, found := sensor.Latest(readings); found {
		a, ok = alert.Evaluate(latest, now)
	}

	p.snap.Alert = nil
	if ok {
		p.snap.Alert = &a
	}
	raised := p.tracker.Changed(a, ok)
	if raised {
		p.snap.Notice = a.Message
	}
	snap := p.snap.clone()
	p.mu.Unlock()

	if raised {
		level.Warn(p.logger).Log("msg", "threshold alert raised", "kind", a.Kind, "sensor", a.SourceReading.SensorID)
		p.tracker.Notify(ctx, a)
		p.sink.ShowMessage(a.Message)
	}
	p.sink.PublishSnapshot(snap)
}

func (p *Poller) pollAlerts(ctx context.Context) {
	records, err := p.source.FetchAlerts(ctx)

	p.mu.Lock()
	if ctx.Err() != nil {
		p.mu.Unlock()
		return
	}

	if err != nil {
		p.snap.AlertErrors++
		notice, snap := p.fail("backend alerts", err)
		p.mu.Unlock()
		p.sink.ShowMessage(notice)
		p.sink.PublishSnapshot(snap)
		return
	}
	p.snap.BackendAlerts = alert.Unresolved(records)
	snap := p.snap.clone()
	p.mu.Unlock()

	p.sink.PublishSnapshot(snap)
}

// fail must be called with p.mu held. The caller surfaces the returned
// notice and snapshot after unlocking.
func (p *Poller) fail(what string, err error) (string, Snapshot) {
	level.Error(p.logger).Log("msg", fmt.Sprintf("failed to fetch %s, will try again next tick", what), "err", err)
	p.snap.LastError = err.Error()
	p.snap.Notice = fmt.Sprintf("Connection error: %v", err)
	return p.snap.Notice, p.snap.clone()
}
