package alert

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Impact is the intensity hint passed to a Notifier.
type Impact string

const (
	ImpactLight Impact = "light"
	ImpactHeavy Impact = "heavy"
)

// Notifier is the attention surface (vibration, sound, push). Calls are
// fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, impact Impact, message string)
}

// Notifiers fans a notification out to several surfaces.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, impact Impact, message string) {
	for _, n := range ns {
		n.Notify(ctx, impact, message)
	}
}

type identity struct {
	kind     Kind
	sensorID string
}

// Tracker remembers the last surfaced alert and invokes the notifier only
// when a different one appears.
type Tracker struct {
	mu       sync.Mutex
	notifier Notifier
	last     *identity
}

func NewTracker(n Notifier) *Tracker {
	return &Tracker{notifier: n}
}

// Observe records the outcome of one evaluation. ok=false clears the
// remembered alert. It returns true when the notifier was invoked.
func (t *Tracker) Observe(ctx context.Context, a Alert, ok bool) bool {
	if !t.Changed(a, ok) {
		return false
	}
	t.Notify(ctx, a)
	return true
}

// Changed records the outcome of one evaluation without notifying and
// reports whether a is a different alert from the one last surfaced.
func (t *Tracker) Changed(a Alert, ok bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !ok {
		t.last = nil
		return false
	}
	id := identity{kind: a.Kind, sensorID: a.SourceReading.SensorID}
	if t.last != nil && *t.last == id {
		return false
	}
	t.last = &id
	return true
}

// Notify sends a to the notifier with heavy impact.
func (t *Tracker) Notify(ctx context.Context, a Alert) {
	if t.notifier != nil {
		t.notifier.Notify(ctx, ImpactHeavy, a.Message)
	}
}

// LogNotifier writes notifications to a go-kit logger.
type LogNotifier struct {
	Logger log.Logger
}

func (n LogNotifier) Notify(_ context.Context, impact Impact, message string) {
	level.Info(n.Logger).Log("msg", "notification", "impact", impact, "text", message)
}
