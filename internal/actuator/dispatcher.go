package actuator

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/coopwatch/coop_exporter/internal/alert"
)

const commandFailedMessage = "Error: unable to send the command to the coop"

// Listener is told about every local state change.
type Listener interface {
	ActuatorsChanged(State)
}

// Dispatcher issues actuator commands. The local flag flips as soon as
// Toggle or Set is called and is not rolled back when the request fails.
// Commands are sent one at a time in call order; waiting for an earlier
// request never delays the flip.
type Dispatcher struct {
	commander Commander
	deviceID  string
	notifier  alert.Notifier
	reporter  Reporter
	listener  Listener
	logger    log.Logger

	mu     sync.RWMutex
	state  State
	sent   uint64
	failed uint64
	// tail is closed when the most recently queued command has been sent.
	tail chan struct{}
}

type Option func(*Dispatcher)

func WithNotifier(n alert.Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }
func WithReporter(r Reporter) Option       { return func(d *Dispatcher) { d.reporter = r } }
func WithListener(l Listener) Option       { return func(d *Dispatcher) { d.listener = l } }
func WithLogger(l log.Logger) Option       { return func(d *Dispatcher) { d.logger = l } }

func NewDispatcher(c Commander, deviceID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		commander: c,
		deviceID:  deviceID,
		logger:    log.NewNopLogger(),
		state:     State{},
	}
	for _, o := range opts {
		o(d)
	}
	for _, dev := range Devices {
		d.state[dev] = false
	}
	return d
}

// State returns a copy of the current device flags.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.copyState()
}

func (d *Dispatcher) copyState() State {
	s := make(State, len(d.state))
	for k, v := range d.state {
		s[k] = v
	}
	return s
}

// Counts returns how many commands were accepted and rejected.
func (d *Dispatcher) Counts() (sent, failed uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sent, d.failed
}

// Toggle flips device and sends the matching command.
func (d *Dispatcher) Toggle(ctx context.Context, dev Device) (bool, error) {
	if _, err := ParseDevice(string(dev)); err != nil {
		return false, err
	}

	d.mu.Lock()
	on := !d.state[dev]
	d.state[dev] = on
	snap := d.copyState()
	prev, done := d.enqueue()
	d.mu.Unlock()

	return on, d.dispatch(ctx, dev, on, snap, prev, done)
}

// Set moves device to the requested position and sends the command even
// when the local flag already matches.
func (d *Dispatcher) Set(ctx context.Context, dev Device, on bool) error {
	if _, err := ParseDevice(string(dev)); err != nil {
		return err
	}

	d.mu.Lock()
	d.state[dev] = on
	snap := d.copyState()
	prev, done := d.enqueue()
	d.mu.Unlock()

	return d.dispatch(ctx, dev, on, snap, prev, done)
}

// enqueue must be called with d.mu held. The caller sends once prev is
// closed and closes done afterwards.
func (d *Dispatcher) enqueue() (prev <-chan struct{}, done chan struct{}) {
	prev, done = d.tail, make(chan struct{})
	d.tail = done
	return prev, done
}

func (d *Dispatcher) dispatch(ctx context.Context, dev Device, on bool, snap State, prev <-chan struct{}, done chan struct{}) error {
	if d.listener != nil {
		d.listener.ActuatorsChanged(snap)
	}

	action := Off
	if on {
		action = On
	}
	cmd, err := Command(dev, action)
	if err != nil {
		release(prev, done)
		return err
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go release(prev, done)
			return d.failure(cmd, ctx.Err())
		}
	}
	defer close(done)

	level.Info(d.logger).Log("msg", "sending command", "device", d.deviceID, "command", cmd)
	if err := d.commander.Control(ctx, d.deviceID, cmd); err != nil {
		return d.failure(cmd, err)
	}

	d.mu.Lock()
	d.sent++
	d.mu.Unlock()

	if d.notifier != nil {
		d.notifier.Notify(ctx, alert.ImpactLight, cmd)
	}
	return nil
}

func (d *Dispatcher) failure(cmd string, err error) error {
	d.mu.Lock()
	d.failed++
	d.mu.Unlock()

	level.Error(d.logger).Log("msg", "command failed", "command", cmd, "err", err)
	if d.reporter != nil {
		d.reporter.ShowMessage(commandFailedMessage)
	}
	return fmt.Errorf("command %s: %w", cmd, err)
}

// release closes done once the previous command has gone out, keeping later
// commands behind it.
func release(prev <-chan struct{}, done chan struct{}) {
	if prev != nil {
		<-prev
	}
	close(done)
}
