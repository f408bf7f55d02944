// Package stream owns the broadcast lifecycle: the phase state machine
// OFFLINE → INITIALIZING → AVATAR_INTRO → LIVE, the stream clock, the
// persona's speaking flag and the one-shot [LiveGate] that releases the
// live-only workers.
//
// Every state change is applied under lock and then published, in order, on
// the controller's event channel ([Controller.Events]) as a
// [broadcast.Message].
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livepersona/internal/broadcast"
)

// Phase is one state of the stream lifecycle.
type Phase string

// Lifecycle phases in cycle order.
const (
	PhaseOffline      Phase = "offline"
	PhaseInitializing Phase = "initializing"
	PhaseAvatarIntro  Phase = "avatar_intro"
	PhaseLive         Phase = "live"
)

// ErrCycleActive is returned by [Controller.StartCycle] when the stream is
// not OFFLINE.
var ErrCycleActive = errors.New("stream: cycle already active")

// Clearer is derived state that a reset wipes, such as the chat queues.
type Clearer interface {
	Clear()
}

const (
	defaultIntroDuration       = 10 * time.Second
	defaultAvatarIntroDuration = 3 * time.Second
	defaultEventBuffer         = 64
)

// Option is a functional option for [New].
type Option func(*Controller)

// WithClock overrides the clock. Tests use a [clockwork.FakeClock].
func WithClock(c clockwork.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithDurations sets the intro video length (INITIALIZING) and the avatar
// intro length (AVATAR_INTRO). Defaults: 10s and 3s.
func WithDurations(intro, avatarIntro time.Duration) Option {
	return func(ctl *Controller) {
		ctl.intro = intro
		ctl.avatarIntro = avatarIntro
	}
}

// WithClearers registers state wiped by [Controller.Reset].
func WithClearers(cs ...Clearer) Option {
	return func(ctl *Controller) { ctl.clearers = append(ctl.clearers, cs...) }
}

// WithEventBuffer sets the capacity of the event channel. Default: 64.
func WithEventBuffer(n int) Option {
	return func(ctl *Controller) { ctl.eventBuffer = n }
}

// Controller is the single authority over the stream phase and the speaking
// flag. All methods are safe for concurrent use.
type Controller struct {
	clock       clockwork.Clock
	intro       time.Duration
	avatarIntro time.Duration
	clearers    []Clearer
	eventBuffer int

	// emitMu serialises "mutate then publish" so events leave in the order
	// the writes were applied. Lock order: emitMu before mu.
	emitMu sync.Mutex
	events chan broadcast.Message

	mu          sync.Mutex
	phase       Phase
	startedAt   time.Time
	speaking    bool
	gate        *LiveGate
	cycle       uint64
	cancelCycle context.CancelFunc
	// resetting counts Reset calls in flight. No cycle starts while it is
	// non-zero.
	resetting int

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Controller in the OFFLINE phase.
func New(opts ...Option) *Controller {
	c := &Controller{
		clock:       clockwork.NewRealClock(),
		intro:       defaultIntroDuration,
		avatarIntro: defaultAvatarIntroDuration,
		eventBuffer: defaultEventBuffer,
		phase:       PhaseOffline,
		gate:        newLiveGate(),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan broadcast.Message, c.eventBuffer)
	return c
}

// Events returns the channel on which lifecycle and speaking events are
// published. It has a single consumer, normally the hub pump.
func (c *Controller) Events() <-chan broadcast.Message { return c.events }

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Speaking reports the persona's speaking flag.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Gate returns the live gate of the current cycle.
func (c *Controller) Gate() *LiveGate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gate
}

// Snapshot returns the lifecycle message that brings a late-joining viewer
// to the current visual state.
func (c *Controller) Snapshot() broadcast.Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// StartCycle begins a new stream cycle. It returns [ErrCycleActive] without
// changing anything unless the stream is OFFLINE and no reset is in progress. The scripted phases run in
// the background; ctx only contributes values (trace, logger), not
// cancellation.
func (c *Controller) StartCycle(ctx context.Context) error {
	c.emitMu.Lock()
	c.mu.Lock()
	if c.phase != PhaseOffline || c.resetting > 0 {
		phase, resetting := c.phase, c.resetting > 0
		c.mu.Unlock()
		c.emitMu.Unlock()
		slog.Warn("start cycle rejected", "phase", phase, "resetting", resetting)
		return ErrCycleActive
	}
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cycle++
	id := c.cycle
	c.cancelCycle = cancel
	c.phase = PhaseInitializing
	c.startedAt = c.clock.Now()
	ev := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(ev)
	c.emitMu.Unlock()

	slog.Info("stream cycle started", "intro", c.intro, "avatar_intro", c.avatarIntro)
	go c.sequence(cycleCtx, id)
	return nil
}

// sequence walks the scripted pre-live phases of cycle id.
func (c *Controller) sequence(ctx context.Context, id uint64) {
	if !c.sleep(ctx, c.intro) || !c.advance(id, PhaseInitializing, PhaseAvatarIntro) {
		return
	}
	if !c.sleep(ctx, c.avatarIntro) || !c.advance(id, PhaseAvatarIntro, PhaseLive) {
		return
	}
	slog.Info("stream is live")
}

// advance moves cycle id from one phase to the next. It is a no-op when the
// cycle was reset in the meantime.
func (c *Controller) advance(id uint64, from, to Phase) bool {
	c.emitMu.Lock()
	c.mu.Lock()
	if c.cycle != id || c.phase != from {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return false
	}
	c.phase = to
	ev := c.snapshotLocked()
	gate := c.gate
	c.mu.Unlock()
	c.emit(ev)
	c.emitMu.Unlock()

	slog.Debug("stream phase changed", "from", from, "to", to)
	if to == PhaseLive {
		gate.release()
	}
	return true
}

// SetSpeaking updates the speaking flag. An event is published only when
// the value changes.
func (c *Controller) SetSpeaking(speaking bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.speaking == speaking {
		c.mu.Unlock()
		return
	}
	c.speaking = speaking
	c.mu.Unlock()
	c.emit(broadcast.NewSpeakingStatus(speaking))
}

// Reset aborts the current cycle and returns to OFFLINE. It cancels the
// phase sequencing, revokes the live gate and waits for every attached
// worker to stop, then clears the registered state, the speaking flag and
// any unconsumed events before publishing the OFFLINE snapshot. If ctx ends
// while waiting for workers, the reset still completes and ctx.Err() is
// returned.
func (c *Controller) Reset(ctx context.Context) error {
	c.emitMu.Lock()
	c.mu.Lock()
	if c.cancelCycle != nil {
		c.cancelCycle()
		c.cancelCycle = nil
	}
	c.cycle++
	c.resetting++
	c.phase = PhaseOffline
	c.startedAt = time.Time{}
	old := c.gate
	c.gate = newLiveGate()
	c.mu.Unlock()
	c.emitMu.Unlock()

	// Workers may still publish (e.g. speaking=false) while they unwind, so
	// emitMu must not be held here.
	err := old.revoke(ctx)
	if err != nil {
		slog.Warn("reset: live workers did not stop in time", "err", err)
	}

	for _, cl := range c.clearers {
		cl.Clear()
	}

	c.emitMu.Lock()
	c.mu.Lock()
	c.speaking = false
	c.resetting--
	ev := c.snapshotLocked()
	c.mu.Unlock()
	c.drainEvents()
	c.emit(ev)
	c.emitMu.Unlock()

	slog.Info("stream reset to offline")
	return err
}

// Close cancels any running sequencing and unblocks pending publishers. The
// controller must not be used afterwards.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancelCycle != nil {
			c.cancelCycle()
			c.cancelCycle = nil
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// emit publishes ev. Caller holds emitMu.
func (c *Controller) emit(ev broadcast.Message) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// drainEvents discards unconsumed events. Caller holds emitMu.
func (c *Controller) drainEvents() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

// snapshotLocked builds the lifecycle message. Caller holds mu.
func (c *Controller) snapshotLocked() broadcast.Lifecycle {
	var elapsed float64
	if !c.startedAt.IsZero() {
		elapsed = c.clock.Since(c.startedAt).Seconds()
	}
	return broadcast.Lifecycle{
		Type:               broadcast.KindLifecycle,
		Phase:              string(c.phase),
		ElapsedSeconds:     elapsed,
		Speaking:           c.speaking,
		IntroSeconds:       c.intro.Seconds(),
		AvatarIntroSeconds: c.avatarIntro.Seconds(),
	}
}

// sleep waits d on the controller clock. It reports false if ctx ended
// first.
func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
