// Package visibility runs a periodic callback only while an anchor element
// is visible.
package visibility

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/viewport"
	"github.com/rs/zerolog"
)

var errStopped = errors.New("runner stopped")

// Config holds runner configuration
type Config struct {
	Interval   time.Duration
	Threshold  float64
	Immediate  bool
	RootMargin string
}

// DefaultConfig returns the default runner settings.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		Threshold:  0.1,
		Immediate:  true,
		RootMargin: "0px",
	}
}

// FromConfig converts the visibility section of the configuration.
func FromConfig(c config.VisibilityConfig) Config {
	return Config{
		Interval:   config.ParseDuration(c.Interval, time.Second),
		Threshold:  c.Threshold,
		Immediate:  c.Immediate,
		RootMargin: c.RootMargin,
	}
}

// ObserverOptions returns the tracker options matching c.
func (c Config) ObserverOptions() viewport.Options {
	return viewport.Options{Threshold: c.Threshold, RootMargin: c.RootMargin}
}

// Runner is the per-anchor state machine. It starts Stopped; a visible entry
// optionally fires the callback at once and starts the ticker, a hidden entry
// stops it. Close stops everything and detaches from the observer.
type Runner struct {
	clock     quartz.Clock
	interval  time.Duration
	immediate bool
	observer  viewport.Observer
	logger    zerolog.Logger

	callback atomic.Pointer[func()]

	// fireMu serializes callbacks with the closed check in fire.
	fireMu sync.Mutex
	firing atomic.Bool

	mu      sync.Mutex
	visible bool
	closed  bool
	cancel  context.CancelFunc
	gen     uint64
}

// New creates a runner and subscribes it to observer. A nil clock means the
// real clock.
func New(observer viewport.Observer, cfg Config, clock quartz.Clock, callback func(), logger zerolog.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	r := &Runner{
		clock:     clock,
		interval:  cfg.Interval,
		immediate: cfg.Immediate,
		observer:  observer,
		logger:    logger.With().Str("component", "visibility-runner").Logger(),
	}
	r.SetCallback(callback)
	observer.Observe(r.handle)
	return r
}

// Mount builds a tracker from cfg and attaches a new runner to it.
func Mount(cfg Config, clock quartz.Clock, callback func(), logger zerolog.Logger) (*Runner, *viewport.Tracker, error) {
	tracker, err := viewport.NewTracker(cfg.ObserverOptions(), clock)
	if err != nil {
		return nil, nil, err
	}
	return New(tracker, cfg, clock, callback, logger), tracker, nil
}

// SetCallback replaces the callback. A running ticker keeps its schedule and
// calls fn from the next tick on.
func (r *Runner) SetCallback(fn func()) {
	r.callback.Store(&fn)
}

// Visible reports the last visibility seen.
func (r *Runner) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Running reports whether the ticker is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Close stops the ticker and disconnects the observer. Once it returns no
// new callback starts. It is safe to call more than once, including from the
// callback itself.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.stopLocked()
	r.mu.Unlock()

	// A tick that passed its generation check before closed was set is
	// waiting on fireMu and will now see closed. A running callback holds
	// fireMu and may be the caller, so only wait when none is running.
	if !r.firing.Load() {
		r.fireMu.Lock()
		r.fireMu.Unlock()
	}

	r.observer.Disconnect()
}

func (r *Runner) handle(e viewport.Entry) {
	r.mu.Lock()
	if r.closed || e.Visible == r.visible {
		r.mu.Unlock()
		return
	}
	r.visible = e.Visible

	if !e.Visible {
		r.stopLocked()
		r.mu.Unlock()
		r.logger.Debug().Float64("ratio", e.Ratio).Msg("Anchor hidden, interval stopped")
		return
	}
	r.mu.Unlock()

	if r.immediate {
		r.fire()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// The callback may have closed the runner or the anchor may have moved.
	if r.closed || !r.visible || r.cancel != nil {
		return
	}
	r.startLocked()
	r.logger.Debug().Float64("ratio", e.Ratio).Dur("interval", r.interval).Msg("Anchor visible, interval started")
}

func (r *Runner) startLocked() {
	r.gen++
	gen := r.gen

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	metrics.RunningAnchors.Inc()

	r.clock.TickerFunc(ctx, r.interval, func() error {
		if !r.current(gen) {
			return errStopped
		}
		r.fire()
		return nil
	}, "runner")
}

func (r *Runner) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	r.gen++
	metrics.RunningAnchors.Dec()
}

// current reports whether the ticker of generation gen is still wanted.
func (r *Runner) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil && r.gen == gen
}

func (r *Runner) fire() {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	fn := r.callback.Load()
	if fn == nil || *fn == nil {
		return
	}

	r.firing.Store(true)
	defer func() {
		r.firing.Store(false)
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Interval callback panicked")
		}
	}()
	(*fn)()
}
