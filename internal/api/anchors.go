package api

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/viewport"
	"github.com/goodtune/lexgate/internal/visibility"
	"github.com/rs/zerolog"
)

var (
	// ErrAnchorNotFound is returned for ids that are not mounted.
	ErrAnchorNotFound = errors.New("anchor not mounted")
	// ErrTooManyAnchors is returned when the registry is full.
	ErrTooManyAnchors = errors.New("too many mounted anchors")
)

// AnchorState is the externally visible state of a mounted anchor.
type AnchorState struct {
	ID        string    `json:"id"`
	Visible   bool      `json:"visible"`
	Running   bool      `json:"running"`
	Ticks     int64     `json:"ticks"`
	Interval  string    `json:"interval"`
	MountedAt time.Time `json:"mounted_at"`
}

type anchor struct {
	id        string
	runner    *visibility.Runner
	tracker   *viewport.Tracker
	interval  time.Duration
	ticks     atomic.Int64
	mountedAt time.Time
}

func (a *anchor) state() AnchorState {
	return AnchorState{
		ID:        a.id,
		Visible:   a.runner.Visible(),
		Running:   a.runner.Running(),
		Ticks:     a.ticks.Load(),
		Interval:  a.interval.String(),
		MountedAt: a.mountedAt,
	}
}

// Anchors holds the visibility runners mounted by clients. Each runner
// counts engagement heartbeats while its anchor is on screen.
type Anchors struct {
	defaults visibility.Config
	max      int
	clock    quartz.Clock
	base     zerolog.Logger
	logger   zerolog.Logger

	mu      sync.Mutex
	anchors map[string]*anchor
}

// NewAnchors creates an empty registry. maxAnchors <= 0 means no limit.
func NewAnchors(defaults visibility.Config, maxAnchors int, clock quartz.Clock, logger zerolog.Logger) *Anchors {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Anchors{
		defaults: defaults,
		max:      maxAnchors,
		clock:    clock,
		base:     logger,
		logger:   logger.With().Str("component", "anchors").Logger(),
		anchors:  make(map[string]*anchor),
	}
}

// MountOptions override the registry defaults for one anchor.
type MountOptions struct {
	Interval   string   `json:"interval,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	Immediate  *bool    `json:"immediate,omitempty"`
	RootMargin *string  `json:"root_margin,omitempty"`
}

func (o MountOptions) apply(cfg visibility.Config) (visibility.Config, error) {
	if o.Interval != "" {
		d, err := time.ParseDuration(o.Interval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid interval %q", o.Interval)
		}
		cfg.Interval = d
	}
	if o.Threshold != nil {
		cfg.Threshold = *o.Threshold
	}
	if o.Immediate != nil {
		cfg.Immediate = *o.Immediate
	}
	if o.RootMargin != nil {
		cfg.RootMargin = *o.RootMargin
	}
	return cfg, nil
}

// Mount starts a runner for key. Mounting an existing key replaces it.
func (a *Anchors) Mount(key string, opts MountOptions) (AnchorState, error) {
	cfg, err := opts.apply(a.defaults)
	if err != nil {
		return AnchorState{}, err
	}

	an := &anchor{id: key, interval: cfg.Interval, mountedAt: a.clock.Now()}
	runner, tracker, err := visibility.Mount(cfg, a.clock, func() {
		an.ticks.Add(1)
		metrics.AnchorTicks.Inc()
	}, a.base.With().Str("anchor", key).Logger())
	if err != nil {
		return AnchorState{}, err
	}
	an.runner = runner
	an.tracker = tracker

	a.mu.Lock()
	old, replacing := a.anchors[key]
	if !replacing && a.max > 0 && len(a.anchors) >= a.max {
		a.mu.Unlock()
		runner.Close()
		return AnchorState{}, ErrTooManyAnchors
	}
	a.anchors[key] = an
	a.mu.Unlock()

	if replacing {
		old.runner.Close()
	} else {
		metrics.ActiveAnchors.Inc()
	}

	a.logger.Debug().Str("anchor", key).Dur("interval", cfg.Interval).Msg("Anchor mounted")
	return an.state(), nil
}

// Intersection is a visibility report. Either Ratio or both rectangles are set.
type Intersection struct {
	Ratio  *float64       `json:"ratio,omitempty"`
	Target *viewport.Rect `json:"target,omitempty"`
	Root   *viewport.Rect `json:"root,omitempty"`
}

// Report feeds an intersection report to the anchor's tracker.
func (a *Anchors) Report(key string, in Intersection) (AnchorState, error) {
	an, err := a.get(key)
	if err != nil {
		return AnchorState{}, err
	}

	switch {
	case in.Ratio != nil:
		an.tracker.UpdateRatio(*in.Ratio)
	case in.Target != nil && in.Root != nil:
		an.tracker.UpdateGeometry(*in.Target, *in.Root)
	default:
		return AnchorState{}, errors.New("report needs a ratio or target and root rectangles")
	}
	return an.state(), nil
}

// State returns the state of key.
func (a *Anchors) State(key string) (AnchorState, error) {
	an, err := a.get(key)
	if err != nil {
		return AnchorState{}, err
	}
	return an.state(), nil
}

// Unmount stops and forgets key.
func (a *Anchors) Unmount(key string) (AnchorState, error) {
	a.mu.Lock()
	an, ok := a.anchors[key]
	delete(a.anchors, key)
	a.mu.Unlock()

	if !ok {
		return AnchorState{}, ErrAnchorNotFound
	}
	an.runner.Close()
	metrics.ActiveAnchors.Dec()

	a.logger.Debug().Str("anchor", key).Int64("ticks", an.ticks.Load()).Msg("Anchor unmounted")
	return an.state(), nil
}

// Len returns the number of mounted anchors.
func (a *Anchors) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.anchors)
}

// Close unmounts every anchor.
func (a *Anchors) Close() {
	a.mu.Lock()
	anchors := a.anchors
	a.anchors = make(map[string]*anchor)
	a.mu.Unlock()

	for _, an := range anchors {
		an.runner.Close()
		metrics.ActiveAnchors.Dec()
	}
	if len(anchors) > 0 {
		a.logger.Info().Int("count", len(anchors)).Msg("Unmounted all anchors")
	}
}

func (a *Anchors) get(key string) (*anchor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	an, ok := a.anchors[key]
	if !ok {
		return nil, ErrAnchorNotFound
	}
	return an, nil
}
