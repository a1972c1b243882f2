package viewport

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Entry is one visibility observation.
type Entry struct {
	Ratio   float64   `json:"ratio"`
	Visible bool      `json:"visible"`
	Time    time.Time `json:"time"`
}

// Observer delivers the initial visibility of an element and then each
// change of it. Disconnect stops delivery for good.
type Observer interface {
	Observe(fn func(Entry))
	Disconnect()
}

// Options configure a Tracker.
type Options struct {
	Threshold  float64
	RootMargin string
}

// Tracker is an Observer fed by the host with geometry or ratios.
type Tracker struct {
	threshold float64
	margin    Margin
	clock     quartz.Clock

	// deliverMu keeps callbacks in update order.
	deliverMu sync.Mutex

	mu           sync.Mutex
	fn           func(Entry)
	last         *Entry
	delivered    bool
	disconnected bool
}

// NewTracker creates a tracker. A nil clock means the real clock.
func NewTracker(opts Options, clock quartz.Clock) (*Tracker, error) {
	if opts.Threshold < 0 || opts.Threshold > 1 || math.IsNaN(opts.Threshold) {
		return nil, fmt.Errorf("threshold must be in [0, 1], got %v", opts.Threshold)
	}
	margin, err := ParseRootMargin(opts.RootMargin)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Tracker{threshold: opts.Threshold, margin: margin, clock: clock}, nil
}

// Margin returns the parsed root margin.
func (t *Tracker) Margin() Margin {
	return t.margin
}

// Observe registers fn, replacing any earlier one. If the state is already
// known it is delivered straight away as the initial entry. fn runs on the
// reporting goroutine and must not call back into the tracker.
func (t *Tracker) Observe(fn func(Entry)) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return
	}
	t.fn = fn
	t.delivered = false
	var initial *Entry
	if t.last != nil && fn != nil {
		e := *t.last
		initial = &e
		t.delivered = true
	}
	t.mu.Unlock()

	if initial != nil {
		fn(*initial)
	}
}

// Disconnect stops all further delivery.
func (t *Tracker) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	t.fn = nil
}

// UpdateGeometry reports the element and root rectangles.
func (t *Tracker) UpdateGeometry(target, root Rect) Entry {
	return t.UpdateRatio(IntersectionRatio(target, t.margin.Expand(root)))
}

// UpdateRatio reports an intersection ratio computed by the host. The
// observer is only called for the first state and for threshold crossings.
func (t *Tracker) UpdateRatio(ratio float64) Entry {
	if math.IsNaN(ratio) || ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	entry := Entry{Ratio: ratio, Visible: t.isVisible(ratio), Time: t.clock.Now()}
	changed := t.last == nil || t.last.Visible != entry.Visible
	t.last = &entry

	fn := t.fn
	deliver := fn != nil && !t.disconnected && (changed || !t.delivered)
	if deliver {
		t.delivered = true
	}
	t.mu.Unlock()

	if deliver {
		fn(entry)
	}
	return entry
}

// Last returns the most recent entry, if any.
func (t *Tracker) Last() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Entry{}, false
	}
	return *t.last, true
}

func (t *Tracker) isVisible(ratio float64) bool {
	if t.threshold == 0 {
		return ratio > 0
	}
	return ratio >= t.threshold
}
