package visibility

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mountTest(t *testing.T, cfg Config) (*Runner, *quartz.Mock, *atomic.Int64, func(float64)) {
	t.Helper()

	clock := quartz.NewMock(t)
	calls := &atomic.Int64{}

	runner, tracker, err := Mount(cfg, clock, func() { calls.Add(1) }, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(runner.Close)

	report := func(ratio float64) { tracker.UpdateRatio(ratio) }
	return runner, clock, calls, report
}

func advance(ctx context.Context, clock *quartz.Mock, times int) {
	for i := 0; i < times; i++ {
		clock.Advance(time.Second).MustWait(ctx)
	}
}

func TestRunner_StartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, calls, report := mountTest(t, DefaultConfig())

	// Hidden: nothing over five seconds
	report(0)
	advance(ctx, clock, 5)
	assert.EqualValues(t, 0, calls.Load())
	assert.False(t, runner.Running())

	// Visible: once immediately, then once per interval
	report(1)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, runner.Running())
	advance(ctx, clock, 3)
	assert.EqualValues(t, 4, calls.Load())

	// Hidden again: no further calls
	report(0)
	assert.False(t, runner.Running())
	advance(ctx, clock, 3)
	assert.EqualValues(t, 4, calls.Load())

	// Re-entering starts over
	report(0.5)
	assert.EqualValues(t, 5, calls.Load())
	advance(ctx, clock, 1)
	assert.EqualValues(t, 6, calls.Load())
}

func TestRunner_BelowThresholdStaysStopped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, calls, report := mountTest(t, DefaultConfig())

	report(0.05)
	advance(ctx, clock, 2)
	assert.EqualValues(t, 0, calls.Load())
	assert.False(t, runner.Visible())
}

func TestRunner_WithoutImmediate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Immediate = false
	_, clock, calls, report := mountTest(t, cfg)

	report(1)
	assert.EqualValues(t, 0, calls.Load())
	advance(ctx, clock, 2)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRunner_CloseLeavesNoTimer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, calls, report := mountTest(t, DefaultConfig())

	report(1)
	advance(ctx, clock, 2)
	require.EqualValues(t, 3, calls.Load())

	runner.Close()
	runner.Close()
	assert.False(t, runner.Running())

	advance(ctx, clock, 5)
	assert.EqualValues(t, 3, calls.Load())

	// A closed runner ignores later reports
	report(0)
	report(1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRunner_SetCallbackKeepsSchedule(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, calls, report := mountTest(t, DefaultConfig())

	report(1)
	require.EqualValues(t, 1, calls.Load())

	clock.Advance(500 * time.Millisecond).MustWait(ctx)

	var swapped atomic.Int64
	runner.SetCallback(func() { swapped.Add(1) })

	// A restarted ticker would next fire a full interval after the swap
	clock.Advance(500 * time.Millisecond).MustWait(ctx)
	assert.EqualValues(t, 1, swapped.Load())
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, runner.Running())
}

func TestRunner_PanickingCallbackKeepsTicking(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, _, report := mountTest(t, DefaultConfig())

	var n atomic.Int64
	runner.SetCallback(func() {
		if n.Add(1) == 1 {
			panic("boom")
		}
	})

	report(1)
	advance(ctx, clock, 2)
	assert.EqualValues(t, 3, n.Load())
}

func TestRunner_CallbackMayClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner, clock, _, report := mountTest(t, DefaultConfig())

	var n atomic.Int64
	runner.SetCallback(func() {
		n.Add(1)
		runner.Close()
	})

	report(1)
	assert.False(t, runner.Running())
	advance(ctx, clock, 2)
	assert.EqualValues(t, 1, n.Load())
}

// A tick that already passed its generation check when Close ran must not
// reach the callback.
func TestRunner_NoCallbackAfterClose(t *testing.T) {
	runner, _, calls, report := mountTest(t, DefaultConfig())

	report(1)
	require.EqualValues(t, 1, calls.Load())

	runner.Close()
	runner.fire()
	assert.EqualValues(t, 1, calls.Load())
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.VisibilityConfig{
		Interval:   "250ms",
		Threshold:  0.5,
		Immediate:  false,
		RootMargin: "10px",
	})

	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, 0.5, cfg.Threshold)
	assert.False(t, cfg.Immediate)
	assert.Equal(t, "10px", cfg.ObserverOptions().RootMargin)

	assert.Equal(t, time.Second, FromConfig(config.VisibilityConfig{Interval: "bad"}).Interval)
}
