package usage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// Reset reasons reported on lexgate_usage_resets_total.
const (
	resetMissing  = "missing"
	resetNewDay   = "new_day"
	resetCorrupt  = "corrupt"
	resetReadFail = "read_error"
)

// Limiter manages daily usage counters for every profile sharing one store.
type Limiter struct {
	store    storage.Store
	atomic   bool
	limits   *Table
	clock    quartz.Clock
	location *time.Location
	logger   zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Config holds limiter configuration
type Config struct {
	Limits   *Table
	Location *time.Location
	Clock    quartz.Clock
}

// NewLimiter creates a limiter over store. Profiles are separated with
// storage.ProfileStore.
func NewLimiter(store storage.Store, cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.Limits == nil {
		cfg.Limits = NewDefaultTable()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	_, atomic := store.(storage.DailyIncrementer)

	return &Limiter{
		store:    store,
		atomic:   atomic,
		limits:   cfg.Limits,
		clock:    cfg.Clock,
		location: cfg.Location,
		logger:   logger.With().Str("component", "usage-limiter").Logger(),
		locks:    make(map[string]*keyLock),
	}
}

// Limits returns the table the limiter evaluates against.
func (l *Limiter) Limits() *Table {
	return l.limits
}

// Today returns the current calendar date in the limiter's time zone.
func (l *Limiter) Today() string {
	return l.clock.Now().In(l.location).Format(dateLayout)
}

// Load reads the record of feature for profileID, resetting it when it is
// absent, unreadable or from another day.
func (l *Limiter) Load(ctx context.Context, profileID, feature string, status subscription.Status) *Counter {
	c := &Counter{
		limiter: l,
		store:   storage.ProfileStore(l.store, profileID),
		profile: profileID,
		feature: feature,
		status:  status,
	}

	unlock := l.lock(c.lockKey())
	defer unlock()

	c.date, c.used = l.current(ctx, c.store, profileID, feature)
	return c
}

// Consume records one use of feature if the daily budget allows it.
func (l *Limiter) Consume(ctx context.Context, profileID, feature string, status subscription.Status) (State, error) {
	c := l.Load(ctx, profileID, feature, status)
	return c.consume(ctx, true)
}

// Reset clears today's count for feature.
func (l *Limiter) Reset(ctx context.Context, profileID, feature string) error {
	store := storage.ProfileStore(l.store, profileID)
	unlock := l.lock(profileID + "\x00" + feature)
	defer unlock()

	l.logger.Info().Str("profile", profileID).Str("feature", feature).Msg("Resetting daily usage")
	return l.write(ctx, store, feature, Record{Date: l.Today(), Count: 0})
}

// current returns today's date and the stored count, persisting a fresh
// record when needed. Must be called with the key lock held.
func (l *Limiter) current(ctx context.Context, store *storage.Prefixed, profileID, feature string) (string, int) {
	today := l.Today()

	rec, reason := l.read(ctx, store, profileID, feature)
	if reason == "" && rec.Date == today {
		return today, rec.Count
	}
	if reason == "" {
		reason = resetNewDay
	}

	metrics.UsageResets.WithLabelValues(l.limits.label(feature), reason).Inc()
	l.logger.Debug().
		Str("profile", profileID).
		Str("feature", feature).
		Str("stored_date", rec.Date).
		Str("today", today).
		Str("reason", reason).
		Msg("Resetting daily usage record")

	if l.atomic {
		// Another process may have counted a use since the read.
		count, _, err := store.IncrementDaily(ctx, StorageKey(feature), today, 0, -1)
		if err == nil {
			return today, count
		}
		l.logger.Warn().Err(err).Str("profile", profileID).Str("feature", feature).Msg("Atomic usage rollover failed, falling back")
	}

	if err := l.write(ctx, store, feature, Record{Date: today, Count: 0}); err != nil {
		l.logger.Error().Err(err).Str("profile", profileID).Str("feature", feature).Msg("Failed to persist reset usage record")
	}
	return today, 0
}

// read returns the stored record, or a reset reason when there is none usable.
func (l *Limiter) read(ctx context.Context, store storage.Store, profileID, feature string) (Record, string) {
	raw, err := store.Get(ctx, StorageKey(feature))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, resetMissing
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("profile", profileID).Str("feature", feature).Msg("Failed to read usage record, treating as absent")
		return Record{}, resetReadFail
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Date == "" || rec.Count < 0 {
		l.logger.Warn().
			Err(err).
			Str("profile", profileID).
			Str("feature", feature).
			Str("raw", raw).
			Msg("Malformed usage record, treating as absent")
		return Record{}, resetCorrupt
	}
	return rec, ""
}

func (l *Limiter) write(ctx context.Context, store storage.Store, feature string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, StorageKey(feature), string(data))
}

// lock serializes read-modify-write cycles on one profile/feature key.
func (l *Limiter) lock(key string) func() {
	l.locksMu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.locksMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		l.locksMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.locksMu.Unlock()
	}
}

// Counter is the view of one feature for one profile, loaded once and then
// advanced with IncrementUse.
type Counter struct {
	limiter *Limiter
	store   *storage.Prefixed
	profile string
	feature string
	status  subscription.Status

	mu   sync.Mutex
	date string
	used int
}

func (c *Counter) lockKey() string {
	return c.profile + "\x00" + c.feature
}

// State returns the caller-facing view of the counter.
func (c *Counter) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter.limits.Evaluate(c.feature, c.used, c.status)
}

// SetStatus updates the subscription status used to pick the limit.
func (c *Counter) SetStatus(status subscription.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// IncrementUse records one use and persists it. Store errors are logged;
// the in-memory count still advances.
func (c *Counter) IncrementUse(ctx context.Context) State {
	state, _ := c.consume(ctx, false)
	return state
}

func (c *Counter) denied(state State) (State, error) {
	l := c.limiter
	metrics.UsageDenied.WithLabelValues(l.limits.label(c.feature)).Inc()
	l.logger.Debug().
		Str("profile", c.profile).
		Str("feature", c.feature).
		Int("used", state.UsedToday).
		Int("limit", state.LimitToday).
		Msg("Daily limit reached")
	return state, ErrLimitReached
}

// consumeAtomic advances the record inside the store. handled is false when
// the store call failed and the caller should fall back to read-modify-write.
// Must be called with c.mu held.
func (c *Counter) consumeAtomic(ctx context.Context, today string, checked bool) (State, bool, error) {
	l := c.limiter

	limit := -1
	if checked {
		if st := l.limits.Evaluate(c.feature, 0, c.status); !st.IsUnlimited {
			limit = st.LimitToday
		}
	}

	count, recorded, err := c.store.IncrementDaily(ctx, StorageKey(c.feature), today, 1, limit)
	if err != nil {
		l.logger.Warn().Err(err).Str("profile", c.profile).Str("feature", c.feature).Msg("Atomic usage increment failed, falling back")
		return State{}, false, nil
	}

	c.date, c.used = today, count
	state := l.limits.Evaluate(c.feature, c.used, c.status)
	if !recorded {
		state, err = c.denied(state)
		return state, true, err
	}

	metrics.UsageIncrements.WithLabelValues(l.limits.label(c.feature), c.status.Tier()).Inc()
	return state, true, nil
}

func (c *Counter) consume(ctx context.Context, checked bool) (State, error) {
	l := c.limiter
	unlock := l.lock(c.lockKey())
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	today := l.Today()
	if l.atomic {
		if state, handled, err := c.consumeAtomic(ctx, today, checked); handled {
			return state, err
		}
	}

	if today != c.date {
		c.date, c.used = l.current(ctx, c.store, c.profile, c.feature)
	} else if rec, reason := l.read(ctx, c.store, c.profile, c.feature); reason == "" && rec.Date == today && rec.Count > c.used {
		// Another counter on the same key advanced the record since load.
		c.used = rec.Count
	}

	if checked {
		if state := l.limits.Evaluate(c.feature, c.used, c.status); !state.CanUse {
			return c.denied(state)
		}
	}

	c.used++
	if err := l.write(ctx, c.store, c.feature, Record{Date: c.date, Count: c.used}); err != nil {
		l.logger.Error().Err(err).Str("profile", c.profile).Str("feature", c.feature).Msg("Failed to persist usage record")
	}

	metrics.UsageIncrements.WithLabelValues(l.limits.label(c.feature), c.status.Tier()).Inc()
	return l.limits.Evaluate(c.feature, c.used, c.status), nil
}
