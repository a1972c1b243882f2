package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/rs/zerolog"
)

// Sweeper removes daily records untouched for longer than the retention
// window. Counters never depend on it: a stale record is reset on read anyway.
type Sweeper struct {
	store     storage.Store
	lister    storage.Lister
	retention int
	clock     quartz.Clock
	location  *time.Location
	logger    zerolog.Logger
}

// NewSweeper creates a sweeper. The store must implement storage.Lister.
func NewSweeper(store storage.Store, retentionDays int, loc *time.Location, clock quartz.Clock, logger zerolog.Logger) (*Sweeper, error) {
	lister, ok := store.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("storage %T cannot list keys", store)
	}
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention must be at least one day, got %d", retentionDays)
	}
	if loc == nil {
		loc = time.Local
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Sweeper{
		store:     store,
		lister:    lister,
		retention: retentionDays,
		clock:     clock,
		location:  loc,
		logger:    logger.With().Str("component", "usage-sweeper").Logger(),
	}, nil
}

// Run sweeps once per day shortly after local midnight until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Int("retention_days", s.retention).Msg("Daily usage sweeper started")

	for {
		next := s.nextRun()
		wait := next.Sub(s.clock.Now())

		s.logger.Debug().Time("next_sweep", next).Dur("wait_duration", wait).Msg("Scheduled next usage sweep")

		timer := s.clock.NewTimer(wait, "sweeper")
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("Daily usage sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Usage sweep failed")
			}
		}
	}
}

// nextRun returns the next local midnight plus a minute of slack.
func (s *Sweeper) nextRun() time.Time {
	now := s.clock.Now().In(s.location)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 1, 0, 0, s.location)
	if !now.Before(midnight) {
		midnight = midnight.AddDate(0, 0, 1)
	}
	return midnight
}

// Sweep deletes every daily record dated before the retention cutoff, along
// with records that cannot be parsed. It returns the number removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().In(s.location).AddDate(0, 0, -s.retention).Format(dateLayout)

	keys, err := s.lister.Keys(ctx, "profile:")
	if err != nil {
		return 0, fmt.Errorf("list usage records: %w", err)
	}

	removed := 0
	for _, key := range keys {
		if !strings.Contains(key, ":"+keyPrefix) {
			continue
		}

		raw, err := s.store.Get(ctx, key)
		if err != nil {
			continue
		}

		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil && rec.Date >= cutoff {
			continue
		}

		if err := s.store.Remove(ctx, key); err != nil {
			return removed, fmt.Errorf("remove %s: %w", key, err)
		}
		removed++
	}

	s.logger.Info().
		Int("records_deleted", removed).
		Str("cutoff_date", cutoff).
		Msg("Usage sweep complete, old records cleaned up")

	return removed, nil
}
