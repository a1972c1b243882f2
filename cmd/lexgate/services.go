package main

import (
	"fmt"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/contentgate"
	"github.com/goodtune/lexgate/internal/querycache"
	"github.com/goodtune/lexgate/internal/staletime"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/goodtune/lexgate/internal/storage/bolt"
	"github.com/goodtune/lexgate/internal/storage/redis"
	"github.com/goodtune/lexgate/internal/storage/sqlite"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/rs/zerolog"
)

// governance bundles the primitives built from one configuration.
type governance struct {
	location      *time.Location
	staleTimes    *staletime.Resolver
	limits        *usage.Table
	limiter       *usage.Limiter
	gate          *contentgate.Gate
	statusCache   *querycache.Cache[subscription.Status]
	subscriptions *subscription.Cached
}

func buildGovernance(cfg *config.Config, store storage.Store, clock quartz.Clock, logger zerolog.Logger) (*governance, error) {
	loc, err := time.LoadLocation(cfg.Governance.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Governance.Timezone, err)
	}

	resolver, err := staletime.FromConfig(cfg.Governance)
	if err != nil {
		return nil, fmt.Errorf("failed to build stale-time table: %w", err)
	}

	limits := usage.TableFromConfig(cfg.Governance)
	limiter := usage.NewLimiter(store, usage.Config{
		Limits:   limits,
		Location: loc,
		Clock:    clock,
	}, logger)

	statusCache, err := querycache.New[subscription.Status](cfg.Cache.Size, resolver, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	source := subscription.NewStatic(cfg.Subscription.PremiumUsers)

	return &governance{
		location:      loc,
		staleTimes:    resolver,
		limits:        limits,
		limiter:       limiter,
		gate:          contentgate.FromConfig(cfg.Governance, logger),
		statusCache:   statusCache,
		subscriptions: subscription.NewCached(source, statusCache, logger),
	}, nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "memory":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
