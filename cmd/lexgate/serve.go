package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/api"
	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/storage"
	"github.com/goodtune/lexgate/internal/systemd"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/goodtune/lexgate/internal/visibility"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lexgate server",
	Long:  `Start the governance API, the daily usage sweeper and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting lexgate")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	clock := quartz.NewReal()

	gov, err := buildGovernance(cfg, store, clock, logger)
	if err != nil {
		return err
	}
	defer gov.statusCache.Close()

	logger.Info().
		Str("timezone", gov.location.String()).
		Int("stale_time_entries", len(gov.staleTimes.Entries())).
		Int("daily_limits", len(gov.limits.Features())).
		Int("content_categories", len(gov.gate.Categories())).
		Msg("Governance tables loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily sweep of old usage records
	if cfg.Governance.UsageRetentionDays > 0 {
		if _, ok := store.(storage.Lister); ok {
			sweeper, err := usage.NewSweeper(store, cfg.Governance.UsageRetentionDays, gov.location, clock, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize usage sweeper: %w", err)
			}
			go sweeper.Run(ctx)
		} else {
			logger.Warn().Str("type", cfg.Storage.Type).Msg("Storage cannot list keys, usage sweeper disabled")
		}
	}

	// Initialize API Server
	anchors := api.NewAnchors(
		visibility.FromConfig(cfg.Governance.Visibility),
		cfg.Governance.Visibility.MaxAnchors,
		clock,
		logger,
	)

	apiConfig := api.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		UserHeader:      cfg.Server.UserHeader,
		ReadTimeout:     config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout:    config.ParseDuration(cfg.Server.WriteTimeout, 15*time.Second),
		ShutdownTimeout: config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: config.ParseDuration(cfg.Server.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Clock:           clock,
	}

	apiServer := api.NewServer(apiConfig, api.Services{
		StaleTimes:    gov.staleTimes,
		Limiter:       gov.limiter,
		Gate:          gov.gate,
		Subscriptions: gov.subscriptions,
		Anchors:       anchors,
	}, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics Server started")
	}

	// Log startup complete
	logger.Info().Msg("lexgate startup complete")
	logger.Info().Msgf("API: http://%s", apiConfig.ListenAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, clock, logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			// Subscription changes show up on the next lookup
			gov.subscriptions.Invalidate()
			logger.Info().Msg("SIGHUP received, subscription cache cleared")
			continue
		}

		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop background loops
	cancel()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("lexgate stopped")

	return nil
}
