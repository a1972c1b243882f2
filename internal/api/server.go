package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/contentgate"
	"github.com/goodtune/lexgate/internal/staletime"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/goodtune/lexgate/internal/usage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	UserHeader      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	Clock           quartz.Clock
}

// Services are the governance primitives the API exposes.
type Services struct {
	StaleTimes    *staletime.Resolver
	Limiter       *usage.Limiter
	Gate          *contentgate.Gate
	Subscriptions subscription.Provider
	Anchors       *Anchors
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	svc         Services
	rateLimiter *RateLimiter
	router      *mux.Router
	handler     http.Handler
	server      *http.Server
	listener    net.Listener
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc Services, logger zerolog.Logger) *Server {
	if cfg.UserHeader == "" {
		cfg.UserHeader = "X-User-ID"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config: cfg,
		svc:    svc,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	if cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window == 0 {
			window = time.Minute
		}
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, window, cfg.Clock)
	}

	s.setupRoutes()

	s.handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		s.handler = CORSMiddleware(cfg.AllowedOrigins, cfg.UserHeader)(s.router)
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	if s.rateLimiter != nil {
		s.router.Use(RateLimitMiddleware(s.rateLimiter))
	}
	s.router.Use(ProfileMiddleware(s.config.UserHeader))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/stale-time", s.handleStaleTime).Methods("GET")

	v1.HandleFunc("/usage/{feature}", s.handleUsageState).Methods("GET")
	v1.HandleFunc("/usage/{feature}", s.handleUsageReset).Methods("DELETE")
	v1.HandleFunc("/usage/{feature}/increment", s.handleUsageIncrement).Methods("POST")
	v1.HandleFunc("/usage/{feature}/consume", s.handleUsageConsume).Methods("POST")

	v1.HandleFunc("/content/{category}/gate", s.handleContentGate).Methods("POST")
	v1.HandleFunc("/content/{category}/locked", s.handleContentLocked).Methods("GET")

	v1.HandleFunc("/anchors/{id}", s.handleAnchorMount).Methods("PUT")
	v1.HandleFunc("/anchors/{id}", s.handleAnchorState).Methods("GET")
	v1.HandleFunc("/anchors/{id}", s.handleAnchorUnmount).Methods("DELETE")
	v1.HandleFunc("/anchors/{id}/intersection", s.handleAnchorIntersection).Methods("POST")
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server and unmounts every anchor.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(ctx)

	if s.svc.Anchors != nil {
		s.svc.Anchors.Close()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}

	if err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
