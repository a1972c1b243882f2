package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// HTTP API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgate_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"route", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexgate_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"route"},
	)

	// Daily usage metrics
	UsageIncrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgate_usage_increments_total",
			Help: "Total metered feature uses recorded",
		},
		[]string{"feature", "tier"},
	)

	UsageDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgate_usage_denied_total",
			Help: "Checked uses refused because the daily limit was reached",
		},
		[]string{"feature"},
	)

	UsageResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgate_usage_resets_total",
			Help: "Daily usage records reset to zero",
		},
		[]string{"feature", "reason"},
	)

	// Content gate metrics
	ContentGateEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexgate_content_gate_evaluations_total",
			Help: "Content list gate evaluations",
		},
		[]string{"category", "outcome"},
	)

	// Visibility runner metrics
	AnchorTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexgate_anchor_ticks_total",
			Help: "Interval callbacks fired by visible anchors",
		},
	)

	ActiveAnchors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexgate_active_anchors",
			Help: "Number of mounted anchors",
		},
	)

	RunningAnchors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexgate_running_anchors",
			Help: "Number of anchors whose interval timer is running",
		},
	)

	// Query cache metrics
	QueryCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexgate_query_cache_hits_total",
			Help: "Query cache hits within stale time",
		},
	)

	QueryCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexgate_query_cache_misses_total",
			Help: "Query cache misses",
		},
	)

	QueryCacheStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexgate_query_cache_stale_total",
			Help: "Query cache entries found past their stale time",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UsageIncrements,
		UsageDenied,
		UsageResets,
		ContentGateEvaluations,
		AnchorTicks,
		ActiveAnchors,
		RunningAnchors,
		QueryCacheHits,
		QueryCacheMisses,
		QueryCacheStale,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
