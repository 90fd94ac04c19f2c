package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Event metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_events_total",
			Help: "Total foreground events received",
		},
		[]string{"type", "outcome"},
	)

	EventDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockd_event_duration_seconds",
			Help:    "Time spent handling one foreground event",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	// Policy metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_decisions_total",
			Help: "Total policy decisions",
		},
		[]string{"action", "reason"},
	)

	BlocksTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_blocks_triggered_total",
			Help: "Block actions emitted to the presentation surface",
		},
		[]string{"reason"},
	)

	BlocksThrottled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_blocks_throttled_total",
			Help: "Block actions suppressed by the per-package cool-down",
		},
	)

	// Cache metrics
	CacheRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_cache_refreshes_total",
			Help: "Config cache refreshes",
		},
		[]string{"result"},
	)

	CacheMalformedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_cache_malformed_records_total",
			Help: "Config records dropped because they could not be parsed",
		},
		[]string{"key"},
	)

	CacheRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockd_cache_rules",
			Help: "Block rules in the current snapshot",
		},
	)

	// Usage metrics
	UsageSecondsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_usage_seconds_recorded_total",
			Help: "Foreground seconds committed to the usage ledger",
		},
	)

	SessionsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockd_sessions_discarded_total",
			Help: "Sessions shorter than the debounce floor",
		},
	)

	ActiveSession = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockd_active_session",
			Help: "1 while a foreground session is open",
		},
	)

	StoreWriteErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockd_store_write_errors_total",
			Help: "Durable writes that failed",
		},
		[]string{"kind"},
	)

	// Dispatcher metrics
	DebounceWindowSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockd_debounce_window_seconds",
			Help: "Current adaptive debounce window",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		EventsTotal,
		EventDuration,
		DecisionsTotal,
		BlocksTriggered,
		BlocksThrottled,
		CacheRefreshes,
		CacheMalformedRecords,
		CacheRules,
		UsageSecondsRecorded,
		SessionsDiscarded,
		ActiveSession,
		StoreWriteErrors,
		DebounceWindowSeconds,
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

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler exposes the mux, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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
