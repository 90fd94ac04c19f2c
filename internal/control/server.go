package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/monitor"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/usage"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Config holds the control server configuration.
type Config struct {
	ListenAddr     string
	RateLimit      float64 // mutating requests per second
	RateBurst      int
	UnlockDuration time.Duration
}

// Server is the local control API used by the settings UI and the OS event
// bridge.
type Server struct {
	config     Config
	dispatcher *monitor.Dispatcher
	cache      *cache.Cache
	tracker    *usage.Tracker
	clock      policy.Clock
	router     *gin.Engine
	server     *http.Server
	listener   net.Listener // Optional pre-created listener (for systemd socket activation)
	logger     zerolog.Logger

	// closed by Stop so long-lived streams end before Shutdown waits on them
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new control server.
func NewServer(cfg Config, dispatcher *monitor.Dispatcher, c *cache.Cache, tracker *usage.Tracker, logger zerolog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.UnlockDuration <= 0 {
		cfg.UnlockDuration = cache.DefaultUnlockDuration
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		cache:      c,
		tracker:    tracker,
		clock:      policy.RealClock{},
		router:     router,
		logger:     logger.With().Str("component", "control").Logger(),
		done:       make(chan struct{}),
	}

	s.setupRoutes()

	// No write timeout: the block stream is long-lived
	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// SetClock replaces the time source (for testing).
func (s *Server) SetClock(clock policy.Clock) {
	s.clock = clock
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	v1.GET("/stats/blocks", s.handleAllBlockStats)
	v1.GET("/stats/blocks/:package", s.handleBlockStats)
	v1.GET("/session", s.handleSession)
	v1.GET("/usage/:package", s.handleUsage)
	v1.GET("/blocks/stream", s.handleBlockStream)

	// Mutating routes
	mutating := v1.Group("")
	mutating.Use(RateLimitMiddleware(s.config.RateLimit, s.config.RateBurst))
	mutating.POST("/events", s.handleEvent)
	mutating.POST("/cache/refresh", s.handleRefresh)
	mutating.POST("/unlock", s.handleUnlock)
	mutating.POST("/focus", s.handleStartFocus)
	mutating.DELETE("/focus", s.handleEndFocus)
}

// Start starts the control server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting control server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated control listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Control server error")
		}
	}()

	return nil
}

// Stop stops the control server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping control server")

	s.stopOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("control server shutdown: %w", err)
	}

	return nil
}
