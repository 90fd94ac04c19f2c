package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/control"
	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/Elgammal1299/block-app/internal/monitor"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/Elgammal1299/block-app/internal/storage/redis"
	"github.com/Elgammal1299/block-app/internal/storage/sqlite"
	"github.com/Elgammal1299/block-app/internal/systemd"
	"github.com/Elgammal1299/block-app/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the blockd daemon",
	Long:  `Start the decision loop, the local control API, and the metrics endpoint.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting blockd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage, logger)
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
		Str("key_prefix", cfg.Storage.KeyPrefix).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rule cache. A failed first load starts from an empty snapshot, which
	// allows everything until the store comes back.
	ruleCache := cache.New(store.Config(), logger)
	if err := ruleCache.Refresh(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial rule load failed, continuing with empty rules")
	}

	ledger := usage.NewLedger(store.Counters(), logger)
	if err := ledger.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load today's usage, starting from zero")
	}

	var resolveLauncher usage.LauncherResolver
	if launcher := cfg.Monitor.DefaultLauncher; launcher != "" {
		resolveLauncher = func() string { return launcher }
	}
	classifier := usage.NewClassifier(cfg.Monitor.HostPackage, resolveLauncher)

	tracker := usage.NewTracker(ledger, store.Config(), classifier, usage.Config{
		MinSessionDuration:  config.ParseDuration(cfg.Monitor.MinSessionDuration, usage.DefaultMinSessionDuration),
		MaxRecoveredSession: config.ParseDuration(cfg.Monitor.MaxRecoveredSession, usage.DefaultMaxRecoveredSession),
	}, logger)

	if err := tracker.Recover(ctx, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to recover previous session")
	}

	engine := policy.NewEngine(ledger, logger)

	debounce := monitor.NewAdaptiveDebounce(monitor.AdaptiveConfig{
		Fast:                  config.ParseDuration(cfg.Monitor.Debounce.Fast, 500*time.Millisecond),
		Balanced:              config.ParseDuration(cfg.Monitor.Debounce.Balanced, 800*time.Millisecond),
		Conservative:          config.ParseDuration(cfg.Monitor.Debounce.Conservative, 1200*time.Millisecond),
		SampleInterval:        config.ParseDuration(cfg.Monitor.Debounce.SampleInterval, monitor.DefaultSampleInterval),
		MemoryPressurePercent: cfg.Monitor.Debounce.MemoryPressurePercent,
	}, nil, logger)

	dispatcher := monitor.NewDispatcher(ruleCache, tracker, ledger, engine, store.Config(), debounce, monitor.Config{
		HeartbeatInterval: config.ParseDuration(cfg.Monitor.HeartbeatInterval, monitor.DefaultHeartbeatInterval),
		BlockPause:        config.ParseDuration(cfg.Monitor.BlockPause, monitor.DefaultBlockPause),
		BlockThrottle:     config.ParseDuration(cfg.Monitor.BlockThrottle, monitor.DefaultBlockThrottle),
		LivenessInterval:  config.ParseDuration(cfg.Monitor.LivenessInterval, monitor.DefaultLivenessInterval),
		EventBuffer:       cfg.Monitor.EventBuffer,
	}, logger)

	resetScheduler := usage.NewResetScheduler(ledger, ruleCache, logger)

	// The UI stops its own tracking while the daemon owns the session
	setLegacyTracking(ctx, store.Config(), true, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ruleCache.Run(gctx) })
	g.Go(func() error { return debounce.Run(gctx) })
	g.Go(func() error { return resetScheduler.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return systemd.RunWatchdog(gctx, logger) })

	logger.Info().Msg("Decision loop started")

	var controlServer *control.Server
	if cfg.Control.Enabled {
		controlServer = control.NewServer(control.Config{
			ListenAddr:     fmt.Sprintf("%s:%d", cfg.Control.BindAddress, cfg.Control.Port),
			RateLimit:      cfg.Control.RateLimit,
			RateBurst:      cfg.Control.RateBurst,
			UnlockDuration: config.ParseDuration(cfg.Monitor.TempUnlockDuration, cache.DefaultUnlockDuration),
		}, dispatcher, ruleCache, tracker, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Control != nil {
			controlServer.SetListener(sdListeners.Control)
		}

		if err := controlServer.Start(); err != nil {
			return fmt.Errorf("failed to start control server: %w", err)
		}
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}

		logger.Info().
			Str("addr", metricsAddr).
			Msg("Metrics server started")
	}

	logger.Info().Msg("blockd startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else if systemd.IsSystemdService() {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// A loop goroutine failing also ends the daemon
	loopDone := make(chan struct{})
	go func() {
		<-gctx.Done()
		close(loopDone)
	}()

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading rules")
				ruleCache.RequestRefresh()
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break wait
		case <-loopDone:
			logger.Error().Msg("Decision loop stopped unexpectedly, shutting down")
			break wait
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if controlServer != nil {
		if err := controlServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping control server")
		}
	}

	// Stopping the loops closes the open session and flushes writes
	cancel()
	loopErr := g.Wait()
	if loopErr != nil {
		logger.Error().Err(loopErr).Msg("Decision loop error")
	}
	ruleCache.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	setLegacyTracking(shutdownCtx, store.Config(), false, logger)
	shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("blockd stopped")

	return loopErr
}

// setLegacyTracking writes the flag that tells the settings UI whether the
// daemon is tracking usage.
func setLegacyTracking(ctx context.Context, store storage.ConfigStore, disabled bool, logger zerolog.Logger) {
	if err := store.Put(ctx, storage.KeyLegacyTrackingDisabled, strconv.FormatBool(disabled)); err != nil {
		logger.Error().Err(err).Bool("disabled", disabled).Msg("Failed to write legacy tracking flag")
	}
}

func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis, cfg.KeyPrefix)
	case "sqlite":
		return sqlite.Open(cfg.SQLite.Path, config.ParseDuration(cfg.SQLite.PollInterval, time.Second), logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
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

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// quietLogger is used by the one-shot inspection commands
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}
