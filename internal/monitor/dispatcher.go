package monitor

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/cache"
	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/Elgammal1299/block-app/internal/usage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Submit when the event buffer is full.
var ErrQueueFull = errors.New("monitor: event queue full")

const (
	DefaultHeartbeatInterval = time.Second
	DefaultBlockPause        = 500 * time.Millisecond
	DefaultBlockThrottle     = 1500 * time.Millisecond
	DefaultLivenessInterval  = 5 * time.Second
	DefaultEventBuffer       = 64

	// MaxEventAge bounds how far behind the daemon clock a submitted event
	// timestamp may lie. Older or future stamps are replaced by now.
	MaxEventAge = 5 * time.Second

	backgroundTimeout = 5 * time.Second
)

// Config holds dispatcher timing
type Config struct {
	HeartbeatInterval time.Duration
	BlockPause        time.Duration
	BlockThrottle     time.Duration
	LivenessInterval  time.Duration
	EventBuffer       int
}

// Dispatcher turns foreground events and heartbeat ticks into session
// updates and block actions.
type Dispatcher struct {
	cache    *cache.Cache
	tracker  *usage.Tracker
	ledger   *usage.Ledger
	engine   *policy.Engine
	store    storage.ConfigStore
	debounce DebounceWindow
	blocks   *Broadcaster
	clock    policy.Clock
	logger   zerolog.Logger
	cfg      Config

	events chan Event

	mu          sync.Mutex
	lastPackage string
	lastEventAt time.Time
	cooldown    map[string]time.Time
	pauseUntil  time.Time
	screenOff   bool

	liveness *rate.Sometimes
	bg       sync.WaitGroup
}

// NewDispatcher wires the dispatcher. store receives liveness writes and
// may be nil.
func NewDispatcher(
	c *cache.Cache,
	tracker *usage.Tracker,
	ledger *usage.Ledger,
	engine *policy.Engine,
	store storage.ConfigStore,
	debounce DebounceWindow,
	cfg Config,
	logger zerolog.Logger,
) *Dispatcher {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BlockPause < 0 {
		cfg.BlockPause = DefaultBlockPause
	}
	if cfg.BlockThrottle <= 0 {
		cfg.BlockThrottle = DefaultBlockThrottle
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if debounce == nil {
		debounce = FixedWindow(0)
	}

	return &Dispatcher{
		cache:    c,
		tracker:  tracker,
		ledger:   ledger,
		engine:   engine,
		store:    store,
		debounce: debounce,
		blocks:   NewBroadcaster(),
		clock:    policy.RealClock{},
		logger:   logger.With().Str("component", "monitor").Logger(),
		cfg:      cfg,
		events:   make(chan Event, cfg.EventBuffer),
		cooldown: make(map[string]time.Time),
		liveness: &rate.Sometimes{Interval: cfg.LivenessInterval},
	}
}

// SetClock replaces the time source (for testing).
func (d *Dispatcher) SetClock(clock policy.Clock) {
	d.clock = clock
}

// Subscribe streams BlockTriggered notifications. Call the returned function
// to unsubscribe.
func (d *Dispatcher) Subscribe() (<-chan BlockTriggered, func()) {
	return d.blocks.Subscribe()
}

// Subscribers returns the number of live BlockTriggered subscribers.
func (d *Dispatcher) Subscribers() int {
	return d.blocks.Subscribers()
}

// clampEventTime keeps a source-supplied timestamp within
// [now-MaxEventAge, now].
func clampEventTime(t, now time.Time) time.Time {
	if t.IsZero() || t.After(now) || now.Sub(t) > MaxEventAge {
		return now
	}
	return t
}

// Submit queues ev for the event loop without blocking. Its timestamp is
// clamped to the daemon clock.
func (d *Dispatcher) Submit(ev Event) error {
	ev.Time = clampEventTime(ev.Time, d.clock.Now())
	select {
	case d.events <- ev:
		return nil
	default:
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		return ErrQueueFull
	}
}

// Run processes events and heartbeat ticks until ctx is cancelled, then
// closes the open session and waits for background writes.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.eventLoop(gctx) })
	g.Go(func() error { return d.heartbeatLoop(gctx) })
	err := g.Wait()

	d.Shutdown()
	return err
}

// Shutdown closes the active session and flushes pending writes.
func (d *Dispatcher) Shutdown() {
	d.tracker.Close(d.clock.Now(), "shutdown")
	d.bg.Wait()
	d.ledger.Wait()
	d.tracker.Wait()
	d.logger.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.events:
			d.HandleEvent(ev)
		}
	}
}

func (d *Dispatcher) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.Heartbeat()
		}
	}
}

// HandleEvent processes one event synchronously.
func (d *Dispatcher) HandleEvent(ev Event) Outcome {
	started := time.Now()
	now := ev.Time
	if now.IsZero() {
		now = d.clock.Now()
	}

	d.touchLiveness(now)

	var outcome Outcome
	switch ev.Type {
	case EventScreenOff:
		outcome = d.screenOffEvent(now)
	case EventScreenOn:
		outcome = d.screenOnEvent()
	case EventForeground:
		outcome = d.foregroundEvent(ev.Package, now)
	default:
		outcome = OutcomeIgnored
	}

	metrics.EventsTotal.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	metrics.EventDuration.Observe(time.Since(started).Seconds())
	return outcome
}

func (d *Dispatcher) screenOffEvent(now time.Time) Outcome {
	d.mu.Lock()
	d.screenOff = true
	d.lastPackage = ""
	d.mu.Unlock()

	d.tracker.Close(now, "screen_off")
	d.logger.Debug().Msg("Screen off")
	return OutcomeScreen
}

func (d *Dispatcher) screenOnEvent() Outcome {
	d.mu.Lock()
	d.screenOff = false
	d.mu.Unlock()

	d.logger.Debug().Msg("Screen on")
	return OutcomeScreen
}

// foregroundEvent debounces, updates the session, then evaluates.
func (d *Dispatcher) foregroundEvent(pkg string, now time.Time) Outcome {
	if pkg == "" {
		return OutcomeIgnored
	}

	d.mu.Lock()
	d.screenOff = false
	if pkg == d.lastPackage && now.Sub(d.lastEventAt) < d.debounce.Window() {
		d.mu.Unlock()
		return OutcomeDebounced
	}
	d.lastPackage = pkg
	d.lastEventAt = now
	d.mu.Unlock()

	if class := d.tracker.Observe(pkg, now); class != usage.ClassForeground {
		return OutcomeIgnored
	}
	return d.evaluate(pkg, now)
}

// Heartbeat re-evaluates the open session so limits that expire while an app
// stays in the foreground still trigger.
func (d *Dispatcher) Heartbeat() Outcome {
	now := d.clock.Now()
	d.touchLiveness(now)

	d.mu.Lock()
	paused := d.screenOff || now.Before(d.pauseUntil)
	d.mu.Unlock()
	if paused {
		return OutcomeIgnored
	}

	session := d.tracker.Current()
	if !session.Active() {
		return OutcomeIgnored
	}
	return d.evaluate(session.Package, now)
}

func (d *Dispatcher) evaluate(pkg string, now time.Time) Outcome {
	snap := d.cache.Snapshot()
	if snap.Unlock.Expired(now) {
		d.background(func(ctx context.Context) {
			if err := d.cache.ClearExpiredUnlock(ctx, now); err != nil {
				d.logger.Error().Err(err).Msg("Failed to clear expired unlock")
			}
		})
	}

	decision := d.engine.EvaluateAt(pkg, now, snap, d.tracker.Current())
	if !decision.Blocked() {
		return OutcomeAllowed
	}

	if d.throttled(pkg, now) {
		metrics.BlocksThrottled.Inc()
		return OutcomeThrottled
	}

	d.block(pkg, decision.Reason, now)
	return OutcomeBlocked
}

// throttled applies the per-package cool-down and arms it when it passes.
func (d *Dispatcher) throttled(pkg string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if until, ok := d.cooldown[pkg]; ok && now.Before(until) {
		return true
	}
	d.cooldown[pkg] = now.Add(d.cfg.BlockThrottle)
	d.pauseUntil = now.Add(d.cfg.BlockPause)

	// Drop cool-downs that have lapsed
	for p, until := range d.cooldown {
		if !now.Before(until) {
			delete(d.cooldown, p)
		}
	}
	return false
}

func (d *Dispatcher) block(pkg string, reason policy.Reason, now time.Time) {
	ev := BlockTriggered{Package: pkg, Reason: reason, Timestamp: now}
	delivered := d.blocks.Publish(ev)

	rule, recorded := d.cache.RecordBlockAttempt(pkg, reason)
	today := d.ledger.IncrementBlockAttempts(pkg, now)

	d.background(func(ctx context.Context) {
		if err := d.cache.PersistBlockAttempt(ctx, pkg, reason); err != nil {
			metrics.StoreWriteErrors.WithLabelValues("block_attempt").Inc()
			d.logger.Error().Err(err).Str("package", pkg).Msg("Failed to persist block attempt")
		}
	})

	metrics.BlocksTriggered.WithLabelValues(string(reason)).Inc()
	d.logger.Info().
		Str("package", pkg).
		Str("reason", string(reason)).
		Int64("today", today).
		Int64("total", rule.Attempts).
		Bool("recorded", recorded).
		Int("subscribers", delivered).
		Msg("Block triggered")
}

// BlockStats reports today's and total attempts for pkg.
func (d *Dispatcher) BlockStats(pkg string) BlockStats {
	return BlockStats{
		Package: pkg,
		Today:   d.ledger.BlockAttemptsToday(pkg),
		Total:   d.cache.Snapshot().Rules[pkg].Attempts,
	}
}

// AllBlockStats reports attempts for every package with a rule.
func (d *Dispatcher) AllBlockStats() []BlockStats {
	rules := d.cache.Snapshot().Rules
	stats := make([]BlockStats, 0, len(rules))
	for pkg, rule := range rules {
		stats = append(stats, BlockStats{
			Package: pkg,
			Today:   d.ledger.BlockAttemptsToday(pkg),
			Total:   rule.Attempts,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Total != stats[j].Total {
			return stats[i].Total > stats[j].Total
		}
		return stats[i].Package < stats[j].Package
	})
	return stats
}

// touchLiveness writes service_last_seen at most once per LivenessInterval.
func (d *Dispatcher) touchLiveness(now time.Time) {
	if d.store == nil {
		return
	}
	d.liveness.Do(func() {
		value := strconv.FormatInt(now.UnixMilli(), 10)
		d.background(func(ctx context.Context) {
			if err := d.store.Put(ctx, storage.KeyServiceLastSeen, value); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to write liveness")
			}
		})
	})
}

// background runs fn off the hot path with a bounded context.
func (d *Dispatcher) background(fn func(ctx context.Context)) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
