package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultMinSessionDuration is the debounce floor: sessions must last
	// strictly longer than this to count.
	DefaultMinSessionDuration = 3 * time.Second

	// DefaultMaxRecoveredSession caps a session left open by a crash.
	DefaultMaxRecoveredSession = 15 * time.Second

	emptySnapshot = "{}"
)

// Config holds tracker configuration
type Config struct {
	MinSessionDuration  time.Duration
	MaxRecoveredSession time.Duration
}

// Tracker is the Idle/Active session state machine. At most one session is
// open; closing it commits its duration to the ledger.
type Tracker struct {
	ledger     *Ledger
	store      storage.ConfigStore
	classifier *Classifier
	logger     zerolog.Logger

	minSessionDuration  time.Duration
	maxRecoveredSession time.Duration

	mu      sync.Mutex
	current *Session

	// current_sessions writes; only the latest value is written
	snapMu      sync.Mutex
	writeMu     sync.Mutex
	pending     string
	written     string
	snapshotsWG sync.WaitGroup
}

// NewTracker creates a new session tracker. store may be nil, in which case
// the active-session snapshot is not published.
func NewTracker(ledger *Ledger, store storage.ConfigStore, classifier *Classifier, config Config, logger zerolog.Logger) *Tracker {
	if config.MinSessionDuration == 0 {
		config.MinSessionDuration = DefaultMinSessionDuration
	}
	if config.MaxRecoveredSession == 0 {
		config.MaxRecoveredSession = DefaultMaxRecoveredSession
	}

	return &Tracker{
		ledger:              ledger,
		store:               store,
		classifier:          classifier,
		logger:              logger.With().Str("component", "usage-tracker").Logger(),
		minSessionDuration:  config.MinSessionDuration,
		maxRecoveredSession: config.MaxRecoveredSession,
	}
}

// Observe applies a foreground change to pkg at now and returns pkg's class.
func (t *Tracker) Observe(pkg string, now time.Time) Class {
	class := t.classifier.Classify(pkg)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch class {
	case ClassInterruption:
		return class
	case ClassHost, ClassStopper:
		t.closeLocked(now, class.String())
		return class
	}

	if t.current != nil && t.current.Package == pkg {
		return class
	}

	t.closeLocked(now, "switch")
	t.current = &Session{
		ID:      uuid.New().String(),
		Package: pkg,
		Start:   now,
	}
	metrics.ActiveSession.Set(1)
	t.publish(t.current)

	t.logger.Debug().
		Str("session_id", t.current.ID).
		Str("package", pkg).
		Msg("Session started")
	return class
}

// Close ends the open session, if any. Closing an idle tracker is a no-op,
// so a session is committed exactly once.
func (t *Tracker) Close(now time.Time, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked(now, reason)
}

// closeLocked finalizes the current session (must be called with lock held)
func (t *Tracker) closeLocked(now time.Time, reason string) {
	session := t.current
	if session == nil {
		return
	}
	t.current = nil
	metrics.ActiveSession.Set(0)
	t.publish(nil)

	duration := now.Sub(session.Start)
	if duration <= t.minSessionDuration {
		metrics.SessionsDiscarded.Inc()
		t.logger.Debug().
			Str("session_id", session.ID).
			Str("package", session.Package).
			Dur("duration", duration).
			Dur("min_duration", t.minSessionDuration).
			Msg("Session too short, not counting")
		return
	}

	t.ledger.AddDuration(session.Package, duration, session.Start)
	t.ledger.IncrementOpens(session.Package, session.Start)

	t.logger.Info().
		Str("session_id", session.ID).
		Str("package", session.Package).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("Finalized usage session")
}

// Current returns the evaluator's view of the open session.
func (t *Tracker) Current() policy.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.State()
}

// Session returns a copy of the open session, or nil when idle.
func (t *Tracker) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	s := *t.current
	return &s
}

// Stats reports today's usage of pkg including the open session.
func (t *Tracker) Stats(pkg string, limit policy.UsageLimit, now time.Time) UsageStats {
	session := t.Session()

	stats := UsageStats{
		Package:    pkg,
		TodayUsage: t.ledger.TodayUsage(pkg),
		Opens:      t.ledger.OpensToday(pkg),
	}
	if session != nil && session.Package == pkg {
		stats.TodayUsage += session.State().ElapsedToday(now)
		stats.ActiveSession = session
	}
	if limit.Enabled && limit.DailyLimit > 0 {
		stats.DailyLimit = limit.DailyLimit
		stats.RemainingToday = max(limit.DailyLimit-stats.TodayUsage, 0)
		stats.LimitExceeded = stats.TodayUsage >= limit.DailyLimit
	}
	return stats
}

// encodeSnapshot renders current_sessions: {"pkg": startMillis} or {}.
func encodeSnapshot(s *Session) string {
	if s == nil {
		return emptySnapshot
	}
	value, err := sjson.Set(emptySnapshot, gjson.Escape(s.Package), s.Start.UnixMilli())
	if err != nil {
		return emptySnapshot
	}
	return value
}

// publish schedules a background write of the active-session snapshot.
func (t *Tracker) publish(s *Session) {
	if t.store == nil {
		return
	}

	t.snapMu.Lock()
	t.pending = encodeSnapshot(s)
	t.snapMu.Unlock()

	t.snapshotsWG.Add(1)
	go func() {
		defer t.snapshotsWG.Done()

		t.writeMu.Lock()
		defer t.writeMu.Unlock()

		t.snapMu.Lock()
		value := t.pending
		t.snapMu.Unlock()
		if value == t.written {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := t.store.Put(ctx, storage.KeyCurrentSessions, value); err != nil {
			metrics.StoreWriteErrors.WithLabelValues("current_sessions").Inc()
			t.logger.Error().Err(err).Msg("Failed to publish active session")
			return
		}
		t.written = value
	}()
}

// Recover commits a session left in current_sessions by a previous process.
// Its duration is clamped to the recovery cap.
func (t *Tracker) Recover(ctx context.Context, now time.Time) error {
	if t.store == nil {
		return nil
	}

	value, err := t.store.Get(ctx, storage.KeyCurrentSessions)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read active session: %w", err)
	}

	open := make(map[string]int64)
	if snapshot := gjson.Parse(value); gjson.Valid(value) && snapshot.IsObject() {
		snapshot.ForEach(func(key, start gjson.Result) bool {
			if start.Type == gjson.Number && key.Str != "" {
				open[key.Str] = start.Int()
			}
			return true
		})
	} else {
		t.logger.Warn().Str("value", value).Msg("Discarding malformed active session snapshot")
	}

	for pkg, startMs := range open {
		start := time.UnixMilli(startMs)
		duration := min(max(now.Sub(start), 0), t.maxRecoveredSession)
		if duration <= t.minSessionDuration {
			continue
		}
		t.ledger.AddDuration(pkg, duration, start)
		t.ledger.IncrementOpens(pkg, start)

		t.logger.Warn().
			Str("package", pkg).
			Time("started", start).
			Dur("credited", duration).
			Msg("Recovered session from previous run")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if value == emptySnapshot {
		t.written = value
		return nil
	}
	if err := t.store.Put(ctx, storage.KeyCurrentSessions, emptySnapshot); err != nil {
		return fmt.Errorf("failed to clear active session: %w", err)
	}
	t.written = emptySnapshot
	return nil
}

// Wait blocks until pending snapshot writes have finished.
func (t *Tracker) Wait() {
	t.snapshotsWG.Wait()
}
