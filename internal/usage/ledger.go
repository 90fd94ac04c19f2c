package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/rs/zerolog"
)

// persistTimeout bounds one background counter write.
const persistTimeout = 5 * time.Second

// dayCounters maps date -> package -> value.
type dayCounters map[string]map[string]int64

func (d dayCounters) add(date, pkg string, delta int64) int64 {
	m, ok := d[date]
	if !ok {
		m = make(map[string]int64)
		d[date] = m
	}
	m[pkg] += delta
	return m[pkg]
}

func (d dayCounters) get(date, pkg string) int64 {
	return d[date][pkg]
}

// Ledger accumulates per-day usage, session opens and block attempts. The
// in-memory mirror is updated synchronously; the counter store is written in
// the background.
type Ledger struct {
	counters storage.CounterStore
	clock    policy.Clock
	logger   zerolog.Logger

	mu       sync.RWMutex
	usageMs  dayCounters
	opens    dayCounters
	attempts dayCounters

	wg sync.WaitGroup
}

// NewLedger creates a ledger backed by counters.
func NewLedger(counters storage.CounterStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		counters: counters,
		clock:    policy.RealClock{},
		logger:   logger.With().Str("component", "usage-ledger").Logger(),
		usageMs:  make(dayCounters),
		opens:    make(dayCounters),
		attempts: make(dayCounters),
	}
}

// SetClock replaces the time source (for testing).
func (l *Ledger) SetClock(clock policy.Clock) {
	l.clock = clock
}

// AddDuration records d of foreground time for pkg starting at start,
// split across the dates it covers.
func (l *Ledger) AddDuration(pkg string, d time.Duration, start time.Time) {
	pieces := SplitAtMidnight(start, d)
	if len(pieces) == 0 {
		return
	}

	l.mu.Lock()
	for _, p := range pieces {
		l.usageMs.add(p.Date, pkg, p.Duration.Milliseconds())
	}
	l.mu.Unlock()

	metrics.UsageSecondsRecorded.Add(d.Seconds())

	for _, p := range pieces {
		l.persist("usage", storage.DailyUsageKey(p.Date), pkg, p.Duration.Milliseconds())
	}

	l.logger.Debug().
		Str("package", pkg).
		Dur("duration", d).
		Int("days", len(pieces)).
		Msg("Usage recorded")
}

// TodayUsage returns pkg's recorded time for the current date.
func (l *Ledger) TodayUsage(pkg string) time.Duration {
	return l.UsageOn(storage.DateKey(l.clock.Now()), pkg)
}

// UsageOn returns pkg's recorded time for date.
func (l *Ledger) UsageOn(date, pkg string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return time.Duration(l.usageMs.get(date, pkg)) * time.Millisecond
}

// IncrementOpens counts one qualifying session for pkg on at's date.
func (l *Ledger) IncrementOpens(pkg string, at time.Time) {
	date := storage.DateKey(at)

	l.mu.Lock()
	l.opens.add(date, pkg, 1)
	l.mu.Unlock()

	l.persist("opens", storage.SessionCountKey(date), pkg, 1)
}

// OpensToday returns the number of qualifying sessions today.
func (l *Ledger) OpensToday(pkg string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opens.get(storage.DateKey(l.clock.Now()), pkg)
}

// IncrementBlockAttempts counts a triggered block and returns today's count.
func (l *Ledger) IncrementBlockAttempts(pkg string, at time.Time) int64 {
	date := storage.DateKey(at)

	l.mu.Lock()
	n := l.attempts.add(date, pkg, 1)
	l.mu.Unlock()

	l.persist("block_attempts", storage.BlockAttemptsKey(date), pkg, 1)
	return n
}

// BlockAttemptsToday returns today's triggered block count for pkg.
func (l *Ledger) BlockAttemptsToday(pkg string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts.get(storage.DateKey(l.clock.Now()), pkg)
}

func (l *Ledger) persist(kind, key, field string, delta int64) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if _, err := l.counters.Increment(ctx, key, field, delta); err != nil {
			metrics.StoreWriteErrors.WithLabelValues(kind).Inc()
			l.logger.Error().Err(err).
				Str("key", key).
				Str("package", field).
				Int64("delta", delta).
				Msg("Failed to persist counter")
		}
	}()
}

// Load replaces today's mirror with the stored counters.
func (l *Ledger) Load(ctx context.Context) error {
	date := storage.DateKey(l.clock.Now())

	usage, err := l.counters.All(ctx, storage.DailyUsageKey(date))
	if err != nil {
		return fmt.Errorf("failed to load daily usage: %w", err)
	}
	opens, err := l.counters.All(ctx, storage.SessionCountKey(date))
	if err != nil {
		return fmt.Errorf("failed to load session counts: %w", err)
	}
	attempts, err := l.counters.All(ctx, storage.BlockAttemptsKey(date))
	if err != nil {
		return fmt.Errorf("failed to load block attempts: %w", err)
	}

	l.mu.Lock()
	l.usageMs[date] = usage
	l.opens[date] = opens
	l.attempts[date] = attempts
	l.mu.Unlock()

	l.logger.Info().
		Str("date", date).
		Int("packages", len(usage)).
		Msg("Loaded today's usage")
	return nil
}

// Rollover drops mirrored days older than yesterday. Stored history is kept.
func (l *Ledger) Rollover(now time.Time) {
	// Date keys sort chronologically
	oldest := storage.DateKey(now.AddDate(0, 0, -1))

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range []dayCounters{l.usageMs, l.opens, l.attempts} {
		for date := range m {
			if date < oldest {
				delete(m, date)
			}
		}
	}
}

// Wait blocks until background writes have finished.
func (l *Ledger) Wait() {
	l.wg.Wait()
}
