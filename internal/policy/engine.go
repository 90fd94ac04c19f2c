package policy

import (
	"time"

	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/rs/zerolog"
)

// UsageReader reports accumulated foreground time for today.
type UsageReader interface {
	TodayUsage(pkg string) time.Duration
}

// Decide evaluates pkg against snap in fixed priority order:
// temporary unlock, focus session, usage limit, block rule. It has no side
// effects, so the same inputs always yield the same decision.
func Decide(pkg string, now time.Time, snap *Snapshot, session SessionState, usage UsageReader) Decision {
	if snap == nil {
		return Allow
	}

	// 1. Temporary unlock short-circuits everything
	if snap.Unlock.Active(now) {
		return Allow
	}

	// 2. Focus session
	if snap.Focus.Active(now) && snap.Focus.Contains(pkg) {
		return Block(ReasonFocusMode)
	}

	// 3. Usage limit, counting the open session for this package
	if limit, ok := snap.Limits[pkg]; ok && limit.Enabled && limit.DailyLimit > 0 {
		var used time.Duration
		if usage != nil {
			used = usage.TodayUsage(pkg)
		}
		if session.Package == pkg {
			used += session.ElapsedToday(now)
		}
		if used >= limit.DailyLimit {
			return Block(ReasonUsageLimit)
		}
	}

	// 4. Block rule with optional schedules
	if rule, ok := snap.Rules[pkg]; ok && ruleActive(rule, snap.Schedules, now) {
		return Block(ReasonSchedule)
	}

	return Allow
}

// Engine evaluates packages against the live clock and usage ledger
type Engine struct {
	usage  UsageReader
	clock  Clock
	logger zerolog.Logger
}

// NewEngine creates a new policy engine
func NewEngine(usage UsageReader, logger zerolog.Logger) *Engine {
	return &Engine{
		usage:  usage,
		clock:  RealClock{},
		logger: logger.With().Str("component", "policy").Logger(),
	}
}

// SetClock sets the clock for time-based policy evaluation (for testing)
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Now returns the engine's notion of the current time
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Evaluate decides pkg at the current time
func (e *Engine) Evaluate(pkg string, snap *Snapshot, session SessionState) Decision {
	return e.EvaluateAt(pkg, e.clock.Now(), snap, session)
}

// EvaluateAt decides pkg at now and records the outcome
func (e *Engine) EvaluateAt(pkg string, now time.Time, snap *Snapshot, session SessionState) Decision {
	decision := Decide(pkg, now, snap, session, e.usage)

	reason := string(decision.Reason)
	if reason == "" {
		reason = "none"
	}
	metrics.DecisionsTotal.WithLabelValues(string(decision.Action), reason).Inc()

	if decision.Blocked() {
		e.logger.Debug().
			Str("package", pkg).
			Str("reason", string(decision.Reason)).
			Msg("Package blocked")
	}

	return decision
}
