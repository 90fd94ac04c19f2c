package usage

import (
	"context"
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/rs/zerolog"
)

// Refresher is notified after each day rollover so date-scoped config can
// lapse.
type Refresher interface {
	RequestRefresh()
}

// ResetScheduler manages the daily rollover at local midnight
type ResetScheduler struct {
	ledger    *Ledger
	refresher Refresher
	clock     policy.Clock
	logger    zerolog.Logger
}

// NewResetScheduler creates a new reset scheduler
func NewResetScheduler(ledger *Ledger, refresher Refresher, logger zerolog.Logger) *ResetScheduler {
	return &ResetScheduler{
		ledger:    ledger,
		refresher: refresher,
		clock:     policy.RealClock{},
		logger:    logger.With().Str("component", "reset-scheduler").Logger(),
	}
}

// SetClock replaces the time source (for testing).
func (rs *ResetScheduler) SetClock(clock policy.Clock) {
	rs.clock = clock
}

// Run waits for each midnight and performs the rollover until ctx is done.
func (rs *ResetScheduler) Run(ctx context.Context) error {
	for {
		nextReset := rs.calculateNextReset()
		waitDuration := nextReset.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
			rs.performReset()
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// calculateNextReset returns the next local midnight
func (rs *ResetScheduler) calculateNextReset() time.Time {
	return policy.StartOfDay(rs.clock.Now()).AddDate(0, 0, 1)
}

// performReset performs the daily rollover. Historical records are kept;
// today's totals start from zero because lookups are keyed by date.
func (rs *ResetScheduler) performReset() {
	now := rs.clock.Now()
	rs.logger.Info().Str("date", now.Format("2006-01-02")).Msg("Performing daily usage reset")

	rs.ledger.Rollover(now)
	if rs.refresher != nil {
		rs.refresher.RequestRefresh()
	}
}
