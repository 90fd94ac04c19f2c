package usage

import (
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
)

// Session is one uninterrupted foreground stretch of a package.
type Session struct {
	ID      string    `json:"id"`
	Package string    `json:"package"`
	Start   time.Time `json:"start"`
}

// State converts the session to the evaluator's view. A nil session is idle.
func (s *Session) State() policy.SessionState {
	if s == nil {
		return policy.SessionState{}
	}
	return policy.SessionState{Package: s.Package, Start: s.Start}
}

// Piece is the part of a duration that falls on one calendar date.
type Piece struct {
	Date     string
	Start    time.Time
	Duration time.Duration
}

// UsageStats represents current usage statistics for one package
type UsageStats struct {
	Package        string        `json:"package"`
	TodayUsage     time.Duration `json:"today_usage"`
	DailyLimit     time.Duration `json:"daily_limit,omitempty"`
	RemainingToday time.Duration `json:"remaining_today,omitempty"`
	LimitExceeded  bool          `json:"limit_exceeded"`
	Opens          int64         `json:"opens"`
	ActiveSession  *Session      `json:"active_session,omitempty"`
}
