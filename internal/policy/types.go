package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is the outcome of a decision
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// Reason explains a block decision to the presentation surface.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonFocusMode  Reason = "focus_mode"
	ReasonUsageLimit Reason = "usage_limit_reached"
	ReasonSchedule   Reason = "schedule"
)

// Decision is the result of evaluating one package.
type Decision struct {
	Action Action `json:"action"`
	Reason Reason `json:"reason,omitempty"`
}

// Blocked reports whether the decision blocks the package.
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Allow is the zero-reason allow decision.
var Allow = Decision{Action: ActionAllow}

// Block builds a block decision.
func Block(reason Reason) Decision {
	return Decision{Action: ActionBlock, Reason: reason}
}

// Weekday numbers days 1=Monday through 7=Sunday.
type Weekday int

const (
	Monday Weekday = iota + 1
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// WeekdayOf converts Go's Sunday-first enumeration.
func WeekdayOf(t time.Time) Weekday {
	wd := t.Weekday()
	if wd == time.Sunday {
		return Sunday
	}
	return Weekday(wd)
}

// Valid reports whether w is within 1..7.
func (w Weekday) Valid() bool {
	return w >= Monday && w <= Sunday
}

// ParseWeekday accepts English day names and 3-letter abbreviations.
func ParseWeekday(s string) (Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monday", "mon":
		return Monday, nil
	case "tuesday", "tue":
		return Tuesday, nil
	case "wednesday", "wed":
		return Wednesday, nil
	case "thursday", "thu":
		return Thursday, nil
	case "friday", "fri":
		return Friday, nil
	case "saturday", "sat":
		return Saturday, nil
	case "sunday", "sun":
		return Sunday, nil
	}
	return 0, fmt.Errorf("invalid day of week: %s", s)
}

// MinuteOfDay returns minutes since local midnight.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// Schedule is a weekly time window. Windows with EndMinute < StartMinute
// wrap past midnight.
type Schedule struct {
	ID          string
	Enabled     bool
	Days        map[Weekday]bool
	StartMinute int
	EndMinute   int
}

// BlockRule is the merged view of the official and dynamic records for one
// package.
type BlockRule struct {
	Package     string
	Blocked     bool
	Attempts    int64
	ScheduleIDs []string
	Official    bool
	Dynamic     bool
}

// UsageLimit caps daily foreground time for a package.
type UsageLimit struct {
	Package    string
	Enabled    bool
	DailyLimit time.Duration
}

// FocusSession blocks a set of packages until Expiry.
type FocusSession struct {
	Packages map[string]bool
	Expiry   time.Time
}

// Active reports whether the session is running at now (inclusive).
func (f FocusSession) Active(now time.Time) bool {
	return len(f.Packages) > 0 && !f.Expiry.IsZero() && !now.After(f.Expiry)
}

// Contains reports membership.
func (f FocusSession) Contains(pkg string) bool {
	return f.Packages[pkg]
}

// TemporaryUnlock suppresses every block until Expiry.
type TemporaryUnlock struct {
	Expiry time.Time
}

// Active reports whether the unlock is in force at now.
func (u TemporaryUnlock) Active(now time.Time) bool {
	return !u.Expiry.IsZero() && now.Before(u.Expiry)
}

// Expired reports whether a set unlock has lapsed and should be cleared.
func (u TemporaryUnlock) Expired(now time.Time) bool {
	return !u.Expiry.IsZero() && !now.Before(u.Expiry)
}

// Snapshot is an immutable, fully parsed view of the config store. Readers
// must not modify it; writers build a new one and swap it in.
type Snapshot struct {
	Rules     map[string]BlockRule
	Schedules map[string]Schedule
	Limits    map[string]UsageLimit
	Focus     FocusSession
	Unlock    TemporaryUnlock
	Style     json.RawMessage // block screen customization, passed through
	LoadedAt  time.Time
}

// EmptySnapshot has no rules at all.
func EmptySnapshot() *Snapshot {
	return &Snapshot{
		Rules:     map[string]BlockRule{},
		Schedules: map[string]Schedule{},
		Limits:    map[string]UsageLimit{},
	}
}

// Clone returns a shallow copy whose Rules map may be modified freely.
func (s *Snapshot) Clone() *Snapshot {
	clone := *s
	clone.Rules = make(map[string]BlockRule, len(s.Rules)+1)
	for k, v := range s.Rules {
		clone.Rules[k] = v
	}
	return &clone
}

// SessionState is the tracker's view passed into Decide.
type SessionState struct {
	Package string
	Start   time.Time
}

// Active reports whether a session is open.
func (s SessionState) Active() bool {
	return s.Package != ""
}

// ElapsedToday returns how long the session has run since the later of its
// start and local midnight of now.
func (s SessionState) ElapsedToday(now time.Time) time.Duration {
	if !s.Active() || now.Before(s.Start) {
		return 0
	}
	from := s.Start
	if midnight := StartOfDay(now); from.Before(midnight) {
		from = midnight
	}
	return now.Sub(from)
}

// StartOfDay returns local midnight of t's calendar date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
