package monitor

import (
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
)

// EventType distinguishes the events fed to the dispatcher.
type EventType string

const (
	EventForeground EventType = "foreground"
	EventScreenOff  EventType = "screen_off"
	EventScreenOn   EventType = "screen_on"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventForeground, EventScreenOff, EventScreenOn:
		return true
	}
	return false
}

// Event is one notification from the OS event source.
type Event struct {
	Type    EventType `json:"type"`
	Package string    `json:"package,omitempty"`
	// Time defaults to the dispatcher's clock when zero.
	Time time.Time `json:"time,omitempty"`
}

// BlockTriggered tells the presentation surface to cover Package.
type BlockTriggered struct {
	Package   string        `json:"package"`
	Reason    policy.Reason `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

// Outcome records what the dispatcher did with an event or tick.
type Outcome string

const (
	OutcomeDebounced Outcome = "debounced"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeAllowed   Outcome = "allowed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeThrottled Outcome = "throttled"
	OutcomeScreen    Outcome = "screen"
)

// BlockStats is the attempt summary shown on the block screen.
type BlockStats struct {
	Package string `json:"package"`
	Today   int64  `json:"today"`
	Total   int64  `json:"total"`
}
