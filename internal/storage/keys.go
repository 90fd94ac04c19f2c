package storage

import "time"

// Config keys read by the cache.
const (
	KeyBlockedApps          = "blocked_apps"
	KeySchedules            = "schedules"
	KeyUsageLimits          = "usage_limits"
	KeyDynamicBlockedApps   = "dynamic_blocked_apps"
	KeyTempUnlockUntil      = "temp_unlock_until"
	KeyFocusSessionPackages = "focus_session_packages"
	KeyFocusSessionEnd      = "focus_session_end_time"
	KeyBlockScreenStyle     = "block_screen_style"
)

// Keys written by the daemon itself.
const (
	KeyCurrentSessions        = "current_sessions"
	KeyLegacyTrackingDisabled = "legacy_tracking_disabled"
	KeyServiceLastSeen        = "service_last_seen"
)

// ConfigKeys lists every key that feeds the cached snapshot.
var ConfigKeys = []string{
	KeyBlockedApps,
	KeySchedules,
	KeyUsageLimits,
	KeyDynamicBlockedApps,
	KeyTempUnlockUntil,
	KeyFocusSessionPackages,
	KeyFocusSessionEnd,
	KeyBlockScreenStyle,
}

// DateLayout is the layout of date keys. Dates are local calendar dates.
const DateLayout = "2006-01-02"

// DateKey formats t as a local date key.
func DateKey(t time.Time) string {
	return t.Format(DateLayout)
}

// DailyUsageKey holds package -> milliseconds for one date.
func DailyUsageKey(date string) string {
	return "daily_usage:" + date
}

// SessionCountKey holds package -> session opens for one date.
func SessionCountKey(date string) string {
	return "session_count:" + date
}

// BlockAttemptsKey holds package -> triggered blocks for one date.
func BlockAttemptsKey(date string) string {
	return "block_attempts:" + date
}

// IsConfigKey reports whether a change to key affects the snapshot.
func IsConfigKey(key string) bool {
	if key == WildcardKey {
		return true
	}
	for _, k := range ConfigKeys {
		if k == key {
			return true
		}
	}
	return false
}
