package policy

import "time"

// InWindow reports whether cur lies in [start, end], wrapping past midnight
// when end < start. Both bounds are inclusive.
func InWindow(cur, start, end int) bool {
	if start <= end {
		return cur >= start && cur <= end
	}
	return cur >= start || cur <= end
}

// Contains reports whether the schedule is enabled and covers t.
func (s Schedule) Contains(t time.Time) bool {
	if !s.Enabled {
		return false
	}
	if !s.Days[WeekdayOf(t)] {
		return false
	}
	return InWindow(MinuteOfDay(t), s.StartMinute, s.EndMinute)
}

// ruleActive applies the schedule semantics of a block rule at now.
func ruleActive(rule BlockRule, schedules map[string]Schedule, now time.Time) bool {
	if !rule.Blocked {
		return false
	}
	if len(rule.ScheduleIDs) == 0 {
		return true
	}

	// Unknown or malformed schedule ids never match
	for _, id := range rule.ScheduleIDs {
		if schedule, ok := schedules[id]; ok && schedule.Contains(now) {
			return true
		}
	}
	return false
}
