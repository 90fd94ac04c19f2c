package cache

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/tidwall/gjson"
)

// malformed describes one record dropped during parsing.
type malformed struct {
	Key    string
	Index  string
	Reason string
}

// parser turns raw config blobs into typed records. Bad records are
// collected in dropped and skipped; parsing never fails as a whole.
type parser struct {
	today   string
	dropped []malformed
}

func (p *parser) drop(key, index, reason string) {
	p.dropped = append(p.dropped, malformed{Key: key, Index: index, Reason: reason})
}

// array validates that blob is a JSON array. An empty or missing blob is an
// empty collection, not an error.
func (p *parser) array(key, blob string) []gjson.Result {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}
	if !gjson.Valid(blob) {
		p.drop(key, "", "invalid JSON")
		return nil
	}
	res := gjson.Parse(blob)
	if !res.IsArray() {
		p.drop(key, "", "expected array")
		return nil
	}
	return res.Array()
}

func stringList(res gjson.Result) []string {
	if !res.IsArray() {
		return nil
	}
	var out []string
	for _, v := range res.Array() {
		if v.Type == gjson.String && v.Str != "" {
			out = append(out, v.Str)
		}
	}
	return out
}

// optBool reads a boolean with a default when the field is absent.
func optBool(obj gjson.Result, field string, def bool) bool {
	v := obj.Get(field)
	if !v.Exists() {
		return def
	}
	return v.Bool()
}

func (p *parser) blockedApps(blob string) map[string]policy.BlockRule {
	rules := make(map[string]policy.BlockRule)
	for i, app := range p.array(storage.KeyBlockedApps, blob) {
		idx := strconv.Itoa(i)
		pkg := app.Get("packageName")
		if pkg.Type != gjson.String || pkg.Str == "" {
			p.drop(storage.KeyBlockedApps, idx, "missing packageName")
			continue
		}
		rules[pkg.Str] = policy.BlockRule{
			Package:     pkg.Str,
			Blocked:     optBool(app, "isBlocked", true),
			Attempts:    app.Get("blockAttempts").Int(),
			ScheduleIDs: stringList(app.Get("scheduleIds")),
			Official:    true,
		}
	}
	return rules
}

// dynamicApps parses the object keyed by package. Usage-limit entries from
// an earlier date keep their attempts but no longer block.
func (p *parser) dynamicApps(blob string) map[string]policy.BlockRule {
	rules := make(map[string]policy.BlockRule)
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return rules
	}
	if !gjson.Valid(blob) {
		p.drop(storage.KeyDynamicBlockedApps, "", "invalid JSON")
		return rules
	}
	res := gjson.Parse(blob)
	if !res.IsObject() {
		p.drop(storage.KeyDynamicBlockedApps, "", "expected object")
		return rules
	}

	res.ForEach(func(key, app gjson.Result) bool {
		pkg := key.String()
		if pkg == "" || !app.IsObject() {
			p.drop(storage.KeyDynamicBlockedApps, pkg, "expected object record")
			return true
		}
		blocked := optBool(app, "isBlocked", true)
		if app.Get("reason").Str == string(policy.ReasonUsageLimit) {
			if date := app.Get("blockedDate").Str; date != "" && date != p.today {
				blocked = false
			}
		}
		rules[pkg] = policy.BlockRule{
			Package:     pkg,
			Blocked:     blocked,
			Attempts:    app.Get("blockAttempts").Int(),
			ScheduleIDs: stringList(app.Get("scheduleIds")),
			Dynamic:     true,
		}
		return true
	})
	return rules
}

func clockMinutes(t gjson.Result) (int, bool) {
	hour, minute := t.Get("hour"), t.Get("minute")
	if hour.Type != gjson.Number || minute.Type != gjson.Number {
		return 0, false
	}
	h, m := int(hour.Int()), int(minute.Int())
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func (p *parser) schedules(blob string) map[string]policy.Schedule {
	schedules := make(map[string]policy.Schedule)
	for i, s := range p.array(storage.KeySchedules, blob) {
		idx := strconv.Itoa(i)
		id := s.Get("id").String()
		if id == "" {
			p.drop(storage.KeySchedules, idx, "missing id")
			continue
		}
		start, ok := clockMinutes(s.Get("startTime"))
		if !ok {
			p.drop(storage.KeySchedules, id, "invalid startTime")
			continue
		}
		end, ok := clockMinutes(s.Get("endTime"))
		if !ok {
			p.drop(storage.KeySchedules, id, "invalid endTime")
			continue
		}

		days := make(map[policy.Weekday]bool)
		for _, d := range s.Get("daysOfWeek").Array() {
			if wd := policy.Weekday(d.Int()); wd.Valid() {
				days[wd] = true
			}
		}

		schedules[id] = policy.Schedule{
			ID:          id,
			Enabled:     s.Get("isEnabled").Bool(),
			Days:        days,
			StartMinute: start,
			EndMinute:   end,
		}
	}
	return schedules
}

func (p *parser) usageLimits(blob string) map[string]policy.UsageLimit {
	limits := make(map[string]policy.UsageLimit)
	for i, l := range p.array(storage.KeyUsageLimits, blob) {
		idx := strconv.Itoa(i)
		pkg := l.Get("packageName").Str
		if pkg == "" {
			p.drop(storage.KeyUsageLimits, idx, "missing packageName")
			continue
		}
		minutes := l.Get("dailyLimitMinutes")
		if minutes.Type != gjson.Number || minutes.Int() < 0 {
			p.drop(storage.KeyUsageLimits, pkg, "invalid dailyLimitMinutes")
			continue
		}
		limits[pkg] = policy.UsageLimit{
			Package:    pkg,
			Enabled:    optBool(l, "isEnabled", true),
			DailyLimit: time.Duration(minutes.Int()) * time.Minute,
		}
	}
	return limits
}

// epochMillis parses a decimal millisecond timestamp. Zero or empty means
// unset.
func (p *parser) epochMillis(key, blob string) time.Time {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(blob, 10, 64)
	if err != nil {
		p.drop(key, "", "invalid timestamp")
		return time.Time{}
	}
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (p *parser) focus(packagesBlob, endBlob string) policy.FocusSession {
	expiry := p.epochMillis(storage.KeyFocusSessionEnd, endBlob)
	pkgs := make(map[string]bool)
	for _, v := range p.array(storage.KeyFocusSessionPackages, packagesBlob) {
		if v.Type == gjson.String && v.Str != "" {
			pkgs[v.Str] = true
		}
	}
	return policy.FocusSession{Packages: pkgs, Expiry: expiry}
}

func (p *parser) style(blob string) json.RawMessage {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}
	if !gjson.Valid(blob) {
		p.drop(storage.KeyBlockScreenStyle, "", "invalid JSON")
		return nil
	}
	return json.RawMessage(blob)
}

// mergeRules folds dynamic records into the official ones: blocked if
// either is, the higher attempt count, schedules from the official record.
func mergeRules(official, dynamic map[string]policy.BlockRule) map[string]policy.BlockRule {
	merged := make(map[string]policy.BlockRule, len(official)+len(dynamic))
	for pkg, rule := range official {
		merged[pkg] = rule
	}
	for pkg, dyn := range dynamic {
		rule, ok := merged[pkg]
		if !ok {
			merged[pkg] = dyn
			continue
		}
		rule.Blocked = rule.Blocked || dyn.Blocked
		rule.Attempts = max(rule.Attempts, dyn.Attempts)
		rule.Dynamic = true
		merged[pkg] = rule
	}
	return merged
}

// parseSnapshot builds a snapshot from the raw blobs returned by GetMany.
func parseSnapshot(blobs map[string]string, now time.Time) (*policy.Snapshot, []malformed) {
	p := &parser{today: storage.DateKey(now)}

	snap := &policy.Snapshot{
		Rules: mergeRules(
			p.blockedApps(blobs[storage.KeyBlockedApps]),
			p.dynamicApps(blobs[storage.KeyDynamicBlockedApps]),
		),
		Schedules: p.schedules(blobs[storage.KeySchedules]),
		Limits:    p.usageLimits(blobs[storage.KeyUsageLimits]),
		Focus:     p.focus(blobs[storage.KeyFocusSessionPackages], blobs[storage.KeyFocusSessionEnd]),
		Unlock:    policy.TemporaryUnlock{Expiry: p.epochMillis(storage.KeyTempUnlockUntil, blobs[storage.KeyTempUnlockUntil])},
		Style:     p.style(blobs[storage.KeyBlockScreenStyle]),
		LoadedAt:  now,
	}
	return snap, p.dropped
}
