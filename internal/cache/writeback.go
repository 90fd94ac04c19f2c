package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Write-back edits the UI-owned blobs in place. Bytes outside the touched
// fields are left exactly as the UI wrote them.

// officialRecord is what the dynamic write needs from the official entry.
type officialRecord struct {
	Found       bool
	Attempts    int64  // after the increment
	ScheduleIDs string // raw JSON array, "" when absent
}

// bumpOfficial increments blockAttempts on pkg's entry in the blocked_apps
// array. When pkg has no entry the blob is returned unchanged.
func bumpOfficial(blob, pkg string) (updated string, rec officialRecord, err error) {
	if strings.TrimSpace(blob) == "" {
		return blob, rec, nil
	}
	if !gjson.Valid(blob) {
		return blob, rec, fmt.Errorf("failed to decode blocked apps: invalid JSON")
	}
	apps := gjson.Parse(blob)
	if !apps.IsArray() {
		return blob, rec, fmt.Errorf("failed to decode blocked apps: not an array")
	}

	index := -1
	var entry gjson.Result
	for i, app := range apps.Array() {
		if app.Get("packageName").String() == pkg {
			index, entry = i, app
			break
		}
	}
	if index < 0 {
		return blob, rec, nil
	}

	attempts := entry.Get("blockAttempts").Int() + 1
	updated, err = sjson.Set(blob, strconv.Itoa(index)+".blockAttempts", attempts)
	if err != nil {
		return blob, officialRecord{}, fmt.Errorf("failed to update blocked apps: %w", err)
	}

	rec = officialRecord{Found: true, Attempts: attempts}
	if ids := entry.Get("scheduleIds"); ids.IsArray() {
		rec.ScheduleIDs = ids.Raw
	}
	return updated, rec, nil
}

// bumpDynamic updates pkg's entry in the dynamic_blocked_apps object. An
// existing entry gets attempts+1 (never below the official count). A missing
// entry is created for a usage limit block, stamped with today's date, or
// mirrored from the official record with isBlocked false so it never blocks
// on its own. Otherwise an absent entry stays absent, reported by changed.
func bumpDynamic(blob, pkg string, reason policy.Reason, today string, official officialRecord) (updated string, changed bool, err error) {
	doc := blob
	if trimmed := strings.TrimSpace(doc); trimmed == "" || trimmed == "null" {
		doc = "{}"
	}
	if !gjson.Valid(doc) {
		return blob, false, fmt.Errorf("failed to decode dynamic blocked apps: invalid JSON")
	}
	if !gjson.Parse(doc).IsObject() {
		return blob, false, fmt.Errorf("failed to decode dynamic blocked apps: not an object")
	}

	key := gjson.Escape(pkg)
	entry := gjson.Get(doc, key)

	set := func(field string, value any) {
		if err == nil {
			doc, err = sjson.Set(doc, key+"."+field, value)
		}
	}

	switch {
	case entry.IsObject():
		set("blockAttempts", max(entry.Get("blockAttempts").Int()+1, official.Attempts))
	case reason == policy.ReasonUsageLimit:
		doc, err = sjson.SetRaw(doc, key, "{}")
		set("packageName", pkg)
		set("scheduleIds", []string{})
		set("blockAttempts", max(1, official.Attempts))
	case official.Found:
		doc, err = sjson.SetRaw(doc, key, "{}")
		set("packageName", pkg)
		if official.ScheduleIDs != "" {
			if err == nil {
				doc, err = sjson.SetRaw(doc, key+".scheduleIds", official.ScheduleIDs)
			}
		} else {
			set("scheduleIds", []string{})
		}
		set("blockAttempts", official.Attempts)
		set("isBlocked", false)
	default:
		return blob, false, nil
	}

	if reason == policy.ReasonUsageLimit {
		set("isBlocked", true)
		set("reason", string(policy.ReasonUsageLimit))
		set("blockedDate", today)
	}

	if err != nil {
		return blob, false, fmt.Errorf("failed to update dynamic blocked apps: %w", err)
	}
	return doc, true, nil
}
