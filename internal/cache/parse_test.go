package cache

import (
	"testing"
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

func TestParseSnapshot_Full(t *testing.T) {
	blobs := map[string]string{
		storage.KeyBlockedApps: `[
			{"packageName":"com.example.game","blockAttempts":2},
			{"packageName":"com.example.video","isBlocked":true,"scheduleIds":["night"]},
			{"packageName":"com.example.off","isBlocked":false}
		]`,
		storage.KeySchedules: `[
			{"id":"night","isEnabled":true,"daysOfWeek":[1,2,3,9],"startTime":{"hour":22,"minute":0},"endTime":{"hour":7,"minute":30}}
		]`,
		storage.KeyUsageLimits:          `[{"packageName":"com.example.social","dailyLimitMinutes":30}]`,
		storage.KeyTempUnlockUntil:      "1705316400000",
		storage.KeyFocusSessionPackages: `["com.example.chat"]`,
		storage.KeyFocusSessionEnd:      "1705320000000",
		storage.KeyBlockScreenStyle:     `{"theme":"dark"}`,
	}

	snap, dropped := parseSnapshot(blobs, parseNow)
	require.Empty(t, dropped)

	game := snap.Rules["com.example.game"]
	assert.True(t, game.Blocked, "isBlocked defaults to true")
	assert.Equal(t, int64(2), game.Attempts)
	assert.True(t, game.Official)

	assert.Equal(t, []string{"night"}, snap.Rules["com.example.video"].ScheduleIDs)
	assert.False(t, snap.Rules["com.example.off"].Blocked)

	night := snap.Schedules["night"]
	assert.True(t, night.Enabled)
	assert.Equal(t, 22*60, night.StartMinute)
	assert.Equal(t, 7*60+30, night.EndMinute)
	assert.Len(t, night.Days, 3, "out of range day ignored")

	limit := snap.Limits["com.example.social"]
	assert.True(t, limit.Enabled, "isEnabled defaults to true")
	assert.Equal(t, 30*time.Minute, limit.DailyLimit)

	assert.Equal(t, int64(1705316400000), snap.Unlock.Expiry.UnixMilli())
	assert.True(t, snap.Focus.Contains("com.example.chat"))
	assert.Equal(t, int64(1705320000000), snap.Focus.Expiry.UnixMilli())
	assert.JSONEq(t, `{"theme":"dark"}`, string(snap.Style))
}

func TestParseSnapshot_MalformedRecordsAreIsolated(t *testing.T) {
	blobs := map[string]string{
		storage.KeyBlockedApps: `[
			{"isBlocked":true},
			{"packageName":"com.example.game"}
		]`,
		storage.KeySchedules: `[
			{"id":"bad","isEnabled":true,"daysOfWeek":[1],"startTime":{"hour":"x"},"endTime":{"hour":1,"minute":0}},
			{"id":"good","isEnabled":true,"daysOfWeek":[1],"startTime":{"hour":1,"minute":0},"endTime":{"hour":2,"minute":0}}
		]`,
		storage.KeyUsageLimits:     `{not json`,
		storage.KeyTempUnlockUntil: "soon",
	}

	snap, dropped := parseSnapshot(blobs, parseNow)

	assert.Len(t, dropped, 4)
	assert.Contains(t, snap.Rules, "com.example.game")
	assert.Len(t, snap.Rules, 1)
	assert.Contains(t, snap.Schedules, "good")
	assert.NotContains(t, snap.Schedules, "bad")
	assert.Empty(t, snap.Limits)
	assert.True(t, snap.Unlock.Expiry.IsZero())
}

func TestParseSnapshot_EmptyStore(t *testing.T) {
	snap, dropped := parseSnapshot(map[string]string{}, parseNow)

	assert.Empty(t, dropped)
	assert.Empty(t, snap.Rules)
	assert.False(t, snap.Focus.Active(parseNow))
	assert.False(t, snap.Unlock.Active(parseNow))
}

func TestParseSnapshot_DynamicMerge(t *testing.T) {
	blobs := map[string]string{
		storage.KeyBlockedApps: `[
			{"packageName":"com.example.game","isBlocked":false,"blockAttempts":3,"scheduleIds":["s1"]},
			{"packageName":"com.example.video","blockAttempts":9}
		]`,
		storage.KeyDynamicBlockedApps: `{
			"com.example.game":{"packageName":"com.example.game","isBlocked":true,"blockAttempts":5,"scheduleIds":["other"]},
			"com.example.video":{"packageName":"com.example.video","blockAttempts":1},
			"com.example.social":{"packageName":"com.example.social","blockAttempts":1,"reason":"usage_limit_reached","blockedDate":"2024-01-15"},
			"com.example.news":{"packageName":"com.example.news","blockAttempts":4,"reason":"usage_limit_reached","blockedDate":"2024-01-14"}
		}`,
	}

	snap, dropped := parseSnapshot(blobs, parseNow)
	require.Empty(t, dropped)

	game := snap.Rules["com.example.game"]
	assert.True(t, game.Blocked, "dynamic block wins")
	assert.Equal(t, int64(5), game.Attempts)
	assert.Equal(t, []string{"s1"}, game.ScheduleIDs, "schedules come from the official record")
	assert.True(t, game.Official)
	assert.True(t, game.Dynamic)

	assert.Equal(t, int64(9), snap.Rules["com.example.video"].Attempts)

	assert.True(t, snap.Rules["com.example.social"].Blocked)

	news := snap.Rules["com.example.news"]
	assert.False(t, news.Blocked, "usage limit block from an earlier day lapses")
	assert.Equal(t, int64(4), news.Attempts)
}

func TestMergeRules_Deterministic(t *testing.T) {
	official := map[string]policy.BlockRule{"a": {Package: "a", Blocked: false, Attempts: 7, Official: true}}
	dynamic := map[string]policy.BlockRule{"a": {Package: "a", Blocked: true, Attempts: 2, Dynamic: true}}

	first := mergeRules(official, dynamic)
	second := mergeRules(official, dynamic)

	assert.Equal(t, first, second)
	assert.Equal(t, policy.BlockRule{Package: "a", Blocked: true, Attempts: 7, Official: true, Dynamic: true}, first["a"])
}
