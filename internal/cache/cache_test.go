package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/Elgammal1299/block-app/internal/storage/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCache(t *testing.T) (*Cache, storage.ConfigStore, *miniredis.Miniredis, *policy.TestClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	}, "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := policy.NewTestClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local))
	c := New(store.Config(), zerolog.Nop())
	c.SetClock(clock)
	return c, store.Config(), mr, clock
}

func TestCache_RefreshAndSnapshot(t *testing.T) {
	c, cs, _, _ := setupTestCache(t)
	ctx := context.Background()

	assert.Empty(t, c.Snapshot().Rules, "starts empty")

	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game"}]`))
	require.NoError(t, c.Refresh(ctx))

	snap := c.Snapshot()
	assert.True(t, snap.Rules["com.example.game"].Blocked)

	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[]`))
	require.NoError(t, c.Refresh(ctx))

	assert.Empty(t, c.Snapshot().Rules)
	assert.Contains(t, snap.Rules, "com.example.game", "old snapshot is never mutated")
}

func TestCache_StoreUnavailableKeepsLastGood(t *testing.T) {
	c, cs, mr, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game"}]`))
	require.NoError(t, c.Refresh(ctx))

	mr.Close()

	err := c.Refresh(ctx)
	assert.Error(t, err)
	assert.Contains(t, c.Snapshot().Rules, "com.example.game")
}

func TestCache_RunPicksUpChanges(t *testing.T) {
	c, cs, _, _ := setupTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	require.NoError(t, cs.Put(ctx, storage.KeyUsageLimits, `[{"packageName":"com.example.social","dailyLimitMinutes":30}]`))
	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().Limits["com.example.social"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCache_RequestRefresh(t *testing.T) {
	c, _, mr, _ := setupTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = c.Run(ctx) }()
	require.Eventually(t, func() bool { return !c.Snapshot().LoadedAt.IsZero() }, 2*time.Second, 10*time.Millisecond)

	// Written behind the store's back: no change notification
	require.NoError(t, mr.Set("test:"+storage.KeyBlockedApps, `[{"packageName":"com.example.game"}]`))

	c.RequestRefresh()
	c.RequestRefresh()
	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().Rules["com.example.game"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_RecordBlockAttempt(t *testing.T) {
	c, cs, _, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game","blockAttempts":2}]`))
	require.NoError(t, c.Refresh(ctx))
	before := c.Snapshot()

	rule, ok := c.RecordBlockAttempt("com.example.game", policy.ReasonSchedule)
	require.True(t, ok)
	assert.Equal(t, int64(3), rule.Attempts)
	assert.Equal(t, int64(3), c.Snapshot().Rules["com.example.game"].Attempts)
	assert.Equal(t, int64(2), before.Rules["com.example.game"].Attempts, "copy on write")

	rule, ok = c.RecordBlockAttempt("com.example.social", policy.ReasonUsageLimit)
	require.True(t, ok)
	assert.True(t, rule.Blocked)
	assert.True(t, rule.Dynamic)
	assert.Equal(t, int64(1), rule.Attempts)

	_, ok = c.RecordBlockAttempt("com.example.chat", policy.ReasonFocusMode)
	assert.False(t, ok)
	assert.NotContains(t, c.Snapshot().Rules, "com.example.chat")
}

func TestCache_PersistBlockAttempt(t *testing.T) {
	c, cs, _, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game","blockAttempts":2,"appName":"Game"}]`))

	require.NoError(t, c.PersistBlockAttempt(ctx, "com.example.game", policy.ReasonSchedule))
	official, err := cs.Get(ctx, storage.KeyBlockedApps)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"packageName":"com.example.game","blockAttempts":3,"appName":"Game"}]`, official)

	dynamic, err := cs.Get(ctx, storage.KeyDynamicBlockedApps)
	require.NoError(t, err)
	assert.JSONEq(t, `{"com.example.game":{"packageName":"com.example.game","scheduleIds":[],"blockAttempts":3,"isBlocked":false}}`, dynamic,
		"official rules are mirrored without blocking on their own")

	require.NoError(t, c.PersistBlockAttempt(ctx, "com.example.social", policy.ReasonUsageLimit))
	dynamic, err = cs.Get(ctx, storage.KeyDynamicBlockedApps)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"com.example.game":{"packageName":"com.example.game","scheduleIds":[],"blockAttempts":3,"isBlocked":false},
		"com.example.social":{"packageName":"com.example.social","scheduleIds":[],"blockAttempts":1,"isBlocked":true,"reason":"usage_limit_reached","blockedDate":"2024-01-15"}
	}`, dynamic)

	// The persisted state survives a refresh
	require.NoError(t, c.Refresh(ctx))
	assert.True(t, c.Snapshot().Rules["com.example.social"].Blocked)
	assert.Equal(t, int64(3), c.Snapshot().Rules["com.example.game"].Attempts)

	// Unblocking the official record is not undone by the mirror
	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game","isBlocked":false,"blockAttempts":3}]`))
	require.NoError(t, c.Refresh(ctx))
	assert.False(t, c.Snapshot().Rules["com.example.game"].Blocked)
}

func TestCache_UnlockLifecycle(t *testing.T) {
	c, cs, _, clock := setupTestCache(t)
	ctx := context.Background()

	expiry, err := c.GrantTemporaryUnlock(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultUnlockDuration), expiry)
	assert.True(t, c.Snapshot().Unlock.Active(clock.Now()))

	clock.Advance(DefaultUnlockDuration)
	assert.False(t, c.Snapshot().Unlock.Active(clock.Now()), "inactive at expiry")

	require.NoError(t, c.ClearExpiredUnlock(ctx, clock.Now()))
	assert.True(t, c.Snapshot().Unlock.Expiry.IsZero())
	_, err = cs.Get(ctx, storage.KeyTempUnlockUntil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCache_ClearExpiredUnlockKeepsExtendedUnlock(t *testing.T) {
	c, cs, _, clock := setupTestCache(t)
	ctx := context.Background()

	later := clock.Now().Add(time.Hour)
	require.NoError(t, cs.Put(ctx, storage.KeyTempUnlockUntil, "1"))
	require.NoError(t, c.Refresh(ctx))

	// Refresh schedules its own cleanup; Wait returns once it has run
	c.Wait()
	_, err := cs.Get(ctx, storage.KeyTempUnlockUntil)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, cs.Put(ctx, storage.KeyTempUnlockUntil, formatMillis(later)))
	require.NoError(t, c.ClearExpiredUnlock(ctx, clock.Now()))

	value, err := cs.Get(ctx, storage.KeyTempUnlockUntil)
	require.NoError(t, err)
	assert.Equal(t, formatMillis(later), value)
}

func TestCache_FocusSession(t *testing.T) {
	c, cs, _, clock := setupTestCache(t)
	ctx := context.Background()

	session, err := c.StartFocusSession(ctx, []string{"com.example.chat"}, 25*time.Minute)
	require.NoError(t, err)
	assert.True(t, session.Contains("com.example.chat"))

	snap := c.Snapshot()
	assert.True(t, snap.Focus.Active(clock.Now()))
	assert.True(t, snap.Focus.Contains("com.example.chat"))

	packages, err := cs.Get(ctx, storage.KeyFocusSessionPackages)
	require.NoError(t, err)
	assert.JSONEq(t, `["com.example.chat"]`, packages)

	require.NoError(t, c.EndFocusSession(ctx))
	assert.False(t, c.Snapshot().Focus.Active(clock.Now()))

	_, err = c.StartFocusSession(ctx, nil, time.Minute)
	assert.Error(t, err)
}

func TestLoadSnapshotLeavesStoreUntouched(t *testing.T) {
	_, cs, _, clock := setupTestCache(t)
	ctx := context.Background()

	expiry := clock.Now().Add(time.Minute)
	require.NoError(t, cs.Put(ctx, storage.KeyTempUnlockUntil, formatMillis(expiry)))
	require.NoError(t, cs.Put(ctx, storage.KeyBlockedApps, `[{"packageName":"com.example.game"}]`))

	// Evaluated an hour later the unlock has lapsed
	snap, err := LoadSnapshot(ctx, cs, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, snap.Unlock.Expiry.IsZero())
	assert.True(t, snap.Rules["com.example.game"].Blocked)

	value, err := cs.Get(ctx, storage.KeyTempUnlockUntil)
	require.NoError(t, err)
	assert.Equal(t, formatMillis(expiry), value)
}
