package usage

import (
	"testing"
	"time"

	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage/redis"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

const testHost = "com.example.block_app"

// Monday 15 January 2024, local time
var testNow = time.Date(2024, 1, 15, 10, 0, 0, 0, time.Local)

func setupTestStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	}, "test:")
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func newTestLedger(t *testing.T) (*Ledger, *redis.Store, *policy.TestClock) {
	t.Helper()

	store, _ := setupTestStore(t)
	clock := policy.NewTestClock(testNow)
	ledger := NewLedger(store.Counters(), zerolog.Nop())
	ledger.SetClock(clock)
	return ledger, store, clock
}

func newTestTracker(t *testing.T) (*Tracker, *Ledger, *redis.Store, *policy.TestClock) {
	t.Helper()

	ledger, store, clock := newTestLedger(t)
	classifier := NewClassifier(testHost, func() string { return "com.vendor.home" })
	tracker := NewTracker(ledger, store.Config(), classifier, Config{}, zerolog.Nop())
	return tracker, ledger, store, clock
}
