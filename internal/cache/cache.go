package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/metrics"
	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"
)

// DefaultUnlockDuration is used when a temporary unlock is requested without
// a duration.
const DefaultUnlockDuration = 5 * time.Minute

const backgroundTimeout = 5 * time.Second

// Cache holds the parsed view of the config store. Readers get the current
// snapshot without touching storage; refreshes build a new snapshot and swap
// it in under the lock.
type Cache struct {
	store  storage.ConfigStore
	clock  policy.Clock
	logger zerolog.Logger

	mu   sync.RWMutex
	snap *policy.Snapshot

	// serializes read-modify-write cycles against the store
	writeMu sync.Mutex

	refresh chan struct{}
	bg      sync.WaitGroup
}

// New creates a cache over store. It starts with an empty snapshot until the
// first Refresh.
func New(store storage.ConfigStore, logger zerolog.Logger) *Cache {
	return &Cache{
		store:   store,
		clock:   policy.RealClock{},
		logger:  logger.With().Str("component", "cache").Logger(),
		snap:    policy.EmptySnapshot(),
		refresh: make(chan struct{}, 1),
	}
}

// SetClock replaces the time source (for testing).
func (c *Cache) SetClock(clock policy.Clock) {
	c.clock = clock
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (c *Cache) Snapshot() *policy.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

func (c *Cache) swap(snap *policy.Snapshot) {
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	metrics.CacheRules.Set(float64(len(snap.Rules)))
}

// Refresh reloads every config key and replaces the snapshot. On a store
// error the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	blobs, err := c.store.GetMany(ctx, storage.ConfigKeys...)
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load config: %w", err)
	}

	now := c.clock.Now()
	snap, dropped := parseSnapshot(blobs, now)
	for _, m := range dropped {
		metrics.CacheMalformedRecords.WithLabelValues(m.Key).Inc()
		c.logger.Warn().
			Str("key", m.Key).
			Str("record", m.Index).
			Str("reason", m.Reason).
			Msg("Ignoring malformed config record")
	}

	expired := snap.Unlock.Expired(now)
	if expired {
		snap.Unlock = policy.TemporaryUnlock{}
	}

	c.swap(snap)
	metrics.CacheRefreshes.WithLabelValues("ok").Inc()

	c.logger.Debug().
		Int("rules", len(snap.Rules)).
		Int("schedules", len(snap.Schedules)).
		Int("limits", len(snap.Limits)).
		Bool("focus", snap.Focus.Active(now)).
		Msg("Config cache refreshed")

	if expired {
		c.background(func(ctx context.Context) {
			if err := c.deleteExpiredUnlock(ctx, now); err != nil {
				c.logger.Error().Err(err).Msg("Failed to clear expired unlock")
			}
		})
	}
	return nil
}

// background runs fn with a bounded context, tracked by Wait.
func (c *Cache) background(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until background store writes have finished.
func (c *Cache) Wait() {
	c.bg.Wait()
}

// LoadSnapshot reads and parses the config store as of now. It leaves the
// store untouched, so expired unlocks are only hidden, not deleted.
func LoadSnapshot(ctx context.Context, store storage.ConfigStore, now time.Time) (*policy.Snapshot, error) {
	blobs, err := store.GetMany(ctx, storage.ConfigKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	snap, _ := parseSnapshot(blobs, now)
	if snap.Unlock.Expired(now) {
		snap.Unlock = policy.TemporaryUnlock{}
	}
	return snap, nil
}

// RequestRefresh asks Run to reload. Multiple requests before the reload
// starts collapse into one.
func (c *Cache) RequestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Run performs the initial load and then refreshes on store changes and
// explicit requests until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Initial config load failed, starting with empty rules")
	}

	changes, err := c.store.Watch(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Config change notifications unavailable")
		changes = nil
	}

	for {
		select {
		case <-ctx.Done():
			c.Wait()
			return nil

		case key, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn().Msg("Config change stream closed")
				}
				changes = nil
				continue
			}
			if !storage.IsConfigKey(key) {
				continue
			}
			c.logger.Debug().Str("key", key).Msg("Config changed")
			c.reload(ctx)

		case <-c.refresh:
			c.reload(ctx)
		}
	}
}

func (c *Cache) reload(ctx context.Context) {
	// A pending request is satisfied by this reload
	select {
	case <-c.refresh:
	default:
	}
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("Config refresh failed, keeping previous snapshot")
	}
}

// RecordBlockAttempt applies a triggered block to the in-memory rules: the
// rule's attempts go up by one, and a usage limit block on a package without
// a rule creates a dynamic one. ok is false when nothing was recorded.
func (c *Cache) RecordBlockAttempt(pkg string, reason policy.Reason) (rule policy.BlockRule, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule, exists := c.snap.Rules[pkg]
	switch {
	case exists:
		rule.Attempts++
	case reason == policy.ReasonUsageLimit:
		rule = policy.BlockRule{Package: pkg}
		rule.Attempts = 1
	default:
		return policy.BlockRule{}, false
	}
	if reason == policy.ReasonUsageLimit {
		rule.Blocked = true
		rule.Dynamic = true
	}

	next := c.snap.Clone()
	next.Rules[pkg] = rule
	c.snap = next
	return rule, true
}

// PersistBlockAttempt writes the attempt back to both rule records in the
// store. Unknown fields in the stored JSON are preserved.
func (c *Cache) PersistBlockAttempt(ctx context.Context, pkg string, reason policy.Reason) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	blobs, err := c.store.GetMany(ctx, storage.KeyBlockedApps, storage.KeyDynamicBlockedApps)
	if err != nil {
		return fmt.Errorf("failed to read block rules: %w", err)
	}

	var errs []error

	official, record, err := bumpOfficial(blobs[storage.KeyBlockedApps], pkg)
	if err != nil {
		errs = append(errs, err)
	} else if record.Found {
		if err := c.store.Put(ctx, storage.KeyBlockedApps, official); err != nil {
			errs = append(errs, fmt.Errorf("failed to write blocked apps: %w", err))
		}
	}

	today := storage.DateKey(c.clock.Now())
	dynamic, changed, err := bumpDynamic(blobs[storage.KeyDynamicBlockedApps], pkg, reason, today, record)
	if err != nil {
		errs = append(errs, err)
	} else if changed {
		if err := c.store.Put(ctx, storage.KeyDynamicBlockedApps, dynamic); err != nil {
			errs = append(errs, fmt.Errorf("failed to write dynamic blocked apps: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ClearExpiredUnlock drops a lapsed temporary unlock from the snapshot and
// the store.
func (c *Cache) ClearExpiredUnlock(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	if c.snap.Unlock.Expired(now) {
		next := c.snap.Clone()
		next.Unlock = policy.TemporaryUnlock{}
		c.snap = next
	}
	c.mu.Unlock()

	return c.deleteExpiredUnlock(ctx, now)
}

// deleteExpiredUnlock removes temp_unlock_until unless it has been extended
// since it was read.
func (c *Cache) deleteExpiredUnlock(ctx context.Context, now time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	value, err := c.store.Get(ctx, storage.KeyTempUnlockUntil)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read unlock: %w", err)
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil && now.Before(time.UnixMilli(ms)) {
		return nil
	}
	if err := c.store.Delete(ctx, storage.KeyTempUnlockUntil); err != nil {
		return fmt.Errorf("failed to delete unlock: %w", err)
	}
	return nil
}

// GrantTemporaryUnlock suspends all blocking for d.
func (c *Cache) GrantTemporaryUnlock(ctx context.Context, d time.Duration) (time.Time, error) {
	if d <= 0 {
		d = DefaultUnlockDuration
	}
	expiry := c.clock.Now().Add(d)

	c.writeMu.Lock()
	err := c.store.Put(ctx, storage.KeyTempUnlockUntil, formatMillis(expiry))
	c.writeMu.Unlock()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to write unlock: %w", err)
	}

	c.logger.Info().Time("until", expiry).Msg("Temporary unlock granted")
	return expiry, c.Refresh(ctx)
}

// StartFocusSession blocks packages for d.
func (c *Cache) StartFocusSession(ctx context.Context, packages []string, d time.Duration) (policy.FocusSession, error) {
	if len(packages) == 0 {
		return policy.FocusSession{}, errors.New("focus session needs at least one package")
	}
	if d <= 0 {
		return policy.FocusSession{}, errors.New("focus session duration must be positive")
	}

	list := "[]"
	for _, pkg := range packages {
		var err error
		if list, err = sjson.Set(list, "-1", pkg); err != nil {
			return policy.FocusSession{}, fmt.Errorf("failed to encode focus packages: %w", err)
		}
	}
	expiry := c.clock.Now().Add(d)

	c.writeMu.Lock()
	err := c.store.Put(ctx, storage.KeyFocusSessionPackages, list)
	if err == nil {
		err = c.store.Put(ctx, storage.KeyFocusSessionEnd, formatMillis(expiry))
	}
	c.writeMu.Unlock()
	if err != nil {
		return policy.FocusSession{}, fmt.Errorf("failed to write focus session: %w", err)
	}

	session := policy.FocusSession{Packages: make(map[string]bool, len(packages)), Expiry: expiry}
	for _, pkg := range packages {
		session.Packages[pkg] = true
	}

	c.logger.Info().Strs("packages", packages).Time("until", expiry).Msg("Focus session started")
	return session, c.Refresh(ctx)
}

// EndFocusSession clears any focus session.
func (c *Cache) EndFocusSession(ctx context.Context) error {
	c.writeMu.Lock()
	err := c.store.Delete(ctx, storage.KeyFocusSessionPackages)
	if err == nil {
		err = c.store.Delete(ctx, storage.KeyFocusSessionEnd)
	}
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to clear focus session: %w", err)
	}

	c.logger.Info().Msg("Focus session ended")
	return c.Refresh(ctx)
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
