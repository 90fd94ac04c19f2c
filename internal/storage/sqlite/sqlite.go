package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS config (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (key, field)
);
`

// Store implements storage.Store on an embedded SQLite database. Writes made
// through this Store are announced in-process; commits by other processes
// are detected by polling PRAGMA data_version.
type Store struct {
	db           *sql.DB
	pollInterval time.Duration
	logger       zerolog.Logger

	mu          sync.Mutex
	subscribers map[chan string]struct{}
	closed      bool
}

// Open opens (or creates) the database at path.
func Open(path string, pollInterval time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// A single connection keeps data_version meaningful: it only moves when
	// another connection commits.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	return &Store{
		db:           db,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "sqlite-store").Logger(),
		subscribers:  make(map[chan string]struct{}),
	}, nil
}

// Close closes the database and ends every watcher
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// Config returns the ConfigStore implementation
func (s *Store) Config() storage.ConfigStore {
	return (*configStore)(s)
}

// Counters returns the CounterStore implementation
func (s *Store) Counters() storage.CounterStore {
	return (*counterStore)(s)
}

// notify fans a change out to every watcher without blocking writers.
func (s *Store) notify(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- name:
		default:
			// Slow watcher; it will reload everything on the next change
		}
	}
}

func (s *Store) subscribe() (chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	ch := make(chan string, 16)
	s.subscribers[ch] = struct{}{}
	return ch, nil
}

func (s *Store) unsubscribe(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, ch)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) dataVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

type configStore Store

func (c *configStore) store() *Store { return (*Store)(c) }

// Get returns a single blob or storage.ErrNotFound
func (c *configStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetMany returns the values that exist
func (c *configStore) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := c.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

// Put upserts a blob
func (c *configStore) Put(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	c.store().notify(key)
	return nil
}

// Delete removes a blob
func (c *configStore) Delete(ctx context.Context, key string) error {
	result, err := c.db.ExecContext(ctx, "DELETE FROM config WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		c.store().notify(key)
	}
	return nil
}

// Watch streams changed keys. External commits are reported as
// storage.WildcardKey because SQLite does not say which rows moved.
func (c *configStore) Watch(ctx context.Context) (<-chan string, error) {
	s := c.store()

	version, err := s.dataVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read data_version: %w", err)
	}

	local, err := s.subscribe()
	if err != nil {
		return nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer s.unsubscribe(local)

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			var name string
			select {
			case <-ctx.Done():
				return
			case name = <-local:
			case <-ticker.C:
				current, err := s.dataVersion(ctx)
				if err != nil {
					if ctx.Err() != nil || s.isClosed() {
						return
					}
					s.logger.Debug().Err(err).Msg("Failed to poll data_version")
					continue
				}
				if current == version {
					continue
				}
				version = current
				name = storage.WildcardKey
			}

			select {
			case out <- name:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type counterStore Store

// Increment atomically adds delta to key[field]
func (c *counterStore) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	var value int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO counters (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = value + excluded.value
		RETURNING value
	`, key, field, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s[%s]: %w", key, field, err)
	}
	return value, nil
}

// Get returns key[field], zero when missing
func (c *counterStore) Get(ctx context.Context, key, field string) (int64, error) {
	var value int64
	err := c.db.QueryRowContext(ctx, "SELECT value FROM counters WHERE key = ? AND field = ?", key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// All returns every field of a counter map
func (c *counterStore) All(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT field, value FROM counters WHERE key = ?", key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var field string
		var value int64
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		result[field] = value
	}
	return result, rows.Err()
}
