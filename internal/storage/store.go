package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage: store closed")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Config() ConfigStore
	Counters() CounterStore
}

// ConfigStore is the key-value store shared with the settings UI. Values are
// opaque string blobs (JSON for collections, decimal text for timestamps).
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	// GetMany returns the values that exist; missing keys are omitted.
	GetMany(ctx context.Context, keys ...string) (map[string]string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Watch streams the names of changed keys until ctx is cancelled. A value
	// of WildcardKey means "something changed, reload everything".
	Watch(ctx context.Context) (<-chan string, error)
}

// CounterStore manages per-date counter maps (usage, opens, block attempts).
type CounterStore interface {
	Increment(ctx context.Context, key, field string, delta int64) (int64, error)
	Get(ctx context.Context, key, field string) (int64, error)
	All(ctx context.Context, key string) (map[string]int64, error)
}

// WildcardKey is emitted by Watch when the changed key is unknown.
const WildcardKey = "*"
