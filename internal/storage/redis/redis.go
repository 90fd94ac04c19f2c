package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Elgammal1299/block-app/internal/config"
	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	configStore  *configStore
	counterStore *counterStore
}

// Open creates a new Redis-backed storage instance. Every key is namespaced
// with keyPrefix so several profiles can share one server.
func Open(cfg config.RedisConfig, keyPrefix string) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	k := keyspace(keyPrefix)
	return &Store{
		client:       client,
		configStore:  &configStore{client: client, keys: k},
		counterStore: &counterStore{client: client, keys: k},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Config returns the ConfigStore implementation
func (s *Store) Config() storage.ConfigStore {
	return s.configStore
}

// Counters returns the CounterStore implementation
func (s *Store) Counters() storage.CounterStore {
	return s.counterStore
}

// keyspace maps logical key names to prefixed Redis keys.
type keyspace string

func (k keyspace) key(name string) string {
	return string(k) + name
}

func (k keyspace) changes() string {
	return string(k) + "changes"
}

func (k keyspace) counterIndex() string {
	return string(k) + "counters:index"
}
