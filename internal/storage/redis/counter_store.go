package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type counterStore struct {
	client *redis.Client
	keys   keyspace
}

// Increment atomically adds delta to key[field] and returns the new value
func (s *counterStore) Increment(ctx context.Context, name, field string, delta int64) (int64, error) {
	keys := []string{s.keys.key(name), s.keys.counterIndex()}
	value, err := incrementCounter.Run(ctx, s.client, keys, field, delta, name).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s[%s]: %w", name, field, err)
	}
	return value, nil
}

// Get returns key[field], zero when either is missing
func (s *counterStore) Get(ctx context.Context, name, field string) (int64, error) {
	value, err := s.client.HGet(ctx, s.keys.key(name), field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// All returns every field of a counter hash. Non-numeric fields written by
// other tools are skipped.
func (s *counterStore) All(ctx context.Context, name string) (map[string]int64, error) {
	data, err := s.client.HGetAll(ctx, s.keys.key(name)).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]int64, len(data))
	for field, raw := range data {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		result[field] = value
	}
	return result, nil
}
