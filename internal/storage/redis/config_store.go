package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/Elgammal1299/block-app/internal/storage"
	"github.com/redis/go-redis/v9"
)

type configStore struct {
	client *redis.Client
	keys   keyspace
}

// Get returns a single blob or storage.ErrNotFound
func (s *configStore) Get(ctx context.Context, name string) (string, error) {
	value, err := s.client.Get(ctx, s.keys.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetMany fetches all requested blobs with a single MGET
func (s *configStore) GetMany(ctx context.Context, names ...string) (map[string]string, error) {
	result := make(map[string]string, len(names))
	if len(names) == 0 {
		return result, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = s.keys.key(name)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if str, ok := v.(string); ok {
			result[names[i]] = str
		}
	}

	return result, nil
}

// Put stores a blob and publishes its name on the change channel
func (s *configStore) Put(ctx context.Context, name, value string) error {
	keys := []string{s.keys.key(name)}
	if err := putConfig.Run(ctx, s.client, keys, value, s.keys.changes(), name).Err(); err != nil {
		return fmt.Errorf("failed to put %s: %w", name, err)
	}
	return nil
}

// Delete removes a blob; deleting a missing key is not an error
func (s *configStore) Delete(ctx context.Context, name string) error {
	keys := []string{s.keys.key(name)}
	if err := deleteConfig.Run(ctx, s.client, keys, s.keys.changes(), name).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// Watch subscribes to the change channel. External editors announce their
// writes with PUBLISH {prefix}changes <name>.
func (s *configStore) Watch(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, s.keys.changes())

	// Wait for the subscription to be confirmed so no change is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				name := msg.Payload
				if name == "" {
					name = storage.WildcardKey
				}
				select {
				case out <- name:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
