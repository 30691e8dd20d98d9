package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/storage"
)

// StateStore keeps the serialized notification state in a Redis string so
// every instance pointed at the same Redis rehydrates the same snapshot.
type StateStore struct {
	client *Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewStateStore creates a store that namespaces keys with prefix and expires
// them after ttl (zero keeps them).
func NewStateStore(client *Client, prefix string, ttl time.Duration, logger *zap.Logger) *StateStore {
	return &StateStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *StateStore) key(k string) string {
	return s.prefix + k
}

// Load returns the stored value or storage.ErrNotFound.
func (s *StateStore) Load(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return val, nil
}

// Save overwrites the stored value.
func (s *StateStore) Save(ctx context.Context, key string, value []byte) error {
	if err := s.client.rdb.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes the key.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	s.logger.Debug("state key deleted", zap.String("key", s.key(key)))
	return nil
}
