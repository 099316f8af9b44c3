package options

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the options in a single Redis hash
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a store writing to the hash at key
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Name returns the backend name
func (s *RedisStore) Name() string {
	return "redis"
}

// Load returns all fields of the hash
func (s *RedisStore) Load(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.key, err)
	}
	return values, nil
}

// Apply sets and removes fields in one MULTI/EXEC transaction
func (s *RedisStore) Apply(ctx context.Context, set map[string]string, remove []string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(set) > 0 {
			fields := make(map[string]interface{}, len(set))
			for k, v := range set {
				fields[k] = v
			}
			pipe.HSet(ctx, s.key, fields)
		}
		if len(remove) > 0 {
			pipe.HDel(ctx, s.key, remove...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis update %s: %w", s.key, err)
	}
	return nil
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
