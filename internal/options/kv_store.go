package options

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// KVStore keeps the options in a NATS JetStream key/value bucket
type KVStore struct {
	kv nats.KeyValue
}

// NewKVStore wraps an existing bucket
func NewKVStore(kv nats.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// Name returns the backend name
func (s *KVStore) Name() string {
	return "nats-kv"
}

// Load reads every known option key from the bucket
func (s *KVStore) Load(ctx context.Context) (map[string]string, error) {
	values := make(map[string]string, len(AllKeys))
	for _, key := range AllKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := s.kv.Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("kv get %s: %w", key, err)
		}
		values[key] = string(entry.Value())
	}
	return values, nil
}

// Apply puts and deletes keys one by one. The bucket has no transactions.
func (s *KVStore) Apply(ctx context.Context, set map[string]string, remove []string) error {
	for k, v := range set {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.kv.PutString(k, v); err != nil {
			return fmt.Errorf("kv put %s: %w", k, err)
		}
	}
	for _, k := range remove {
		if err := s.kv.Delete(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("kv delete %s: %w", k, err)
		}
	}
	return nil
}
