package credstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"kesepian/internal/storage"
)

// KV is the key-value surface the credential store persists into. Get
// reports a missing key with ok=false rather than an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string]string{}}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.data[k] = v
	}
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type SQLKV struct {
	store *storage.Store
}

func NewSQLKV(store *storage.Store) *SQLKV {
	return &SQLKV{store: store}
}

func (s *SQLKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLKV) Set(ctx context.Context, entries map[string]string) error {
	return s.store.SetMany(ctx, entries)
}

func (s *SQLKV) Delete(ctx context.Context, keys ...string) error {
	return s.store.Delete(ctx, keys...)
}

type RedisKV struct {
	redis *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{redis: rdb}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	raw, err := r.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, true, nil
}

func (r *RedisKV) Set(ctx context.Context, entries map[string]string) error {
	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
