// ABOUTME: Backing stores for cached responses: a bounded in-memory LRU and Redis
// ABOUTME: Stores keep raw response bytes; expiry and eviction are store configuration

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/relaygate/internal/ttlcache"
)

// Store persists response bodies by cache key.
type Store interface {
	// Get returns the stored value. ok is false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
}

// MemoryStore keeps entries in process, evicting the least recently used
// once full.
type MemoryStore struct {
	entries *ttlcache.Cache[[]byte]
}

// NewMemoryStore creates a store holding at most maxEntries for ttl each.
func NewMemoryStore(maxEntries int, ttl time.Duration, opts ...ttlcache.Option) *MemoryStore {
	return &MemoryStore{entries: ttlcache.New[[]byte](ttl, maxEntries, opts...)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.entries.Get(key)
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.entries.Set(key, append([]byte(nil), value...))
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	return s.entries.Len()
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.entries.Close()
	return nil
}

// RedisClient is the subset of *redis.Client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

// RedisStore shares cached responses between gateway instances.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore prefixes every key with prefix. A ttl of zero keeps
// entries until Redis evicts them.
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
