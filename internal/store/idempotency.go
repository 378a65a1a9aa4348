package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore maps client-supplied idempotency keys to the
// conversation created for them, so a retried first turn reuses the
// existing conversation instead of creating a duplicate.
type IdempotencyStore interface {
	// Claim records key -> conversationID when the key is unseen and
	// returns (conversationID, true). For a seen key it returns the
	// previously recorded conversation ID and false.
	Claim(key, conversationID string) (string, bool, error)
}

// RedisIdempotencyStore implements IdempotencyStore with SETNX + TTL.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIdempotencyStore builds a Redis-backed idempotency store.
func NewRedisIdempotencyStore(addr, password string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

// Claim atomically claims the key or resolves the existing mapping.
func (s *RedisIdempotencyStore) Claim(key, conversationID string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("idempotency key required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	redisKey := idempotencyKey(key)
	ok, err := s.client.SetNX(ctx, redisKey, conversationID, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return conversationID, true, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func idempotencyKey(key string) string {
	return "chatrelay:idem:" + key
}

// MemoryIdempotencyStore is the in-process variant used in tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewMemoryIdempotencyStore builds an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{keys: make(map[string]string)}
}

// Claim claims the key or returns the existing mapping.
func (s *MemoryIdempotencyStore) Claim(key, conversationID string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("idempotency key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.keys[key]; ok {
		return existing, false, nil
	}
	s.keys[key] = conversationID
	return conversationID, true, nil
}
