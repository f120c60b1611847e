package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCacheMiss is returned when a key is absent
var ErrCacheMiss = errors.New("cache miss")

// CacheKeyType represents different types of cache keys
type CacheKeyType string

const (
	// CacheKeyBalance is for custodial wallet balances
	CacheKeyBalance CacheKeyType = "balance"
	// CacheKeyCheckpoint is for event subscription progress
	CacheKeyCheckpoint CacheKeyType = "checkpoint"
)

// CacheService provides JSON caching on top of Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// GenerateCacheKey generates a cache key for a given type and parameters
// Format: <type>:<param1>:<param2>:...
func (c *CacheService) GenerateCacheKey(keyType CacheKeyType, params ...string) string {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, string(keyType))
	for _, param := range params {
		parts = append(parts, strings.ToLower(param))
	}
	return strings.Join(parts, ":")
}

// SetWithTTL stores a value in cache with a custom TTL
func (c *CacheService) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl)
}

// Get retrieves a value from cache and deserializes it
func (c *CacheService) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return true, nil
}

// CachedBalance is a balance together with the time it was read from chain
type CachedBalance struct {
	Balance   decimal.Decimal `json:"balance"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// BalanceCache keeps the last balance observed for each custodial wallet
type BalanceCache struct {
	cache *CacheService
}

// NewBalanceCache creates a balance cache whose entries live for ttl
func NewBalanceCache(redis *RedisCache, ttl time.Duration) *BalanceCache {
	return &BalanceCache{cache: NewCacheService(redis, ttl)}
}

// Put records a fresh balance
func (b *BalanceCache) Put(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error {
	key := b.cache.GenerateCacheKey(CacheKeyBalance, address)
	return b.cache.SetWithTTL(ctx, key, CachedBalance{Balance: balance, FetchedAt: at}, b.cache.ttl)
}

// Last returns the most recent cached balance, or nil on a miss
func (b *BalanceCache) Last(ctx context.Context, address string) (*CachedBalance, error) {
	var cached CachedBalance
	found, err := b.cache.Get(ctx, b.cache.GenerateCacheKey(CacheKeyBalance, address), &cached)
	if err != nil || !found {
		return nil, err
	}
	return &cached, nil
}

// CheckpointStore persists the last block processed by the event subscriber
type CheckpointStore struct {
	cache *CacheService
}

// NewCheckpointStore creates a checkpoint store; checkpoints never expire
func NewCheckpointStore(redis *RedisCache) *CheckpointStore {
	return &CheckpointStore{cache: NewCacheService(redis, 0)}
}

// LastBlock returns the stored block for name, or 0 when none was recorded
func (s *CheckpointStore) LastBlock(ctx context.Context, name string) (uint64, error) {
	value, err := s.cache.redis.Get(ctx, s.cache.GenerateCacheKey(CacheKeyCheckpoint, name))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", value, err)
	}
	return block, nil
}

// SaveBlock advances the checkpoint; it never moves backwards
func (s *CheckpointStore) SaveBlock(ctx context.Context, name string, block uint64) error {
	current, err := s.LastBlock(ctx, name)
	if err != nil {
		return err
	}
	if block <= current {
		return nil
	}
	return s.cache.redis.Set(ctx, s.cache.GenerateCacheKey(CacheKeyCheckpoint, name), strconv.FormatUint(block, 10), 0)
}
