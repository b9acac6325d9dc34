package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"attendance/internal/store"
	"attendance/pkg/models"
)

// Cache defines the expiring cache used by every resource
type Cache interface {
	// Set stores value under key for ttl
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get decodes the live value for key into dst and reports whether it was found.
	// Missing, expired, unreadable and malformed entries all count as a miss.
	Get(ctx context.Context, key string, dst interface{}) bool
	// Raw returns the live serialized value for key
	Raw(ctx context.Context, key string) (json.RawMessage, bool)
	// Invalidate deletes keys unconditionally
	Invalidate(ctx context.Context, keys ...string)
}

// ExpiringCache wraps a store.Store with an expiry envelope.
// Expiry is lazy: entries are only purged when read after their deadline.
type ExpiringCache struct {
	store  store.Store
	logger *zap.Logger
	clock  clock.Clock
}

// Option customizes an ExpiringCache
type Option func(*ExpiringCache)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(ec *ExpiringCache) {
		ec.clock = c
	}
}

// NewExpiringCache creates a cache on top of s
func NewExpiringCache(s store.Store, logger *zap.Logger, opts ...Option) *ExpiringCache {
	ec := &ExpiringCache{
		store:  s,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// Set stores an item in the cache
func (ec *ExpiringCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	entry, err := models.NewCacheEntry(value, ttl, ec.clock.Now())
	if err != nil {
		ec.logger.Error("failed to build cache entry", zap.Error(err), zap.String("key", key))
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		ec.logger.Error("failed to marshal cache entry", zap.Error(err), zap.String("key", key))
		return err
	}

	if err := ec.store.SetItem(ctx, key, string(data)); err != nil {
		return err
	}

	ec.logger.Debug("cache item set successfully",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return nil
}

// Get retrieves an item from the cache into dst
func (ec *ExpiringCache) Get(ctx context.Context, key string, dst interface{}) bool {
	raw, ok := ec.Raw(ctx, key)
	if !ok {
		return false
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		ec.logger.Warn("cached value has unexpected shape, dropping",
			zap.Error(err), zap.String("key", key))
		ec.remove(ctx, key)
		return false
	}
	return true
}

// Raw retrieves the serialized value of an item
func (ec *ExpiringCache) Raw(ctx context.Context, key string) (json.RawMessage, bool) {
	data, found, err := ec.store.GetItem(ctx, key)
	if err != nil {
		ec.logger.Warn("cache read failed, treating as miss", zap.Error(err), zap.String("key", key))
		return nil, false
	}
	if !found {
		ec.logger.Debug("cache miss", zap.String("key", key))
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil || entry.Value == nil {
		ec.logger.Warn("malformed cache entry, dropping", zap.Error(err), zap.String("key", key))
		ec.remove(ctx, key)
		return nil, false
	}

	if entry.IsExpired(ec.clock.Now()) {
		ec.logger.Debug("cache item expired, removing", zap.String("key", key))
		ec.remove(ctx, key)
		return nil, false
	}

	ec.logger.Debug("cache item retrieved successfully", zap.String("key", key))
	return entry.Value, true
}

// Invalidate removes items from the cache
func (ec *ExpiringCache) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		ec.remove(ctx, key)
	}
	if len(keys) > 0 {
		ec.logger.Debug("cache items invalidated", zap.Strings("keys", keys))
	}
}

func (ec *ExpiringCache) remove(ctx context.Context, key string) {
	if err := ec.store.RemoveItem(ctx, key); err != nil {
		ec.logger.Warn("failed to remove cache item", zap.Error(err), zap.String("key", key))
	}
}
