package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry is the envelope persisted for every cached resource.
// Expiry is an absolute timestamp in unix milliseconds.
type CacheEntry struct {
	Value  json.RawMessage `json:"value"`
	Expiry int64           `json:"expiry"`
}

// NewCacheEntry serializes value and stamps it with now + ttl
func NewCacheEntry(value interface{}, ttl time.Duration, now time.Time) (*CacheEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}

	return &CacheEntry{
		Value:  data,
		Expiry: now.Add(ttl).UnixMilli(),
	}, nil
}

// ExpiresAt returns the expiry as a time.Time
func (ce *CacheEntry) ExpiresAt() time.Time {
	return time.UnixMilli(ce.Expiry)
}

// IsExpired reports whether the entry is no longer readable at now.
// The entry lives for [write, write+ttl).
func (ce *CacheEntry) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= ce.Expiry
}

// RemainingTTL returns the remaining time until expiration
func (ce *CacheEntry) RemainingTTL(now time.Time) time.Duration {
	if ce.IsExpired(now) {
		return 0
	}
	return ce.ExpiresAt().Sub(now)
}
