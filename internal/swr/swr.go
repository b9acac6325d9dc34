// Package swr serves cached resources immediately and revalidates them
// against the network in the background.
//
// Every call to Fetch yields exactly two updates on its channel: first what
// can be shown right now (the cached value, or a loading marker on a miss),
// then the settled value once the network answers. Network failures never
// reach the caller; the settled update simply keeps the value already shown.
package swr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"attendance/internal/cache"
)

// Source tells where the value of an Update came from
type Source string

const (
	SourceNone    Source = "none"
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
)

// Update is one observation of a resource
type Update[T any] struct {
	Value  T      `json:"value"`
	Source Source `json:"source"`
	// Loading is set while nothing can be shown yet
	Loading bool `json:"loading"`
	// Refreshing is set while a network fetch is outstanding
	Refreshing bool `json:"refreshing"`
	// Stale is set on a settled update whose refresh failed
	Stale bool `json:"stale"`
}

// HasValue reports whether the update carries a displayable value
func (u Update[T]) HasValue() bool {
	return u.Source != SourceNone
}

// Fetcher loads the authoritative copy of a resource
type Fetcher[T any] func(ctx context.Context) (T, error)

// Revalidator coordinates cache reads, network refreshes and write-backs.
// Concurrent refreshes of the same key share one network call.
type Revalidator struct {
	cache  cache.Cache
	logger *zap.Logger
	flight singleflight.Group

	// mu guards generations and orders write-backs against Invalidate
	mu          sync.Mutex
	generations map[string]uint64
}

// NewRevalidator creates a Revalidator over c
func NewRevalidator(c cache.Cache, logger *zap.Logger) *Revalidator {
	return &Revalidator{
		cache:       c,
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// Cache returns the underlying cache
func (r *Revalidator) Cache() cache.Cache {
	return r.cache
}

// Invalidate drops keys from the cache and detaches refreshes already in
// flight for them, so their answers are neither written back nor shown as
// fresh.
func (r *Revalidator) Invalidate(ctx context.Context, keys ...string) {
	r.mu.Lock()
	for _, key := range keys {
		r.generations[key]++
		r.flight.Forget(key)
	}
	r.mu.Unlock()

	r.cache.Invalidate(ctx, keys...)
}

func (r *Revalidator) generation(key string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[key]
}

// store writes value back unless key was invalidated after gen was taken
func (r *Revalidator) store(ctx context.Context, key string, gen uint64, value interface{}, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.generations[key] != gen {
		return false
	}
	if err := r.cache.Set(ctx, key, value, ttl); err != nil {
		r.logger.Warn("failed to write refreshed value back", zap.Error(err), zap.String("key", key))
	}
	return true
}

type result[T any] struct {
	value T
	gen   uint64
	err   error
}

// Fetch reads key from the cache and refreshes it with fetch concurrently.
//
// The returned channel receives the cached (or loading) update first and the
// settled update second, then is closed. If ctx is cancelled before the
// network answers, the answer is discarded: nothing more is emitted and the
// cache is left untouched.
func Fetch[T any](ctx context.Context, r *Revalidator, key string, ttl time.Duration, fetch Fetcher[T]) <-chan Update[T] {
	var zero T
	return FetchOr(ctx, r, key, ttl, zero, fetch)
}

// FetchOr is Fetch with the value shown while nothing is known yet, and kept
// when the first load fails
func FetchOr[T any](ctx context.Context, r *Revalidator, key string, ttl time.Duration, empty T, fetch Fetcher[T]) <-chan Update[T] {
	out := make(chan Update[T], 2)
	if ctx.Err() != nil {
		close(out)
		return out
	}

	network := make(chan result[T], 1)
	go func() {
		network <- refresh(ctx, r, key, fetch)
	}()

	go func() {
		defer close(out)

		current := Update[T]{Value: empty, Source: SourceNone, Loading: true, Refreshing: true}
		var cached T
		if r.cache.Get(ctx, key, &cached) {
			current = Update[T]{Value: cached, Source: SourceCache, Refreshing: true}
		}
		out <- current

		var res result[T]
		select {
		case res = <-network:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			r.logger.Debug("refresh outlived its caller, discarding", zap.String("key", key))
			return
		}

		if res.err == nil && !r.store(ctx, key, res.gen, res.value, ttl) {
			res.err = errSuperseded
		}

		if res.err != nil {
			r.logger.Warn("refresh failed, keeping last known value",
				zap.Error(res.err),
				zap.String("key", key),
				zap.String("source", string(current.Source)))
			current.Loading = false
			current.Refreshing = false
			current.Stale = current.HasValue()
			out <- current
			return
		}

		out <- Update[T]{Value: res.value, Source: SourceNetwork}
	}()

	return out
}

var errSuperseded = errors.New("refresh superseded by invalidation")

// refresh loads key, starting over once if the key is invalidated while the
// load is in flight
func refresh[T any](ctx context.Context, r *Revalidator, key string, fetch Fetcher[T]) result[T] {
	gen := r.generation(key)
	value, err := load(ctx, r, key, fetch)
	if err == nil && r.generation(key) != gen {
		r.logger.Debug("key invalidated during refresh, fetching again", zap.String("key", key))
		gen = r.generation(key)
		value, err = load(ctx, r, key, fetch)
	}
	return result[T]{value: value, gen: gen, err: err}
}

// load runs fetch at most once per key at a time
func load[T any](ctx context.Context, r *Revalidator, key string, fetch Fetcher[T]) (T, error) {
	var zero T

	// The shared call must not die with whichever caller started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return fetch(flightCtx)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("resource %q resolved to %T", key, res.Val)
		}
		if res.Shared {
			r.logger.Debug("refresh shared with concurrent caller", zap.String("key", key))
		}
		return value, nil
	}
}

// Resolve drains updates and returns the settled one.
// ok is false when the stream was abandoned before settling.
func Resolve[T any](updates <-chan Update[T]) (last Update[T], ok bool) {
	for u := range updates {
		last = u
		ok = !u.Refreshing
	}
	return last, ok
}
