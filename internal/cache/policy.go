package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Source tells a caller where a served value came from
type Source string

const (
	SourceCache      Source = "cache"
	SourceStaleCache Source = "stale_cache"
	SourceChain      Source = "chain"
)

// Policy is the read-through policy of end-user reads
type Policy struct {
	// Enabled is the ENABLE_DB_CACHE kill switch; when false every read goes live
	Enabled bool
	TTL     time.Duration
	// Grace extends TTL: a record younger than TTL+Grace is served as stale
	// without attempting a live read
	Grace time.Duration
	Now   func() time.Time
}

// Result is a value together with its provenance
type Result[T any] struct {
	Value    T
	Source   Source
	SyncedAt time.Time
	// LiveErr is the live-read failure that forced a stale fallback
	LiveErr error
}

// Stale reports whether the value is older than the TTL
func (r Result[T]) Stale() bool {
	return r.Source == SourceStaleCache
}

// Resolve applies the read policy. Live values are returned to the caller
// only; nothing here writes to the store. A missing or stale record triggers
// a live read, and a failed live read falls back to whatever record exists.
// Only when both fail does the caller get ErrUnavailable.
func Resolve[T any](
	ctx context.Context,
	p Policy,
	cached func(ctx context.Context) (Record[T], error),
	live func(ctx context.Context) (T, error),
) (Result[T], error) {
	var zero Result[T]
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if !p.Enabled {
		v, err := live(ctx)
		if err != nil {
			return zero, liveFailure(err)
		}
		return Result[T]{Value: v, Source: SourceChain, SyncedAt: now()}, nil
	}

	// A broken store is treated like a miss; the chain may still answer
	rec, cacheErr := cached(ctx)
	hasRecord := cacheErr == nil

	if hasRecord {
		t := now()
		if IsFresh(rec, ttl, t) {
			return Result[T]{Value: rec.Value, Source: SourceCache, SyncedAt: rec.SyncedAt}, nil
		}
		if p.Grace > 0 && IsFresh(rec, ttl+p.Grace, t) {
			return Result[T]{Value: rec.Value, Source: SourceStaleCache, SyncedAt: rec.SyncedAt}, nil
		}
	}

	v, liveErr := live(ctx)
	if liveErr == nil {
		return Result[T]{Value: v, Source: SourceChain, SyncedAt: now()}, nil
	}

	if hasRecord {
		return Result[T]{Value: rec.Value, Source: SourceStaleCache, SyncedAt: rec.SyncedAt, LiveErr: liveErr}, nil
	}
	if cacheErr != nil && !errors.Is(cacheErr, ErrMiss) {
		return zero, fmt.Errorf("%w: cache: %v; chain: %w", ErrUnavailable, cacheErr, liveErr)
	}
	return zero, liveFailure(liveErr)
}

// liveFailure marks err unavailable while still matching not-found sentinels
func liveFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
