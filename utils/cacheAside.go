package utils

import (
	"context"
	"errors"
	"time"

	"github.com/steepletech/flock_backend/config"
)

// RaceTimeout runs fn and races it against d. The loser's work is cancelled
// via context; its result is discarded. This is the one timeout-racing
// primitive in the codebase — call sites must not hand-roll timer selects.
func RaceTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}

	runCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(runCtx)
		ch <- outcome{val: v, err: err}
	}()

	select {
	case out := <-ch:
		return out.val, out.err
	case <-runCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, ErrTimedOut
	}
}

type cacheRead[T any] struct {
	val   T
	found bool
}

// Cache backend seam. Tests substitute failing implementations to exercise
// the degraded-backend paths; production never reassigns these.
var (
	cacheBackendGet = config.GetRedisObject
	cacheBackendSet = config.SetRedisObject
)

// GetOrCompute is the shared cache-aside read path. The cache read is raced
// against a short timeout; any cache failure mode (miss, timeout, backend
// error) degrades to the authoritative compute, which has its own longer
// timeout. The write-back is best effort and never blocks the caller.
//
// Callers must treat a cache miss as "unknown", never "known empty" — compute
// remains the source of truth.
func GetOrCompute[T any](ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	logger := config.GetLogger()

	read, err := RaceTimeout(ctx, CacheReadTimeout(), func(ctx context.Context) (cacheRead[T], error) {
		var val T
		found, err := cacheBackendGet(ctx, key, &val)
		if err != nil {
			return cacheRead[T]{}, err
		}
		return cacheRead[T]{val: val, found: found}, nil
	})
	if err == nil && read.found {
		return read.val, nil
	}
	if err != nil && !errors.Is(err, ErrTimedOut) && ctx.Err() != nil {
		var zero T
		return zero, ctx.Err()
	}
	if err != nil {
		// Cache trouble is never the caller's problem; log and fall through.
		config.LogError(logger, "cacheAside.go", "GetOrCompute", "cache read "+key, nil, err)
	}

	val, err := RaceTimeout(ctx, CacheFallbackTimeout(), compute)
	if err != nil {
		var zero T
		return zero, err
	}

	// Best-effort write-back, detached from the request lifetime.
	go func() {
		wbCtx, cancel := context.WithTimeout(context.Background(), CacheReadTimeout())
		defer cancel()
		if werr := cacheBackendSet(wbCtx, key, val, ttl); werr != nil {
			config.LogError(logger, "cacheAside.go", "GetOrCompute", "cache write-back "+key, nil, werr)
		}
	}()

	return val, nil
}

// CacheReadTimeout bounds every cache round trip so a degraded Redis cannot
// stall request-serving goroutines.
//
// Set via env:
// - CACHE_READ_TIMEOUT_MS (default 2000)
func CacheReadTimeout() time.Duration {
	return time.Duration(config.IntFromEnv("CACHE_READ_TIMEOUT_MS", 2000)) * time.Millisecond
}

// CacheFallbackTimeout bounds the authoritative compute path.
//
// Set via env:
// - CACHE_FALLBACK_TIMEOUT_MS (default 15000)
func CacheFallbackTimeout() time.Duration {
	return time.Duration(config.IntFromEnv("CACHE_FALLBACK_TIMEOUT_MS", 15000)) * time.Millisecond
}
