package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRaceTimeoutReturnsResult(t *testing.T) {
	got, err := RaceTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d", got)
	}
}

func TestRaceTimeoutReturnsError(t *testing.T) {
	want := errors.New("compute failed")
	_, err := RaceTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}

func TestRaceTimeoutTimesOut(t *testing.T) {
	start := time.Now()
	_, err := RaceTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		time.Sleep(2 * time.Second)
		return 1, nil
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, expected prompt return", elapsed)
	}
}

func TestRaceTimeoutPropagatesCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RaceTimeout(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRaceTimeoutCancelsLoser(t *testing.T) {
	cancelled := make(chan struct{})
	_, err := RaceTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		time.Sleep(100 * time.Millisecond)
		return 0, ctx.Err()
	})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("losing fn never observed cancellation")
	}
}

// With no cache backend configured the read degrades to a miss, so compute
// must always be the answer. A broken cache may slow things down, never
// change results.
func TestGetOrComputeFallsBackToCompute(t *testing.T) {
	var calls int32
	got, err := GetOrCompute(context.Background(), "test:fallback", time.Minute,
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "authoritative", nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if got != "authoritative" {
		t.Fatalf("got %q", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("compute ran %d times", calls)
	}
}

// A backend that errors on every call — not just misses — must still yield
// the computed value, and the backend error must never surface to the caller.
func TestGetOrComputeSurvivesErroringBackend(t *testing.T) {
	backendErr := errors.New("redis: connection refused")
	var reads, writes int32
	origGet, origSet := cacheBackendGet, cacheBackendSet
	cacheBackendGet = func(ctx context.Context, key string, dest interface{}) (bool, error) {
		atomic.AddInt32(&reads, 1)
		return false, backendErr
	}
	cacheBackendSet = func(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
		atomic.AddInt32(&writes, 1)
		return backendErr
	}
	defer func() { cacheBackendGet, cacheBackendSet = origGet, origSet }()

	got, err := GetOrCompute(context.Background(), "test:broken", time.Minute,
		func(ctx context.Context) (string, error) {
			return "authoritative", nil
		})
	if err != nil {
		t.Fatalf("backend error leaked to caller: %v", err)
	}
	if got != "authoritative" {
		t.Fatalf("got %q", got)
	}
	if atomic.LoadInt32(&reads) != 1 {
		t.Fatalf("cache read ran %d times", reads)
	}
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	want := errors.New("db unreachable")
	_, err := GetOrCompute(context.Background(), "test:err", time.Minute,
		func(ctx context.Context) (string, error) {
			return "", want
		})
	if !errors.Is(err, want) {
		t.Fatalf("got %v", err)
	}
}

func TestGetOrComputeSlowComputeTimesOut(t *testing.T) {
	t.Setenv("CACHE_FALLBACK_TIMEOUT_MS", "30")
	_, err := GetOrCompute(context.Background(), "test:slow", time.Minute,
		func(ctx context.Context) (string, error) {
			time.Sleep(2 * time.Second)
			return "late", nil
		})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}
