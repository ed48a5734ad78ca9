package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/models"
)

// fakeFactory hands out handles with no real database behind them and
// records open/close ordering so tests can assert drain semantics.
type fakeFactory struct {
	mu         sync.Mutex
	openCount  int32
	openDelay  time.Duration
	closeDelay time.Duration
	openTimes  []time.Time
	closedAt   map[string]time.Time
	closedIds  []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{closedAt: make(map[string]time.Time)}
}

func (f *fakeFactory) OpenHandle(ctx context.Context, rec *models.TenantRecord) (*TenantHandle, error) {
	if f.openDelay > 0 {
		time.Sleep(f.openDelay)
	}
	atomic.AddInt32(&f.openCount, 1)
	f.mu.Lock()
	f.openTimes = append(f.openTimes, time.Now())
	f.mu.Unlock()

	tenantId := rec.ID
	closeFn := func() error {
		if f.closeDelay > 0 {
			time.Sleep(f.closeDelay)
		}
		f.mu.Lock()
		f.closedAt[tenantId] = time.Now()
		f.closedIds = append(f.closedIds, tenantId)
		f.mu.Unlock()
		return nil
	}
	return newHandle(tenantId, nil, 5, closeFn), nil
}

func (f *fakeFactory) opens() int32 { return atomic.LoadInt32(&f.openCount) }

func (f *fakeFactory) closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closedIds))
	copy(out, f.closedIds)
	return out
}

func staticResolver(ids ...string) TenantResolver {
	known := make(map[string]bool)
	for _, id := range ids {
		known[id] = true
	}
	return func(ctx context.Context, tenantId string) (*models.TenantRecord, error) {
		if !known[tenantId] {
			return nil, models.ErrTenantNotFound
		}
		return &models.TenantRecord{ID: tenantId, Status: models.TenantStatusActive}, nil
	}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAcquireConcurrentOpensOneHandle(t *testing.T) {
	factory := newFakeFactory()
	factory.openDelay = 20 * time.Millisecond
	r := NewRouterWithResolver(factory, staticResolver("t1"), testLogger(), 1000)
	defer r.Close()

	const workers = 25
	handles := make([]*TenantHandle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Acquire(context.Background(), "t1")
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := factory.opens(); got != 1 {
		t.Fatalf("expected exactly one open, got %d", got)
	}
	for i := 1; i < workers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("worker %d got a different handle", i)
		}
	}
}

func TestAcquireDistinctTenants(t *testing.T) {
	factory := newFakeFactory()
	r := NewRouterWithResolver(factory, staticResolver("t1", "t2"), testLogger(), 1000)
	defer r.Close()

	h1, err := r.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.Acquire(context.Background(), "t2")
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("tenants must not share a handle")
	}
	if got := r.LiveCount(); got != 2 {
		t.Fatalf("LiveCount = %d, want 2", got)
	}
}

func TestAcquireUnknownTenant(t *testing.T) {
	factory := newFakeFactory()
	r := NewRouterWithResolver(factory, staticResolver("t1"), testLogger(), 1000)
	defer r.Close()

	_, err := r.Acquire(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected an error")
	}
	var ae *HandleAcquisitionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected HandleAcquisitionError, got %T", err)
	}
	if ae.TenantId != "nope" {
		t.Fatalf("error tenant = %q", ae.TenantId)
	}
	if !errors.Is(err, models.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound in chain, got %v", err)
	}
	// A failed open must not poison the slot.
	if got := r.LiveCount(); got != 0 {
		t.Fatalf("LiveCount = %d after failed open", got)
	}
}

func TestAcquireRetriesAfterFailedOpen(t *testing.T) {
	factory := newFakeFactory()
	var calls int32
	resolver := func(ctx context.Context, tenantId string) (*models.TenantRecord, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, fmt.Errorf("registry hiccup")
		}
		return &models.TenantRecord{ID: tenantId, Status: models.TenantStatusActive}, nil
	}
	r := NewRouterWithResolver(factory, resolver, testLogger(), 1000)
	defer r.Close()

	if _, err := r.Acquire(context.Background(), "t1"); err == nil {
		t.Fatal("first acquire should fail")
	}
	h, err := r.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second acquire should recover: %v", err)
	}
	if h == nil {
		t.Fatal("nil handle")
	}
}

// TestEvictDrainsBeforeReplacement is the reload-visibility scenario: the
// replacement handle must not exist until the old handle's teardown has
// fully completed.
func TestEvictDrainsBeforeReplacement(t *testing.T) {
	factory := newFakeFactory()
	factory.closeDelay = 50 * time.Millisecond
	r := NewRouterWithResolver(factory, staticResolver("t1"), testLogger(), 1000)
	defer r.Close()

	first, err := r.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}

	evictDone := make(chan error, 1)
	go func() { evictDone <- r.Evict("t1") }()
	// Let the evict enter draining before the racing acquire.
	time.Sleep(10 * time.Millisecond)

	second, err := r.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := <-evictDone; err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("acquire during eviction returned the evicted handle")
	}

	factory.mu.Lock()
	closedAt := factory.closedAt["t1"]
	secondOpen := factory.openTimes[len(factory.openTimes)-1]
	factory.mu.Unlock()
	if secondOpen.Before(closedAt) {
		t.Fatalf("replacement opened at %v before old handle closed at %v", secondOpen, closedAt)
	}
}

func TestEvictAbsentTenantIsNoop(t *testing.T) {
	factory := newFakeFactory()
	r := NewRouterWithResolver(factory, staticResolver(), testLogger(), 1000)
	defer r.Close()
	if err := r.Evict("ghost"); err != nil {
		t.Fatal(err)
	}
}

func TestBudgetEvictsLeastRecentlyUsed(t *testing.T) {
	factory := newFakeFactory()
	// Each fake handle charges 5 conns; a ceiling of 10 fits two tenants.
	r := NewRouterWithResolver(factory, staticResolver("t1", "t2", "t3"), testLogger(), 10)
	defer r.Close()

	if _, err := r.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := r.Acquire(context.Background(), "t2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	// Touch t1 so t2 becomes the LRU victim.
	if _, err := r.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	if _, err := r.Acquire(context.Background(), "t3"); err != nil {
		t.Fatal(err)
	}

	closed := factory.closed()
	if len(closed) != 1 || closed[0] != "t2" {
		t.Fatalf("expected t2 evicted for budget, closed = %v", closed)
	}
	if got := r.LiveCount(); got != 2 {
		t.Fatalf("LiveCount = %d, want 2", got)
	}
}

// Two tenants acquired for the first time at the same moment must not both
// stay cached when the ceiling only fits one: an entry still opening counts
// toward the budget, and the open that settles last evicts the overflow.
func TestBudgetHoldsUnderConcurrentFirstAcquires(t *testing.T) {
	factory := newFakeFactory()
	factory.openDelay = 20 * time.Millisecond
	// Each fake handle charges 5 conns; the ceiling fits exactly one tenant.
	r := NewRouterWithResolver(factory, staticResolver("t1", "t2"), testLogger(), 5)
	defer r.Close()

	var wg sync.WaitGroup
	for _, tenantId := range []string{"t1", "t2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := r.Acquire(context.Background(), id); err != nil {
				t.Errorf("acquire %s: %v", id, err)
			}
		}(tenantId)
	}
	wg.Wait()

	if got := r.LiveCount(); got != 1 {
		t.Fatalf("LiveCount = %d after concurrent first acquires, want 1 under a one-tenant ceiling", got)
	}
	if closed := factory.closed(); len(closed) != 1 {
		t.Fatalf("expected exactly one eviction, closed = %v", closed)
	}
}

func TestCloseRejectsFurtherAcquires(t *testing.T) {
	factory := newFakeFactory()
	r := NewRouterWithResolver(factory, staticResolver("t1"), testLogger(), 1000)

	if _, err := r.Acquire(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Acquire(context.Background(), "t1"); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed, got %v", err)
	}
	if closed := factory.closed(); len(closed) != 1 {
		t.Fatalf("expected the live handle to be drained on close, closed = %v", closed)
	}
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	var closes int32
	h := newHandle("t1", nil, 5, func() error {
		atomic.AddInt32(&closes, 1)
		return nil
	})
	for i := 0; i < 3; i++ {
		if err := h.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("closeFn ran %d times", got)
	}
}
