package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/steepletech/flock_backend/config"
	"github.com/steepletech/flock_backend/models"
)

const touchTimeout = 5 * time.Second

// HandleAcquisitionError wraps resolver/factory failures during Acquire.
// Callers retry with backoff; the error always carries the tenant id.
type HandleAcquisitionError struct {
	TenantId string
	Err      error
}

func (e *HandleAcquisitionError) Error() string {
	return fmt.Sprintf("acquire tenant handle %s: %v", e.TenantId, e.Err)
}

func (e *HandleAcquisitionError) Unwrap() error { return e.Err }

var ErrRouterClosed = errors.New("tenant router is closed")

// TenantResolver maps a tenant id to its registry record. The default goes
// through the cache-aside layer; tests substitute a fake.
type TenantResolver func(ctx context.Context, tenantId string) (*models.TenantRecord, error)

type entryState int

const (
	stateOpening entryState = iota
	stateLive
	stateDraining
)

type routerEntry struct {
	state  entryState
	handle *TenantHandle
	err    error

	// ready is closed when opening finishes (success or failure).
	ready chan struct{}
	// gone is closed only after the old handle is fully disconnected and the
	// slot is cleared. Acquire during draining waits on it instead of polling.
	gone chan struct{}
}

// Router owns every live tenant handle in the process. At most one handle per
// tenant exists at any moment; acquisition and eviction for the same tenant
// are serialized through the entry state machine (opening -> live -> draining
// -> gone), while different tenants proceed fully in parallel.
//
// The router is constructed at process start and torn down at shutdown; there
// is no package-global handle map.
type Router struct {
	mu      sync.Mutex
	entries map[string]*routerEntry
	closed  bool

	factory  HandleFactory
	resolve  TenantResolver
	logger   *logrus.Logger
	maxConns int
}

// NewRouter builds a router with the production resolver (registry via
// cache-aside). maxConns is the global connection ceiling across all tenants;
// zero means MAX_TENANT_CONNECTIONS from env (default 100).
func NewRouter(factory HandleFactory, logger *logrus.Logger) *Router {
	return NewRouterWithResolver(factory, defaultResolver, logger, 0)
}

func NewRouterWithResolver(factory HandleFactory, resolve TenantResolver, logger *logrus.Logger, maxConns int) *Router {
	if maxConns <= 0 {
		maxConns = config.IntFromEnv("MAX_TENANT_CONNECTIONS", 100)
	}
	return &Router{
		entries:  make(map[string]*routerEntry),
		factory:  factory,
		resolve:  resolve,
		logger:   logger,
		maxConns: maxConns,
	}
}

func defaultResolver(ctx context.Context, tenantId string) (*models.TenantRecord, error) {
	return models.GetTenantById(ctx, tenantId)
}

// Acquire returns the live handle for tenantId, opening one on first use.
// Concurrent acquires for the same tenant never open duplicate handles: the
// first caller opens, the rest wait on the same entry. An acquire racing an
// in-flight evict blocks until the old handle is fully gone, then opens a
// replacement completely independent of the old teardown.
func (r *Router) Acquire(ctx context.Context, tenantId string) (*TenantHandle, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRouterClosed
		}

		e, ok := r.entries[tenantId]
		if !ok {
			e = &routerEntry{state: stateOpening, ready: make(chan struct{})}
			r.entries[tenantId] = e
			victims := r.victimsForBudgetLocked(tenantId)
			r.mu.Unlock()

			// Make room before opening so the ceiling is never exceeded.
			for _, victim := range victims {
				if err := r.Evict(victim); err != nil {
					config.LogError(r.logger, "router.go", "Acquire", "budget eviction "+victim, nil, err)
				}
			}
			return r.open(ctx, tenantId, e)
		}

		switch e.state {
		case stateLive:
			h := e.handle
			r.mu.Unlock()
			h.Touch()
			return h, nil

		case stateOpening:
			ready := e.ready
			r.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if e.err != nil {
				return nil, e.err
			}
			// Opened by another caller; loop to pick up the live entry.

		case stateDraining:
			gone := e.gone
			r.mu.Unlock()
			select {
			case <-gone:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Old handle fully disconnected; loop to open a fresh one.
		}
	}
}

func (r *Router) open(ctx context.Context, tenantId string, e *routerEntry) (*TenantHandle, error) {
	rec, err := r.resolve(ctx, tenantId)
	var handle *TenantHandle
	if err == nil {
		handle, err = r.factory.OpenHandle(ctx, rec)
	}

	r.mu.Lock()
	if err != nil {
		e.err = &HandleAcquisitionError{TenantId: tenantId, Err: err}
		delete(r.entries, tenantId)
		close(e.ready)
		r.mu.Unlock()
		return nil, e.err
	}
	e.handle = handle
	e.state = stateLive
	close(e.ready)
	// Opens that raced each other each saw the other as a projected share
	// with nothing evictable yet; settle the budget now that this handle
	// counts as live. Computed under the same lock as the transition so two
	// settling opens cannot pick each other as victims.
	victims := r.victimsForBudgetLocked(tenantId)
	r.mu.Unlock()

	for _, victim := range victims {
		if verr := r.Evict(victim); verr != nil {
			config.LogError(r.logger, "router.go", "open", "budget eviction "+victim, nil, verr)
		}
	}

	// Registry bookkeeping is best effort and off the hot path.
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if terr := models.TouchTenantLastAccessed(touchCtx, tenantId); terr != nil {
			config.LogError(r.logger, "router.go", "open", "touch last accessed "+tenantId, nil, terr)
		}
	}()

	return handle, nil
}

// Evict fully disconnects the tenant's handle before clearing its cache slot.
// Initiating disconnect without waiting for completion is exactly the race
// that made fresh writes vanish on reload: a replacement handle raced the old
// socket's teardown. The drain here is awaited, always.
func (r *Router) Evict(tenantId string) error {
	for {
		r.mu.Lock()
		e, ok := r.entries[tenantId]
		if !ok {
			r.mu.Unlock()
			return nil
		}

		switch e.state {
		case stateOpening:
			ready := e.ready
			r.mu.Unlock()
			<-ready
			// Settled into live (or failed away); re-check.

		case stateDraining:
			gone := e.gone
			r.mu.Unlock()
			<-gone
			return nil

		case stateLive:
			e.state = stateDraining
			e.gone = make(chan struct{})
			h := e.handle
			r.mu.Unlock()

			err := h.Close()

			r.mu.Lock()
			delete(r.entries, tenantId)
			close(e.gone)
			r.mu.Unlock()
			return err
		}
	}
}

// victimsForBudgetLocked picks least-recently-used live tenants to evict so
// that the aggregate across all cached tenants fits under the global
// connection ceiling. Entries still opening are charged their projected
// per-handle share: they cannot be evicted until they settle, but ignoring
// them let concurrent first acquires blow past the ceiling together.
// Caller holds r.mu.
func (r *Router) victimsForBudgetLocked(incoming string) []string {
	perHandle := config.IntFromEnv("TENANT_DB_MAX_OPEN_CONNS", 5)
	total := 0
	type cand struct {
		tenantId string
		handle   *TenantHandle
	}
	var live []cand
	for id, e := range r.entries {
		switch e.state {
		case stateOpening:
			total += perHandle
		case stateLive:
			total += e.handle.Conns()
			if id != incoming {
				live = append(live, cand{tenantId: id, handle: e.handle})
			}
		}
	}

	var victims []string
	for total > r.maxConns && len(live) > 0 {
		oldest := 0
		for i := range live {
			if live[i].handle.LastUsed().Before(live[oldest].handle.LastUsed()) {
				oldest = i
			}
		}
		victims = append(victims, live[oldest].tenantId)
		total -= live[oldest].handle.Conns()
		live = append(live[:oldest], live[oldest+1:]...)
	}
	return victims
}

// LiveCount reports how many live handles are cached. Used by tests and the
// health endpoint.
func (r *Router) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == stateLive {
			n++
		}
	}
	return n
}

// Close tears the router down: no further acquires, every handle drained.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Evict(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
