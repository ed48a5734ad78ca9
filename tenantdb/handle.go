package tenantdb

import (
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

// TenantHandle is a live connection pool bound to exactly one tenant database.
// Handles are owned by the Router; nothing else opens or closes them. A handle
// must never be used after its disposal has begun — the router's draining
// state enforces that.
type TenantHandle struct {
	TenantId  string
	DB        *gorm.DB
	CreatedAt time.Time

	// conns is the number of underlying connections this handle may hold,
	// charged against the router's global budget.
	conns int

	lastUsed  atomic.Int64
	closeOnce sync.Once
	closeErr  error
	closeFn   func() error
}

func newHandle(tenantId string, db *gorm.DB, conns int, closeFn func() error) *TenantHandle {
	h := &TenantHandle{
		TenantId:  tenantId,
		DB:        db,
		CreatedAt: time.Now().UTC(),
		conns:     conns,
		closeFn:   closeFn,
	}
	h.Touch()
	return h
}

func (h *TenantHandle) Touch() {
	h.lastUsed.Store(time.Now().UnixNano())
}

func (h *TenantHandle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

func (h *TenantHandle) Conns() int {
	return h.conns
}

// Close fully disconnects the handle. It blocks until the underlying pool is
// torn down and is safe to call more than once.
func (h *TenantHandle) Close() error {
	h.closeOnce.Do(func() {
		if h.closeFn != nil {
			h.closeErr = h.closeFn()
		}
	})
	return h.closeErr
}
