// Package admission implements the global in-flight request gate.
// Admission is all-or-nothing at call time: a saturated gate rejects
// immediately instead of queueing the caller.
package admission

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
)

// Controller bounds the number of generations in flight across all
// accounts.
type Controller struct {
	sem    *semaphore.Weighted
	limit  int
	active atomic.Int64
}

// NewController creates a gate admitting at most limit concurrent holders.
func NewController(limit int) *Controller {
	if limit < 1 {
		limit = 1
	}
	return &Controller{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Acquire claims one slot, failing fast with KindTooManyRequests when the
// gate is saturated. Every successful Acquire must be paired with exactly
// one Release on every exit path.
func (c *Controller) Acquire() error {
	if !c.sem.TryAcquire(1) {
		return backend.New(backend.KindTooManyRequests, "too many concurrent requests")
	}
	c.active.Add(1)
	return nil
}

// Release returns one slot.
func (c *Controller) Release() {
	c.active.Add(-1)
	c.sem.Release(1)
}

// Active returns the current number of holders.
func (c *Controller) Active() int { return int(c.active.Load()) }

// Limit returns the configured maximum.
func (c *Controller) Limit() int { return c.limit }
