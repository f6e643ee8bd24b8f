// Package queue implements the per-ModelFamily FIFO scheduler described in
// spec.md §4.5: one queue per family, a cooperative dequeue rule gated on
// credential lockout state, head-of-line re-enqueue for retries, and an
// EWMA wait-time estimator. Grounded in the teacher's "never busy-wait"
// design note (condition variables, not polling). The EWMA is kept as a
// single decayed value per family; no sample history is stored.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	gateway "github.com/arcwell/relaygate/internal"
)

// Item is one request waiting in a family's queue.
type Item struct {
	Enqueued   time.Time
	RetryCount int
	Payload    any // carries the pipeline's *RequestContext; opaque to the queue
}

// LockoutChecker reports how long a family must still wait before a
// credential becomes available. Implemented by credpool.Pool.
type LockoutChecker interface {
	LockoutRemaining(family gateway.ModelFamily, service gateway.Service) time.Duration
}

// family holds one model family's FIFO and wait-time statistics.
type family struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items *list.List // of *Item

	// ewma is a decayed average of recent queue wait times, updated each
	// time an item is dequeued.
	ewma float64
}

func newFamily() *family {
	f := &family{items: list.New()}
	f.cond = sync.NewCond(&f.mu)
	return f
}

const ewmaAlpha = 0.2

// Manager owns one family FIFO per ModelFamily and the cooperative
// scheduler that wakes on enqueue, credential state change, or timer.
type Manager struct {
	mu       sync.RWMutex
	families map[gateway.ModelFamily]*family
	pool     LockoutChecker
}

// NewManager creates a Queue manager backed by a credential pool's lockout
// state.
func NewManager(pool LockoutChecker) *Manager {
	return &Manager{families: make(map[gateway.ModelFamily]*family), pool: pool}
}

func (m *Manager) familyFor(f gateway.ModelFamily) *family {
	m.mu.RLock()
	fam, ok := m.families[f]
	m.mu.RUnlock()
	if ok {
		return fam
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fam, ok := m.families[f]; ok {
		return fam
	}
	fam = newFamily()
	m.families[f] = fam
	return fam
}

// Enqueue appends a request to the tail of its family's FIFO and records
// its wait-start time.
func (m *Manager) Enqueue(modelFamily gateway.ModelFamily, payload any) {
	fam := m.familyFor(modelFamily)
	fam.mu.Lock()
	fam.items.PushBack(&Item{Enqueued: time.Now(), Payload: payload})
	fam.cond.Broadcast()
	fam.mu.Unlock()
}

// Reenqueue places a request at the head of its family's FIFO for a retry,
// incrementing RetryCount. The item is visible to dequeuers as soon as it
// is pushed; Reenqueue applies no delay itself, so any retry backoff is
// waited out by the caller before calling it (the pipeline waits
// NextDelay via time.AfterFunc).
func (m *Manager) Reenqueue(modelFamily gateway.ModelFamily, item *Item) {
	item.RetryCount++
	fam := m.familyFor(modelFamily)
	fam.mu.Lock()
	fam.items.PushFront(item)
	fam.cond.Broadcast()
	fam.mu.Unlock()
}

// Dequeue blocks until an item is available for modelFamily AND
// Pool.LockoutRemaining(family) == 0, or ctx is cancelled. This is the
// cooperative scheduler rule from spec.md §4.5.
func (m *Manager) Dequeue(ctx context.Context, modelFamily gateway.ModelFamily, service gateway.Service) (*Item, error) {
	fam := m.familyFor(modelFamily)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			fam.mu.Lock()
			fam.cond.Broadcast()
			fam.mu.Unlock()
		case <-done:
		}
	}()

	fam.mu.Lock()
	defer fam.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fam.items.Len() == 0 {
			fam.cond.Wait()
			continue
		}
		if remaining := m.pool.LockoutRemaining(modelFamily, service); remaining > 0 {
			// "If lockoutRemaining(F) > 0, sleep until it elapses" (spec.md
			// §4.5): nothing else is guaranteed to Broadcast once the
			// lockout naturally expires, so schedule a one-shot wake for
			// it ourselves rather than waiting indefinitely for an
			// unrelated Enqueue/Reenqueue/Notify.
			time.AfterFunc(remaining, func() {
				fam.mu.Lock()
				fam.cond.Broadcast()
				fam.mu.Unlock()
			})
			fam.cond.Wait()
			continue
		}
		front := fam.items.Front()
		fam.items.Remove(front)
		item := front.Value.(*Item)
		fam.recordWait(time.Since(item.Enqueued))
		return item, nil
	}
}

// recordWait folds a served item's wait duration into the family's EWMA.
// Must be called with fam.mu held.
func (f *family) recordWait(d time.Duration) {
	sample := float64(d)
	if f.ewma == 0 {
		f.ewma = sample
		return
	}
	f.ewma = ewmaAlpha*sample + (1-ewmaAlpha)*f.ewma
}

// GetEstimatedWaitTime returns the EWMA of recently served requests'
// queue wait time for a family.
func (m *Manager) GetEstimatedWaitTime(modelFamily gateway.ModelFamily) time.Duration {
	fam := m.familyFor(modelFamily)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return time.Duration(fam.ewma)
}

// ProomptersInQueue exposes the current queue depth for a family.
func (m *Manager) ProomptersInQueue(modelFamily gateway.ModelFamily) int {
	fam := m.familyFor(modelFamily)
	fam.mu.Lock()
	defer fam.mu.Unlock()
	return fam.items.Len()
}

// Notify wakes any dequeuers blocked on modelFamily -- called by the
// credential pool after a health-check or lockout-clearing state change,
// per spec.md §5 "Queues: thread-safe FIFO with condition signaling on
// enqueue and on credential state changes."
func (m *Manager) Notify(modelFamily gateway.ModelFamily) {
	fam := m.familyFor(modelFamily)
	fam.mu.Lock()
	fam.cond.Broadcast()
	fam.mu.Unlock()
}
