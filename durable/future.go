// Package durable implements RefreshUploadFuture and the DurableUploadQueue
// contract, plus a concrete remote-storage-backed implementation of that
// contract.
package durable

import (
	"sync"

	"github.com/google/uuid"
)

// Future is a one-shot completion cell with states pending -> (success |
// failed(cause)). It's produced by RefreshDriver.NextRefreshDurable and
// completed exactly once, either by a Queue implementation after a
// successful remote upload, or by the driver on early failure before
// enqueue.
type Future struct {
	// ID is a random identifier minted by NewFuture, unique per future.
	// The upload queue's log lines do not include it.
	ID uuid.UUID

	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	cause    error
}

// NewFuture returns a new, pending Future.
func NewFuture() *Future {
	return &Future{ID: uuid.New(), done: make(chan struct{})}
}

// Succeed resolves f successfully. A second call (from any source) is a
// no-op: every Future is completed exactly once.
func (f *Future) Succeed() { f.resolve(nil) }

// Fail resolves f with cause.
func (f *Future) Fail(cause error) { f.resolve(cause) }

func (f *Future) resolve(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return
	}
	f.resolved = true
	f.cause = cause
	close(f.done)
}

// Done returns a channel closed once f is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns f's failure cause, or nil if f succeeded. Err must only be
// called after Done() is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}
