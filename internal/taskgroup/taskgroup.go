// Package taskgroup provides a small named-goroutine supervisor used to
// wire together the daemon's long-running loops (periodic refresh, admin
// HTTP server) so that any one of them failing
// cancels the others and the whole group can be waited on for a clean
// shutdown, mirroring how dwarri-gazette's consumer.Service queues its
// Watch and GracefulStop loops onto a shared task.Group.
package taskgroup

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Group supervises a set of named goroutines sharing a cancellation
// context. The first one to return a non-nil error cancels the group's
// context, signaling every other member to begin shutting down; Wait
// blocks until all members have returned and reports the first error.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu      sync.Mutex
	firstErr error
}

// New returns a Group whose Context is derived from parent and canceled
// either by the caller's later cancellation of parent, or by the first
// member task to fail.
func New(parent context.Context) *Group {
	var ctx, cancel = context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel}
}

// Context returns the group's shared, cancelable context. Member tasks
// should select on ctx.Done() to know when to stop.
func (g *Group) Context() context.Context { return g.ctx }

// Queue starts fn in its own goroutine under name. If fn returns a
// non-nil error, the group's context is canceled so sibling tasks can
// observe it via Context().Done(), and the error becomes the one Wait
// reports.
func (g *Group) Queue(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(); err != nil {
			g.mu.Lock()
			if g.firstErr == nil {
				g.firstErr = errors.WithMessage(err, name)
			}
			g.mu.Unlock()
			log.WithFields(log.Fields{"task": name, "err": err}).Warn("task group member exited with error; cancelling siblings")
			g.cancel()
		}
	}()
}

// Cancel cancels the group's context directly, without attributing the
// cancellation to any particular member's error.
func (g *Group) Cancel() { g.cancel() }

// Wait blocks until every queued task has returned, then reports the
// first non-nil error any of them returned (nil if all succeeded).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}
