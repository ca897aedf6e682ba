// Package refresh implements RefreshDriver: a polymorphic searcher
// reference manager that drives periodic refreshes, broadcasts resulting
// NRT points to replicas, and enqueues durable uploads.
package refresh

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fidato13/nrtsearch-primary/durable"
	"github.com/fidato13/nrtsearch-primary/primary"
	"github.com/fidato13/nrtsearch-primary/protocol"
	"github.com/fidato13/nrtsearch-primary/replica"
)

// Searcher is an opaque, ref-counted reader handle returned by a refresh.
// Its identity and lifecycle are owned entirely by the SearcherManager
// implementation; RefreshDriver only ever passes it through.
type Searcher interface{}

// SearcherManager is the reference-counting part of the capability set a
// base reference-manager type would expose to callers built on top of it:
// acquire, tryIncRef, decRef, and getRefCount. The refresh capability is
// Driver.RefreshIfNeeded itself. Modeling it as an explicit interface
// (rather than embedding) keeps ref-count manipulation an
// application-level protocol, not a language feature.
type SearcherManager interface {
	Acquire() (Searcher, error)
	TryIncRef(Searcher) bool
	DecRef(Searcher) error
	GetRefCount(Searcher) int
}

// Driver drives refresh cycles against a primary.Core, broadcasts the
// resulting NRT point to every registered replica, and hands durable
// upload off to a durable.Queue.
type Driver struct {
	id       primary.Identity
	core     *primary.Core
	registry *replica.Registry
	queue    durable.Queue
	mgr      SearcherManager

	mu       sync.Mutex
	watchers []*durable.Future
}

// NewDriver constructs a Driver. mgr may be nil if the caller doesn't need
// RefreshDriver to track searcher references on its behalf (eg, tests
// that only exercise broadcast/durability behavior).
func NewDriver(id primary.Identity, core *primary.Core, registry *replica.Registry, queue durable.Queue, mgr SearcherManager) *Driver {
	return &Driver{id: id, core: core, registry: registry, queue: queue, mgr: mgr}
}

// NextRefreshDurable returns a future which resolves when the *next*
// refresh cycle's output has been durably uploaded.
func (d *Driver) NextRefreshDurable() *durable.Future {
	var f = durable.NewFuture()

	d.mu.Lock()
	d.watchers = append(d.watchers, f)
	d.mu.Unlock()

	return f
}

// RefreshIfNeeded runs one refresh cycle: flush+refresh the writer; if
// something new became visible, enqueue durable upload (if watchers are
// pending) and broadcast the new NRT point to all replicas; return a
// fresh Searcher (via mgr.Refresh semantics, stubbed here as Acquire since
// the real searcher lifecycle is owned by the out-of-scope writer).
//
// current is the caller's previously-held Searcher; it may be nil.
// RefreshIfNeeded does not use it and does not release it.
func (d *Driver) RefreshIfNeeded(ctx context.Context, current Searcher) (_ Searcher, err error) {
	// Step 1: atomically swap the pending watcher list for an empty one.
	// The atomic swap ensures no watcher is both moved into this cycle's
	// batch and left in the pending list.
	d.mu.Lock()
	var watchers = d.watchers
	d.watchers = nil
	d.mu.Unlock()

	var enqueued bool
	defer func() {
		if err != nil && !enqueued {
			// RefreshFailure before "upload queued": fail every captured
			// watcher with the cause.
			for _, f := range watchers {
				f.Fail(err)
			}
		}
	}()

	var changed bool
	if changed, err = d.core.FlushAndRefresh(ctx); err != nil {
		return nil, errors.WithMessage(err, "flushAndRefresh")
	}

	if changed {
		if len(watchers) > 0 {
			var cs protocol.CopyState
			if cs, err = d.core.GetCopyState(ctx); err != nil {
				return nil, errors.WithMessage(err, "getCopyState")
			}
			if err = d.queue.EnqueueUpload(cs, watchers); err != nil {
				return nil, errors.WithMessage(err, "enqueueUpload")
			}
			enqueued = true
		}
		d.sendNewNRTPointToReplicas(ctx)

		if d.mgr != nil {
			return d.mgr.Acquire()
		}
		return nil, nil
	}

	// No-op refresh: durability is still ensured for any pending watcher,
	// carrying the current copy-state forward.
	if len(watchers) > 0 {
		var cs protocol.CopyState
		if cs, err = d.core.GetCopyState(ctx); err != nil {
			return nil, errors.WithMessage(err, "getCopyState")
		}
		if err = d.queue.EnqueueUpload(cs, watchers); err != nil {
			return nil, errors.WithMessage(err, "enqueueUpload")
		}
		enqueued = true
	}
	return nil, nil
}

// sendNewNRTPointToReplicas snapshots the current version and broadcasts
// it to every registered replica, evicting any replica whose NewNRTPoint
// call reports it as lost.
func (d *Driver) sendNewNRTPointToReplicas(ctx context.Context) {
	var cs, err = d.core.GetCopyState(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to snapshot copy state for NRT broadcast")
		return
	}

	var point = protocol.NRTPoint{
		IndexName:  d.id.IndexName,
		IndexID:    d.id.IndexID,
		PrimaryGen: d.id.PrimaryGen,
		Version:    cs.Version,
	}

	d.registry.ForEachRemovable(func(h replica.Handle) bool {
		var sendErr = h.Client.NewNRTPoint(ctx, point)
		if sendErr == nil {
			return false
		}
		if protocol.IsLostReplica(sendErr) {
			if closeErr := h.Client.Close(); closeErr != nil {
				log.WithFields(log.Fields{"replicaId": h.ID, "err": closeErr}).
					Warn("error closing lost replica's client")
			}
			log.WithFields(log.Fields{"replicaId": h.ID, "err": sendErr}).
				Warn("replica lost during NRT point broadcast; removed from registry")
			return true
		}
		log.WithFields(log.Fields{"replicaId": h.ID, "err": sendErr}).
			Warn("transient error broadcasting NRT point; will retry next cycle")
		return false
	})
}
