// Package primary implements PrimaryCore, the component that owns the
// underlying index writer handle and hosts the merge pre-copy lifecycle.
package primary

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fidato13/nrtsearch-primary/precopy"
	"github.com/fidato13/nrtsearch-primary/protocol"
	"github.com/fidato13/nrtsearch-primary/replica"
)

// drainTick is the cooperative backoff between iterations of the pre-copy
// drain loop. A zero-sleep
// spin would monopolize a thread per in-flight merge.
const drainTick = 10 * time.Millisecond

// heartbeatInterval is how often the drain loop logs a warning noting
// that a pre-copy is still in flight.
const heartbeatInterval = time.Second

// Identity names the index this PrimaryCore is the primary for, stamped
// onto every CopyFiles and NewNRTPoint call.
type Identity struct {
	IndexName  string
	IndexID    string
	PrimaryGen int64
}

// Core owns the writer, exposes copy state and refresh to the outside
// world, and hosts the pre-copy lifecycle invoked by the writer's merge
// callback.
type Core struct {
	id       Identity
	writer   Writer
	registry *replica.Registry
	metrics  *Metrics

	warmingMu sync.Mutex
	warming   map[*precopy.MergePreCopy]struct{}

	closedMu sync.Mutex
	closed   bool
}

// NewCore constructs a Core bound to writer and registry.
func NewCore(id Identity, writer Writer, registry *replica.Registry, metrics *Metrics) *Core {
	return &Core{
		id:       id,
		writer:   writer,
		registry: registry,
		metrics:  metrics,
		warming:  make(map[*precopy.MergePreCopy]struct{}),
	}
}

// GetCopyState returns the current version, generation, and live-file set.
func (c *Core) GetCopyState(ctx context.Context) (protocol.CopyState, error) {
	return c.writer.CopyState(ctx)
}

// FlushAndRefresh flushes and refreshes the writer, returning true iff
// something new became visible, and counts the cycle's outcome in
// RefreshTotal.
func (c *Core) FlushAndRefresh(ctx context.Context) (bool, error) {
	var changed, err = c.writer.FlushAndRefresh(ctx)
	if c.metrics != nil {
		var outcome = "unchanged"
		if err != nil {
			outcome = "failed"
		} else if changed {
			outcome = "changed"
		}
		c.metrics.RefreshTotal.WithLabelValues(outcome).Inc()
	}
	return changed, err
}

// IsClosed reports whether Close has been called.
func (c *Core) IsClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

// SetRAMBufferSizeMB passes mb through to the writer configuration.
func (c *Core) SetRAMBufferSizeMB(mb float64) { c.writer.SetRAMBufferSizeMB(mb) }

// GetNodesInfo returns an unmodifiable snapshot of registered replicas.
func (c *Core) GetNodesInfo() []replica.Handle { return c.registry.Snapshot() }

// AddReplica registers a new replica and opportunistically admits it to
// every currently in-flight merge pre-copy.
func (c *Core) AddReplica(ctx context.Context, id int64, hp replica.HostPort, client protocol.ReplicaClient) (replica.Handle, error) {
	var h, err = c.registry.Add(id, hp, client)
	if err != nil && err != replica.ErrAlreadyRegistered {
		return replica.Handle{}, err
	}
	if err == replica.ErrAlreadyRegistered {
		// Idempotent by (replicaId, hostPort).
		return h, nil
	}

	c.warmingMu.Lock()
	var inFlight = make([]*precopy.MergePreCopy, 0, len(c.warming))
	for m := range c.warming {
		inFlight = append(inFlight, m)
	}
	c.warmingMu.Unlock()

	for _, m := range inFlight {
		if m.TryAddConnection(ctx, h, c.id.IndexName, c.id.IndexID, c.id.PrimaryGen) {
			log.WithField("replicaId", id).Info("admitted late-joining replica to in-flight merge pre-copy")
			if ch, ok := m.Snapshot()[h]; ok {
				c.spawnDrain(m, h, ch)
			}
		} else {
			log.WithField("replicaId", id).Info("merge pre-copy already finished or past deadline; replica will receive files via next NRT point")
		}
	}
	return h, nil
}

// PreCopyMergedSegmentFiles is the hook invoked by the index writer after
// each merge completes. It fans out files to every currently registered
// replica, then blocks until every participant finishes draining or the
// deadline (if any) expires.
func (c *Core) PreCopyMergedSegmentFiles(ctx context.Context, segmentInfo string, files protocol.FileMetadataMap) {
	if c.registry.Len() == 0 {
		return
	}

	var deadline time.Time
	if sec := c.writer.MaxMergePreCopyDurationSec(); sec > 0 {
		deadline = time.Now().Add(time.Duration(sec) * time.Second)
	}

	var initial = make(map[replica.Handle]<-chan protocol.TransferStatus)
	c.warmingMu.Lock()
	for _, h := range c.registry.Snapshot() {
		var ch, err = h.Client.CopyFiles(ctx, c.id.IndexName, c.id.IndexID, c.id.PrimaryGen, files, deadline)
		if err != nil {
			log.WithFields(log.Fields{"replicaId": h.ID, "segment": segmentInfo, "err": err}).
				Warn("copyFiles failed during merge pre-copy fan-out; replica will receive files via next NRT point")
			continue
		}
		initial[h] = ch
	}
	var m = precopy.New(files, initial, deadline)
	c.warming[m] = struct{}{}
	c.warmingMu.Unlock()

	for h, ch := range initial {
		c.spawnDrain(m, h, ch)
	}

	var start = time.Now()
	var lastHeartbeat = start
	var outcome = "completed"

	for !m.Finished() {
		if c.IsClosed() {
			outcome = "abandoned"
			break
		}
		if since := time.Since(lastHeartbeat); since >= heartbeatInterval {
			log.WithFields(log.Fields{
				"segment":   segmentInfo,
				"remaining": m.ConnectionCount(),
				"elapsed":   time.Since(start),
			}).Warn("merge pre-copy still in flight")
			lastHeartbeat = time.Now()
		}
		time.Sleep(drainTick)
	}

	c.warmingMu.Lock()
	delete(c.warming, m)
	c.warmingMu.Unlock()

	if c.metrics != nil {
		c.metrics.MergePreCopyDuration.Observe(time.Since(start).Seconds())
		c.metrics.MergePreCopyTotal.WithLabelValues(outcome).Inc()
	}
}

// spawnDrain drains h's transfer status stream to completion and removes
// h from m's active connection set once the stream closes, which is what
// drives m toward Finished(). A panic from a misbehaving replica's stream
// is caught here so it can't take down the pre-copy loop.
func (c *Core) spawnDrain(m *precopy.MergePreCopy, h replica.Handle, ch <-chan protocol.TransferStatus) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"replicaId": h.ID, "panic": r}).
					Error("recovered from panic draining replica transfer status")
			}
			m.RemoveConnection(h)
		}()
		precopy.DrainStatusFor(h, ch)
	}()
}

// Close tears down every registered replica's client, removes it from the
// registry, and delegates to the writer's Close. Per-replica close errors
// are logged and swallowed so one bad replica can't block shutdown; the
// writer's close error (if any) is returned to the caller.
func (c *Core) Close() error {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()

	c.registry.ForEachRemovable(func(h replica.Handle) bool {
		if err := h.Client.Close(); err != nil {
			log.WithFields(log.Fields{"replicaId": h.ID, "err": err}).Warn("error closing replica client during shutdown")
		}
		return true
	})

	if err := c.writer.Close(); err != nil {
		return errors.WithMessage(err, "writer close")
	}
	return nil
}
