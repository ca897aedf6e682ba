// Package precopy implements MergePreCopy, the per-merge record that
// tracks proactive transfer of newly merged segment files to the replicas
// currently ingesting them.
package precopy

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fidato13/nrtsearch-primary/protocol"
	"github.com/fidato13/nrtsearch-primary/replica"
)

// MergePreCopy tracks the set of replicas currently ingesting a specific
// set of newly merged files, with an optional absolute deadline.
//
// Invariants:
//   - I1: finished becomes true exactly once, and only when the
//     connection set is empty.
//   - I2: after finished, no new replicas may be admitted.
//   - I3: the connection set only shrinks except via tryAddConnection,
//     which may enlarge it while not finished and before the deadline.
//   - I4: the file map is immutable after construction.
type MergePreCopy struct {
	files    protocol.FileMetadataMap // I4: never mutated after construction.
	deadline time.Time                // zero means no deadline.

	mu       sync.Mutex
	conns    map[replica.Handle]<-chan protocol.TransferStatus
	finished bool
}

// New constructs a MergePreCopy around an already-started set of
// transfers. initial maps each participating replica to the status
// channel returned by its CopyFiles call. deadline may be the zero Time,
// meaning no deadline.
func New(files protocol.FileMetadataMap, initial map[replica.Handle]<-chan protocol.TransferStatus, deadline time.Time) *MergePreCopy {
	var conns = make(map[replica.Handle]<-chan protocol.TransferStatus, len(initial))
	for h, ch := range initial {
		conns[h] = ch
	}
	return &MergePreCopy{
		files:    files,
		deadline: deadline,
		conns:    conns,
	}
}

// Files returns the immutable file map being pre-copied.
func (m *MergePreCopy) Files() protocol.FileMetadataMap { return m.files }

// Deadline returns the absolute deadline for this pre-copy, or the zero
// Time if there is none.
func (m *MergePreCopy) Deadline() time.Time { return m.deadline }

// expired reports whether m's deadline has passed. Must be called with mu
// held.
func (m *MergePreCopy) expired() bool {
	return !m.deadline.IsZero() && time.Now().After(m.deadline)
}

// TryAddConnection atomically admits a late-arriving replica into this
// pre-copy. If m is already finished, or the deadline has passed, it
// returns false and the caller must fall back to delivering these files
// via the next NRT point. Otherwise it starts a new transfer by invoking
// client.CopyFiles, records the returned status channel, adds client to
// the active connection set, and returns true.
//
// This is the single race-free decision point guarding against a late
// joiner being added to a pre-copy that's about to be declared done,
// which would otherwise leak a transfer that nobody drains.
func (m *MergePreCopy) TryAddConnection(ctx context.Context, h replica.Handle, indexName, indexID string, primaryGen int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished || m.expired() {
		return false
	}

	var ch, err = h.Client.CopyFiles(ctx, indexName, indexID, primaryGen, m.files, m.deadline)
	if err != nil {
		log.WithFields(log.Fields{"replicaId": h.ID, "err": err}).
			Warn("copyFiles failed for late-joining replica; will deliver via next NRT point")
		return false
	}

	m.conns[h] = ch
	return true
}

// Finished atomically checks whether the active-connection set is empty,
// and if so latches finished=true and returns true. Once true is
// returned, every subsequent call also returns true (I1 is monotonic).
func (m *MergePreCopy) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished {
		return true
	}
	if len(m.conns) == 0 {
		m.finished = true
		return true
	}
	return false
}

// Snapshot returns a safe-to-iterate copy of the currently active
// connections. Callers should drain outside of any lock, then call
// RemoveConnection for each completed client.
func (m *MergePreCopy) Snapshot() map[replica.Handle]<-chan protocol.TransferStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out = make(map[replica.Handle]<-chan protocol.TransferStatus, len(m.conns))
	for h, ch := range m.conns {
		out[h] = ch
	}
	return out
}

// RemoveConnection drops h from the active connection set once its
// transfer has drained (successfully or not). This is what drives
// MergePreCopy toward Finished().
func (m *MergePreCopy) RemoveConnection(h replica.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, h)
}

// ConnectionCount returns the number of currently active connections, for
// logging.
func (m *MergePreCopy) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// DrainStatusFor consumes h's TransferStatus channel to completion,
// logging each message, and returns once the channel is closed (the
// remote transfer finished or errored, or the deadline fired on the
// per-replica RPC). It never returns an error: per-replica transfer
// failures are a logged, swallowed concern so that one misbehaving
// replica can't block the others.
func DrainStatusFor(h replica.Handle, ch <-chan protocol.TransferStatus) {
	for st := range ch {
		if st.Code == protocol.TransferFailed {
			log.WithFields(log.Fields{
				"replicaId": h.ID,
				"message":   st.Message,
			}).Warn("replica transfer reported failure")
		}
	}
}
