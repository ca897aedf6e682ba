// Package replica implements the ReplicaRegistry: a concurrent collection
// of replicas registered with a primary node, keyed by (replicaId,
// hostPort) rather than by client handle identity so that a reconnect
// which hands the registry a fresh client doesn't duplicate an entry.
package replica

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/fidato13/nrtsearch-primary/protocol"
)

// HostPort is a replica's network endpoint.
type HostPort struct {
	Host string
	Port int
}

// Handle identifies a registered replica. The Registry keys and compares
// entries by (ID, HostPort) only (see key); Client is deliberately
// excluded so that a replica which reconnects with a new client handle is
// recognized as the same logical replica. Go's == on a Handle, and its use
// as a map key outside the Registry (eg, in precopy.MergePreCopy), still
// compares Client.
type Handle struct {
	ID       int64
	HostPort HostPort
	Client   protocol.ReplicaClient
}

// key returns the comparable identity of h, used for map storage and
// equality checks. Client is intentionally omitted.
func (h Handle) key() key { return key{id: h.ID, hp: h.HostPort} }

type key struct {
	id int64
	hp HostPort
}

// Registry is a concurrent set of registered replicas. All operations are
// safe under concurrent access from the broadcast path, the merge pre-copy
// path, and the add/close RPC paths. No operation here performs network
// I/O while holding the registry's lock.
type Registry struct {
	mu   sync.RWMutex
	byID map[key]Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[key]Handle)}
}

// ErrAlreadyRegistered is returned by Add when an equal (ID, HostPort)
// entry is already present.
var ErrAlreadyRegistered = errors.New("replica already registered")

// Add inserts a new replica handle if no entry with the same (ID,
// HostPort) is already present. It returns ErrAlreadyRegistered
// (non-fatal; callers typically treat this as an idempotent no-op) if one
// exists.
func (r *Registry) Add(id int64, hp HostPort, client protocol.ReplicaClient) (Handle, error) {
	var h = Handle{ID: id, HostPort: hp, Client: client}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[h.key()]; ok {
		return Handle{}, ErrAlreadyRegistered
	}
	r.byID[h.key()] = h
	return h, nil
}

// Contains reports whether a replica with (id, hp) is currently
// registered.
func (r *Registry) Contains(id int64, hp HostPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[key{id: id, hp: hp}]
	return ok
}

// Remove deletes h from the registry. It's a no-op if h is not present
// (eg, because it was concurrently removed by another path).
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, h.key())
}

// Snapshot returns a safe-to-iterate copy of the currently registered
// replicas. Mutating the registry afterward does not affect the returned
// slice.
func (r *Registry) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out = make([]Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	return out
}

// Len returns the number of currently registered replicas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ForEachRemovable invokes fn for a snapshot of the currently registered
// replicas. If fn returns true, the corresponding handle is removed from
// the registry. This lets callers like RefreshDriver's broadcast loop
// evict lost replicas while iterating, without holding the registry lock
// across fn's (potentially blocking) RPC call.
func (r *Registry) ForEachRemovable(fn func(Handle) (remove bool)) {
	for _, h := range r.Snapshot() {
		if fn(h) {
			r.Remove(h)
		}
	}
}
