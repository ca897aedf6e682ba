// Package protocol defines the wire-level and data-model types shared by
// the primary-node replication coordinator and its replicas: file
// descriptors, copy state, transfer status, and the RPC contract a replica
// client must satisfy. Types here are intentionally thin — the coordinator
// treats FileMetadata as opaque, and only inspects CopyState's version and
// generation fields.
package protocol

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FileMetadata is an immutable, per-file descriptor produced by the
// underlying index writer. The coordinator never interprets its contents;
// it's forwarded to replicas verbatim as part of a CopyState or a
// preCopyMergedSegmentFiles fan-out.
type FileMetadata struct {
	FileName   string
	Length     int64
	Checksum   uint64
	Header     []byte
	Footer     []byte
}

// FileMetadataMap is a keyed map fileName -> descriptor, as produced by the
// writer for a segment merge or a full live-file set.
type FileMetadataMap map[string]FileMetadata

// CopyState bundles the version, primary generation, and complete live-file
// set needed for a replica to materialize a searcher snapshot. Immutable
// once returned by PrimaryCore.GetCopyState.
type CopyState struct {
	Version     int64
	PrimaryGen  int64
	Files       FileMetadataMap
}

// NRTPoint is a (primaryGen, version) marker identifying a searcher
// snapshot that replicas should converge to.
type NRTPoint struct {
	IndexName  string
	IndexID    string
	PrimaryGen int64
	Version    int64
}

// TransferStatusCode mirrors the handful of outcomes a file-copy transfer
// stream can report. The coordinator only logs these; it never branches
// control flow on the code itself: it only drains and logs, it does not
// interpret codes for control.
type TransferStatusCode int

const (
	TransferOngoing TransferStatusCode = iota
	TransferDone
	TransferFailed
)

// TransferStatus is a single message from a replica's copyFiles stream.
type TransferStatus struct {
	Code    TransferStatusCode
	Message string
}

// ReplicaClient is the outbound RPC capability a registered replica offers.
// A real implementation dials a replica process over gRPC; tests substitute
// an in-memory fake. Equality of the owning ReplicaHandle deliberately
// excludes this interface value (see replica.Handle).
type ReplicaClient interface {
	// NewNRTPoint notifies the replica of a new visible searcher version.
	// Unary, synchronous, no explicit deadline.
	NewNRTPoint(ctx context.Context, point NRTPoint) error

	// CopyFiles begins a server-streaming transfer of files to the replica
	// and returns a channel of TransferStatus updates. The channel is
	// closed when the transfer finishes or the context/deadline expires.
	// deadline is the absolute time by which the transfer must complete;
	// a zero Time means no deadline.
	CopyFiles(ctx context.Context, indexName, indexID string, primaryGen int64, files FileMetadataMap, deadline time.Time) (<-chan TransferStatus, error)

	// Close tears down the underlying transport.
	Close() error
}

// IsLostReplica reports whether err, surfaced from NewNRTPoint, indicates
// the replica is irrecoverably lost and should be dropped from the
// registry.
func IsLostReplica(err error) bool {
	if err == nil {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.FailedPrecondition:
		return true
	}
	return false
}

// Error wraps a status code and message the way a gRPC-transported
// ReplicaClient error would, for use by fakes in tests.
type Error struct {
	Code    codes.Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func (e *Error) GRPCStatus() *status.Status { return status.New(e.Code, e.Message) }
