package primary

import (
	"context"

	"github.com/fidato13/nrtsearch-primary/protocol"
)

// Writer is the narrow interface PrimaryCore requires of the underlying
// segment-based index writer and searcher implementation. It's an
// external collaborator: indexing, merging, and searcher management
// themselves are out of this repository's scope.
type Writer interface {
	// FlushAndRefresh flushes pending writes and opens a new searcher if
	// anything changed, returning true iff something new became visible.
	FlushAndRefresh(ctx context.Context) (bool, error)

	// CopyState returns the version, primary generation, and complete
	// live-file set needed to materialize the current searcher snapshot.
	CopyState(ctx context.Context) (protocol.CopyState, error)

	// Closed reports whether the writer has begun or completed shutdown.
	// PrimaryCore does not poll it: PreCopyMergedSegmentFiles abandons an
	// in-flight drain loop by checking Core.IsClosed, which reflects
	// Core.Close.
	Closed() bool

	// Close releases the writer's resources. Errors are propagated to the
	// caller of PrimaryCore.Close.
	Close() error

	// SetRAMBufferSizeMB is a passthrough to the writer's configuration.
	SetRAMBufferSizeMB(mb float64)

	// MaxMergePreCopyDurationSec is read dynamically from the index's
	// current settings; zero or negative means no deadline.
	MaxMergePreCopyDurationSec() int
}
