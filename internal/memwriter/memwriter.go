// Package memwriter is a minimal in-process stand-in for the real
// segment-based index writer PrimaryCore delegates to. It exists so
// cmd/nrtprimaryd has something concrete to wire PrimaryCore and
// RefreshDriver against for local exercise; it is not a production index.
package memwriter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fidato13/nrtsearch-primary/protocol"
)

// Writer is an in-memory primary.Writer implementation. Each
// FlushAndRefresh call that finds pending documents advances the
// version and publishes a fresh, synthetic live-file set.
type Writer struct {
	mu            sync.Mutex
	version       int64
	files         protocol.FileMetadataMap
	pending       int
	ramBufferMB   float64
	maxPreCopySec int

	closed int32
}

// New returns an empty Writer at version 0.
func New(maxPreCopySec int) *Writer {
	return &Writer{
		files:         protocol.FileMetadataMap{},
		maxPreCopySec: maxPreCopySec,
	}
}

// Index marks n documents as pending indexing; the next FlushAndRefresh
// call will report a change and advance the version.
func (w *Writer) Index(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending += n
}

// FlushAndRefresh implements primary.Writer.
func (w *Writer) FlushAndRefresh(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == 0 {
		return false, nil
	}
	w.version++
	w.pending = 0
	var name = fmt.Sprintf("_%d.cfs", w.version)
	w.files[name] = protocol.FileMetadata{FileName: name, Length: 1024}
	return true, nil
}

// CopyState implements primary.Writer.
func (w *Writer) CopyState(ctx context.Context) (protocol.CopyState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var files = make(protocol.FileMetadataMap, len(w.files))
	for k, v := range w.files {
		files[k] = v
	}
	return protocol.CopyState{Version: w.version, PrimaryGen: 1, Files: files}, nil
}

// Closed implements primary.Writer.
func (w *Writer) Closed() bool { return atomic.LoadInt32(&w.closed) != 0 }

// Close implements primary.Writer.
func (w *Writer) Close() error {
	atomic.StoreInt32(&w.closed, 1)
	return nil
}

// SetRAMBufferSizeMB implements primary.Writer.
func (w *Writer) SetRAMBufferSizeMB(mb float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ramBufferMB = mb
}

// MaxMergePreCopyDurationSec implements primary.Writer.
func (w *Writer) MaxMergePreCopyDurationSec() int { return w.maxPreCopySec }
