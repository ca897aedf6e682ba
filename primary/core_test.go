package primary

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gc "github.com/go-check/check"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fidato13/nrtsearch-primary/protocol"
	"github.com/fidato13/nrtsearch-primary/replica"
)

func Test(t *testing.T) { gc.TestingT(t) }

type CoreSuite struct{}

var _ = gc.Suite(&CoreSuite{})

// mockWriter is a bare-bones Writer fixture a test can script.
type mockWriter struct {
	mu               sync.Mutex
	closed           bool
	refreshChanged   bool
	refreshErr       error
	copyState        protocol.CopyState
	maxPreCopySec    int
	closeErr         error
	ramBufferSizeSet float64
}

func (w *mockWriter) FlushAndRefresh(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refreshChanged, w.refreshErr
}
func (w *mockWriter) CopyState(ctx context.Context) (protocol.CopyState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.copyState, nil
}
func (w *mockWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
func (w *mockWriter) Close() error { return w.closeErr }
func (w *mockWriter) SetRAMBufferSizeMB(mb float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ramBufferSizeSet = mb
}
func (w *mockWriter) MaxMergePreCopyDurationSec() int { return w.maxPreCopySec }

// mockReplica is a scriptable protocol.ReplicaClient.
type mockReplica struct {
	protocol.ReplicaClient
	copyFilesErr  error
	statuses      []protocol.TransferStatus
	gap           time.Duration
	copyFilesCall int32
	closed        int32
}

func (m *mockReplica) CopyFiles(ctx context.Context, indexName, indexID string, primaryGen int64, files protocol.FileMetadataMap, deadline time.Time) (<-chan protocol.TransferStatus, error) {
	atomic.AddInt32(&m.copyFilesCall, 1)
	if m.copyFilesErr != nil {
		return nil, m.copyFilesErr
	}
	var ch = make(chan protocol.TransferStatus, len(m.statuses)+1)
	go func() {
		defer close(ch)
		for _, st := range m.statuses {
			if m.gap > 0 {
				select {
				case <-time.After(m.gap):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- st:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
func (m *mockReplica) Close() error { atomic.AddInt32(&m.closed, 1); return nil }

func newTestCore(w *mockWriter) (*Core, *replica.Registry) {
	var reg = replica.NewRegistry()
	var metrics = NewMetrics(prometheus.NewRegistry())
	var core = NewCore(Identity{IndexName: "idx", IndexID: "id-1", PrimaryGen: 7}, w, reg, metrics)
	return core, reg
}

func (s *CoreSuite) TestPreCopyWithNoReplicasReturnsImmediately(c *gc.C) {
	var w = &mockWriter{}
	var core, _ = newTestCore(w)

	var done = make(chan struct{})
	go func() {
		core.PreCopyMergedSegmentFiles(context.Background(), "_0.cfs", protocol.FileMetadataMap{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("PreCopyMergedSegmentFiles did not return immediately with an empty registry")
	}
}

func (s *CoreSuite) TestPreCopyCompletesWhenAllReplicasDrain(c *gc.C) {
	var w = &mockWriter{}
	var core, reg = newTestCore(w)

	var r1 = &mockReplica{statuses: []protocol.TransferStatus{{Code: protocol.TransferDone}}}
	var r2 = &mockReplica{statuses: []protocol.TransferStatus{
		{Code: protocol.TransferOngoing}, {Code: protocol.TransferOngoing}, {Code: protocol.TransferDone},
	}, gap: 30 * time.Millisecond}
	_, _ = reg.Add(1, replica.HostPort{Host: "a", Port: 7000}, r1)
	_, _ = reg.Add(2, replica.HostPort{Host: "b", Port: 7000}, r2)

	var start = time.Now()
	core.PreCopyMergedSegmentFiles(context.Background(), "_0.cfs", protocol.FileMetadataMap{"_0.cfs": {}})
	var elapsed = time.Since(start)

	c.Check(elapsed < 2*time.Second, gc.Equals, true)
	c.Check(atomic.LoadInt32(&r1.copyFilesCall), gc.Equals, int32(1))
	c.Check(atomic.LoadInt32(&r2.copyFilesCall), gc.Equals, int32(1))
	c.Check(len(core.warming), gc.Equals, 0)
}

func (s *CoreSuite) TestPreCopyAbandonedOnClose(c *gc.C) {
	var w = &mockWriter{}
	var core, reg = newTestCore(w)

	var stuck = &mockReplica{statuses: []protocol.TransferStatus{{Code: protocol.TransferDone}}, gap: 5 * time.Second}
	_, _ = reg.Add(1, replica.HostPort{Host: "a", Port: 7000}, stuck)

	var done = make(chan struct{})
	go func() {
		core.PreCopyMergedSegmentFiles(context.Background(), "_0.cfs", protocol.FileMetadataMap{})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	core.closedMu.Lock()
	core.closed = true
	core.closedMu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		c.Fatal("PreCopyMergedSegmentFiles did not abandon promptly after close")
	}
}

func (s *CoreSuite) TestAddReplicaAdmitsLateJoinerToInFlightMerge(c *gc.C) {
	var w = &mockWriter{}
	var core, reg = newTestCore(w)

	var slow = &mockReplica{statuses: []protocol.TransferStatus{{Code: protocol.TransferDone}}, gap: 300 * time.Millisecond}
	_, _ = reg.Add(1, replica.HostPort{Host: "a", Port: 7000}, slow)

	var done = make(chan struct{})
	go func() {
		core.PreCopyMergedSegmentFiles(context.Background(), "_0.cfs", protocol.FileMetadataMap{"_0.cfs": {}})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	var late = &mockReplica{statuses: []protocol.TransferStatus{{Code: protocol.TransferDone}}}
	var _, err = core.AddReplica(context.Background(), 2, replica.HostPort{Host: "b", Port: 7000}, late)
	c.Assert(err, gc.IsNil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.Fatal("pre-copy did not complete after late join")
	}
	c.Check(atomic.LoadInt32(&late.copyFilesCall), gc.Equals, int32(1))
}

func (s *CoreSuite) TestCloseClosesEveryReplicaAndWriter(c *gc.C) {
	var w = &mockWriter{}
	var core, reg = newTestCore(w)

	var r1 = &mockReplica{}
	var r2 = &mockReplica{}
	_, _ = reg.Add(1, replica.HostPort{Host: "a", Port: 7000}, r1)
	_, _ = reg.Add(2, replica.HostPort{Host: "b", Port: 7000}, r2)

	c.Assert(core.Close(), gc.IsNil)

	c.Check(atomic.LoadInt32(&r1.closed), gc.Equals, int32(1))
	c.Check(atomic.LoadInt32(&r2.closed), gc.Equals, int32(1))
	c.Check(reg.Len(), gc.Equals, 0)
	c.Check(core.IsClosed(), gc.Equals, true)
}
