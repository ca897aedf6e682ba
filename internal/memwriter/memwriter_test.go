package memwriter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushAndRefreshNoOpWithNoPendingDocs(t *testing.T) {
	var w = New(0)
	var changed, err = w.FlushAndRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestFlushAndRefreshAdvancesVersionWhenPending(t *testing.T) {
	var w = New(0)
	w.Index(3)

	var changed, err = w.FlushAndRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	var cs, csErr = w.CopyState(context.Background())
	require.NoError(t, csErr)
	assert.Equal(t, int64(1), cs.Version)
	assert.Len(t, cs.Files, 1)
}

func TestCloseReportedByClosed(t *testing.T) {
	var w = New(0)
	assert.False(t, w.Closed())
	require.NoError(t, w.Close())
	assert.True(t, w.Closed())
}
