package sendcollector

import (
	"net/netip"
	"testing"
	"time"

	"github.com/axmq/someipsd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remote() types.PeerAddr {
	return types.PeerAddr{Addr: netip.MustParseAddr("192.168.1.20"), Port: 30491}
}

func TestAppendAccumulatesUntilFlush(t *testing.T) {
	flushed := make(chan []string, 1)
	c := New[string](remote(), 20*time.Millisecond, func(entries []string, _ types.PeerAddr) {
		flushed <- entries
	})

	assert.True(t, c.Append("a"))
	assert.True(t, c.Append("b"))

	select {
	case got := <-flushed:
		assert.Equal(t, []string{"a", "b"}, got)
	case <-time.After(time.Second):
		t.Fatal("flush never fired")
	}
}

func TestAppendAfterFlushFails(t *testing.T) {
	flushed := make(chan struct{})
	c := New[string](remote(), 5*time.Millisecond, func([]string, types.PeerAddr) {
		close(flushed)
	})

	<-flushed
	assert.True(t, c.Done())
	assert.False(t, c.Append("late"))
}

func TestFlushReceivesTargetRemote(t *testing.T) {
	r := remote()
	flushed := make(chan types.PeerAddr, 1)
	New[string](r, 5*time.Millisecond, func(_ []string, got types.PeerAddr) {
		flushed <- got
	})

	select {
	case got := <-flushed:
		require.Equal(t, r, got)
	case <-time.After(time.Second):
		t.Fatal("flush never fired")
	}
}

func TestFlushWithNoAppendsYieldsEmptySlice(t *testing.T) {
	flushed := make(chan []string, 1)
	New[string](remote(), 5*time.Millisecond, func(entries []string, _ types.PeerAddr) {
		flushed <- entries
	})

	select {
	case got := <-flushed:
		assert.Empty(t, got)
	case <-time.After(time.Second):
		t.Fatal("flush never fired")
	}
}
