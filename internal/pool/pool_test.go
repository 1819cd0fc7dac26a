package pool

import (
	"testing"
	"time"

	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	return New("", xconn.DefaultChannelOptions())
}

func TestPool_RoundRobin(t *testing.T) {
	p := newTestPool()
	p.Add(xproto.Endpoint{NodeID: 1, Host: "a"})
	p.Add(xproto.Endpoint{NodeID: 2, Host: "b"})
	p.Add(xproto.Endpoint{NodeID: 3, Host: "c"})

	var seen []uint32
	for i := 0; i < 6; i++ {
		conn, err := p.Acquire(AcquireOptions{})
		require.NoError(t, err)
		seen = append(seen, conn.Endpoint.NodeID)
	}
	require.Equal(t, []uint32{1, 2, 3, 1, 2, 3}, seen)
}

func TestPool_PessimizeFallbackRule(t *testing.T) {
	p := newTestPool()
	p.Add(xproto.Endpoint{NodeID: 1, Host: "a"})
	p.Add(xproto.Endpoint{NodeID: 2, Host: "b"})

	conn1, err := p.Acquire(AcquireOptions{PreferNodeID: 1})
	require.NoError(t, err)
	p.Pessimize(conn1)

	stats := p.Stats()
	require.Equal(t, 1, stats.Good)
	require.Equal(t, 1, stats.Pessimized)

	// Invariant 6: while a good connection exists, acquire never returns
	// the pessimized one.
	for i := 0; i < 4; i++ {
		conn, err := p.Acquire(AcquireOptions{})
		require.NoError(t, err)
		require.Equal(t, uint32(2), conn.Endpoint.NodeID)
	}
}

func TestPool_PessimizationExpires(t *testing.T) {
	p := newTestPool()
	p.Add(xproto.Endpoint{NodeID: 1, Host: "a"})
	frozen := time.Now()
	p.now = func() time.Time { return frozen }

	conn, err := p.Acquire(AcquireOptions{})
	require.NoError(t, err)
	p.Pessimize(conn)
	require.Equal(t, 1, p.Stats().Pessimized)

	p.now = func() time.Time { return frozen.Add(61 * time.Second) }
	conn2, err := p.Acquire(AcquireOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), conn2.Endpoint.NodeID)
	require.Equal(t, 1, p.Stats().Good)
	require.Equal(t, 0, p.Stats().Pessimized)
}

func TestPool_NoConnectionAvailable(t *testing.T) {
	p := newTestPool()
	_, err := p.Acquire(AcquireOptions{})
	require.Error(t, err)
}

func TestPool_LocalityFilterWithFallback(t *testing.T) {
	p := New("dc1", xconn.DefaultChannelOptions())
	p.Add(xproto.Endpoint{NodeID: 1, Location: "dc2"})

	conn, err := p.Acquire(AcquireOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), conn.Endpoint.NodeID)
}

func TestPool_AddReplacesExistingNode(t *testing.T) {
	p := newTestPool()
	p.Add(xproto.Endpoint{NodeID: 1, Host: "a"})
	p.Add(xproto.Endpoint{NodeID: 1, Host: "a-new"})
	require.Equal(t, 1, p.Stats().Good)
}
