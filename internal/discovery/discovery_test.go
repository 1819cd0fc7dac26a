package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus-go-sdk/internal/pool"
	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

type fakeDiscoveryClient struct {
	calls   int32
	result  xproto.ListEndpointsResult
	failN   int32
	failErr error
}

func (f *fakeDiscoveryClient) ListEndpoints(ctx context.Context, database string) (xproto.ListEndpointsResult, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failN {
		return xproto.ListEndpointsResult{}, f.failErr
	}
	return f.result, nil
}

func (f *fakeDiscoveryClient) WhoAmI(ctx context.Context) (string, error) {
	return "", nil
}

func TestNew_RejectsIntervalNotGreaterThanTimeout(t *testing.T) {
	p := pool.New("", xconn.DefaultChannelOptions())
	_, err := New(&fakeDiscoveryClient{}, p, Options{
		DiscoveryTimeout:  time.Second,
		DiscoveryInterval: time.Second,
	})
	require.Error(t, err)
}

func TestRunOnce_PopulatesPool(t *testing.T) {
	client := &fakeDiscoveryClient{result: xproto.ListEndpointsResult{
		Endpoints: []xproto.Endpoint{{NodeID: 1, Host: "a"}, {NodeID: 2, Host: "b"}},
	}}
	p := pool.New("", xconn.DefaultChannelOptions())
	loop, err := New(client, p, Options{
		Database:          "/local",
		DiscoveryTimeout:  time.Second,
		DiscoveryInterval: time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, loop.RunOnce(context.Background()))
	require.Equal(t, 2, p.Stats().Good)
}

func TestRunOnce_RetriesTransientFailures(t *testing.T) {
	client := &fakeDiscoveryClient{
		failN:   2,
		failErr: xerrors.NewTransportError(xerrors.TransportUnavailable, errors.New("conn reset")),
		result:  xproto.ListEndpointsResult{Endpoints: []xproto.Endpoint{{NodeID: 1}}},
	}
	p := pool.New("", xconn.DefaultChannelOptions())
	loop, err := New(client, p, Options{DiscoveryTimeout: time.Second, DiscoveryInterval: time.Minute})
	require.NoError(t, err)

	require.NoError(t, loop.RunOnce(context.Background()))
	require.Equal(t, int32(3), client.calls)
}

func TestStartStop_RunsPeriodically(t *testing.T) {
	client := &fakeDiscoveryClient{result: xproto.ListEndpointsResult{Endpoints: []xproto.Endpoint{{NodeID: 1}}}}
	p := pool.New("", xconn.DefaultChannelOptions())
	loop, err := New(client, p, Options{
		DiscoveryTimeout:  50 * time.Millisecond,
		DiscoveryInterval: 60 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, loop.Start(context.Background()))
	time.Sleep(160 * time.Millisecond)
	loop.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&client.calls), int32(2))
}
