package xstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   []string
	recvCh chan string
	done   chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{recvCh: make(chan string, 4), done: make(chan struct{})}
}

func (f *fakeStream) Send(req string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (string, error) {
	select {
	case v := <-f.recvCh:
		return v, nil
	case <-f.done:
		return "", errors.New("stream closed")
	}
}

// CloseSend tears the fake down so a blocked Recv returns, the way
// cancelling a real stream's context would.
func (f *fakeStream) CloseSend() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func TestHarness_SendRequestReceivesMatchingResponse(t *testing.T) {
	fs := newFakeStream()
	h := New[string, string](8, nil)
	h.ExtractReqID = func(resp string) (uint64, bool) { return 1, true }
	h.ExtractResult = func(resp string, reqID uint64) (any, error) { return resp, nil }

	err := h.Start(context.Background(), func(ctx context.Context) (Stream[string, string], error) {
		return fs, nil
	}, "init")
	require.NoError(t, err)

	go func() {
		fs.recvCh <- "pong:1"
	}()

	val, err := h.SendRequest(context.Background(), 1, "ping:1")
	require.NoError(t, err)
	require.Equal(t, "pong:1", val)
}

func TestHarness_SendRequestCancelledByContext(t *testing.T) {
	fs := newFakeStream()
	h := New[string, string](8, nil)
	h.ExtractReqID = func(resp string) (uint64, bool) { return 0, false }

	err := h.Start(context.Background(), func(ctx context.Context) (Stream[string, string], error) {
		return fs, nil
	}, "init")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.SendRequest(ctx, 99, "never answered")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHarness_CloseRejectsPending(t *testing.T) {
	fs := newFakeStream()
	h := New[string, string](8, nil)

	err := h.Start(context.Background(), func(ctx context.Context) (Stream[string, string], error) {
		return fs, nil
	}, "init")
	require.NoError(t, err)

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.SendRequest(context.Background(), 7, "req")
		resultCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	h.Close()

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not return after Close")
	}
}

func TestHarness_DisconnectPreservesPendingForReplay(t *testing.T) {
	fs1 := newFakeStream()
	h := New[string, string](8, nil)
	h.ExtractReqID = func(resp string) (uint64, bool) { return 0, false }

	err := h.Start(context.Background(), func(ctx context.Context) (Stream[string, string], error) {
		return fs1, nil
	}, "init")
	require.NoError(t, err)

	go h.SendRequest(context.Background(), 5, "req-5")
	time.Sleep(10 * time.Millisecond)

	h.Disconnect()
	h.WaitForDisconnect()

	fs2 := newFakeStream()
	err = h.Start(context.Background(), func(ctx context.Context) (Stream[string, string], error) {
		return fs2, nil
	}, "init-2")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	fs2.mu.Lock()
	defer fs2.mu.Unlock()
	require.Contains(t, fs2.sent, "req-5")
}
