package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus-go-sdk/internal/value"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

type fakeAttachStream struct {
	frames chan xproto.SessionState
	done   chan struct{}
	once   sync.Once
}

func newFakeAttachStream() *fakeAttachStream {
	s := &fakeAttachStream{
		frames: make(chan xproto.SessionState, 8),
		done:   make(chan struct{}),
	}
	s.frames <- xproto.SessionState{Status: xerrors.StatusSuccess}
	return s
}

func (s *fakeAttachStream) Recv() (xproto.SessionState, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return xproto.SessionState{}, io.EOF
	}
}

func (s *fakeAttachStream) CloseSend() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeQueryClient struct {
	mu         sync.Mutex
	nextID     int
	createErrs []error
	deleted    []string
	attaches   map[string]*fakeAttachStream
	execFn     func(req xproto.ExecuteQueryRequest) (xproto.ExecuteQueryStream, error)
	commits    []string
	rollbacks  []string
}

func newFakeQueryClient() *fakeQueryClient {
	return &fakeQueryClient{attaches: map[string]*fakeAttachStream{}}
}

func (c *fakeQueryClient) CreateSession(context.Context) (string, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		if err != nil {
			return "", 0, err
		}
	}
	c.nextID++
	return fmt.Sprintf("session-%d", c.nextID), 1, nil
}

func (c *fakeQueryClient) DeleteSession(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeQueryClient) AttachSession(_ context.Context, id string, _ uint32) (xproto.AttachStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := newFakeAttachStream()
	c.attaches[id] = s
	return s, nil
}

func (c *fakeQueryClient) ExecuteQuery(_ context.Context, req xproto.ExecuteQueryRequest, _ uint32) (xproto.ExecuteQueryStream, error) {
	c.mu.Lock()
	fn := c.execFn
	c.mu.Unlock()
	if fn == nil {
		return &fakeExecStream{}, nil
	}
	return fn(req)
}

func (c *fakeQueryClient) CommitTransaction(_ context.Context, _, txID string, _ uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits = append(c.commits, txID)
	return nil
}

func (c *fakeQueryClient) RollbackTransaction(_ context.Context, _, txID string, _ uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks = append(c.rollbacks, txID)
	return nil
}

type fakeExecStream struct {
	parts []xproto.QueryResultPart
	i     int
}

func (s *fakeExecStream) Recv() (xproto.QueryResultPart, error) {
	if s.i >= len(s.parts) {
		return xproto.QueryResultPart{}, io.EOF
	}
	p := s.parts[s.i]
	s.i++
	return p, nil
}

func (s *fakeExecStream) CloseSend() error { return nil }

func TestSessionLifecycle(t *testing.T) {
	client := newFakeQueryClient()
	s, err := Create(context.Background(), client, nil)
	require.NoError(t, err)
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Acquire())
	require.Equal(t, StateBusy, s.State())

	var clientErr *xerrors.ClientError
	require.ErrorAs(t, s.Acquire(), &clientErr)

	require.NoError(t, s.Release())
	require.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Delete(context.Background()))
	require.Equal(t, StateClosed, s.State())
	require.Contains(t, client.deleted, s.ID())
}

func TestSessionInvalidatedWhenAttachStreamEnds(t *testing.T) {
	client := newFakeQueryClient()
	s, err := Create(context.Background(), client, nil)
	require.NoError(t, err)

	invalidated := make(chan struct{})
	s.OnInvalidate(func(*Session) { close(invalidated) })

	client.mu.Lock()
	attach := client.attaches[s.ID()]
	client.mu.Unlock()
	_ = attach.CloseSend()

	select {
	case <-invalidated:
	case <-time.After(time.Second):
		t.Fatal("session was not invalidated")
	}
	require.Equal(t, StateInvalidated, s.State())
}

func TestPoolReusesIdleSession(t *testing.T) {
	p := NewPool(newFakeQueryClient(), 2, nil)
	defer p.Close(context.Background())

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s1)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestPoolWaitersServedFIFO(t *testing.T) {
	p := NewPool(newFakeQueryClient(), 1, nil)
	defer p.Close(context.Background())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// While someone waits, the pool must be saturated with zero idle.
	results := make(chan int, 2)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 1; i <= 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			// Stagger so enqueue order matches i.
			time.Sleep(time.Duration(i) * 50 * time.Millisecond)
			s, err := p.Acquire(context.Background())
			require.NoError(t, err)
			results <- i
			time.Sleep(20 * time.Millisecond)
			p.Release(s)
		}()
	}
	close(start)

	time.Sleep(200 * time.Millisecond)
	stats := p.Stats()
	require.Equal(t, 2, stats.Waiting)
	require.Equal(t, stats.MaxSize, 1)
	require.Equal(t, 0, stats.Idle)

	p.Release(held)
	wg.Wait()
	require.Equal(t, 1, <-results)
	require.Equal(t, 2, <-results)
}

func TestPoolAcquireAbortRemovesWaiter(t *testing.T) {
	p := NewPool(newFakeQueryClient(), 1, nil)
	defer p.Close(context.Background())

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, p.Stats().Waiting)
	cancel()

	require.ErrorIs(t, <-errCh, context.Canceled)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 0 },
		time.Second, 10*time.Millisecond)
}

func TestPoolCreationFailure(t *testing.T) {
	client := newFakeQueryClient()
	createErr := errors.New("boom")
	client.createErrs = []error{createErr}

	p := NewPool(client, 1, nil)
	defer p.Close(context.Background())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, createErr)

	// The pool recovers: the next acquire creates a fresh session.
	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s)
}

func TestPoolAcquireOnClosedPool(t *testing.T) {
	p := NewPool(newFakeQueryClient(), 1, nil)
	require.NoError(t, p.Close(context.Background()))

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, xerrors.ErrPoolClosed)
}

func TestPoolDropsInvalidatedSession(t *testing.T) {
	client := newFakeQueryClient()
	p := NewPool(client, 1, nil)
	defer p.Close(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s.Invalidate()
	p.Release(s)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, s.ID(), s2.ID())
	require.Equal(t, 1, p.Stats().Invalidated)
}

func TestSessionCreationFailedMarkerIsRetryable(t *testing.T) {
	require.True(t, xerrors.IsRetryable(ErrSessionCreationFailed, false))
}

func TestExecuteAccumulatesResultSets(t *testing.T) {
	client := newFakeQueryClient()
	client.execFn = func(xproto.ExecuteQueryRequest) (xproto.ExecuteQueryStream, error) {
		return &fakeExecStream{parts: []xproto.QueryResultPart{
			{Status: xerrors.StatusSuccess, ResultSetIndex: 0, Rows: []xproto.Row{
				{Columns: []string{"a"}, Cells: []*value.Value{value.Int32(1)}},
			}},
			{Status: xerrors.StatusSuccess, ResultSetIndex: 1, Rows: []xproto.Row{
				{Columns: []string{"b"}, Cells: []*value.Value{value.Text("x")}},
			}},
			{Status: xerrors.StatusSuccess, ResultSetIndex: 0, Rows: []xproto.Row{
				{Columns: []string{"a"}, Cells: []*value.Value{value.Int32(2)}},
			}},
			{Status: xerrors.StatusSuccess, Stats: &xproto.ExecStats{TotalDurationUs: 7}},
		}}, nil
	}

	c := NewClient(client, 1, nil)
	defer c.Close(context.Background())

	var gotStats *xproto.ExecStats
	res, err := c.Execute(context.Background(), "SELECT 1", nil,
		WithListener(Listener{OnStats: func(s *xproto.ExecStats) { gotStats = s }}))
	require.NoError(t, err)
	require.Len(t, res.ResultSets, 2)
	require.Len(t, res.ResultSets[0], 2)
	require.Len(t, res.ResultSets[1], 1)
	require.NotNil(t, gotStats)
	require.EqualValues(t, 7, gotStats.TotalDurationUs)
}

func TestExecuteRetriesOnBadSessionWithFreshSession(t *testing.T) {
	client := newFakeQueryClient()
	var calls int
	var sessionsUsed []string
	var mu sync.Mutex
	client.execFn = func(req xproto.ExecuteQueryRequest) (xproto.ExecuteQueryStream, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		sessionsUsed = append(sessionsUsed, req.SessionID)
		if calls == 1 {
			return &fakeExecStream{parts: []xproto.QueryResultPart{
				{Status: xerrors.StatusBadSession},
			}}, nil
		}
		return &fakeExecStream{parts: []xproto.QueryResultPart{
			{Status: xerrors.StatusSuccess},
		}}, nil
	}

	c := NewClient(client, 1, nil)
	defer c.Close(context.Background())

	_, err := c.Execute(context.Background(), "SELECT 1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.NotEqual(t, sessionsUsed[0], sessionsUsed[1])
}

func TestDoTxCommitsOnSuccess(t *testing.T) {
	client := newFakeQueryClient()
	client.execFn = func(req xproto.ExecuteQueryRequest) (xproto.ExecuteQueryStream, error) {
		part := xproto.QueryResultPart{Status: xerrors.StatusSuccess}
		if req.TxControl.Begin {
			part.TxID = "tx-1"
		}
		return &fakeExecStream{parts: []xproto.QueryResultPart{part}}, nil
	}

	c := NewClient(client, 1, nil)
	defer c.Close(context.Background())

	err := c.DoTx(context.Background(), IsolationSerializableReadWrite,
		func(ctx context.Context, tx *Tx) error {
			_, err := tx.Execute(ctx, "UPSERT ...", nil)
			if err != nil {
				return err
			}
			require.Equal(t, "tx-1", tx.ID())
			_, err = tx.Execute(ctx, "UPSERT ...", nil)
			return err
		})
	require.NoError(t, err)
	require.Equal(t, []string{"tx-1"}, client.commits)
	require.Empty(t, client.rollbacks)
}

func TestDoTxRollsBackAndWrapsUserError(t *testing.T) {
	client := newFakeQueryClient()
	client.execFn = func(req xproto.ExecuteQueryRequest) (xproto.ExecuteQueryStream, error) {
		part := xproto.QueryResultPart{Status: xerrors.StatusSuccess}
		if req.TxControl.Begin {
			part.TxID = "tx-2"
		}
		return &fakeExecStream{parts: []xproto.QueryResultPart{part}}, nil
	}

	c := NewClient(client, 1, nil)
	defer c.Close(context.Background())

	userErr := errors.New("user failure")
	err := c.DoTx(context.Background(), IsolationSerializableReadWrite,
		func(ctx context.Context, tx *Tx) error {
			if _, execErr := tx.Execute(ctx, "UPSERT ...", nil); execErr != nil {
				return execErr
			}
			return userErr
		})
	require.Error(t, err)
	require.ErrorIs(t, err, userErr)
	require.Equal(t, []string{"tx-2"}, client.rollbacks)
	require.Empty(t, client.commits)
}
