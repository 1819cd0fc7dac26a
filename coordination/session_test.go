package coordination

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

type fakeCoordStream struct {
	srv       *fakeCoordServer
	sessionID uint64

	in     chan *xproto.SessionRequest
	out    chan *xproto.SessionResponse
	closed chan struct{}
	once   sync.Once
}

func (s *fakeCoordStream) Send(req *xproto.SessionRequest) error {
	select {
	case s.in <- req:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *fakeCoordStream) Recv() (*xproto.SessionResponse, error) {
	select {
	case resp := <-s.out:
		return resp, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

// CloseSend tears the fake stream down so blocked Recv calls return, the
// way cancelling a real stream's context would.
func (s *fakeCoordStream) CloseSend() error {
	s.drop()
	return nil
}

func (s *fakeCoordStream) drop() {
	s.once.Do(func() { close(s.closed) })
}

func (s *fakeCoordStream) reply(resp *xproto.SessionResponse) {
	select {
	case s.out <- resp:
	case <-s.closed:
	}
}

type watchReg struct {
	stream *fakeCoordStream
	reqID  uint64
}

type fakeSemaphore struct {
	limit    uint64
	data     []byte
	owners   []xproto.SemaphoreSession
	watchers []watchReg
}

// fakeCoordServer is an in-memory coordination node: it assigns session
// ids, keeps a semaphore table, and answers every request variant the
// session can send.
type fakeCoordServer struct {
	mu          sync.Mutex
	nextSession uint64
	starts      []xproto.SessionStart
	pongs       []xproto.Pong
	semaphores  map[string]*fakeSemaphore
	streams     []*fakeCoordStream

	// intercept, when set, may consume a request before default handling.
	intercept func(st *fakeCoordStream, req *xproto.SessionRequest) bool
}

func newFakeCoordServer() *fakeCoordServer {
	return &fakeCoordServer{semaphores: map[string]*fakeSemaphore{}}
}

func (srv *fakeCoordServer) Session(context.Context) (xproto.CoordinationStream, error) {
	st := &fakeCoordStream{
		srv:    srv,
		in:     make(chan *xproto.SessionRequest, 64),
		out:    make(chan *xproto.SessionResponse, 64),
		closed: make(chan struct{}),
	}
	srv.mu.Lock()
	srv.streams = append(srv.streams, st)
	srv.mu.Unlock()
	go srv.serve(st)
	return st, nil
}

func (srv *fakeCoordServer) currentStream() *fakeCoordStream {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.streams[len(srv.streams)-1]
}

func (srv *fakeCoordServer) recordedStarts() []xproto.SessionStart {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]xproto.SessionStart(nil), srv.starts...)
}

func (srv *fakeCoordServer) serve(st *fakeCoordStream) {
	for {
		var req *xproto.SessionRequest
		select {
		case req = <-st.in:
		case <-st.closed:
			return
		}

		srv.mu.Lock()
		intercept := srv.intercept
		srv.mu.Unlock()
		if intercept != nil && intercept(st, req) {
			continue
		}
		srv.handle(st, req)
	}
}

func (srv *fakeCoordServer) handle(st *fakeCoordStream, req *xproto.SessionRequest) {
	switch {
	case req.SessionStart != nil:
		srv.mu.Lock()
		srv.starts = append(srv.starts, *req.SessionStart)
		id := req.SessionStart.SessionID
		if id == 0 {
			srv.nextSession++
			id = srv.nextSession
		}
		st.sessionID = id
		srv.mu.Unlock()
		st.reply(&xproto.SessionResponse{SessionStarted: &xproto.SessionStarted{SessionID: id}})

	case req.SessionStop != nil:
		st.reply(&xproto.SessionResponse{SessionStopped: &struct{}{}})

	case req.Pong != nil:
		srv.mu.Lock()
		srv.pongs = append(srv.pongs, *req.Pong)
		srv.mu.Unlock()

	case req.CreateReq != nil:
		srv.mu.Lock()
		srv.semaphores[req.CreateReq.Name] = &fakeSemaphore{
			limit: req.CreateReq.Limit,
			data:  req.CreateReq.Data,
		}
		srv.mu.Unlock()
		st.reply(&xproto.SessionResponse{CreateResult: &xproto.Result{
			ReqID: req.CreateReq.ReqID, Status: xerrors.StatusSuccess,
		}})

	case req.AcquireReq != nil:
		srv.handleAcquire(st, req.AcquireReq)

	case req.ReleaseReq != nil:
		srv.mu.Lock()
		released := false
		if sem, ok := srv.semaphores[req.ReleaseReq.Name]; ok {
			for i, o := range sem.owners {
				if o.OrderID == st.sessionID {
					sem.owners = append(sem.owners[:i], sem.owners[i+1:]...)
					released = true
					break
				}
			}
			if released {
				srv.notifyLocked(sem, false, true)
			}
		}
		srv.mu.Unlock()
		st.reply(&xproto.SessionResponse{ReleaseResult: &xproto.ReleaseResult{
			ReqID: req.ReleaseReq.ReqID, Status: xerrors.StatusSuccess, Released: released,
		}})

	case req.DescribeReq != nil:
		srv.mu.Lock()
		sem, ok := srv.semaphores[req.DescribeReq.Name]
		if !ok {
			srv.mu.Unlock()
			st.reply(&xproto.SessionResponse{DescribeResult: &xproto.DescribeResult{
				ReqID: req.DescribeReq.ReqID, Status: xerrors.StatusNotFound,
			}})
			return
		}
		desc := xproto.SemaphoreDescription{
			Name:  req.DescribeReq.Name,
			Data:  sem.data,
			Limit: sem.limit,
			Count: uint64(len(sem.owners)),
		}
		if req.DescribeReq.IncludeOwners {
			desc.Owners = append([]xproto.SemaphoreSession(nil), sem.owners...)
		}
		watchAdded := req.DescribeReq.WatchData || req.DescribeReq.WatchOwners
		if watchAdded {
			sem.watchers = append(sem.watchers, watchReg{stream: st, reqID: req.DescribeReq.ReqID})
		}
		srv.mu.Unlock()
		st.reply(&xproto.SessionResponse{DescribeResult: &xproto.DescribeResult{
			ReqID:       req.DescribeReq.ReqID,
			Status:      xerrors.StatusSuccess,
			Description: desc,
			WatchAdded:  watchAdded,
		}})
	}
}

func (srv *fakeCoordServer) handleAcquire(st *fakeCoordStream, req *xproto.AcquireReq) {
	srv.mu.Lock()
	sem, ok := srv.semaphores[req.Name]
	if !ok {
		sem = &fakeSemaphore{limit: 1}
		srv.semaphores[req.Name] = sem
	}
	acquired := uint64(len(sem.owners))+req.Count <= sem.limit
	if acquired {
		sem.owners = append(sem.owners, xproto.SemaphoreSession{
			OrderID: st.sessionID,
			Data:    req.Data,
			Count:   req.Count,
		})
		srv.notifyLocked(sem, false, true)
	}
	srv.mu.Unlock()
	st.reply(&xproto.SessionResponse{AcquireResult: &xproto.Result{
		ReqID: req.ReqID, Status: xerrors.StatusSuccess, Acquired: acquired,
	}})
}

// notifyLocked fires one-shot change notifications. Callers hold srv.mu.
func (srv *fakeCoordServer) notifyLocked(sem *fakeSemaphore, dataChanged, ownersChanged bool) {
	watchers := sem.watchers
	sem.watchers = nil
	for _, w := range watchers {
		w.stream.reply(&xproto.SessionResponse{DescribeChanged: &xproto.DescribeChanged{
			ReqID:         w.reqID,
			DataChanged:   dataChanged,
			OwnersChanged: ownersChanged,
		}})
	}
}

func newTestSession(t *testing.T, srv *fakeCoordServer) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewSession(ctx, srv, "/coordination/test", Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	})
	return s
}

func TestSessionStartAssignsID(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	require.EqualValues(t, 1, s.SessionID())
}

func TestSeqNoStrictlyIncreasesAcrossReconnects(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)

	for i := 0; i < 3; i++ {
		srv.currentStream().drop()
		require.Eventually(t, func() bool {
			return len(srv.recordedStarts()) == i+2
		}, 5*time.Second, 10*time.Millisecond)
	}

	starts := srv.recordedStarts()
	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		require.Greater(t, starts[i].SeqNo, starts[i-1].SeqNo)
		// Reconnects reattach with the established session id.
		require.EqualValues(t, 1, starts[i].SessionID)
	}
	require.EqualValues(t, 1, s.SessionID())
}

func TestPingAnsweredWithPong(t *testing.T) {
	srv := newFakeCoordServer()
	newTestSession(t, srv)

	srv.currentStream().reply(&xproto.SessionResponse{Ping: &xproto.Ping{Opaque: 42}})

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.pongs) == 1 && srv.pongs[0].Opaque == 42
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAcquireReleaseSemaphore(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, s.CreateSemaphore(ctx, "lock", 1, nil))

	lock, err := s.AcquireSemaphore(ctx, "lock", AcquireOptions{Data: []byte("me")})
	require.NoError(t, err)
	require.False(t, lock.Released())

	released, err := s.ReleaseSemaphore(ctx, "lock")
	require.NoError(t, err)
	require.True(t, released)
}

func TestAcquireTimeoutThrowsAndTryAcquireReturnsNil(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, s.CreateSemaphore(ctx, "held", 1, nil))
	_, err := s.AcquireSemaphore(ctx, "held", AcquireOptions{})
	require.NoError(t, err)

	// The fake grants immediately or not at all, matching timeoutMillis=0.
	_, err = s.AcquireSemaphore(ctx, "held", AcquireOptions{})
	var status *xerrors.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, xerrors.StatusTimeout, status.Code)

	lock, err := s.TryAcquireSemaphore(ctx, "held", AcquireOptions{})
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestSessionExpiryResetsIDAndFiresLockSignal(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, s.CreateSemaphore(ctx, "lock", 1, nil))
	lock, err := s.AcquireSemaphore(ctx, "lock", AcquireOptions{})
	require.NoError(t, err)

	srv.currentStream().reply(&xproto.SessionResponse{Failure: &xproto.Failure{
		Status: xerrors.StatusSessionExpired,
	}})

	select {
	case <-lock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("lock expiry signal did not fire")
	}
	require.True(t, lock.Released())

	// The next SessionStart negotiates a brand-new session id.
	require.Eventually(t, func() bool {
		starts := srv.recordedStarts()
		return starts[len(starts)-1].SessionID == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatchYieldsOnOwnerChange(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.CreateSemaphore(ctx, "members", 100, nil))

	watch, err := s.Watch(ctx, "members", WatchOptions{Owners: true})
	require.NoError(t, err)

	first := <-watch
	require.Empty(t, first.Owners)

	_, err = s.AcquireSemaphore(ctx, "members", AcquireOptions{Data: []byte("endpoint-a")})
	require.NoError(t, err)

	select {
	case desc := <-watch:
		require.Len(t, desc.Owners, 1)
		require.Equal(t, []byte("endpoint-a"), desc.Owners[0].Data)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not observe the owner change")
	}
}

func TestWatchRequiresExactlyOneOfDataOrOwners(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)

	_, err := s.Watch(context.Background(), "x", WatchOptions{})
	var clientErr *xerrors.ClientError
	require.ErrorAs(t, err, &clientErr)

	_, err = s.Watch(context.Background(), "x", WatchOptions{Data: true, Owners: true})
	require.ErrorAs(t, err, &clientErr)
}

func TestPendingRequestSurvivesReconnect(t *testing.T) {
	srv := newFakeCoordServer()

	var swallowed bool
	srv.intercept = func(st *fakeCoordStream, req *xproto.SessionRequest) bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		if req.CreateReq != nil && !swallowed {
			swallowed = true
			go st.drop()
			return true
		}
		return false
	}

	s := newTestSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The first send is swallowed and the stream dropped; the replay on the
	// next stream must still resolve this call.
	require.NoError(t, s.CreateSemaphore(ctx, "durable", 1, nil))
	require.True(t, swallowed)
}

func TestElectSingleParticipantBecomesLeader(t *testing.T) {
	srv := newFakeCoordServer()
	s := newTestSession(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.CreateSemaphore(ctx, "leader", 1, nil))

	changes, err := s.Elect(ctx, "leader", []byte("endpoint-a"))
	require.NoError(t, err)

	select {
	case change := <-changes:
		require.True(t, change.IsMe)
		require.Equal(t, []byte("endpoint-a"), change.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("no leader observed")
	}
}
