// Package coordination implements the client side of the coordination
// service: a reconnecting session that preserves its identity across
// transport failures, semaphore operations, watch subscriptions, lock
// handles, and a leader-election helper built on top of them.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/retry/strategy"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"github.com/nexusdb/nexus-go-sdk/internal/xstream"
)

const (
	// DefaultRecoveryWindow is how long a disconnected session may be
	// reattached with the same id.
	DefaultRecoveryWindow = 30 * time.Second

	sessionStartTimeout = 5 * time.Second
	closeTimeout        = 5 * time.Second
)

// Options configures a coordination session.
type Options struct {
	RecoveryWindow time.Duration // zero means DefaultRecoveryWindow
	Description    string
	// Ready, when set, gates each reconnect attempt on driver readiness.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// ChangeEvent notifies a watcher that a watched semaphore changed.
type ChangeEvent struct {
	Name          string
	DataChanged   bool
	OwnersChanged bool
}

// Session is one coordination-node session. The session id survives
// reconnects within the recovery window; the seqNo sent with each
// SessionStart strictly increases across them.
type Session struct {
	client  xproto.CoordinationClient
	path    string
	opts    Options
	log     *zap.Logger
	harness *xstream.Harness[*xproto.SessionRequest, *xproto.SessionResponse]

	reqID atomic.Uint64
	seqNo atomic.Uint64

	mu          sync.Mutex
	closed      bool
	sessionID   uint64
	watches     map[uint64]string
	watchSubs   map[uint64]chan ChangeEvent
	startWaiter chan uint64
	stopWaiter  chan struct{}
	expireSubs  map[*Lock]chan struct{}

	firstStarted chan struct{}
	firstOnce    sync.Once
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
}

// NewSession opens a coordination session at path and blocks until the
// first SessionStarted arrives (or ctx expires). The connection loop keeps
// the session attached until Close.
func NewSession(ctx context.Context, client xproto.CoordinationClient, path string, opts Options) (*Session, error) {
	if opts.RecoveryWindow <= 0 {
		opts.RecoveryWindow = DefaultRecoveryWindow
	}

	s := &Session{
		client:       client,
		path:         path,
		opts:         opts,
		log:          xlog.Named(opts.Logger, "coordination"),
		harness:      xstream.New[*xproto.SessionRequest, *xproto.SessionResponse](0, opts.Logger),
		watches:      map[uint64]string{},
		watchSubs:    map[uint64]chan ChangeEvent{},
		expireSubs:   map[*Lock]chan struct{}{},
		firstStarted: make(chan struct{}),
	}
	s.harness.OnResponse = s.onResponse
	s.harness.ExtractReqID = extractReqID
	s.harness.ExtractResult = extractResult

	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.connectionLoop(loopCtx)

	select {
	case <-s.firstStarted:
		return s, nil
	case <-ctx.Done():
		s.shutdown()
		return nil, ctx.Err()
	}
}

// SessionID returns the current server-assigned session id (0 until the
// first SessionStarted).
func (s *Session) SessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// connectionLoop reconnects forever, with capped exponential backoff plus
// jitter between attempts, until the session is closed.
func (s *Session) connectionLoop(ctx context.Context) {
	defer close(s.loopDone)

	backoff := strategy.Combine(
		strategy.Backoff(50*time.Millisecond, 5*time.Second),
		strategy.Jitter(50*time.Millisecond),
	)

	attempt := 0
	for {
		if ctx.Err() != nil || s.isClosed() {
			return
		}

		err := s.connectOnce(ctx)
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		s.log.Debug("coordination stream disconnected", zap.Error(err))

		delay := backoff(attempt)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectOnce runs one stream lifetime: await readiness, open the RPC,
// send SessionStart with the next seqNo, await SessionStarted within the
// start timeout, then block until the stream disconnects.
func (s *Session) connectOnce(ctx context.Context) error {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(ctx); err != nil {
			return err
		}
	}

	waiter := make(chan uint64, 1)
	s.mu.Lock()
	s.startWaiter = waiter
	sessionID := s.sessionID
	s.mu.Unlock()

	start := &xproto.SessionRequest{SessionStart: &xproto.SessionStart{
		Path:          s.path,
		SessionID:     sessionID,
		TimeoutMillis: s.opts.RecoveryWindow.Milliseconds(),
		Description:   s.opts.Description,
		SeqNo:         s.seqNo.Add(1),
	}}

	err := s.harness.Start(ctx, func(ctx context.Context) (xstream.Stream[*xproto.SessionRequest, *xproto.SessionResponse], error) {
		return s.client.Session(ctx)
	}, start)
	if err != nil {
		return err
	}

	timer := time.NewTimer(sessionStartTimeout)
	defer timer.Stop()
	select {
	case id := <-waiter:
		s.firstOnce.Do(func() { close(s.firstStarted) })
		s.log.Debug("coordination session started", zap.Uint64("session_id", id))
	case <-timer.C:
		s.harness.Disconnect()
		return fmt.Errorf("nexus/coordination: session start timed out after %s", sessionStartTimeout)
	case <-ctx.Done():
		s.harness.Disconnect()
		return ctx.Err()
	}

	s.harness.WaitForDisconnect()
	return errors.New("nexus/coordination: stream disconnected")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onResponse(resp *xproto.SessionResponse) {
	switch {
	case resp.Ping != nil:
		s.harness.SendTransient(&xproto.SessionRequest{Pong: &xproto.Pong{Opaque: resp.Ping.Opaque}})

	case resp.Failure != nil:
		if resp.Failure.Status == xerrors.StatusSessionExpired || resp.Failure.Status == xerrors.StatusBadSession {
			s.expire()
		}
		s.harness.Disconnect()

	case resp.SessionStarted != nil:
		s.mu.Lock()
		s.sessionID = resp.SessionStarted.SessionID
		waiter := s.startWaiter
		s.startWaiter = nil
		s.mu.Unlock()
		if waiter != nil {
			waiter <- resp.SessionStarted.SessionID
		}

	case resp.SessionStopped != nil:
		s.mu.Lock()
		waiter := s.stopWaiter
		s.stopWaiter = nil
		s.mu.Unlock()
		if waiter != nil {
			close(waiter)
		}

	case resp.DescribeChanged != nil:
		s.mu.Lock()
		name, ok := s.watches[resp.DescribeChanged.ReqID]
		var sub chan ChangeEvent
		if ok {
			delete(s.watches, resp.DescribeChanged.ReqID)
			sub = s.watchSubs[resp.DescribeChanged.ReqID]
			delete(s.watchSubs, resp.DescribeChanged.ReqID)
		}
		s.mu.Unlock()
		if sub != nil {
			sub <- ChangeEvent{
				Name:          name,
				DataChanged:   resp.DescribeChanged.DataChanged,
				OwnersChanged: resp.DescribeChanged.OwnersChanged,
			}
		}
	}
}

// expire resets the session identity and fires every lock's expiry signal.
func (s *Session) expire() {
	s.mu.Lock()
	s.sessionID = 0
	s.watches = map[uint64]string{}
	s.watchSubs = map[uint64]chan ChangeEvent{}
	subs := s.expireSubs
	s.expireSubs = map[*Lock]chan struct{}{}
	s.mu.Unlock()

	s.log.Warn("coordination session expired")
	for _, ch := range subs {
		close(ch)
	}
}

func extractReqID(resp *xproto.SessionResponse) (uint64, bool) {
	switch {
	case resp.AcquireResult != nil:
		return resp.AcquireResult.ReqID, true
	case resp.ReleaseResult != nil:
		return resp.ReleaseResult.ReqID, true
	case resp.CreateResult != nil:
		return resp.CreateResult.ReqID, true
	case resp.UpdateResult != nil:
		return resp.UpdateResult.ReqID, true
	case resp.DeleteResult != nil:
		return resp.DeleteResult.ReqID, true
	case resp.DescribeResult != nil:
		return resp.DescribeResult.ReqID, true
	default:
		return 0, false
	}
}

func extractResult(resp *xproto.SessionResponse, _ uint64) (any, error) {
	switch {
	case resp.AcquireResult != nil:
		if err := xproto.CheckStatus(resp.AcquireResult.Status, resp.AcquireResult.Issues); err != nil {
			return nil, err
		}
		return resp.AcquireResult, nil
	case resp.ReleaseResult != nil:
		if err := xproto.CheckStatus(resp.ReleaseResult.Status, resp.ReleaseResult.Issues); err != nil {
			return nil, err
		}
		return resp.ReleaseResult, nil
	case resp.CreateResult != nil:
		if err := xproto.CheckStatus(resp.CreateResult.Status, resp.CreateResult.Issues); err != nil {
			return nil, err
		}
		return resp.CreateResult, nil
	case resp.UpdateResult != nil:
		if err := xproto.CheckStatus(resp.UpdateResult.Status, resp.UpdateResult.Issues); err != nil {
			return nil, err
		}
		return resp.UpdateResult, nil
	case resp.DeleteResult != nil:
		if err := xproto.CheckStatus(resp.DeleteResult.Status, resp.DeleteResult.Issues); err != nil {
			return nil, err
		}
		return resp.DeleteResult, nil
	case resp.DescribeResult != nil:
		if err := xproto.CheckStatus(resp.DescribeResult.Status, resp.DescribeResult.Issues); err != nil {
			return nil, err
		}
		return resp.DescribeResult, nil
	default:
		return nil, errors.New("nexus/coordination: response carries no result")
	}
}

func (s *Session) nextReqID() uint64 { return s.reqID.Add(1) }

// CreateSemaphore creates a semaphore with the given limit and optional
// attached data.
func (s *Session) CreateSemaphore(ctx context.Context, name string, limit uint64, data []byte) error {
	id := s.nextReqID()
	_, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		CreateReq: &xproto.CreateSemaphoreReq{ReqID: id, Name: name, Limit: limit, Data: data},
	})
	return err
}

// UpdateSemaphore replaces the semaphore's attached data.
func (s *Session) UpdateSemaphore(ctx context.Context, name string, data []byte) error {
	id := s.nextReqID()
	_, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		UpdateReq: &xproto.UpdateSemaphoreReq{ReqID: id, Name: name, Data: data},
	})
	return err
}

// DeleteSemaphore deletes the semaphore; force removes it even while held.
func (s *Session) DeleteSemaphore(ctx context.Context, name string, force bool) error {
	id := s.nextReqID()
	_, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		DeleteReq: &xproto.DeleteSemaphoreReq{ReqID: id, Name: name, Force: force},
	})
	return err
}

// DescribeOptions selects what a DescribeSemaphore call returns and
// whether it registers a change watch.
type DescribeOptions struct {
	IncludeOwners  bool
	IncludeWaiters bool
	WatchData      bool
	WatchOwners    bool
}

// DescribeSemaphore returns the semaphore's description and whether a
// watch was added. When a watch was requested and added, the returned
// channel yields exactly one ChangeEvent when the semaphore changes.
func (s *Session) DescribeSemaphore(ctx context.Context, name string, opts DescribeOptions) (*xproto.SemaphoreDescription, <-chan ChangeEvent, error) {
	id := s.nextReqID()

	watching := opts.WatchData || opts.WatchOwners
	var sub chan ChangeEvent
	if watching {
		sub = make(chan ChangeEvent, 1)
		s.mu.Lock()
		s.watches[id] = name
		s.watchSubs[id] = sub
		s.mu.Unlock()
	}

	res, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		DescribeReq: &xproto.DescribeSemaphoreReq{
			ReqID:          id,
			Name:           name,
			IncludeOwners:  opts.IncludeOwners,
			IncludeWaiters: opts.IncludeWaiters,
			WatchData:      opts.WatchData,
			WatchOwners:    opts.WatchOwners,
		},
	})
	if err != nil {
		s.dropWatch(id)
		return nil, nil, err
	}

	describe := res.(*xproto.DescribeResult)
	if watching && !describe.WatchAdded {
		s.dropWatch(id)
		sub = nil
	}
	return &describe.Description, sub, nil
}

func (s *Session) dropWatch(id uint64) {
	s.mu.Lock()
	delete(s.watches, id)
	delete(s.watchSubs, id)
	s.mu.Unlock()
}

// AcquireOptions tunes a semaphore acquisition.
type AcquireOptions struct {
	Count     uint64        // zero means 1
	Timeout   time.Duration // zero means the session's recovery window; negative means wait forever
	Data      []byte
	Ephemeral bool
}

func (s *Session) timeoutMillis(d time.Duration) int64 {
	if d < 0 {
		return int64(^uint64(0) >> 1) // effectively forever
	}
	if d == 0 {
		d = s.opts.RecoveryWindow
	}
	return d.Milliseconds()
}

// AcquireSemaphore acquires count units of the semaphore, returning a Lock
// handle. When the server cannot grant the acquisition within the timeout,
// the call fails with a TIMEOUT status error.
func (s *Session) AcquireSemaphore(ctx context.Context, name string, opts AcquireOptions) (*Lock, error) {
	lock, err := s.tryAcquire(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, xerrors.NewStatusError(xerrors.StatusTimeout, nil)
	}
	return lock, nil
}

// TryAcquireSemaphore is AcquireSemaphore returning (nil, nil) instead of
// a TIMEOUT error when the semaphore cannot be acquired in time.
func (s *Session) TryAcquireSemaphore(ctx context.Context, name string, opts AcquireOptions) (*Lock, error) {
	return s.tryAcquire(ctx, name, opts)
}

func (s *Session) tryAcquire(ctx context.Context, name string, opts AcquireOptions) (*Lock, error) {
	if opts.Count == 0 {
		opts.Count = 1
	}

	id := s.nextReqID()
	res, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		AcquireReq: &xproto.AcquireReq{
			ReqID:         id,
			Name:          name,
			Count:         opts.Count,
			TimeoutMillis: s.timeoutMillis(opts.Timeout),
			Data:          opts.Data,
			Ephemeral:     opts.Ephemeral,
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.(*xproto.Result).Acquired {
		return nil, nil
	}
	return s.newLock(name), nil
}

// ReleaseSemaphore releases the caller's hold on the semaphore, reporting
// whether the server actually released anything.
func (s *Session) ReleaseSemaphore(ctx context.Context, name string) (bool, error) {
	id := s.nextReqID()
	res, err := s.harness.SendRequest(ctx, id, &xproto.SessionRequest{
		ReleaseReq: &xproto.ReleaseReq{ReqID: id, Name: name},
	})
	if err != nil {
		return false, err
	}
	return res.(*xproto.ReleaseResult).Released, nil
}

// WatchOptions selects which kind of change a Watch follows. Exactly one
// of Data or Owners must be set.
type WatchOptions struct {
	Data           bool
	Owners         bool
	IncludeOwners  bool
	IncludeWaiters bool
}

// Watch re-describes the semaphore and yields the current description on
// every matching change, until ctx is cancelled. Watching owners
// implicitly includes the owner list in each description.
func (s *Session) Watch(ctx context.Context, name string, opts WatchOptions) (<-chan *xproto.SemaphoreDescription, error) {
	if opts.Data == opts.Owners {
		return nil, xerrors.NewClientError(xerrors.ClientErrInvalidState,
			"watch requires exactly one of data or owners")
	}
	if opts.Owners {
		opts.IncludeOwners = true
	}

	out := make(chan *xproto.SemaphoreDescription)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			desc, changed, err := s.DescribeSemaphore(ctx, name, DescribeOptions{
				IncludeOwners:  opts.IncludeOwners,
				IncludeWaiters: opts.IncludeWaiters,
				WatchData:      opts.Data,
				WatchOwners:    opts.Owners,
			})
			if err != nil {
				s.log.Debug("watch describe failed", zap.String("name", name), zap.Error(err))
				return
			}

			select {
			case out <- desc:
			case <-ctx.Done():
				return
			}

			if changed == nil {
				// No watch was added; avoid a hot re-describe loop.
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the session: no further operations are accepted, a
// SessionStop is sent and its acknowledgement awaited (bounded by ctx and
// the close timeout), then the harness shuts down for good.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.watches = map[uint64]string{}
	s.watchSubs = map[uint64]chan ChangeEvent{}
	stopWaiter := make(chan struct{})
	s.stopWaiter = stopWaiter
	s.mu.Unlock()

	s.harness.SendTransient(&xproto.SessionRequest{SessionStop: &struct{}{}})

	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-stopWaiter:
	case <-timer.C:
	case <-ctx.Done():
	}

	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.loopCancel()
	s.harness.Close()
	<-s.loopDone
}
