package query

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// DefaultMaxSize bounds the session pool when the caller does not.
const DefaultMaxSize = 50

// ErrSessionCreationFailed is handed to waiters parked behind a session
// creation that failed for someone else. It classifies as retryable so the
// next acquire attempt under a retry loop tries a fresh creation.
var ErrSessionCreationFailed = &sessionCreationError{}

type sessionCreationError struct{}

func (*sessionCreationError) Error() string { return "nexus/query: session creation failed" }

func (*sessionCreationError) Retryable(bool) bool { return true }

// PoolStats is a point-in-time snapshot of pool composition.
type PoolStats struct {
	Total       int `json:"total"`
	Idle        int `json:"idle"`
	Busy        int `json:"busy"`
	Closed      int `json:"closed"`
	Invalidated int `json:"invalidated"`
	Waiting     int `json:"waiting"`
	MaxSize     int `json:"maxSize"`
}

type waiterResult struct {
	session *Session
	err     error
}

type waiter struct {
	ch chan waiterResult
}

// Pool is the bounded query-session pool. A creation in flight counts
// toward MaxSize, waiters are served strictly FIFO, and CLOSED or
// INVALIDATED sessions are never handed out.
type Pool struct {
	client  xproto.QueryClient
	maxSize int
	log     *zap.Logger

	mu         sync.Mutex
	sessions   []*Session
	creating   int
	waiters    []*waiter
	closed     bool
	closedCnt  int
	invalidCnt int
}

// NewPool constructs a pool of at most maxSize sessions (DefaultMaxSize
// when maxSize <= 0).
func NewPool(client xproto.QueryClient, maxSize int, logger *zap.Logger) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		client:  client,
		maxSize: maxSize,
		log:     xlog.Named(logger, "query.pool"),
	}
}

// Acquire returns a BUSY session: an idle one when available, a freshly
// created one while the pool is below capacity, and otherwise parks the
// caller in the FIFO waiter queue until a session is released.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, xerrors.ErrPoolClosed
	}

	for _, s := range p.sessions {
		if s.State() == StateIdle {
			if err := s.Acquire(); err == nil {
				p.mu.Unlock()
				return s, nil
			}
		}
	}

	if len(p.sessions)+p.creating < p.maxSize {
		p.creating++
		p.mu.Unlock()
		return p.createBusy(ctx)
	}

	w := &waiter{ch: make(chan waiterResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.session, res.err
	case <-ctx.Done():
		p.removeWaiter(w)
		// A release may have raced the cancellation; hand any delivered
		// session straight back so it is not stranded BUSY.
		select {
		case res := <-w.ch:
			if res.session != nil {
				p.Release(res.session)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// createBusy runs one session creation charged against the pool size. The
// initiating caller sees the creation error as-is; every caller parked in
// the waiter queue at that moment is rejected with the retryable
// ErrSessionCreationFailed marker so their next attempt starts fresh.
func (p *Pool) createBusy(ctx context.Context) (*Session, error) {
	s, err := Create(ctx, p.client, p.log)

	p.mu.Lock()
	p.creating--
	if err != nil {
		waiters := p.waiters
		p.waiters = nil
		p.mu.Unlock()
		for _, w := range waiters {
			w.ch <- waiterResult{err: ErrSessionCreationFailed}
		}
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = s.Delete(context.Background())
		return nil, xerrors.ErrPoolClosed
	}
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	s.OnInvalidate(p.dropSession)
	if err := s.Acquire(); err != nil {
		// Invalidated between creation and acquire; surface as retryable.
		return nil, ErrSessionCreationFailed
	}
	return s, nil
}

// Release returns a session to the pool. An INVALIDATED or CLOSED session
// is dropped instead of re-offered; otherwise the session goes to the head
// waiter, staying BUSY across the handoff, or becomes IDLE when nobody
// waits.
func (p *Pool) Release(s *Session) {
	state := s.State()
	if state == StateInvalidated || state == StateClosed {
		p.dropSession(s)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = s.Delete(context.Background())
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- waiterResult{session: s}
		return
	}
	p.mu.Unlock()
	_ = s.Release()
}

// dropSession removes an unusable session from the pool and, when waiters
// are parked with capacity now available, starts a replacement creation on
// their behalf.
func (p *Pool) dropSession(s *Session) {
	p.mu.Lock()
	found := false
	for i, existing := range p.sessions {
		if existing == s {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// Already dropped: the invalidate listener and Release both end here.
		p.mu.Unlock()
		return
	}
	if s.State() == StateClosed {
		p.closedCnt++
	} else {
		p.invalidCnt++
	}
	spawn := !p.closed && len(p.waiters) > 0 && len(p.sessions)+p.creating < p.maxSize
	if spawn {
		p.creating++
	}
	p.mu.Unlock()

	if spawn {
		go p.createForWaiter()
	}
}

// createForWaiter replaces a dropped session on behalf of the head waiter.
// The head is popped first so it sees the creation error as-is, while the
// waiters still parked behind it get the retryable marker from createBusy.
func (p *Pool) createForWaiter() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.creating--
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()

	s, err := p.createBusy(context.Background())
	w.ch <- waiterResult{session: s, err: err}
}

func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Stats reports pool composition, including sessions dropped so far.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:       len(p.sessions) + p.creating,
		Closed:      p.closedCnt,
		Invalidated: p.invalidCnt,
		Waiting:     len(p.waiters),
		MaxSize:     p.maxSize,
	}
	for _, s := range p.sessions {
		switch s.State() {
		case StateIdle:
			stats.Idle++
		case StateBusy:
			stats.Busy++
		}
	}
	return stats
}

// Close rejects all waiters, then deletes every session in parallel,
// swallowing per-session delete errors.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	sessions := append([]*Session(nil), p.sessions...)
	p.sessions = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- waiterResult{err: xerrors.ErrPoolClosed}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Delete(ctx); err != nil {
				p.log.Debug("session delete failed during pool close",
					zap.String("session_id", s.ID()), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
