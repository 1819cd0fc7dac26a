// Package query implements server-attached query sessions, the bounded
// session pool with FIFO waiters, and the statement/transaction executor
// built on top of them.
package query

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateNew State = iota
	StateIdle
	StateBusy
	StateClosed
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateClosed:
		return "CLOSED"
	case StateInvalidated:
		return "INVALIDATED"
	default:
		return "UNKNOWN"
	}
}

// Session is a server-attached query session. Its identity lives on one
// node, and its validity is tied to the attach stream held for the
// session's whole lifetime: when that stream closes or yields a
// non-SUCCESS state, the session is invalidated and must not be reused.
type Session struct {
	client xproto.QueryClient
	log    *zap.Logger

	id     string
	nodeID uint32

	mu           sync.Mutex
	state        State
	attach       xproto.AttachStream
	attachCancel context.CancelFunc
	onInvalidate []func(*Session)
}

// Create calls CreateSession, opens the AttachSession stream pinned to the
// returned node id, and reads the first frame synchronously: anything but
// SUCCESS tears the session down again. The attach stream iterator is held
// by the session for its lifetime.
func Create(ctx context.Context, client xproto.QueryClient, logger *zap.Logger) (*Session, error) {
	id, nodeID, err := client.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	attachCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.AttachSession(attachCtx, id, nodeID)
	if err != nil {
		cancel()
		_ = client.DeleteSession(ctx, id)
		return nil, err
	}

	first, err := stream.Recv()
	if err == nil {
		err = xproto.CheckStatus(first.Status, first.Issues)
	}
	if err != nil {
		_ = stream.CloseSend()
		cancel()
		_ = client.DeleteSession(ctx, id)
		return nil, err
	}

	s := &Session{
		client:       client,
		log:          xlog.Named(logger, "query.session"),
		id:           id,
		nodeID:       nodeID,
		state:        StateIdle,
		attach:       stream,
		attachCancel: cancel,
	}
	go s.keepalive(stream)
	return s, nil
}

// keepalive drains the attach stream; the session stays valid only while
// the stream keeps yielding SUCCESS frames.
func (s *Session) keepalive(stream xproto.AttachStream) {
	for {
		state, err := stream.Recv()
		if err == nil {
			err = xproto.CheckStatus(state.Status, state.Issues)
		}
		if err != nil {
			s.log.Debug("attach stream ended, invalidating session",
				zap.String("session_id", s.id), zap.Error(err))
			s.Invalidate()
			return
		}
	}
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() string { return s.id }

// NodeID returns the node the session lives on, used for sticky routing of
// every RPC that touches this session.
func (s *Session) NodeID() uint32 { return s.nodeID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire transitions IDLE -> BUSY. Acquiring a session in any other state
// is a programmer error.
func (s *Session) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return xerrors.NewClientError(xerrors.ClientErrDoubleAcquire,
			"acquire on a session in state "+s.state.String())
	}
	s.state = StateBusy
	return nil
}

// Release transitions BUSY -> IDLE.
func (s *Session) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBusy {
		return xerrors.NewClientError(xerrors.ClientErrInvalidState,
			"release on a session in state "+s.state.String())
	}
	s.state = StateIdle
	return nil
}

// OnInvalidate registers fn to run once when the session is invalidated.
func (s *Session) OnInvalidate(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Invalidate marks the session INVALIDATED (unless already CLOSED), stops
// the attach stream, and notifies listeners. Idempotent.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateInvalidated {
		s.mu.Unlock()
		return
	}
	s.state = StateInvalidated
	cancel := s.attachCancel
	listeners := s.onInvalidate
	s.onInvalidate = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, fn := range listeners {
		fn(s)
	}
}

// Delete issues a best-effort DeleteSession RPC and closes the attach
// stream. The session always reaches CLOSED, even when the call fails.
func (s *Session) Delete(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	cancel := s.attachCancel
	attach := s.attach
	s.onInvalidate = nil
	s.mu.Unlock()

	err := s.client.DeleteSession(ctx, s.id)
	if attach != nil {
		_ = attach.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	return err
}
