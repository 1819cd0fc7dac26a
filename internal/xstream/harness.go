// Package xstream implements the generic bidirectional stream harness: a
// single-writer/single-reader full-duplex wrapper
// shared by the coordination session and the topic writer. It owns the
// request queue, the pending-request map, fire-and-forget replay, and the
// reader coroutine; callers supply onResponse/extractReqID/extractResult.
package xstream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
)

// Stream is the minimal bidirectional RPC handle the harness drives.
type Stream[Req, Resp any] interface {
	Send(Req) error
	Recv() (Resp, error)
	CloseSend() error
}

// StreamFactory opens a fresh Stream, e.g. by invoking a gRPC client
// method.
type StreamFactory[Req, Resp any] func(ctx context.Context) (Stream[Req, Resp], error)

type pendingEntry[Req any] struct {
	req    Req
	result chan pendingResult
}

type pendingResult struct {
	val any
	err error
}

// Harness multiplexes requests/responses over one reconnecting
// bidirectional stream.
type Harness[Req, Resp any] struct {
	OnResponse    func(Resp)
	ExtractReqID  func(Resp) (uint64, bool)
	ExtractResult func(Resp, uint64) (any, error)

	log           *zap.Logger
	queueCapacity int

	mu            sync.Mutex
	gen           int
	queue         chan Req
	queueClosed   bool
	pending       map[uint64]*pendingEntry[Req]
	fireAndForget []Req
	stream        Stream[Req, Resp]
	streamCancel  context.CancelFunc
	readerDone    chan struct{}
	closed        bool
}

// New constructs a Harness. The queue capacity bounds how many requests
// can wait to be written to the stream. Send and SendRequest never block
// on it: a push onto a full queue is dropped, and the recorded request
// reaches the server through the replay on the next reconnect.
func New[Req, Resp any](queueCapacity int, logger *zap.Logger) *Harness[Req, Resp] {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &Harness[Req, Resp]{
		log:           xlog.Named(logger, "xstream"),
		queueCapacity: queueCapacity,
		pending:       map[uint64]*pendingEntry[Req]{},
	}
}

// Start opens a fresh stream via factory, sends initialRequest first, then
// launches the reader coroutine and replays every pending and
// fire-and-forget request recorded from before the (re)connect.
func (h *Harness[Req, Resp]) Start(ctx context.Context, factory StreamFactory[Req, Resp], initialRequest Req) error {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := factory(streamCtx)
	if err != nil {
		cancel()
		return err
	}

	if err := stream.Send(initialRequest); err != nil {
		cancel()
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = stream.CloseSend()
		return fmt.Errorf("nexus/xstream: harness is closed")
	}
	h.gen++
	gen := h.gen
	queue := make(chan Req, h.queueCapacity)
	h.queue = queue
	h.queueClosed = false
	h.stream = stream
	h.streamCancel = cancel
	readerDone := make(chan struct{})
	h.readerDone = readerDone
	h.mu.Unlock()

	go h.writerLoop(streamCtx, gen, queue, stream)
	go h.readerLoop(gen, readerDone, stream)

	h.mu.Lock()
	pendingReqs := make([]Req, 0, len(h.pending))
	for _, p := range h.pending {
		pendingReqs = append(pendingReqs, p.req)
	}
	fireAndForget := append([]Req(nil), h.fireAndForget...)
	h.mu.Unlock()

	for _, r := range pendingReqs {
		h.enqueue(r)
	}
	for _, r := range fireAndForget {
		h.enqueue(r)
	}

	return nil
}

// writerLoop drains exactly the queue created by its Start call, so a
// stale writer from a previous stream can never pick up messages meant
// for the current one.
func (h *Harness[Req, Resp]) writerLoop(ctx context.Context, gen int, queue chan Req, stream Stream[Req, Resp]) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-queue:
			if !ok {
				return
			}
			if err := stream.Send(req); err != nil {
				h.log.Warn("send failed, disconnecting", zap.Error(err))
				h.disconnectGen(gen)
				return
			}
		}
	}
}

func (h *Harness[Req, Resp]) readerLoop(gen int, done chan struct{}, stream Stream[Req, Resp]) {
	defer close(done)

	for {
		resp, err := stream.Recv()
		if err != nil {
			h.disconnectGen(gen)
			return
		}

		if h.OnResponse != nil {
			h.OnResponse(resp)
		}

		if h.ExtractReqID == nil {
			continue
		}
		reqID, ok := h.ExtractReqID(resp)
		if !ok {
			continue
		}

		h.mu.Lock()
		entry, ok := h.pending[reqID]
		if ok {
			delete(h.pending, reqID)
		}
		h.mu.Unlock()
		if !ok {
			continue
		}

		var result pendingResult
		if h.ExtractResult != nil {
			val, extractErr := h.ExtractResult(resp, reqID)
			result = pendingResult{val: val, err: extractErr}
		}
		entry.result <- result
	}
}

// enqueue pushes req onto the current outgoing queue without blocking the
// caller: requests are already durably recorded in pending/fireAndForget
// before this is called, so a queue that is closed or momentarily full
// (replaced by the next Start) can safely drop this attempt — the replay
// on reconnect will resend it.
func (h *Harness[Req, Resp]) enqueue(req Req) {
	h.mu.Lock()
	q, closed := h.queue, h.queueClosed
	h.mu.Unlock()
	if closed || q == nil {
		return
	}
	select {
	case q <- req:
	default:
	}
}

// SendRequest registers a pending entry keyed by reqID, pushes req onto
// the outgoing queue, and waits for its matching response (or ctx
// cancellation). If the queue is currently closed (mid-reconnect), the
// entry is retained and replayed by the next Start call.
func (h *Harness[Req, Resp]) SendRequest(ctx context.Context, reqID uint64, req Req) (any, error) {
	entry := &pendingEntry[Req]{req: req, result: make(chan pendingResult, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("nexus/xstream: stream closed")
	}
	h.pending[reqID] = entry
	h.mu.Unlock()

	h.enqueue(req)

	select {
	case res := <-entry.result:
		return res.val, res.err
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Send is fire-and-forget: req is retained for replay but no response is
// awaited.
func (h *Harness[Req, Resp]) Send(req Req) {
	h.mu.Lock()
	h.fireAndForget = append(h.fireAndForget, req)
	h.mu.Unlock()
	h.enqueue(req)
}

// SendTransient is fire-and-forget without replay, for messages that only
// make sense on the current stream (keepalive pongs, stop requests). A
// transient message racing a reconnect is silently dropped.
func (h *Harness[Req, Resp]) SendTransient(req Req) {
	h.enqueue(req)
}

// Disconnect closes the outgoing queue and cancels the stream context,
// preserving pending requests so the next Start replays them. Safe to call
// multiple times.
func (h *Harness[Req, Resp]) Disconnect() {
	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()
	h.disconnectGen(gen)
}

// disconnectGen tears down the stream of the given generation only: a
// stale reader or writer noticing its old stream die must not take the
// replacement connection down with it.
func (h *Harness[Req, Resp]) disconnectGen(gen int) {
	h.mu.Lock()
	if gen != h.gen || h.queueClosed {
		h.mu.Unlock()
		return
	}
	h.queueClosed = true
	q := h.queue
	cancel := h.streamCancel
	stream := h.stream
	h.mu.Unlock()

	if q != nil {
		close(q)
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.CloseSend()
	}
}

// WaitForDisconnect resolves when the reader coroutine has exited.
func (h *Harness[Req, Resp]) WaitForDisconnect() {
	h.mu.Lock()
	done := h.readerDone
	h.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Close permanently shuts the harness down, rejecting every pending
// request with "stream closed".
func (h *Harness[Req, Resp]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	pending := h.pending
	h.pending = map[uint64]*pendingEntry[Req]{}
	h.mu.Unlock()

	for _, p := range pending {
		p.result <- pendingResult{err: fmt.Errorf("nexus/xstream: stream closed")}
	}
	h.Disconnect()
}
