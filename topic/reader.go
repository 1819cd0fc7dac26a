package topic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/retry/strategy"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

const (
	// DefaultMaxBufferSize is the read-ahead budget granted to the server.
	DefaultMaxBufferSize = 1 << 20
	// DefaultWaitTimeout bounds one ReadBatch call when the caller does not.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultTokenUpdateInterval is how often a fresh bearer token is pushed
	// down the stream.
	DefaultTokenUpdateInterval = 60 * time.Second

	gracefulStopWait = 30 * time.Second
)

// Message is one decoded topic message, already decompressed.
type Message struct {
	PartitionSession *PartitionSession
	Producer         string
	Data             []byte
	Codec            xproto.Codec
	SeqNo            int64
	Offset           int64
	UncompressedSize int64
	CreatedAt        time.Time
	WrittenAt        time.Time
	Metadata         []xproto.MessageMetadataItem
}

// Batch is what one ReadBatch call yields. It may be empty on wait
// timeout.
type Batch []*Message

// StartOverrides optionally repositions a partition session when it
// starts; nil fields keep the server's offsets.
type StartOverrides struct {
	ReadOffset   *int64
	CommitOffset *int64
}

// ReaderOptions configures a topic reader.
type ReaderOptions struct {
	Consumer string
	Topics   []xproto.TopicReadSettings

	MaxBufferSize int64 // zero means DefaultMaxBufferSize

	// OnPartitionStart may return offset overrides for the new partition
	// session.
	OnPartitionStart func(ps *PartitionSession, committedOffset int64, offsets xproto.OffsetRange) *StartOverrides
	OnPartitionStop  func(ps *PartitionSession)
	// OnCommitted observes each server-confirmed committed offset.
	OnCommitted func(ps *PartitionSession, committedOffset int64)
	// Decode, when set, runs on each message after decompression.
	Decode func(msg *Message) error

	// TokenSource, when set, is polled on TokenUpdateInterval and its
	// tokens pushed down the stream.
	TokenSource         func(ctx context.Context) (string, error)
	TokenUpdateInterval time.Duration // zero means DefaultTokenUpdateInterval

	// Ready, when set, gates each reconnect attempt on driver readiness.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// frame is one buffered ReadResponse with its consumption cursor.
type frame struct {
	resp *xproto.ReadResponse
	pi   int // next partition-data index
	mi   int // next message index within that partition data
}

// Reader consumes one or more topics over a single reconnecting StreamRead
// RPC, multiplexing the partition sessions the server starts on it.
type Reader struct {
	client xproto.TopicClient
	opts   ReaderOptions
	codecs *CodecRegistry
	log    *zap.Logger

	mu             sync.Mutex
	closed         bool
	freeBufferSize int64
	buffer         []*frame
	sessions       map[int64]*PartitionSession
	pending        map[int64]*commitTracker
	replayCommits  []*xproto.CommitOffsetRequest
	outgoing       chan *xproto.ReadFromClient

	dataAvail chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader starts a reader; its connection loop runs until Close.
func NewReader(client xproto.TopicClient, opts ReaderOptions) *Reader {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.TokenUpdateInterval <= 0 {
		opts.TokenUpdateInterval = DefaultTokenUpdateInterval
	}

	r := &Reader{
		client:         client,
		opts:           opts,
		codecs:         NewCodecRegistry(),
		log:            xlog.Named(opts.Logger, "topic.reader"),
		freeBufferSize: opts.MaxBufferSize,
		sessions:       map[int64]*PartitionSession{},
		pending:        map[int64]*commitTracker{},
		dataAvail:      make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.runLoop(ctx)
	return r
}

// Codecs exposes the codec registry for registering custom codecs.
func (r *Reader) Codecs() *CodecRegistry { return r.codecs }

func (r *Reader) runLoop(ctx context.Context) {
	defer close(r.done)

	backoff := strategy.Combine(
		strategy.Backoff(50*time.Millisecond, 5*time.Second),
		strategy.Jitter(50*time.Millisecond),
	)

	attempt := 0
	for ctx.Err() == nil && !r.isClosed() {
		err := r.connectOnce(ctx)
		if ctx.Err() != nil || r.isClosed() {
			return
		}
		r.log.Debug("topic read stream disconnected", zap.Error(err))

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

// connectOnce runs one stream lifetime: init, flow-control grant, then the
// receive loop until the stream fails.
func (r *Reader) connectOnce(ctx context.Context) error {
	if r.opts.Ready != nil {
		if err := r.opts.Ready(ctx); err != nil {
			return err
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.client.StreamRead(streamCtx)
	if err != nil {
		return err
	}
	defer func() { _ = stream.CloseSend() }()

	if err := stream.Send(&xproto.ReadFromClient{Init: &xproto.InitRequest{
		Consumer:           r.opts.Consumer,
		TopicsReadSettings: r.opts.Topics,
	}}); err != nil {
		return err
	}

	// Reconnect drops buffered-but-unconsumed frames: the server resends
	// from the committed offset on the new stream's partition sessions.
	outgoing := make(chan *xproto.ReadFromClient, 128)
	r.mu.Lock()
	r.buffer = nil
	r.freeBufferSize = r.opts.MaxBufferSize
	r.outgoing = outgoing
	replay := append([]*xproto.CommitOffsetRequest(nil), r.replayCommits...)
	r.mu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-streamCtx.Done():
				return
			case msg := <-outgoing:
				if err := stream.Send(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	if r.opts.TokenSource != nil {
		go r.tokenRefreshLoop(streamCtx, outgoing)
	}

	recvErr := r.recvLoop(streamCtx, stream, outgoing, replay)
	cancel()
	<-writerDone
	return recvErr
}

func (r *Reader) tokenRefreshLoop(ctx context.Context, outgoing chan *xproto.ReadFromClient) {
	ticker := time.NewTicker(r.opts.TokenUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token, err := r.opts.TokenSource(ctx)
			if err != nil {
				r.log.Warn("token refresh failed", zap.Error(err))
				continue
			}
			r.enqueue(outgoing, &xproto.ReadFromClient{UpdateToken: &xproto.UpdateTokenRequest{Token: token}})
		}
	}
}

func (r *Reader) enqueue(outgoing chan *xproto.ReadFromClient, msg *xproto.ReadFromClient) {
	select {
	case outgoing <- msg:
	default:
		// A full queue means the stream is stalled; the reconnect path
		// re-establishes flow-control state, so dropping here is safe.
	}
}

func (r *Reader) recvLoop(ctx context.Context, stream xproto.TopicReadStream, outgoing chan *xproto.ReadFromClient, replay []*xproto.CommitOffsetRequest) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}

		switch {
		case msg.Init != nil:
			// First flow-control credit, then any commits that were in
			// flight when the previous stream died.
			r.mu.Lock()
			credit := r.freeBufferSize
			r.mu.Unlock()
			r.enqueue(outgoing, &xproto.ReadFromClient{Read: &xproto.ReadRequest{BytesSize: credit}})
			for _, c := range replay {
				r.enqueue(outgoing, &xproto.ReadFromClient{Commit: c})
			}

		case msg.StartPartitionSession != nil:
			r.handlePartitionStart(outgoing, msg.StartPartitionSession)

		case msg.StopPartitionSession != nil:
			r.handlePartitionStop(ctx, outgoing, msg.StopPartitionSession)

		case msg.EndPartitionSession != nil:
			r.mu.Lock()
			ps := r.sessions[msg.EndPartitionSession.PartitionSessionID]
			r.mu.Unlock()
			if ps != nil {
				ps.end()
			}

		case msg.CommitAck != nil:
			r.handleCommitAck(msg.CommitAck)

		case msg.Read != nil:
			r.mu.Lock()
			r.buffer = append(r.buffer, &frame{resp: msg.Read})
			r.freeBufferSize -= msg.Read.BytesSize
			r.mu.Unlock()
			r.signalData()
		}
	}
}

func (r *Reader) signalData() {
	select {
	case r.dataAvail <- struct{}{}:
	default:
	}
}

func (r *Reader) handlePartitionStart(outgoing chan *xproto.ReadFromClient, req *xproto.StartPartitionSessionRequest) {
	ps := newPartitionSession(
		req.PartitionSession.PartitionSessionID,
		req.PartitionSession.PartitionID,
		req.PartitionSession.Path,
		req.PartitionOffsets.Start,
		req.PartitionOffsets.End,
		req.CommittedOffset,
	)

	readOffset := int64(0)
	commitOffset := int64(0)
	if r.opts.OnPartitionStart != nil {
		overrides := r.opts.OnPartitionStart(ps, req.CommittedOffset, xproto.OffsetRange{
			Start: req.PartitionOffsets.Start,
			End:   req.PartitionOffsets.End,
		})
		if overrides != nil {
			if overrides.ReadOffset != nil {
				readOffset = *overrides.ReadOffset
			}
			if overrides.CommitOffset != nil {
				commitOffset = *overrides.CommitOffset
			}
		}
	}

	r.mu.Lock()
	r.sessions[ps.ID] = ps
	tracker := r.pending[ps.ID]
	r.mu.Unlock()

	// A session restart confirms commits the previous incarnation already
	// made durable.
	if tracker != nil {
		r.mu.Lock()
		tracker.resolve(req.CommittedOffset)
		r.mu.Unlock()
	}

	r.enqueue(outgoing, &xproto.ReadFromClient{StartPartitionSessionAck: &xproto.StartPartitionSessionResponse{
		PartitionSessionID: ps.ID,
		ReadOffset:         readOffset,
		CommitOffset:       commitOffset,
	}})
}

func (r *Reader) handlePartitionStop(ctx context.Context, outgoing chan *xproto.ReadFromClient, req *xproto.StopPartitionSessionRequest) {
	r.mu.Lock()
	ps := r.sessions[req.PartitionSessionID]
	r.mu.Unlock()
	if ps == nil {
		return
	}

	if r.opts.OnPartitionStop != nil {
		r.opts.OnPartitionStop(ps)
	}

	if !req.Graceful {
		ps.stop()
		r.mu.Lock()
		delete(r.sessions, req.PartitionSessionID)
		tracker := r.pending[req.PartitionSessionID]
		delete(r.pending, req.PartitionSessionID)
		r.mu.Unlock()
		if tracker != nil {
			tracker.rejectAll(fmt.Errorf("nexus/topic: partition session %d stopped", req.PartitionSessionID))
		}
		return
	}

	// Graceful stop waits out pending commits without blocking the
	// receive loop, then acknowledges the stop.
	go func() {
		deadline := time.NewTimer(gracefulStopWait)
		defer deadline.Stop()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()

	wait:
		for {
			r.mu.Lock()
			tracker := r.pending[req.PartitionSessionID]
			drained := tracker == nil || tracker.empty()
			r.mu.Unlock()
			if drained {
				break
			}
			select {
			case <-ticker.C:
			case <-deadline.C:
				break wait
			case <-ctx.Done():
				return
			}
		}

		ps.stop()
		r.mu.Lock()
		delete(r.sessions, req.PartitionSessionID)
		tracker := r.pending[req.PartitionSessionID]
		delete(r.pending, req.PartitionSessionID)
		r.mu.Unlock()
		if tracker != nil {
			tracker.rejectAll(fmt.Errorf("nexus/topic: partition session %d stopped", req.PartitionSessionID))
		}
		r.enqueue(outgoing, &xproto.ReadFromClient{StopPartitionSessionAck: &xproto.StopPartitionSessionResponse{
			PartitionSessionID: req.PartitionSessionID,
		}})
	}()
}

func (r *Reader) handleCommitAck(ack *xproto.CommitOffsetResponse) {
	for _, pc := range ack.PartitionsCommittedOffsets {
		r.mu.Lock()
		ps := r.sessions[pc.PartitionSessionID]
		tracker := r.pending[pc.PartitionSessionID]
		r.mu.Unlock()

		if ps != nil {
			ps.setCommitted(pc.CommittedOffset)
			if r.opts.OnCommitted != nil {
				r.opts.OnCommitted(ps, pc.CommittedOffset)
			}
		}
		if tracker != nil {
			r.mu.Lock()
			tracker.resolve(pc.CommittedOffset)
			r.mu.Unlock()
		}
		r.pruneReplay(pc.PartitionSessionID, pc.CommittedOffset)
	}
}

// pruneReplay drops fully acknowledged commit requests from the reconnect
// replay list.
func (r *Reader) pruneReplay(psID, committed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.replayCommits[:0]
	for _, req := range r.replayCommits {
		needed := false
		for _, c := range req.Commits {
			if c.PartitionSessionID != psID {
				needed = true
				break
			}
			for _, rng := range c.Ranges {
				if rng.End > committed {
					needed = true
					break
				}
			}
			if needed {
				break
			}
		}
		if needed {
			kept = append(kept, req)
		}
	}
	r.replayCommits = kept
}

// ReadBatch returns the next batch of messages, up to limit of them
// (negative means unlimited; zero returns an empty batch immediately).
// When no data arrives within wait (DefaultWaitTimeout when zero), an
// empty batch is returned rather than an error.
func (r *Reader) ReadBatch(ctx context.Context, limit int, wait time.Duration) (Batch, error) {
	if r.isClosed() {
		return nil, xerrors.NewClientError(xerrors.ClientErrDisposed, "topic reader is closed")
	}
	if limit == 0 {
		return Batch{}, nil
	}
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		batch, err := r.popBatch(limit)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		select {
		case <-r.dataAvail:
		case <-timer.C:
			return Batch{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// popBatch consumes up to limit messages from the buffer, returning
// flow-control credit for every fully consumed frame.
func (r *Reader) popBatch(limit int) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var batch Batch
	var freed int64

	for len(r.buffer) > 0 && (limit < 0 || len(batch) < limit) {
		f := r.buffer[0]

		for f.pi < len(f.resp.PartitionData) && (limit < 0 || len(batch) < limit) {
			pd := f.resp.PartitionData[f.pi]
			ps := r.sessions[pd.PartitionSessionID]

			for f.mi < len(pd.Messages) && (limit < 0 || len(batch) < limit) {
				wire := pd.Messages[f.mi]
				f.mi++

				if ps == nil || ps.Stopped() {
					continue
				}

				payload, err := r.codecs.Decompress(wire.Codec, wire.Payload)
				if err != nil {
					return nil, err
				}

				msg := &Message{
					PartitionSession: ps,
					Producer:         wire.Producer,
					Data:             payload,
					Codec:            wire.Codec,
					SeqNo:            wire.SeqNo,
					Offset:           wire.Offset,
					UncompressedSize: wire.UncompressedSize,
					CreatedAt:        wire.CreatedAt,
					WrittenAt:        wire.WrittenAt,
					Metadata:         wire.MetadataItems,
				}
				if r.opts.Decode != nil {
					if err := r.opts.Decode(msg); err != nil {
						return nil, err
					}
				}
				batch = append(batch, msg)
			}

			if f.mi >= len(pd.Messages) {
				f.pi++
				f.mi = 0
			} else {
				break
			}
		}

		if f.pi >= len(f.resp.PartitionData) {
			freed += f.resp.BytesSize
			r.buffer = r.buffer[1:]
		} else {
			break
		}
	}

	if freed > 0 {
		r.freeBufferSize += freed
		outgoing := r.outgoing
		if outgoing != nil {
			select {
			case outgoing <- &xproto.ReadFromClient{Read: &xproto.ReadRequest{BytesSize: freed}}:
			default:
			}
		}
	}

	return batch, nil
}

// Commit acknowledges the given messages to the consumer's offset store
// and blocks until the server confirms them. Messages are grouped by
// partition session; inside each group, strictly consecutive offsets merge
// into contiguous half-open ranges, and out-of-order or duplicate offsets
// are rejected.
func (r *Reader) Commit(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	commits, err := buildCommits(msgs)
	if err != nil {
		return err
	}
	req := &xproto.CommitOffsetRequest{Commits: commits}

	var waits []*pendingCommit
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return xerrors.NewClientError(xerrors.ClientErrDisposed, "topic reader is closed")
	}
	for i, c := range commits {
		// The first range of each group starts at the partition session's
		// commit cursor, keeping consecutive commits contiguous on the wire.
		if ps := r.sessions[c.PartitionSessionID]; ps != nil {
			commits[i].Ranges[0].Start = ps.extendCommitStart(c.Ranges[0].Start)
			ps.advanceCommitStart(c.Ranges[len(c.Ranges)-1].End)
		}
		tracker := r.pending[c.PartitionSessionID]
		if tracker == nil {
			tracker = &commitTracker{}
			r.pending[c.PartitionSessionID] = tracker
		}
		waits = append(waits, tracker.add(c.Ranges[len(c.Ranges)-1].End))
	}
	r.replayCommits = append(r.replayCommits, req)
	outgoing := r.outgoing
	r.mu.Unlock()

	if outgoing != nil {
		r.enqueue(outgoing, &xproto.ReadFromClient{Commit: req})
	}

	for _, w := range waits {
		select {
		case err := <-w.ch:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// buildCommits groups messages by partition session and merges strictly
// consecutive offsets into ranges. The emitted ranges are pairwise
// disjoint and strictly increasing by start offset.
func buildCommits(msgs []*Message) ([]xproto.PartitionCommit, error) {
	var order []int64
	grouped := map[int64][]*Message{}
	for _, m := range msgs {
		if m.PartitionSession == nil {
			return nil, xerrors.NewClientError(xerrors.ClientErrInvalidState,
				"commit of a message without a partition session")
		}
		id := m.PartitionSession.ID
		if _, seen := grouped[id]; !seen {
			order = append(order, id)
		}
		grouped[id] = append(grouped[id], m)
	}

	commits := make([]xproto.PartitionCommit, 0, len(order))
	for _, id := range order {
		group := grouped[id]
		var ranges []xproto.OffsetRange
		for i, m := range group {
			if i > 0 {
				prev := group[i-1].Offset
				if m.Offset <= prev {
					return nil, xerrors.NewClientError(xerrors.ClientErrInvalidState,
						fmt.Sprintf("commit offsets out of order for partition session %d: %d after %d", id, m.Offset, prev))
				}
			}
			if len(ranges) > 0 && ranges[len(ranges)-1].End == m.Offset {
				ranges[len(ranges)-1].End = m.Offset + 1
			} else {
				ranges = append(ranges, xproto.OffsetRange{Start: m.Offset, End: m.Offset + 1})
			}
		}
		commits = append(commits, xproto.PartitionCommit{PartitionSessionID: id, Ranges: ranges})
	}
	return commits, nil
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close stops the reader: the stream shuts down, every partition session
// stops, and all pending commits are rejected. Idempotent.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = map[int64]*PartitionSession{}
	pending := r.pending
	r.pending = map[int64]*commitTracker{}
	r.replayCommits = nil
	r.buffer = nil
	r.mu.Unlock()

	for _, ps := range sessions {
		ps.stop()
	}
	closedErr := errors.New("nexus/topic: reader closed")
	for _, tracker := range pending {
		tracker.rejectAll(closedErr)
	}

	r.cancel()
	<-r.done
	return nil
}
