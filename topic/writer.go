package topic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/retry/strategy"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
	"golang.org/x/sync/errgroup"

	"github.com/nexusdb/nexus-go-sdk/internal/xstream"
)

// WriterOptions configures a topic writer.
type WriterOptions struct {
	Path string
	// ProducerID identifies this producer for server-side seqNo
	// deduplication. Empty generates a random one.
	ProducerID string
	Codec      xproto.Codec // zero means raw

	// Ready, when set, gates each reconnect attempt on driver readiness.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// WriteResult is the server acknowledgement for one message.
type WriteResult struct {
	SeqNo  int64
	Offset int64
	// Skipped means the server had already written this seqNo and
	// deduplicated the message.
	Skipped bool
}

// Writer produces messages onto one topic. Writes are replayed across
// reconnects and deduplicated server-side by (producer id, seqNo), so a
// message is written at most once even when the stream dies mid-flight.
type Writer struct {
	client  xproto.TopicClient
	opts    WriterOptions
	codecs  *CodecRegistry
	log     *zap.Logger
	harness *xstream.Harness[*xproto.WriteFromClient, *xproto.WriteFromServer]

	mu     sync.Mutex
	closed bool
	seqNo  int64 // last assigned
	acks   map[int64]chan WriteResult
	inited bool
	initCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter starts a writer; its connection loop runs until Close. The
// first Write blocks until the stream has initialized and the server has
// reported the producer's last persisted seqNo.
func NewWriter(client xproto.TopicClient, opts WriterOptions) *Writer {
	if opts.ProducerID == "" {
		opts.ProducerID = uuid.NewString()
	}
	if opts.Codec == xproto.CodecUnspecified {
		opts.Codec = xproto.CodecRaw
	}

	w := &Writer{
		client:  client,
		opts:    opts,
		codecs:  NewCodecRegistry(),
		log:     xlog.Named(opts.Logger, "topic.writer"),
		harness: xstream.New[*xproto.WriteFromClient, *xproto.WriteFromServer](0, opts.Logger),
		acks:    map[int64]chan WriteResult{},
		initCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.harness.OnResponse = w.onResponse

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.runLoop(ctx)
	return w
}

func (w *Writer) runLoop(ctx context.Context) {
	defer close(w.done)

	backoff := strategy.Combine(
		strategy.Backoff(50*time.Millisecond, 5*time.Second),
		strategy.Jitter(50*time.Millisecond),
	)

	attempt := 0
	for ctx.Err() == nil && !w.isClosed() {
		err := w.connectOnce(ctx)
		if ctx.Err() != nil || w.isClosed() {
			return
		}
		w.log.Debug("topic write stream disconnected", zap.Error(err))

		timer := time.NewTimer(backoff(attempt))
		attempt++
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (w *Writer) connectOnce(ctx context.Context) error {
	if w.opts.Ready != nil {
		if err := w.opts.Ready(ctx); err != nil {
			return err
		}
	}

	init := &xproto.WriteFromClient{Init: &xproto.WriteInitRequest{
		Path:       w.opts.Path,
		ProducerID: w.opts.ProducerID,
	}}

	err := w.harness.Start(ctx, func(ctx context.Context) (xstream.Stream[*xproto.WriteFromClient, *xproto.WriteFromServer], error) {
		return w.client.StreamWrite(ctx)
	}, init)
	if err != nil {
		return err
	}

	w.harness.WaitForDisconnect()
	return errors.New("nexus/topic: write stream disconnected")
}

func (w *Writer) onResponse(resp *xproto.WriteFromServer) {
	switch {
	case resp.Init != nil:
		w.mu.Lock()
		if resp.Init.LastSeqNo > w.seqNo {
			w.seqNo = resp.Init.LastSeqNo
		}
		if !w.inited {
			w.inited = true
			close(w.initCh)
		}
		w.mu.Unlock()

	case resp.Ack != nil:
		for _, ack := range resp.Ack.Acks {
			w.mu.Lock()
			ch := w.acks[ack.SeqNo]
			delete(w.acks, ack.SeqNo)
			w.mu.Unlock()
			if ch != nil {
				ch <- WriteResult{SeqNo: ack.SeqNo, Offset: ack.Offset, Skipped: ack.Skipped}
			}
		}
	}
}

func (w *Writer) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Codecs exposes the codec registry.
func (w *Writer) Codecs() *CodecRegistry { return w.codecs }

// Write appends payloads to the topic and blocks until every one is
// acknowledged. Returns one result per payload, in order.
func (w *Writer) Write(ctx context.Context, payloads ...[]byte) ([]WriteResult, error) {
	return w.write(ctx, "", payloads)
}

// WriteInTx appends payloads inside the given transaction: they become
// visible to readers only when the transaction commits.
func (w *Writer) WriteInTx(ctx context.Context, txID string, payloads ...[]byte) ([]WriteResult, error) {
	return w.write(ctx, txID, payloads)
}

func (w *Writer) write(ctx context.Context, txID string, payloads [][]byte) ([]WriteResult, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	select {
	case <-w.initCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, xerrors.NewClientError(xerrors.ClientErrDisposed, "topic writer is closed")
	}

	now := time.Now()
	msgs := make([]xproto.WriteMessage, 0, len(payloads))
	chans := make([]chan WriteResult, 0, len(payloads))
	seqNos := make([]int64, 0, len(payloads))
	var encodeErr error
	for _, p := range payloads {
		encoded, err := w.codecs.Compress(w.opts.Codec, p)
		if err != nil {
			encodeErr = err
			break
		}
		w.seqNo++
		seq := w.seqNo
		msgs = append(msgs, xproto.WriteMessage{
			SeqNo:     seq,
			Payload:   encoded,
			Codec:     w.opts.Codec,
			CreatedAt: now,
			TxID:      txID,
		})
		ch := make(chan WriteResult, 1)
		w.acks[seq] = ch
		chans = append(chans, ch)
		seqNos = append(seqNos, seq)
	}
	if encodeErr != nil {
		for _, seq := range seqNos {
			delete(w.acks, seq)
		}
		w.mu.Unlock()
		return nil, encodeErr
	}
	w.mu.Unlock()

	w.harness.Send(&xproto.WriteFromClient{Write: &xproto.WriteRequest{Messages: msgs}})

	results := make([]WriteResult, len(chans))
	for i, ch := range chans {
		select {
		case res, ok := <-ch:
			if !ok {
				// The writer was torn down while this ack was pending; a
				// fabricated zero-value result must never look like success.
				return nil, xerrors.NewClientError(xerrors.ClientErrDisposed, "topic writer closed before acknowledgement")
			}
			results[i] = res
		case <-ctx.Done():
			w.mu.Lock()
			for _, seq := range seqNos[i:] {
				delete(w.acks, seq)
			}
			w.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Flush blocks until every in-flight write has been acknowledged.
func (w *Writer) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		inflight := len(w.acks)
		w.mu.Unlock()
		if inflight == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close flushes outstanding writes (bounded by ctx), then shuts the
// stream down for good. Idempotent.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	flushErr := w.Flush(ctx)

	w.mu.Lock()
	w.closed = true
	acks := w.acks
	w.acks = map[int64]chan WriteResult{}
	w.mu.Unlock()

	for _, ch := range acks {
		close(ch)
	}
	w.cancel()
	w.harness.Close()
	<-w.done

	return flushErr
}

// CloseForce aborts immediately without flushing.
func (w *Writer) CloseForce() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	acks := w.acks
	w.acks = map[int64]chan WriteResult{}
	w.mu.Unlock()

	for _, ch := range acks {
		close(ch)
	}
	w.cancel()
	w.harness.Close()
	<-w.done
}

// WriteBatches writes each of the given batches with its own concurrent
// Write call and returns the first error, preserving at-most-once
// semantics through the seqNo assignment above.
func (w *Writer) WriteBatches(ctx context.Context, batches ...[][]byte) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			_, err := w.Write(ctx, batch...)
			return err
		})
	}
	return g.Wait()
}
