package topic

import (
	"sync"

	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// TxOffsetTracker accumulates the offset span of every message observed
// inside one transaction block, per partition session. On transaction
// commit the caller hands Ranges to the transaction coordinator; nothing
// goes through Commit, since the consumer offset advances atomically with
// the transaction.
type TxOffsetTracker struct {
	mu     sync.Mutex
	spans  map[int64]*xproto.OffsetRange
	order  []int64
	topics map[int64]string
}

// NewTxOffsetTracker returns an empty tracker for one transaction.
func NewTxOffsetTracker() *TxOffsetTracker {
	return &TxOffsetTracker{
		spans:  map[int64]*xproto.OffsetRange{},
		topics: map[int64]string{},
	}
}

// Observe records one message read inside the transaction.
func (t *TxOffsetTracker) Observe(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := msg.PartitionSession.ID
	span, ok := t.spans[id]
	if !ok {
		t.spans[id] = &xproto.OffsetRange{Start: msg.Offset, End: msg.Offset + 1}
		t.order = append(t.order, id)
		t.topics[id] = msg.PartitionSession.Topic
		return
	}
	if msg.Offset < span.Start {
		span.Start = msg.Offset
	}
	if msg.Offset+1 > span.End {
		span.End = msg.Offset + 1
	}
}

// Ranges returns one commit entry per partition session observed, in
// first-observation order.
func (t *TxOffsetTracker) Ranges() []xproto.PartitionCommit {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]xproto.PartitionCommit, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, xproto.PartitionCommit{
			PartitionSessionID: id,
			Ranges:             []xproto.OffsetRange{*t.spans[id]},
		})
	}
	return out
}
