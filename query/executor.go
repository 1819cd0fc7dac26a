package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/nexusdb/nexus-go-sdk/internal/retry"
	"github.com/nexusdb/nexus-go-sdk/internal/value"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xlog"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// Isolation re-exports the transaction isolation modes.
type Isolation = xproto.IsolationMode

const (
	IsolationImplicit              = xproto.IsolationImplicit
	IsolationSerializableReadWrite = xproto.IsolationSerializableReadWrite
	IsolationSnapshotReadOnly      = xproto.IsolationSnapshotReadOnly
	IsolationOnlineReadOnly        = xproto.IsolationOnlineReadOnly
	IsolationStaleReadOnly         = xproto.IsolationStaleReadOnly
)

// Listener carries the optional per-execution callbacks: one field per
// observable event, any of which may be nil.
type Listener struct {
	OnRetry  func(retry.RetryInfo)
	OnStats  func(*xproto.ExecStats)
	OnPart   func(*xproto.QueryResultPart)
	OnDone   func(*Result)
	OnError  func(error)
	OnCancel func()
}

// Result accumulates the streamed parts of one execution: rows grouped by
// result-set index, the final statistics frame, and the transaction id
// when the statement opened one.
type Result struct {
	ResultSets [][]xproto.Row
	Stats      *xproto.ExecStats
	TxID       string
}

// Rows returns the rows of result set 0, the common single-statement case.
func (r *Result) Rows() []xproto.Row {
	if len(r.ResultSets) == 0 {
		return nil
	}
	return r.ResultSets[0]
}

type execConfig struct {
	idempotent             bool
	isolation              Isolation
	allowInconsistentReads bool
	execMode               xproto.ExecMode
	statsMode              xproto.StatsMode
	poolID                 string
	budget                 int
	timeout                time.Duration
	listener               Listener
}

// Option customizes one Execute or DoTx call.
type Option func(*execConfig)

// WithIdempotent marks the operation idempotent, widening the set of
// retryable failures.
func WithIdempotent() Option {
	return func(c *execConfig) { c.idempotent = true }
}

// WithIsolation selects the transaction isolation mode for a standalone
// statement (begin+commit around the single statement).
func WithIsolation(m Isolation) Option {
	return func(c *execConfig) { c.isolation = m }
}

// WithAllowInconsistentReads relaxes onlineReadOnly consistency.
func WithAllowInconsistentReads() Option {
	return func(c *execConfig) { c.allowInconsistentReads = true }
}

// WithExecMode overrides the execution mode (explain, parse, validate).
func WithExecMode(m xproto.ExecMode) Option {
	return func(c *execConfig) { c.execMode = m }
}

// WithStatsMode requests server-side execution statistics.
func WithStatsMode(m xproto.StatsMode) Option {
	return func(c *execConfig) { c.statsMode = m }
}

// WithPoolID routes the statement to a server-side resource pool.
func WithPoolID(id string) Option {
	return func(c *execConfig) { c.poolID = id }
}

// WithRetryBudget caps the attempt count.
func WithRetryBudget(n int) Option {
	return func(c *execConfig) { c.budget = n }
}

// WithTimeout bounds the whole call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(c *execConfig) { c.timeout = d }
}

// WithListener attaches per-execution callbacks.
func WithListener(l Listener) Option {
	return func(c *execConfig) { c.listener = l }
}

// Client executes statements and transactions against the query service,
// drawing sessions from its pool.
type Client struct {
	client xproto.QueryClient
	pool   *Pool
	log    *zap.Logger
}

// NewClient builds a query client with a session pool of maxPoolSize.
func NewClient(client xproto.QueryClient, maxPoolSize int, logger *zap.Logger) *Client {
	return &Client{
		client: client,
		pool:   NewPool(client, maxPoolSize, logger),
		log:    xlog.Named(logger, "query"),
	}
}

// Pool exposes the underlying session pool, mainly for stats.
func (c *Client) Pool() *Pool { return c.pool }

// Close shuts the session pool down.
func (c *Client) Close(ctx context.Context) error {
	return c.pool.Close(ctx)
}

func defaultExecConfig() execConfig {
	return execConfig{
		isolation: IsolationImplicit,
		budget:    10,
	}
}

// Execute runs one standalone statement under the retry policy: each
// attempt acquires a session, streams the result parts, and releases (or
// drops) the session. A non-implicit isolation wraps the statement in a
// single-shot begin+commit transaction.
func (c *Client) Execute(ctx context.Context, text string, params map[string]*value.Value, opts ...Option) (*Result, error) {
	cfg := defaultExecConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	var txc xproto.TxControl
	if cfg.isolation != IsolationImplicit {
		txc = xproto.TxControl{
			Begin:          true,
			CommitOnFinish: true,
			Isolation:      cfg.isolation,
			OnlineReadOnlyAllowInconsistent: cfg.allowInconsistentReads,
		}
	}

	result, err := retry.Do(ctx, retry.Config{
		Idempotent: cfg.idempotent,
		Budget:     cfg.budget,
		OnRetry:    cfg.listener.OnRetry,
	}, func(ctx context.Context) (*Result, error) {
		s, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		res, err := c.executeOnSession(ctx, s, text, params, txc, cfg)
		c.pool.Release(s)
		return res, err
	})

	if err != nil {
		if errors.Is(err, context.Canceled) && cfg.listener.OnCancel != nil {
			cfg.listener.OnCancel()
		} else if cfg.listener.OnError != nil {
			cfg.listener.OnError(err)
		}
		return nil, err
	}
	if cfg.listener.OnDone != nil {
		cfg.listener.OnDone(result)
	}
	return result, nil
}

// executeOnSession streams one ExecuteQuery call over a held session and
// accumulates its parts. A BAD_SESSION or SESSION_EXPIRED status
// invalidates the session before the error propagates, so the pool drops
// it and the next attempt starts on a fresh one.
func (c *Client) executeOnSession(ctx context.Context, s *Session, text string, params map[string]*value.Value, txc xproto.TxControl, cfg execConfig) (*Result, error) {
	req := xproto.ExecuteQueryRequest{
		SessionID: s.ID(),
		Text:      text,
		Syntax:    xproto.SyntaxYQL,
		Params:    params,
		ExecMode:  cfg.execMode,
		StatsMode: cfg.statsMode,
		PoolID:    cfg.poolID,
		TxControl: txc,
	}

	stream, err := c.client.ExecuteQuery(ctx, req, s.NodeID())
	if err != nil {
		return nil, c.classify(s, err)
	}
	defer func() { _ = stream.CloseSend() }()

	result := &Result{}
	for {
		part, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, c.classify(s, err)
		}
		if err := xproto.CheckStatus(part.Status, part.Issues); err != nil {
			return nil, c.classify(s, err)
		}
		if cfg.listener.OnPart != nil {
			cfg.listener.OnPart(&part)
		}
		if part.Stats != nil {
			result.Stats = part.Stats
			if cfg.listener.OnStats != nil {
				cfg.listener.OnStats(part.Stats)
			}
		}
		if part.TxID != "" {
			result.TxID = part.TxID
		}
		if len(part.Rows) > 0 {
			for len(result.ResultSets) <= part.ResultSetIndex {
				result.ResultSets = append(result.ResultSets, nil)
			}
			result.ResultSets[part.ResultSetIndex] = append(result.ResultSets[part.ResultSetIndex], part.Rows...)
		}
	}
	return result, nil
}

// classify invalidates the held session on session-fatal statuses.
func (c *Client) classify(s *Session, err error) error {
	var status *xerrors.StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case xerrors.StatusBadSession, xerrors.StatusSessionExpired:
			s.Invalidate()
		}
	}
	return err
}

// Tx is a caller-visible transaction bound to one session. All statements
// inside the transaction run on that session and node; the first one opens
// the server-side transaction and later ones reference its id.
type Tx struct {
	client  *Client
	session *Session
	iso     Isolation
	txID    string
	done    bool
}

// ID returns the server-assigned transaction id, empty before the first
// statement has run.
func (tx *Tx) ID() string { return tx.txID }

// SessionID returns the id of the session the transaction is pinned to.
func (tx *Tx) SessionID() string { return tx.session.ID() }

// NodeID returns the node the transaction's session lives on.
func (tx *Tx) NodeID() uint32 { return tx.session.NodeID() }

// Execute runs one statement inside the transaction.
func (tx *Tx) Execute(ctx context.Context, text string, params map[string]*value.Value, opts ...Option) (*Result, error) {
	if tx.done {
		return nil, xerrors.NewClientError(xerrors.ClientErrDisposed, "transaction already finished")
	}

	cfg := defaultExecConfig()
	for _, o := range opts {
		o(&cfg)
	}

	txc := xproto.TxControl{Begin: true, Isolation: tx.iso}
	if tx.txID != "" {
		txc = xproto.TxControl{ExistingTxID: tx.txID}
	}

	res, err := tx.client.executeOnSession(ctx, tx.session, text, params, txc, cfg)
	if err != nil {
		return nil, err
	}
	if res.TxID != "" {
		tx.txID = res.TxID
	}
	return res, nil
}

// DoTx runs fn inside a transaction with the given isolation, retrying the
// whole transaction body on retryable failures. fn's own error rolls the
// transaction back and comes back wrapped, with the original available via
// errors.Unwrap.
func (c *Client) DoTx(ctx context.Context, iso Isolation, fn func(ctx context.Context, tx *Tx) error, opts ...Option) error {
	cfg := defaultExecConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	_, err := retry.Do(ctx, retry.Config{
		Idempotent: cfg.idempotent,
		Budget:     cfg.budget,
		OnRetry:    cfg.listener.OnRetry,
	}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.runTxAttempt(ctx, iso, fn)
	})
	return err
}

func (c *Client) runTxAttempt(ctx context.Context, iso Isolation, fn func(ctx context.Context, tx *Tx) error) error {
	s, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Release(s)

	tx := &Tx{client: c, session: s, iso: iso}
	if err := fn(ctx, tx); err != nil {
		tx.done = true
		if tx.txID != "" {
			if rbErr := c.client.RollbackTransaction(ctx, s.ID(), tx.txID, s.NodeID()); rbErr != nil {
				c.log.Debug("rollback failed", zap.String("tx_id", tx.txID), zap.Error(rbErr))
			}
		}
		return fmt.Errorf("nexus/query: transaction failed: %w", err)
	}

	tx.done = true
	if tx.txID == "" {
		return nil
	}
	if err := c.client.CommitTransaction(ctx, s.ID(), tx.txID, s.NodeID()); err != nil {
		return c.classify(s, err)
	}
	return nil
}
