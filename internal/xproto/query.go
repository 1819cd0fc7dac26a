package xproto

import (
	"context"

	"github.com/nexusdb/nexus-go-sdk/internal/value"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
)

// SessionState is one frame yielded by the AttachSession server-streaming
// RPC: a status update for the attached session.
type SessionState struct {
	Status xerrors.StatusCode
	Issues []xerrors.Issue
}

// AttachStream is the server-streaming AttachSession RPC handle held by a
// Session for its entire lifetime.
type AttachStream interface {
	Recv() (SessionState, error)
	CloseSend() error
}

// Syntax selects the query dialect, passed through to ExecuteQuery.
type Syntax int

const (
	SyntaxDefault Syntax = iota
	SyntaxYQL
)

// ExecMode and StatsMode are passed through verbatim to ExecuteQuery.
type ExecMode int

const (
	ExecModeExecute ExecMode = iota
	ExecModeExplain
	ExecModeParse
	ExecModeValidate
)

type StatsMode int

const (
	StatsModeNone StatsMode = iota
	StatsModeBasic
	StatsModeFull
	StatsModeProfile
)

// IsolationMode enumerates the transaction isolation modes.
type IsolationMode int

const (
	IsolationImplicit IsolationMode = iota
	IsolationSerializableReadWrite
	IsolationSnapshotReadOnly
	IsolationOnlineReadOnly
	IsolationStaleReadOnly
)

// TxControl selects how a statement relates to a transaction: run against
// an existing tx id, open a new transaction (optionally committing it when
// the statement finishes), or neither, which executes implicitly.
type TxControl struct {
	// ExistingTxID, when non-empty, means "use existing tx id".
	ExistingTxID string
	// Begin opens a new transaction at Isolation for this statement. The
	// assigned tx id comes back in the first QueryResultPart.
	Begin bool
	// CommitOnFinish commits the transaction when the statement finishes
	// (single-shot isolation when combined with Begin).
	CommitOnFinish bool
	Isolation      IsolationMode
	// OnlineReadOnlyAllowInconsistent configures the onlineReadOnly mode's
	// allowInconsistentReads setting.
	OnlineReadOnlyAllowInconsistent bool
}

// ExecuteQueryRequest is the request message for the ExecuteQuery
// server-streaming RPC.
type ExecuteQueryRequest struct {
	SessionID string
	Text      string
	Syntax    Syntax
	Params    map[string]*value.Value
	ExecMode  ExecMode
	StatsMode StatsMode
	PoolID    string
	TxControl TxControl
}

// ExecStats carries server-reported execution statistics.
type ExecStats struct {
	TotalDurationUs int64
	TotalCPUTimeUs  int64
	QueryPhases     []string
}

// Row is one row of a result set: positional cells plus the column names
// that key them.
type Row struct {
	Columns []string
	Cells   []*value.Value
}

// QueryResultPart is one frame yielded by ExecuteQuery.
type QueryResultPart struct {
	Status         xerrors.StatusCode
	Issues         []xerrors.Issue
	Stats          *ExecStats
	ResultSetIndex int
	Rows           []Row
	TxID           string // set when this part begins/commits a transaction
}

// ExecuteQueryStream is the server-streaming ExecuteQuery RPC handle.
type ExecuteQueryStream interface {
	Recv() (QueryResultPart, error)
	CloseSend() error
}

// QueryClient is the Query service surface.
type QueryClient interface {
	CreateSession(ctx context.Context) (sessionID string, nodeID uint32, err error)
	DeleteSession(ctx context.Context, sessionID string) error
	AttachSession(ctx context.Context, sessionID string, preferNodeID uint32) (AttachStream, error)
	ExecuteQuery(ctx context.Context, req ExecuteQueryRequest, preferNodeID uint32) (ExecuteQueryStream, error)
	CommitTransaction(ctx context.Context, sessionID, txID string, preferNodeID uint32) error
	RollbackTransaction(ctx context.Context, sessionID, txID string, preferNodeID uint32) error
}
