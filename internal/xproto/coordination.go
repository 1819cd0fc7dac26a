package xproto

import (
	"context"

	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
)

// SessionRequest is the client->server half of the coordination
// bidirectional stream. Exactly one field is set per message.
type SessionRequest struct {
	SessionStart *SessionStart
	SessionStop  *struct{}
	Ping         *Ping
	Pong         *Pong
	AcquireReq   *AcquireReq
	ReleaseReq   *ReleaseReq
	CreateReq    *CreateSemaphoreReq
	UpdateReq    *UpdateSemaphoreReq
	DeleteReq    *DeleteSemaphoreReq
	DescribeReq  *DescribeSemaphoreReq
}

// SessionResponse is the server->client half.
type SessionResponse struct {
	SessionStarted  *SessionStarted
	SessionStopped  *struct{}
	Ping            *Ping
	Pong            *Pong
	Failure         *Failure
	AcquirePending  *AcquirePending
	DescribeChanged *DescribeChanged
	AcquireResult   *Result
	ReleaseResult   *ReleaseResult
	CreateResult    *Result
	UpdateResult    *Result
	DeleteResult    *Result
	DescribeResult  *DescribeResult
}

type SessionStart struct {
	Path          string
	SessionID     uint64
	TimeoutMillis int64
	Description   string
	SeqNo         uint64
}

type SessionStarted struct {
	SessionID uint64
}

type Ping struct{ Opaque uint64 }
type Pong struct{ Opaque uint64 }

type Failure struct {
	Status xerrors.StatusCode
	Issues []xerrors.Issue
}

// SemaphoreDescription mirrors a semaphore's full state as returned by
// Describe.
type SemaphoreDescription struct {
	Name    string
	Data    []byte
	Count   uint64
	Limit   uint64
	Owners  []SemaphoreSession
	Waiters []SemaphoreSession
}

type SemaphoreSession struct {
	OrderID       uint64
	Data          []byte
	Count         uint64
	TimeoutMillis int64
}

type CreateSemaphoreReq struct {
	ReqID uint64
	Name  string
	Limit uint64
	Data  []byte
}

type UpdateSemaphoreReq struct {
	ReqID uint64
	Name  string
	Data  []byte
}

type DeleteSemaphoreReq struct {
	ReqID uint64
	Name  string
	Force bool
}

type DescribeSemaphoreReq struct {
	ReqID          uint64
	Name           string
	IncludeOwners  bool
	IncludeWaiters bool
	WatchData      bool
	WatchOwners    bool
}

type AcquireReq struct {
	ReqID         uint64
	Name          string
	Count         uint64
	TimeoutMillis int64
	Data          []byte
	Ephemeral     bool
}

type ReleaseReq struct {
	ReqID uint64
	Name  string
}

// Result is the generic acquire/create/update/delete result shape.
type Result struct {
	ReqID    uint64
	Status   xerrors.StatusCode
	Issues   []xerrors.Issue
	Acquired bool // only meaningful for acquire results
}

type ReleaseResult struct {
	ReqID    uint64
	Status   xerrors.StatusCode
	Issues   []xerrors.Issue
	Released bool
}

type DescribeResult struct {
	ReqID       uint64
	Status      xerrors.StatusCode
	Issues      []xerrors.Issue
	Description SemaphoreDescription
	WatchAdded  bool
}

type AcquirePending struct{ ReqID uint64 }

type DescribeChanged struct {
	ReqID         uint64
	DataChanged   bool
	OwnersChanged bool
}

// CoordinationStream is the bidirectional Session RPC handle.
type CoordinationStream interface {
	Send(*SessionRequest) error
	Recv() (*SessionResponse, error)
	CloseSend() error
}

// CoordinationClient is the Coordination service surface.
type CoordinationClient interface {
	Session(ctx context.Context) (CoordinationStream, error)
}
