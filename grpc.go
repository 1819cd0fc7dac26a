package nexus

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nexusdb/nexus-go-sdk/internal/pool"
	"github.com/nexusdb/nexus-go-sdk/internal/xconn"
	"github.com/nexusdb/nexus-go-sdk/internal/xerrors"
	"github.com/nexusdb/nexus-go-sdk/internal/xproto"
)

// Every call travels with these headers; the auth middleware adds the
// bearer token when a TokenSource is configured.
const (
	headerDatabase    = "x-nexus-database"
	headerApplication = "x-nexus-application-name"
	headerAuth        = "authorization"
)

// codecName selects the driver's JSON wire codec on every call. The
// service messages are plain value types, so a JSON content subtype keeps
// the transport layer free of generated code.
const codecName = "nexus-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// grpcClients implements all four service client surfaces on top of the
// driver's connection pool: each RPC resolves a connection (optionally
// pinned to a node), attaches metadata, and reports endpoint faults back
// to the pool as pessimizations.
type grpcClients struct {
	d *Driver
}

func newGRPCClients(d *Driver) *grpcClients { return &grpcClients{d: d} }

func (c *grpcClients) Discovery() xproto.DiscoveryClient       { return c }
func (c *grpcClients) Query() xproto.QueryClient               { return c }
func (c *grpcClients) Coordination() xproto.CoordinationClient { return c }
func (c *grpcClients) Topic() xproto.TopicClient               { return c }

// callContext attaches the database/application headers and, when a token
// source is configured, the bearer token.
func (c *grpcClients) callContext(ctx context.Context) (context.Context, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		headerDatabase, c.d.info.Database,
		headerApplication, c.d.info.Application,
	)
	if ts := c.d.cfg.tokenSource; ts != nil {
		tokenCtx, cancel := context.WithTimeout(ctx, c.d.cfg.tokenTimeout)
		token, err := ts.Token(tokenCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("nexus: token acquisition: %w", err)
		}
		ctx = metadata.AppendToOutgoingContext(ctx, headerAuth, "Bearer "+token)
	}
	return ctx, nil
}

// transportError maps a gRPC failure into the driver's transport error
// taxonomy. A nil error stays nil.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code xerrors.TransportCode
	switch s.Code() {
	case codes.Aborted:
		code = xerrors.TransportAborted
	case codes.Internal:
		code = xerrors.TransportInternal
	case codes.ResourceExhausted:
		code = xerrors.TransportResourceExhausted
	case codes.Unavailable:
		code = xerrors.TransportUnavailable
	case codes.Canceled:
		code = xerrors.TransportCancelled
	case codes.DeadlineExceeded:
		code = xerrors.TransportDeadlineExceeded
	default:
		code = xerrors.TransportUnknown
	}
	return xerrors.NewTransportError(code, err)
}

// reportFault pessimizes the endpoint behind a failed call. NotFound is a
// caller error, not an endpoint fault, and is excluded.
func (c *grpcClients) reportFault(conn *xconn.Connection, err error) {
	if err == nil {
		return
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.NotFound {
		return
	}
	c.d.pool.Pessimize(conn)
}

func (c *grpcClients) invoke(ctx context.Context, preferNodeID uint32, method string, req, resp any) error {
	ctx, err := c.callContext(ctx)
	if err != nil {
		return err
	}
	conn, err := c.d.pool.Acquire(pool.AcquireOptions{PreferNodeID: preferNodeID, AllowFallback: true})
	if err != nil {
		return err
	}
	channel, err := conn.Channel(ctx)
	if err != nil {
		c.reportFault(conn, err)
		return err
	}
	if err := channel.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		c.reportFault(conn, err)
		return transportError(err)
	}
	return nil
}

func (c *grpcClients) newStream(ctx context.Context, preferNodeID uint32, desc *grpc.StreamDesc, method string) (grpc.ClientStream, error) {
	ctx, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := c.d.pool.Acquire(pool.AcquireOptions{PreferNodeID: preferNodeID, AllowFallback: true})
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel(ctx)
	if err != nil {
		c.reportFault(conn, err)
		return nil, err
	}
	cs, err := channel.NewStream(ctx, desc, method, grpc.CallContentSubtype(codecName))
	if err != nil {
		c.reportFault(conn, err)
		return nil, transportError(err)
	}
	return cs, nil
}

// Wire shapes of the unary requests/responses. The discovery service
// wraps its results in an operation envelope that must be status-checked
// before the payload is trusted.

type operationEnvelope struct {
	Status xerrors.StatusCode `json:"status"`
	Issues []xerrors.Issue    `json:"issues,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
}

type operationResponse struct {
	Operation operationEnvelope `json:"operation"`
}

func (r *operationResponse) unwrap(into any) error {
	if err := xproto.CheckStatus(r.Operation.Status, r.Operation.Issues); err != nil {
		return err
	}
	if into == nil || len(r.Operation.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Operation.Result, into)
}

type listEndpointsRequest struct {
	Database string `json:"database"`
}

type whoAmIResult struct {
	Identity string `json:"identity"`
}

const (
	methodListEndpoints = "/nexus.discovery.v1.DiscoveryService/ListEndpoints"
	methodWhoAmI        = "/nexus.discovery.v1.DiscoveryService/WhoAmI"

	methodCreateSession  = "/nexus.query.v1.QueryService/CreateSession"
	methodDeleteSession  = "/nexus.query.v1.QueryService/DeleteSession"
	methodAttachSession  = "/nexus.query.v1.QueryService/AttachSession"
	methodExecuteQuery   = "/nexus.query.v1.QueryService/ExecuteQuery"
	methodCommitTx       = "/nexus.query.v1.QueryService/CommitTransaction"
	methodRollbackTx     = "/nexus.query.v1.QueryService/RollbackTransaction"

	methodCoordSession = "/nexus.coordination.v1.CoordinationService/Session"

	methodStreamRead  = "/nexus.topic.v1.TopicService/StreamRead"
	methodStreamWrite = "/nexus.topic.v1.TopicService/StreamWrite"
)

// ListEndpoints resolves the database's current endpoint set.
func (c *grpcClients) ListEndpoints(ctx context.Context, database string) (xproto.ListEndpointsResult, error) {
	var resp operationResponse
	if err := c.invoke(ctx, 0, methodListEndpoints, &listEndpointsRequest{Database: database}, &resp); err != nil {
		return xproto.ListEndpointsResult{}, err
	}
	var result xproto.ListEndpointsResult
	if err := resp.unwrap(&result); err != nil {
		return xproto.ListEndpointsResult{}, err
	}
	return result, nil
}

// WhoAmI returns the authenticated identity.
func (c *grpcClients) WhoAmI(ctx context.Context) (string, error) {
	var resp operationResponse
	if err := c.invoke(ctx, 0, methodWhoAmI, &struct{}{}, &resp); err != nil {
		return "", err
	}
	var result whoAmIResult
	if err := resp.unwrap(&result); err != nil {
		return "", err
	}
	return result.Identity, nil
}

type createSessionResponse struct {
	Status    xerrors.StatusCode `json:"status"`
	Issues    []xerrors.Issue    `json:"issues,omitempty"`
	SessionID string             `json:"sessionId"`
	NodeID    uint32             `json:"nodeId"`
}

func (c *grpcClients) CreateSession(ctx context.Context) (string, uint32, error) {
	var resp createSessionResponse
	if err := c.invoke(ctx, 0, methodCreateSession, &struct{}{}, &resp); err != nil {
		return "", 0, err
	}
	if err := xproto.CheckStatus(resp.Status, resp.Issues); err != nil {
		return "", 0, err
	}
	return resp.SessionID, resp.NodeID, nil
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type statusResponse struct {
	Status xerrors.StatusCode `json:"status"`
	Issues []xerrors.Issue    `json:"issues,omitempty"`
}

func (c *grpcClients) DeleteSession(ctx context.Context, sessionID string) error {
	var resp statusResponse
	if err := c.invoke(ctx, 0, methodDeleteSession, &sessionRequest{SessionID: sessionID}, &resp); err != nil {
		return err
	}
	return xproto.CheckStatus(resp.Status, resp.Issues)
}

type grpcAttachStream struct {
	cs grpc.ClientStream
}

func (s *grpcAttachStream) Recv() (xproto.SessionState, error) {
	var state xproto.SessionState
	if err := s.cs.RecvMsg(&state); err != nil {
		return xproto.SessionState{}, transportError(err)
	}
	return state, nil
}

func (s *grpcAttachStream) CloseSend() error { return s.cs.CloseSend() }

func (c *grpcClients) AttachSession(ctx context.Context, sessionID string, preferNodeID uint32) (xproto.AttachStream, error) {
	desc := &grpc.StreamDesc{StreamName: "AttachSession", ServerStreams: true}
	cs, err := c.newStream(ctx, preferNodeID, desc, methodAttachSession)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&sessionRequest{SessionID: sessionID}); err != nil {
		return nil, transportError(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, transportError(err)
	}
	return &grpcAttachStream{cs: cs}, nil
}

type grpcExecStream struct {
	cs grpc.ClientStream
}

func (s *grpcExecStream) Recv() (xproto.QueryResultPart, error) {
	var part xproto.QueryResultPart
	if err := s.cs.RecvMsg(&part); err != nil {
		// io.EOF passes through untouched: it is the normal end-of-stream
		// marker the executor looks for.
		return xproto.QueryResultPart{}, transportError(err)
	}
	return part, nil
}

func (s *grpcExecStream) CloseSend() error { return s.cs.CloseSend() }

func (c *grpcClients) ExecuteQuery(ctx context.Context, req xproto.ExecuteQueryRequest, preferNodeID uint32) (xproto.ExecuteQueryStream, error) {
	desc := &grpc.StreamDesc{StreamName: "ExecuteQuery", ServerStreams: true}
	cs, err := c.newStream(ctx, preferNodeID, desc, methodExecuteQuery)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&req); err != nil {
		return nil, transportError(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, transportError(err)
	}
	return &grpcExecStream{cs: cs}, nil
}

type txRequest struct {
	SessionID string `json:"sessionId"`
	TxID      string `json:"txId"`
}

func (c *grpcClients) CommitTransaction(ctx context.Context, sessionID, txID string, preferNodeID uint32) error {
	var resp statusResponse
	if err := c.invoke(ctx, preferNodeID, methodCommitTx, &txRequest{SessionID: sessionID, TxID: txID}, &resp); err != nil {
		return err
	}
	return xproto.CheckStatus(resp.Status, resp.Issues)
}

func (c *grpcClients) RollbackTransaction(ctx context.Context, sessionID, txID string, preferNodeID uint32) error {
	var resp statusResponse
	if err := c.invoke(ctx, preferNodeID, methodRollbackTx, &txRequest{SessionID: sessionID, TxID: txID}, &resp); err != nil {
		return err
	}
	return xproto.CheckStatus(resp.Status, resp.Issues)
}

type grpcCoordStream struct {
	cs grpc.ClientStream
}

func (s *grpcCoordStream) Send(req *xproto.SessionRequest) error {
	return transportError(s.cs.SendMsg(req))
}

func (s *grpcCoordStream) Recv() (*xproto.SessionResponse, error) {
	var resp xproto.SessionResponse
	if err := s.cs.RecvMsg(&resp); err != nil {
		return nil, transportError(err)
	}
	return &resp, nil
}

func (s *grpcCoordStream) CloseSend() error { return s.cs.CloseSend() }

func (c *grpcClients) Session(ctx context.Context) (xproto.CoordinationStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Session", ServerStreams: true, ClientStreams: true}
	cs, err := c.newStream(ctx, 0, desc, methodCoordSession)
	if err != nil {
		return nil, err
	}
	return &grpcCoordStream{cs: cs}, nil
}

type grpcReadStream struct {
	cs grpc.ClientStream
}

func (s *grpcReadStream) Send(req *xproto.ReadFromClient) error {
	return transportError(s.cs.SendMsg(req))
}

func (s *grpcReadStream) Recv() (*xproto.ReadFromServer, error) {
	var resp xproto.ReadFromServer
	if err := s.cs.RecvMsg(&resp); err != nil {
		return nil, transportError(err)
	}
	return &resp, nil
}

func (s *grpcReadStream) CloseSend() error { return s.cs.CloseSend() }

func (c *grpcClients) StreamRead(ctx context.Context) (xproto.TopicReadStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamRead", ServerStreams: true, ClientStreams: true}
	cs, err := c.newStream(ctx, 0, desc, methodStreamRead)
	if err != nil {
		return nil, err
	}
	return &grpcReadStream{cs: cs}, nil
}

type grpcWriteStream struct {
	cs grpc.ClientStream
}

func (s *grpcWriteStream) Send(req *xproto.WriteFromClient) error {
	return transportError(s.cs.SendMsg(req))
}

func (s *grpcWriteStream) Recv() (*xproto.WriteFromServer, error) {
	var resp xproto.WriteFromServer
	if err := s.cs.RecvMsg(&resp); err != nil {
		return nil, transportError(err)
	}
	return &resp, nil
}

func (s *grpcWriteStream) CloseSend() error { return s.cs.CloseSend() }

func (c *grpcClients) StreamWrite(ctx context.Context) (xproto.TopicWriteStream, error) {
	desc := &grpc.StreamDesc{StreamName: "StreamWrite", ServerStreams: true, ClientStreams: true}
	cs, err := c.newStream(ctx, 0, desc, methodStreamWrite)
	if err != nil {
		return nil, err
	}
	return &grpcWriteStream{cs: cs}, nil
}
