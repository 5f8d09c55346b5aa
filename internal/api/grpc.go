package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"backtester/internal/domain"
	"backtester/internal/engine"
	"backtester/internal/queue"
	"backtester/internal/store"
	"backtester/internal/summary"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "backtester.Backtester"

// BacktesterServer is the server side of the gRPC service. Every method
// takes and returns a JSON object carried as a google.protobuf.Struct.
type BacktesterServer interface {
	StartBacktest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateBacktest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OptimizeStoplossTarget(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OptimizeIndicators(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FixFaulty(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListResults(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOptimizedStoplossTarget(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOptimizedIndicators(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ActionsToday(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(BacktesterServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BacktesterServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the Backtester service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktesterServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartBacktest", BacktesterServer.StartBacktest),
		unary("UpdateBacktest", BacktesterServer.UpdateBacktest),
		unary("OptimizeStoplossTarget", BacktesterServer.OptimizeStoplossTarget),
		unary("OptimizeIndicators", BacktesterServer.OptimizeIndicators),
		unary("FixFaulty", BacktesterServer.FixFaulty),
		unary("GetResult", BacktesterServer.GetResult),
		unary("GetSummary", BacktesterServer.GetSummary),
		unary("ListResults", BacktesterServer.ListResults),
		unary("GetOptimizedStoplossTarget", BacktesterServer.GetOptimizedStoplossTarget),
		unary("GetOptimizedIndicators", BacktesterServer.GetOptimizedIndicators),
		unary("ActionsToday", BacktesterServer.ActionsToday),
		unary("DeleteResult", BacktesterServer.DeleteResult),
		unary("Status", BacktesterServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backtester.proto",
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%T is not a JSON object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// IDRequest names a stored result.
type IDRequest struct {
	ID string `json:"id"`
}

// OptimizeRequest is the payload of OptimizeStoplossTarget.
type OptimizeRequest struct {
	ID      string                 `json:"id"`
	Options domain.OptimizeOptions `json:"options"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// GRPCService implements BacktesterServer over an Engine.
type GRPCService struct {
	engine Engine
	log    *slog.Logger
}

var _ BacktesterServer = (*GRPCService)(nil)

// NewGRPCService creates the gRPC service backed by e.
func NewGRPCService(e Engine, log *slog.Logger) *GRPCService {
	if log == nil {
		log = slog.Default()
	}
	return &GRPCService{engine: e, log: log.With("component", "grpc")}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *GRPCService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// grpcError maps engine errors to gRPC status codes.
func (s *GRPCService) grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, engine.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrUpToDate):
		code = codes.FailedPrecondition
	case errors.Is(err, queue.ErrClosed):
		code = codes.Unavailable
	}
	if code == codes.Internal {
		s.log.Error("rpc failed", "error", err)
	}
	return status.Error(code, err.Error())
}

func (s *GRPCService) reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, s.grpcError(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func decodeID(in *structpb.Struct) (string, error) {
	var req IDRequest
	if err := fromStruct(in, &req); err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	if req.ID == "" {
		return "", status.Error(codes.InvalidArgument, "id is required")
	}
	return req.ID, nil
}

func (s *GRPCService) StartBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var opts domain.StrategyOptions
	if err := fromStruct(in, &opts); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.reply(s.engine.StartBacktest(ctx, opts))
}

func (s *GRPCService) UpdateBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.StartUpdate(ctx, id))
}

func (s *GRPCService) OptimizeStoplossTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req OptimizeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return s.reply(s.engine.StartOptimizeStoplossTarget(ctx, req.ID, req.Options))
}

func (s *GRPCService) OptimizeIndicators(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.StartOptimizeIndicators(ctx, id))
}

func (s *GRPCService) FixFaulty(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.reply(s.engine.StartFixFaulty(ctx))
}

func (s *GRPCService) GetResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.Result(ctx, id))
}

func (s *GRPCService) GetSummary(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.Summary(ctx, id))
}

func (s *GRPCService) ListResults(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ids, err := s.engine.List(ctx)
	if ids == nil {
		ids = []string{}
	}
	return s.reply(map[string][]string{"ids": ids}, err)
}

func (s *GRPCService) GetOptimizedStoplossTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.OptimizedStoplossTarget(ctx, id))
}

func (s *GRPCService) GetOptimizedIndicators(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.OptimizedIndicators(ctx, id))
}

func (s *GRPCService) ActionsToday(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.engine.ActionsToday(ctx, id))
}

func (s *GRPCService) DeleteResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := decodeID(in)
	if err != nil {
		return nil, err
	}
	return s.reply(IDRequest{ID: id}, s.engine.Delete(ctx, id))
}

func (s *GRPCService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.reply(Status{Queued: s.engine.Pending()}, nil)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client calls the Backtester gRPC service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client targeting the given gRPC address.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes method with req encoded as a Struct and decodes the reply
// into resp.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) StartBacktest(ctx context.Context, opts domain.StrategyOptions) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.Call(ctx, "StartBacktest", opts, &t)
	return t, err
}

func (c *Client) UpdateBacktest(ctx context.Context, id string) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.Call(ctx, "UpdateBacktest", IDRequest{ID: id}, &t)
	return t, err
}

func (c *Client) OptimizeStoplossTarget(ctx context.Context, id string, oo domain.OptimizeOptions) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.Call(ctx, "OptimizeStoplossTarget", OptimizeRequest{ID: id, Options: oo}, &t)
	return t, err
}

func (c *Client) OptimizeIndicators(ctx context.Context, id string) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.Call(ctx, "OptimizeIndicators", IDRequest{ID: id}, &t)
	return t, err
}

func (c *Client) FixFaulty(ctx context.Context) (engine.Ticket, error) {
	var t engine.Ticket
	err := c.Call(ctx, "FixFaulty", struct{}{}, &t)
	return t, err
}

func (c *Client) Result(ctx context.Context, id string) (*domain.BacktestResult, error) {
	var r domain.BacktestResult
	if err := c.Call(ctx, "GetResult", IDRequest{ID: id}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Summary(ctx context.Context, id string) (*summary.Summary, error) {
	var s summary.Summary
	if err := c.Call(ctx, "GetSummary", IDRequest{ID: id}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) List(ctx context.Context) ([]string, error) {
	var resp struct {
		IDs []string `json:"ids"`
	}
	err := c.Call(ctx, "ListResults", struct{}{}, &resp)
	return resp.IDs, err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.Call(ctx, "DeleteResult", IDRequest{ID: id}, nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.Call(ctx, "Status", struct{}{}, &s)
	return s, err
}
