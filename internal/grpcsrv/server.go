// Package grpcsrv serves subscriptions over a gRPC server-streaming method.
//
// The service has no generated stubs: requests and results are
// google.protobuf.Struct messages.
//
//	service Subscriptions {
//	  // request:  {query, operationName, variables}
//	  // response: {data, errors}
//	  rpc Subscribe(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
package grpcsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	eventbus "github.com/hanpama/liveql/internal/eventbus"
	events "github.com/hanpama/liveql/internal/events"
	executor "github.com/hanpama/liveql/internal/executor"
	logger "github.com/hanpama/liveql/internal/logger"
	reqid "github.com/hanpama/liveql/internal/reqid"
	subscription "github.com/hanpama/liveql/internal/subscription"
)

const (
	ServiceName = "liveql.v1.Subscriptions"
	// SubscribeMethod is the full method name of the subscribe RPC.
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
	// RequestIDHeader carries the caller's request id in metadata.
	RequestIDHeader = "x-request-id"
)

// SubscriptionsServer is the server API of the Subscriptions service.
type SubscriptionsServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the Subscriptions service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SubscriptionsServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "liveql/v1/subscriptions.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SubscriptionsServer).Subscribe(req, stream)
}

// Server streams subscription results from an Engine.
type Server struct {
	engine *subscription.Engine
	logger logger.Logger
}

var _ SubscriptionsServer = (*Server)(nil)

type Option func(*Server)

func WithLogger(l logger.Logger) Option { return func(s *Server) { s.logger = l } }

func New(engine *subscription.Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: logger.NewNoopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds s to gs.
func (s *Server) Register(gs *grpc.Server) { gs.RegisterService(&ServiceDesc, s) }

// Subscribe sets up the subscription described by req and sends one message
// per result until the subscription ends. Setup failures are returned as
// InvalidArgument before any message is sent.
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) (err error) {
	ctx := requestContext(stream.Context())
	start := time.Now()
	sent := 0
	eventbus.Publish(ctx, events.GRPCServerStart{Method: SubscribeMethod})
	defer func() {
		eventbus.Publish(ctx, events.GRPCServerFinish{
			Method:   SubscribeMethod,
			Code:     status.Code(err),
			Messages: sent,
			Duration: time.Since(start),
		})
	}()

	sub, err := DecodeRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	rs, err := s.engine.Execute(ctx, sub)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer rs.Close()

	for res := range rs.Results() {
		msg, err := EncodeResult(res)
		if err != nil {
			s.logger.ErrorWithContext(ctx, "encode subscription result", zap.Error(err))
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
		sent++
	}
	if err := rs.Err(); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	if err := ctx.Err(); err != nil {
		return status.FromContextError(err).Err()
	}
	return nil
}

func requestContext(ctx context.Context) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			return reqid.WithID(ctx, ids[0])
		}
	}
	ctx, _ = reqid.NewContext(ctx)
	return ctx
}

// EncodeRequest builds the request message for sub.
func EncodeRequest(sub subscription.Subscription) (*structpb.Struct, error) {
	m := map[string]any{"query": sub.Query}
	if sub.OperationName != "" {
		m["operationName"] = sub.OperationName
	}
	if len(sub.Variables) > 0 {
		vars, err := toJSONValue(sub.Variables)
		if err != nil {
			return nil, fmt.Errorf("encode variables: %w", err)
		}
		m["variables"] = vars
	}
	return structpb.NewStruct(m)
}

// DecodeRequest reads a subscription from a request message.
func DecodeRequest(req *structpb.Struct) (subscription.Subscription, error) {
	var sub subscription.Subscription
	fields := req.GetFields()
	q, ok := fields["query"].GetKind().(*structpb.Value_StringValue)
	if !ok || q.StringValue == "" {
		return sub, errors.New("request has no query")
	}
	sub.Query = q.StringValue
	if v, ok := fields["operationName"]; ok {
		name, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return sub, errors.New("operationName must be a string")
		}
		sub.OperationName = name.StringValue
	}
	if v, ok := fields["variables"]; ok {
		switch k := v.GetKind().(type) {
		case *structpb.Value_StructValue:
			sub.Variables = k.StructValue.AsMap()
		case *structpb.Value_NullValue:
		default:
			return sub, errors.New("variables must be an object")
		}
	}
	return sub, nil
}

// EncodeResult converts res into its wire message.
func EncodeResult(res *executor.ExecutionResult) (*structpb.Struct, error) {
	v, err := toJSONValue(res)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(v.(map[string]any))
}

// DecodeResult converts a wire message back into a result.
func DecodeResult(msg *structpb.Struct) (*executor.ExecutionResult, error) {
	b, err := json.Marshal(msg.AsMap())
	if err != nil {
		return nil, err
	}
	res := new(executor.ExecutionResult)
	if err := json.Unmarshal(b, res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}

// toJSONValue normalizes v to the types structpb accepts.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
