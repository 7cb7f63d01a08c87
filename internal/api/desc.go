package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatlink.v1.DeliveryService"

// Method names, relative to ServiceName.
const (
	MethodConnect           = "Connect"
	MethodDisconnect        = "Disconnect"
	MethodGetStatus         = "GetStatus"
	MethodSendMessage       = "SendMessage"
	MethodRetryMessage      = "RetryMessage"
	MethodListTimeline      = "ListTimeline"
	MethodListConversations = "ListConversations"
	MethodListPending       = "ListPending"
	MethodLoadHistory       = "LoadHistory"
	MethodMarkRead          = "MarkRead"
	MethodClearConversation = "ClearConversation"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the "/service/method" path used on the wire.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// DeliveryServer is the server side of chatlink.v1.DeliveryService.
// Requests and replies are google.protobuf.Struct documents.
type DeliveryServer interface {
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTimeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	LoadHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClearConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

// RegisterDeliveryServer registers srv on s.
func RegisterDeliveryServer(s grpc.ServiceRegistrar, srv DeliveryServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty    { return &emptypb.Empty{} }

// ServiceDesc describes chatlink.v1.DeliveryService for grpc.Server and for
// clients opening streams.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeliveryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodConnect, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.Connect(ctx, in)
		}),
		unary(MethodDisconnect, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.Disconnect(ctx, in)
		}),
		unary(MethodGetStatus, newEmpty, func(s DeliveryServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.GetStatus(ctx, in)
		}),
		unary(MethodSendMessage, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.SendMessage(ctx, in)
		}),
		unary(MethodRetryMessage, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.RetryMessage(ctx, in)
		}),
		unary(MethodListTimeline, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ListTimeline(ctx, in)
		}),
		unary(MethodListConversations, newEmpty, func(s DeliveryServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ListConversations(ctx, in)
		}),
		unary(MethodListPending, newEmpty, func(s DeliveryServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ListPending(ctx, in)
		}),
		unary(MethodLoadHistory, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.LoadHistory(ctx, in)
		}),
		unary(MethodMarkRead, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.MarkRead(ctx, in)
		}),
		unary(MethodClearConversation, newStruct, func(s DeliveryServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ClearConversation(ctx, in)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatlink/v1/delivery.proto",
}

func unary[Req proto.Message](method string, newReq func() Req, call func(DeliveryServer, context.Context, Req) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DeliveryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DeliveryServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DeliveryServer).WatchEvents(in, stream)
}
