// Package grpc exposes the turn pipeline to the CLI over gRPC. Messages travel as
// google.protobuf.Struct values carrying the JSON form of the types in messages.go.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "konverse.v1.TurnService"

const (
	methodProcessTurn   = "/" + serviceName + "/ProcessTurn"
	methodTruncate      = "/" + serviceName + "/Truncate"
	methodCreateSession = "/" + serviceName + "/CreateSession"
	methodGetSession    = "/" + serviceName + "/GetSession"
	methodListSessions  = "/" + serviceName + "/ListSessions"
	methodSetPinned     = "/" + serviceName + "/SetPinned"
	methodStatus        = "/" + serviceName + "/Status"
	methodShutdown      = "/" + serviceName + "/Shutdown"
)

// TurnEventStream is the server side of a ProcessTurn call.
type TurnEventStream = grpc.ServerStreamingServer[structpb.Struct]

// TurnServiceServer is implemented by TurnHandler.
type TurnServiceServer interface {
	ProcessTurn(req *structpb.Struct, stream TurnEventStream) error
	Truncate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetPinned(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Shutdown(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv TurnServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(TurnServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TurnServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func processTurnHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(TurnServiceServer).ProcessTurn(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// TurnServiceDesc describes konverse.v1.TurnService for grpc.Server.RegisterService.
var TurnServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TurnServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Truncate",
			Handler:    unaryHandler(methodTruncate, TurnServiceServer.Truncate),
		},
		{
			MethodName: "CreateSession",
			Handler:    unaryHandler(methodCreateSession, TurnServiceServer.CreateSession),
		},
		{
			MethodName: "GetSession",
			Handler:    unaryHandler(methodGetSession, TurnServiceServer.GetSession),
		},
		{
			MethodName: "ListSessions",
			Handler:    unaryHandler(methodListSessions, TurnServiceServer.ListSessions),
		},
		{
			MethodName: "SetPinned",
			Handler:    unaryHandler(methodSetPinned, TurnServiceServer.SetPinned),
		},
		{
			MethodName: "Status",
			Handler:    unaryHandler(methodStatus, TurnServiceServer.Status),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(methodShutdown, TurnServiceServer.Shutdown),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessTurn",
			Handler:       processTurnHandler,
			ServerStreams: true,
		},
	},
	Metadata: "konverse/v1/turn.proto",
}

// RegisterTurnServiceServer registers srv on s.
func RegisterTurnServiceServer(s grpc.ServiceRegistrar, srv TurnServiceServer) {
	s.RegisterService(&TurnServiceDesc, srv)
}
