package server

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/strand-io/strand/internal/catalog"
	"github.com/strand-io/strand/internal/codec"
	"github.com/strand-io/strand/internal/engine"
	"github.com/strand-io/strand/internal/serrors"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "strand.v1.Streams"

// streamsServer is the handler contract behind the service descriptor
type streamsServer interface {
	AppendStream(ctx context.Context, req *AppendRequest) (*WriteResponse, error)
	DeleteStream(ctx context.Context, req *DeleteRequest) (*WriteResponse, error)
	ReadStream(req *ReadRequest, stream grpc.ServerStream) error
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

// serviceDesc wires the hand-rolled messages into gRPC; it plays the
// role generated code usually does
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*streamsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendStream", Handler: appendStreamHandler},
		{MethodName: "DeleteStream", Handler: deleteStreamHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ReadStream", Handler: readStreamHandler, ServerStreams: true},
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "strand/v1/streams",
}

func appendStreamHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AppendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(streamsServer).AppendStream(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/AppendStream"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(streamsServer).AppendStream(ctx, req.(*AppendRequest))
	})
}

func deleteStreamHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(streamsServer).DeleteStream(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/DeleteStream"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(streamsServer).DeleteStream(ctx, req.(*DeleteRequest))
	})
}

func readStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(ReadRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(streamsServer).ReadStream(in, stream)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(streamsServer).Subscribe(in, stream)
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	MaxConnections int
}

// Server exposes the storage engine over gRPC
type Server struct {
	cfg    Config
	eng    *engine.Engine
	logger *zap.Logger

	grpcServer *grpc.Server
	listener   net.Listener
}

// New creates the gRPC server around an open engine
func New(cfg Config, eng *engine.Engine, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, eng: eng, logger: logger}

	opts := []grpc.ServerOption{grpc.ForceServerCodec(Codec{})}
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)))
	}
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve listens and serves until Stop is called
func (s *Server) Serve() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis
	s.logger.Info("gRPC server listening", zap.String("address", addr))
	return s.grpcServer.Serve(lis)
}

// ServeOn serves on an existing listener; used by tests
func (s *Server) ServeOn(lis net.Listener) error {
	s.listener = lis
	return s.grpcServer.Serve(lis)
}

// Stop drains in-flight RPCs and stops the server
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

// toStatus translates engine errors into gRPC statuses at the boundary
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var se *serrors.Error
	if errors.As(err, &se) {
		return se.GRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func expectedFromWire(kind ExpectedKind, revision uint64) catalog.ExpectedRevision {
	switch kind {
	case ExpectedNoStream:
		return catalog.NoStream()
	case ExpectedStreamExists:
		return catalog.StreamExists()
	case ExpectedRevision:
		return catalog.Revision(revision)
	default:
		return catalog.Any()
	}
}

func startFromWire(kind StartKind, revision uint64) engine.Start {
	switch kind {
	case StartEnd:
		return engine.End()
	case StartRevision:
		return engine.From(revision)
	default:
		return engine.Beginning()
	}
}

// AppendStream implements the append RPC
func (s *Server) AppendStream(ctx context.Context, req *AppendRequest) (*WriteResponse, error) {
	if req.StreamName == "" {
		return nil, status.Error(codes.InvalidArgument, "stream name is required")
	}
	if len(req.Events) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one event is required")
	}

	proposed := make([]engine.ProposedEvent, len(req.Events))
	for i, ev := range req.Events {
		proposed[i] = engine.ProposedEvent{
			ID:          ev.ID,
			Class:       ev.Class,
			ContentType: ev.ContentType,
			Data:        ev.Data,
			Metadata:    ev.Metadata,
		}
	}

	result, err := s.eng.Append(ctx, req.StreamName, expectedFromWire(req.ExpectedKind, req.ExpectedRevision), proposed)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WriteResponse{Position: result.Position, NextRevision: result.NextRevision}, nil
}

// DeleteStream implements the delete RPC
func (s *Server) DeleteStream(ctx context.Context, req *DeleteRequest) (*WriteResponse, error) {
	if req.StreamName == "" {
		return nil, status.Error(codes.InvalidArgument, "stream name is required")
	}
	result, err := s.eng.Delete(ctx, req.StreamName, expectedFromWire(req.ExpectedKind, req.ExpectedRevision))
	if err != nil {
		return nil, toStatus(err)
	}
	return &WriteResponse{Position: result.Position, NextRevision: result.NextRevision}, nil
}

// ReadStream implements the server-streaming read RPC; the stream is
// terminated by an EndOfStream marker
func (s *Server) ReadStream(req *ReadRequest, stream grpc.ServerStream) error {
	if req.StreamName == "" {
		return status.Error(codes.InvalidArgument, "stream name is required")
	}
	dir := engine.Forwards
	if req.Direction == ReadBackwards {
		dir = engine.Backwards
	}

	err := s.eng.Read(stream.Context(), req.StreamName, dir,
		startFromWire(req.StartKind, req.StartRevision), req.MaxCount,
		func(ev *codec.RecordedEvent) error {
			return stream.SendMsg(&ReadResponse{Event: ev})
		})
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(&ReadResponse{EndOfStream: true})
}

// Subscribe implements the server-streaming subscription RPC
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	if req.StreamName == "" {
		return status.Error(codes.InvalidArgument, "stream name is required")
	}

	sub := s.eng.Subscribe(stream.Context(), req.StreamName, startFromWire(req.StartKind, req.StartRevision))
	defer sub.Cancel()

	for msg := range sub.C {
		var resp *SubscribeResponse
		switch msg.Kind {
		case engine.MsgConfirmed:
			resp = &SubscribeResponse{Kind: SubConfirmation}
		case engine.MsgEvent:
			resp = &SubscribeResponse{Kind: SubEventAppeared, Event: msg.Event}
		case engine.MsgCaughtUp:
			resp = &SubscribeResponse{Kind: SubCaughtUp}
		case engine.MsgDropped:
			resp = &SubscribeResponse{Kind: SubNotification, Notification: "unsubscribed: consumer too slow"}
		}
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
		if msg.Kind == engine.MsgDropped {
			return nil
		}
	}
	return nil
}
