// Package remote runs interpreters in another process over gRPC. Server
// wraps any inference.Loader; Loader is the client side and implements
// inference.Loader itself.
package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"mosaic/internal/inference"
	"mosaic/internal/tensor"
)

// ServiceName is the registered gRPC service
const ServiceName = "mosaic.interp.v1.Interpreter"

// HandleKey is the metadata key carrying the interpreter handle
const HandleKey = "x-interpreter-handle"

const (
	loadMethod   = "/" + ServiceName + "/Load"
	invokeMethod = "/" + ServiceName + "/Invoke"
	closeMethod  = "/" + ServiceName + "/Close"
)

type interpreterServer interface {
	load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	invoke(ctx context.Context, req *structpb.ListValue) (*structpb.ListValue, error)
	close(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interpreterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: unaryHandler(loadMethod, interpreterServer.load)},
		{MethodName: "Invoke", Handler: unaryHandler(invokeMethod, interpreterServer.invoke)},
		{MethodName: "Close", Handler: unaryHandler(closeMethod, interpreterServer.close)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mosaic/interp.proto",
}

func unaryHandler[Req, Resp any, PReq interface {
	*Req
}](method string, call func(interpreterServer, context.Context, PReq) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PReq(new(Req))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(interpreterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(interpreterServer), ctx, req.(PReq))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server hosts interpreters loaded on behalf of remote clients
type Server struct {
	loader inference.Loader
	log    *logrus.Entry

	mu      sync.Mutex
	interps map[string]inference.Interpreter
}

// NewServer creates a server backed by loader
func NewServer(loader inference.Loader, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		loader:  loader,
		log:     log.WithField("component", "interp-server"),
		interps: make(map[string]inference.Interpreter),
	}
}

// Register attaches the service to s
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Loaded returns the number of live interpreters
func (s *Server) Loaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interps)
}

func (s *Server) load(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	m, dev := decodeLoad(req)
	if m.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "model path required")
	}

	interp, err := s.loader.Load(m, dev)
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "load %s: %v", m.Path, err)
	}

	handle := uuid.NewString()
	s.mu.Lock()
	s.interps[handle] = interp
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"model": m.Path, "device": dev.String(), "handle": handle}).Info("loaded interpreter")
	return encodeShape(handle, interp.InputShape()), nil
}

func (s *Server) lookup(ctx context.Context) (string, inference.Interpreter, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get(HandleKey)
	if len(vals) != 1 {
		return "", nil, status.Error(codes.InvalidArgument, "missing interpreter handle")
	}
	s.mu.Lock()
	interp, ok := s.interps[vals[0]]
	s.mu.Unlock()
	if !ok {
		return "", nil, status.Errorf(codes.NotFound, "unknown interpreter %s", vals[0])
	}
	return vals[0], interp, nil
}

func (s *Server) invoke(ctx context.Context, req *structpb.ListValue) (*structpb.ListValue, error) {
	_, interp, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	inputs, err := decodeTensors(req, tensor.NewHeapAllocator())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode inputs: %v", err)
	}
	outputs, err := interp.Invoke(inputs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "invoke: %v", err)
	}
	return encodeTensors(outputs), nil
}

func (s *Server) close(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	handle, interp, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.interps, handle)
	s.mu.Unlock()

	if err := interp.Close(); err != nil {
		return nil, status.Errorf(codes.Internal, "close: %v", err)
	}
	s.log.WithField("handle", handle).Debug("closed interpreter")
	return &emptypb.Empty{}, nil
}

// Shutdown closes every interpreter still loaded
func (s *Server) Shutdown() {
	s.mu.Lock()
	interps := s.interps
	s.interps = make(map[string]inference.Interpreter)
	s.mu.Unlock()

	for handle, interp := range interps {
		if err := interp.Close(); err != nil {
			s.log.WithError(err).WithField("handle", handle).Warn("close interpreter")
		}
	}
}
