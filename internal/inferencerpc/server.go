package inferencerpc

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/logging"
	"github.com/example/store-classifier/internal/model"
)

// ModelSource yields the process-wide model handle.
type ModelSource interface {
	Load() *model.Handle
}

// inferenceServer is the HandlerType of serviceDesc.
type inferenceServer interface {
	predict(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	describe(ctx context.Context, req *emptypb.Empty) (*wrapperspb.UInt32Value, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*inferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storeclassifier/v1/inference.proto",
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inferenceServer).predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(inferenceServer).predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inferenceServer).describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(inferenceServer).describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Server serves a local model to remote callers.
type Server struct {
	models ModelSource
	shape  []int64
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server
}

// NewServer registers the inference and health services on a new
// grpc.Server. shape is the input tensor shape the local model expects.
func NewServer(models ModelSource, shape []int64, logger *zap.Logger) *Server {
	s := &Server{
		models: models,
		shape:  shape,
		logger: logger.Named("inference_rpc"),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refreshHealth()
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC inference listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) refreshHealth() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.models.Load().Available() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *Server) predict(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	h := s.models.Load()
	if !h.Available() {
		return nil, status.Error(codes.Unavailable, h.Err().Error())
	}

	data, err := decodeFloats(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tensor := &imageprocessor.Tensor{Shape: s.shape, Data: data}
	if len(data) != tensor.Len() {
		return nil, status.Errorf(codes.InvalidArgument, "expected %d values for shape %v, got %d", tensor.Len(), s.shape, len(data))
	}

	scores, err := h.Predictor().Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("inferencerpc.predict", "", err)
		s.logger.Error("inference failed", zap.Error(wrapped))
		return nil, status.Error(codes.Internal, wrapped.Error())
	}
	return wrapperspb.Bytes(encodeFloats(scores)), nil
}

func (s *Server) describe(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.UInt32Value, error) {
	h := s.models.Load()
	if !h.Available() {
		return nil, status.Error(codes.Unavailable, h.Err().Error())
	}
	return wrapperspb.UInt32(uint32(h.Predictor().OutputSize())), nil
}
