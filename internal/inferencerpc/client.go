package inferencerpc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/logging"
	"github.com/example/store-classifier/internal/model"
)

// Dial returns an Opener that connects to a remote inference service.
// The output size is fetched once at open time so the loader can check
// it against the configured labels.
func Dial(addr string, logger *zap.Logger, opts ...grpc.DialOption) model.Opener {
	return func() (model.Predictor, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return DialContext(ctx, addr, logger, opts...)
	}
}

// DialContext connects to addr and describes the remote model.
func DialContext(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*RemotePredictor, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(ctx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("inferencerpc.dial", "", err)
		logger.Error("failed to dial inference service", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	out := new(wrapperspb.UInt32Value)
	if err := conn.Invoke(ctx, describeMethod, &emptypb.Empty{}, out); err != nil {
		conn.Close()
		wrapped := logging.NewOperationError("inferencerpc.describe", "", err)
		logger.Error("failed to describe remote model", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	return &RemotePredictor{
		conn:       conn,
		outputSize: int(out.GetValue()),
		logger:     logger.Named("remote_predictor"),
	}, nil
}

// RemotePredictor is a model.Predictor backed by a gRPC inference service.
type RemotePredictor struct {
	conn       *grpc.ClientConn
	outputSize int
	logger     *zap.Logger
}

// Predict sends the tensor to the remote service.
func (r *RemotePredictor) Predict(ctx context.Context, input *imageprocessor.Tensor) ([]float32, error) {
	if input == nil {
		return nil, fmt.Errorf("nil input tensor")
	}
	out := new(wrapperspb.BytesValue)
	if err := r.conn.Invoke(ctx, predictMethod, wrapperspb.Bytes(encodeFloats(input.Data)), out); err != nil {
		wrapped := logging.NewOperationError("inferencerpc.predict", "", err)
		r.logger.Error("remote inference failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return decodeFloats(out.GetValue())
}

// OutputSize implements model.Predictor.
func (r *RemotePredictor) OutputSize() int {
	return r.outputSize
}

// Close tears down the connection.
func (r *RemotePredictor) Close() error {
	return r.conn.Close()
}
