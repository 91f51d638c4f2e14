package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var logger = logrus.WithField("component", "rpc")

type SnapshotUseCase interface {
	GetOrderBookSnapshot(ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error)
}

type server struct {
	orderbookSnapshotUseCase SnapshotUseCase
	validationService        *ValidationService
}

func NewServer(uc SnapshotUseCase, conf *ValidationServiceConfig) *server {
	return &server{
		orderbookSnapshotUseCase: uc,
		validationService:        NewValidationService(conf),
	}
}

// NewGRPCServer registers srv on a grpc server that logs every call.
func NewGRPCServer(srv MarketDataServiceServer) *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor))
	RegisterMarketDataServiceServer(gs, srv)
	return gs
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// calls.
func ListenAndServe(ctx context.Context, addr string, srv MarketDataServiceServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, lis, srv)
}

func Serve(ctx context.Context, lis net.Listener, srv MarketDataServiceServer) error {
	gs := NewGRPCServer(srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.WithField("addr", lis.Addr().String()).Info("rpc server listening")
	if err := gs.Serve(lis); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	log := logger.WithField("method", info.FullMethod)

	if msg, ok := req.(protoreflect.ProtoMessage); ok && logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		jsonReq, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(msg)
		if err == nil {
			log = log.WithField("request", string(jsonReq))
		}
	}

	resp, err := handler(ctx, req)
	log = log.WithField("took", time.Since(start))
	if err != nil {
		log.WithError(err).Warn("rpc failed")
		return resp, err
	}
	log.Debug("rpc served")
	return resp, nil
}
