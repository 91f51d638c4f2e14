package rpc

import (
	"context"
	"errors"

	"github.com/spooky-finn/xemm-bridge/domain"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *server) GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := ParseGetOrderBookSnapshotRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if !s.validationService.IsSupportedProvider(req.Provider) {
		return nil, status.Errorf(codes.InvalidArgument, "provider %s is not supported", req.Provider)
	}

	marketSymbol, err := domain.ParseMarketSymbol(req.Market)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid market symbol %s. Correct market symbol should use / as a separator", req.Market)
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, req.Provider, marketSymbol, req.MaxDepth)
	switch {
	case errors.Is(err, domain.ErrOrderBookNotFound), errors.Is(err, domain.ErrProviderNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return NewGetOrderBookSnapshotResponse(snapshot).Struct()
}
