package rpc

import (
	"context"
	"fmt"

	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The service has no generated stubs: requests and responses travel as
// google.protobuf.Struct and are mapped to the typed values below.

const (
	ServiceName                = "xemm.MarketDataService"
	GetOrderBookSnapshotMethod = "/xemm.MarketDataService/GetOrderBookSnapshot"
)

type MarketDataServiceServer interface {
	GetOrderBookSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var MarketDataServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketDataServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetOrderBookSnapshot",
			Handler:    getOrderBookSnapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xemm/market_data.proto",
}

func RegisterMarketDataServiceServer(s grpc.ServiceRegistrar, srv MarketDataServiceServer) {
	s.RegisterService(&MarketDataServiceDesc, srv)
}

func getOrderBookSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetOrderBookSnapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MarketDataServiceServer).GetOrderBookSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type MarketDataServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketDataServiceClient(cc grpc.ClientConnInterface) *MarketDataServiceClient {
	return &MarketDataServiceClient{cc: cc}
}

func (c *MarketDataServiceClient) GetOrderBookSnapshot(ctx context.Context, in *GetOrderBookSnapshotRequest, opts ...grpc.CallOption) (*GetOrderBookSnapshotResponse, error) {
	req, err := in.Struct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetOrderBookSnapshotMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return ParseGetOrderBookSnapshotResponse(out)
}

type GetOrderBookSnapshotRequest struct {
	Provider string
	// base/quote, e.g. btc/usdt
	Market   string
	MaxDepth int
}

func (r *GetOrderBookSnapshotRequest) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"provider":  r.Provider,
		"market":    r.Market,
		"max_depth": r.MaxDepth,
	})
}

func ParseGetOrderBookSnapshotRequest(s *structpb.Struct) (*GetOrderBookSnapshotRequest, error) {
	fields := s.GetFields()
	depth := fields["max_depth"].GetNumberValue()
	if depth < 0 || depth != float64(int(depth)) {
		return nil, fmt.Errorf("max_depth must be a non-negative integer, got %v", depth)
	}
	return &GetOrderBookSnapshotRequest{
		Provider: fields["provider"].GetStringValue(),
		Market:   fields["market"].GetStringValue(),
		MaxDepth: int(depth),
	}, nil
}

type OrderBookLevel struct {
	Price string
	Qty   string
}

type GetOrderBookSnapshotResponse struct {
	Source      string
	SnapshotUID string
	Bids        []OrderBookLevel
	Asks        []OrderBookLevel
}

func NewGetOrderBookSnapshotResponse(snapshot *domain.OrderBookSnapshot) *GetOrderBookSnapshotResponse {
	return &GetOrderBookSnapshotResponse{
		Source:      selectOrderBookSource(snapshot.Source),
		SnapshotUID: helpers.IntToString(snapshot.SnapshotUID),
		Bids:        levels(snapshot.Bids),
		Asks:        levels(snapshot.Asks),
	}
}

func levels(rows []domain.BookRow) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(rows))
	for _, row := range domain.SerializeBookRows(rows) {
		out = append(out, OrderBookLevel{Price: row[0], Qty: row[1]})
	}
	return out
}

func selectOrderBookSource(source domain.OrderBookSource) string {
	switch source {
	case domain.OrderBookSource_LocalOrderBook:
		return "LocalOrderBook"
	case domain.OrderBookSource_Provider:
		return "Provider"
	default:
		return "Unknown"
	}
}

func (r *GetOrderBookSnapshotResponse) Struct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"source":       r.Source,
		"snapshot_uid": r.SnapshotUID,
		"bids":         levelsToList(r.Bids),
		"asks":         levelsToList(r.Asks),
	})
}

func levelsToList(levels []OrderBookLevel) []interface{} {
	out := make([]interface{}, len(levels))
	for i, l := range levels {
		out[i] = map[string]interface{}{"price": l.Price, "qty": l.Qty}
	}
	return out
}

func ParseGetOrderBookSnapshotResponse(s *structpb.Struct) (*GetOrderBookSnapshotResponse, error) {
	fields := s.GetFields()
	bids, err := listToLevels(fields["bids"])
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := listToLevels(fields["asks"])
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &GetOrderBookSnapshotResponse{
		Source:      fields["source"].GetStringValue(),
		SnapshotUID: fields["snapshot_uid"].GetStringValue(),
		Bids:        bids,
		Asks:        asks,
	}, nil
}

func listToLevels(v *structpb.Value) ([]OrderBookLevel, error) {
	values := v.GetListValue().GetValues()
	out := make([]OrderBookLevel, 0, len(values))
	for _, item := range values {
		level := item.GetStructValue()
		if level == nil {
			return nil, fmt.Errorf("level is not an object: %v", item)
		}
		out = append(out, OrderBookLevel{
			Price: level.GetFields()["price"].GetStringValue(),
			Qty:   level.GetFields()["qty"].GetStringValue(),
		})
	}
	return out, nil
}
