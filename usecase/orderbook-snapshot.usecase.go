package usecase

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
)

var logger = logrus.WithField("component", "orderbook-snapshot-usecase")

// ConnManager is the part of the connection manager the snapshot use case
// reads from.
type ConnManager interface {
	Storage() *domain.OrderBookStorage
	DataSource(provider string) (domain.MarketDataSource, error)
}

type OrderBookSnapshotUseCase struct {
	connManager ConnManager
}

func NewOrderBookSnapshotUseCase(connManager ConnManager) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{connManager: connManager}
}

// GetOrderBookSnapshot returns the snapshot of the tracked book. While the
// book is not tracked or not seeded yet, the provider's snapshot is returned.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, provider string, symbol *domain.MarketSymbol, limit int,
) (*domain.OrderBookSnapshot, error) {
	orderbook, err := o.connManager.Storage().Get(provider, symbol)
	switch {
	case err == nil && orderbook.SnapshotApplied():
		return orderbook.TakeSnapshot(limit), nil
	case errors.Is(err, domain.ErrProviderNotFound):
		return nil, err
	}

	source, err := o.connManager.DataSource(provider)
	if err != nil {
		return nil, err
	}
	fetcher, ok := source.(domain.SnapshotFetcher)
	if !ok {
		return nil, domain.ErrOrderBookNotFound
	}

	logger.WithFields(logrus.Fields{"provider": provider, "symbol": symbol.String()}).
		Debug("order book is not tracked, provider's snapshot returned")
	return fetcher.FetchSnapshot(ctx, symbol, limit)
}
