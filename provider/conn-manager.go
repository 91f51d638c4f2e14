package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
	"github.com/spooky-finn/xemm-bridge/provider/binance"
	"github.com/spooky-finn/xemm-bridge/provider/kucoin"
)

var logger = logrus.WithField("component", "connection-manager")

const readyPollInterval = 100 * time.Millisecond

type Options struct {
	// nil disables the exchange
	Binance *binance.Options
	Kucoin  *kucoin.Options
	Tracker domain.TrackerOptions
}

// DataSource is a market data source that owns network connections.
type DataSource interface {
	domain.MarketDataSource
	Close()
}

type connection struct {
	source   DataSource
	tracker  *domain.OrderBookTracker
	marketID domain.MarketIDFormatter
}

// ConnectionManager owns one data source and one order book tracker per
// enabled exchange and registers the trackers in the order book storage.
type ConnectionManager struct {
	storage *domain.OrderBookStorage

	mu          sync.Mutex
	connections map[string]*connection
	started     bool
}

func NewConnectionManager(opts Options) *ConnectionManager {
	cm := &ConnectionManager{
		storage:     domain.NewOrderBookStorage(),
		connections: make(map[string]*connection),
	}

	if opts.Binance != nil {
		cm.Register(binance.NewBinanceDataSource(*opts.Binance), binance.MarketID, opts.Tracker)
	}
	if opts.Kucoin != nil {
		cm.Register(kucoin.NewKucoinDataSource(*opts.Kucoin), kucoin.MarketID, opts.Tracker)
	}

	return cm
}

// Register adds a data source. Sources registered after Init are not started.
func (cm *ConnectionManager) Register(source DataSource, marketID domain.MarketIDFormatter, opts domain.TrackerOptions) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	tracker := domain.NewOrderBookTracker(source, opts)
	cm.connections[source.Name()] = &connection{source: source, tracker: tracker, marketID: marketID}
	cm.storage.Add(source.Name(), tracker, marketID)
}

// Init starts every tracker. It does not wait for the books, see WaitReady.
func (cm *ConnectionManager) Init(ctx context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.started {
		return
	}
	cm.started = true

	for name, conn := range cm.connections {
		logger.WithField("provider", name).Info("starting order book tracker")
		conn.tracker.Start(ctx)
	}
}

func (cm *ConnectionManager) Storage() *domain.OrderBookStorage {
	return cm.storage
}

func (cm *ConnectionManager) Providers() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	names := make([]string, 0, len(cm.connections))
	for name := range cm.connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cm *ConnectionManager) DataSource(provider string) (domain.MarketDataSource, error) {
	conn, err := cm.connection(provider)
	if err != nil {
		return nil, err
	}
	return conn.source, nil
}

func (cm *ConnectionManager) Tracker(provider string) (*domain.OrderBookTracker, error) {
	conn, err := cm.connection(provider)
	if err != nil {
		return nil, err
	}
	return conn.tracker, nil
}

// OrderBook returns the live book of symbol on provider.
func (cm *ConnectionManager) OrderBook(provider string, symbol *domain.MarketSymbol) (*domain.OrderBook, error) {
	return cm.storage.Get(provider, symbol)
}

func (cm *ConnectionManager) connection(provider string) (*connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.connections[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, provider)
	}
	return conn, nil
}

// WaitReady blocks until the trackers of all given providers have every
// book seeded.
func (cm *ConnectionManager) WaitReady(ctx context.Context, providers ...string) error {
	ready := make([]<-chan struct{}, 0, len(providers))
	for _, name := range providers {
		conn, err := cm.connection(name)
		if err != nil {
			return err
		}
		ready = append(ready, pollReady(ctx, conn.tracker))
	}

	select {
	case <-helpers.WhenAll(ready...):
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func pollReady(ctx context.Context, tracker *domain.OrderBookTracker) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)

		ticker := time.NewTicker(readyPollInterval)
		defer ticker.Stop()
		for !tracker.Ready() {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

func (cm *ConnectionManager) Close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for name, conn := range cm.connections {
		conn.tracker.Stop()
		conn.source.Close()
		logger.WithField("provider", name).Info("connection closed")
	}
}
