package domain

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Data sources wait this long before fetching a failed snapshot again and
// before redialing a dropped stream.
const (
	SnapshotRetryDelay = 5 * time.Second
	ReconnectDelay     = 30 * time.Second
)

// MarketDataSource is implemented once per exchange. Every Listen* call runs
// until ctx is done and handles reconnects itself.
type MarketDataSource interface {
	Name() string
	GetTrackingPairs(ctx context.Context) (map[string]*OrderBookTrackerEntry, error)
	ListenForOrderBookDiffs(ctx context.Context, out chan<- OrderBookMessage) error
	ListenForOrderBookSnapshots(ctx context.Context, out chan<- OrderBookMessage) error
	ListenForTrades(ctx context.Context, out chan<- Trade) error
}

type OrderBookTrackerEntry struct {
	MarketID   string
	CreatedAt  time.Time
	OrderBook  *OrderBook
	Translator DiffTranslator

	// serializes snapshots and diffs of the market
	mu sync.Mutex
	// applied diffs, replayed over a snapshot older than them
	recent deque.Deque[OrderBookMessage]
	// update id of the newest diff that fell out of recent
	evictedUpTo int64
}

func NewOrderBookTrackerEntry(marketID string, ob *OrderBook, translator DiffTranslator) *OrderBookTrackerEntry {
	return &OrderBookTrackerEntry{
		MarketID:   marketID,
		CreatedAt:  time.Now(),
		OrderBook:  ob,
		Translator: translator,
	}
}

// Subscription is a stream of messages on a topic.
type Subscription[T any] struct {
	Stream      chan T
	Unsubscribe func()
	Topic       string
}

// SnapshotFetcher is implemented by data sources that can return a snapshot
// straight from the exchange, for markets that are not tracked.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol *MarketSymbol, limit int) (*OrderBookSnapshot, error)
}
