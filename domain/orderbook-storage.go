package domain

import (
	"sort"
	"sync"
)

// MarketIDFormatter turns a symbol into the market id a data source uses.
type MarketIDFormatter func(symbol *MarketSymbol) string

type trackedProvider struct {
	tracker  *OrderBookTracker
	marketID MarketIDFormatter
}

// OrderBookStorage is the provider -> tracker registry read by the snapshot
// use case.
type OrderBookStorage struct {
	mu      sync.RWMutex
	storage map[string]trackedProvider
}

func NewOrderBookStorage() *OrderBookStorage {
	return &OrderBookStorage{
		storage: make(map[string]trackedProvider),
	}
}

func (o *OrderBookStorage) Add(provider string, tracker *OrderBookTracker, marketID MarketIDFormatter) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.storage[provider] = trackedProvider{tracker: tracker, marketID: marketID}
}

func (o *OrderBookStorage) Get(provider string, symbol *MarketSymbol) (*OrderBook, error) {
	o.mu.RLock()
	p, ok := o.storage[provider]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrProviderNotFound
	}

	return p.tracker.OrderBook(p.marketID(symbol))
}

func (o *OrderBookStorage) Tracker(provider string) (*OrderBookTracker, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.storage[provider]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p.tracker, nil
}

func (o *OrderBookStorage) Providers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	providers := make([]string, 0, len(o.storage))
	for name := range o.storage {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// OrderBookCount returns -1 for an unknown provider.
func (o *OrderBookStorage) OrderBookCount(provider string) int {
	o.mu.RLock()
	p, ok := o.storage[provider]
	o.mu.RUnlock()
	if !ok {
		return -1
	}

	return len(p.tracker.Markets())
}
