package domain

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

// BookRow is one price level. Amount zero means the level is deleted.
type BookRow struct {
	Price    decimal.Decimal
	Amount   decimal.Decimal
	UpdateID int64
}

// OrderBookSnapshot is a read-only copy of both sides of a book.
type OrderBookSnapshot struct {
	Source           OrderBookSource
	SnapshotUID      int64
	LastDiffUpdateID int64
	Bids             []BookRow
	Asks             []BookRow
}

// QueryResult is returned by the volume queries of the book.
type QueryResult struct {
	QueryVolume  decimal.Decimal
	ResultPrice  decimal.Decimal
	ResultVolume decimal.Decimal
}

type OrderBook struct {
	mu sync.RWMutex

	bids []BookRow // descending by price
	asks []BookRow // ascending by price

	snapshotUID      int64
	lastDiffUpdateID int64
	snapshotApplied  bool
	lastUpdateTime   time.Time

	listenersMu    sync.Mutex
	listeners      map[int]func(Trade)
	nextListenerID int
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		listeners: make(map[int]func(Trade)),
	}
}

// ApplySnapshot replaces both sides of the book. A snapshot older than the
// last applied one is rejected with ErrStaleSnapshot.
func (ob *OrderBook) ApplySnapshot(bids []BookRow, asks []BookRow, updateID int64) error {
	newBids := normalizeDepth(bids, false)
	newAsks := normalizeDepth(asks, true)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if updateID < ob.snapshotUID {
		return ErrStaleSnapshot
	}

	ob.bids = newBids
	ob.asks = newAsks
	ob.snapshotUID = updateID
	ob.snapshotApplied = true
	ob.lastUpdateTime = time.Now()

	return nil
}

// ApplyDiffs upserts and deletes price levels. Diffs at or below the snapshot
// uid are dropped and false is returned.
func (ob *OrderBook) ApplyDiffs(bids []BookRow, asks []BookRow, updateID int64) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if updateID <= ob.snapshotUID {
		return false
	}

	ob.bids = updateDepth(ob.bids, newerThan(bids, ob.snapshotUID), false)
	ob.asks = updateDepth(ob.asks, newerThan(asks, ob.snapshotUID), true)
	ob.lastDiffUpdateID = updateID
	ob.lastUpdateTime = time.Now()

	return true
}

// ApplyTrade does not touch the book, it only fans the trade out to listeners.
func (ob *OrderBook) ApplyTrade(trade Trade) {
	ob.listenersMu.Lock()
	listeners := make([]func(Trade), 0, len(ob.listeners))
	for _, l := range ob.listeners {
		listeners = append(listeners, l)
	}
	ob.listenersMu.Unlock()

	for _, l := range listeners {
		l(trade)
	}
}

func (ob *OrderBook) AddTradeListener(listener func(Trade)) (remove func()) {
	ob.listenersMu.Lock()
	defer ob.listenersMu.Unlock()

	id := ob.nextListenerID
	ob.nextListenerID++
	ob.listeners[id] = listener

	return func() {
		ob.listenersMu.Lock()
		delete(ob.listeners, id)
		ob.listenersMu.Unlock()
	}
}

func (ob *OrderBook) SnapshotUID() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.snapshotUID
}

func (ob *OrderBook) LastDiffUpdateID() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastDiffUpdateID
}

// SnapshotApplied reports whether at least one snapshot has been applied.
func (ob *OrderBook) SnapshotApplied() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.snapshotApplied
}

func (ob *OrderBook) LastUpdateTime() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdateTime
}

// BestPrice returns the price a taker would pay (isBuy) or receive (!isBuy),
// i.e. the best ask or the best bid.
func (ob *OrderBook) BestPrice(isBuy bool) (decimal.Decimal, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	depth := ob.side(isBuy)
	if len(depth) == 0 {
		return decimal.Zero, ErrEmptyBook
	}

	return depth[0].Price, nil
}

// PriceForVolume walks the side a taker would hit and returns the worst price
// needed to fill volume together with the cumulative amount up to that level.
func (ob *OrderBook) PriceForVolume(isBuy bool, volume decimal.Decimal) (QueryResult, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	depth := ob.side(isBuy)
	result := QueryResult{QueryVolume: volume}

	if !volume.IsPositive() {
		if len(depth) == 0 {
			return result, ErrEmptyBook
		}
		result.ResultPrice = depth[0].Price
		return result, nil
	}

	cumulative := decimal.Zero
	for _, row := range depth {
		cumulative = cumulative.Add(row.Amount)
		if cumulative.GreaterThanOrEqual(volume) {
			result.ResultPrice = row.Price
			result.ResultVolume = cumulative
			return result, nil
		}
	}

	result.ResultVolume = cumulative
	return result, ErrInsufficientDepth
}

// VWAPForVolume returns the volume weighted average price for filling volume.
// When the side is thinner than volume, the average over the whole side is
// returned.
func (ob *OrderBook) VWAPForVolume(isBuy bool, volume decimal.Decimal) (QueryResult, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	depth := ob.side(isBuy)
	result := QueryResult{QueryVolume: volume}

	if len(depth) == 0 {
		return result, ErrEmptyBook
	}
	if !volume.IsPositive() {
		result.ResultPrice = depth[0].Price
		return result, nil
	}

	remaining := volume
	total := decimal.Zero
	filled := decimal.Zero
	for _, row := range depth {
		take := decimal.Min(remaining, row.Amount)
		total = total.Add(take.Mul(row.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
		if !remaining.IsPositive() {
			break
		}
	}

	if filled.IsZero() {
		return result, ErrEmptyBook
	}

	result.ResultPrice = total.Div(filled)
	result.ResultVolume = filled
	return result, nil
}

// PriceForQuoteVolume returns the worst price needed to spend (isBuy) or
// receive quoteVolume in quote asset. If the side is exhausted the last
// level's price is returned.
func (ob *OrderBook) PriceForQuoteVolume(isBuy bool, quoteVolume decimal.Decimal) (QueryResult, error) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	depth := ob.side(isBuy)
	result := QueryResult{QueryVolume: quoteVolume}

	if len(depth) == 0 {
		return result, ErrEmptyBook
	}

	cumulative := decimal.Zero
	for _, row := range depth {
		cumulative = cumulative.Add(row.Amount.Mul(row.Price))
		result.ResultPrice = row.Price
		result.ResultVolume = cumulative
		if cumulative.GreaterThanOrEqual(quoteVolume) {
			break
		}
	}

	return result, nil
}

func (ob *OrderBook) Snapshot() *OrderBookSnapshot {
	return ob.TakeSnapshot(0)
}

// TakeSnapshot copies both sides, limited to limit levels when limit > 0.
func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return &OrderBookSnapshot{
		Source:           OrderBookSource_LocalOrderBook,
		SnapshotUID:      ob.snapshotUID,
		LastDiffUpdateID: ob.lastDiffUpdateID,
		Bids:             limitDepth(ob.bids, limit),
		Asks:             limitDepth(ob.asks, limit),
	}
}

func (ob *OrderBook) side(isBuy bool) []BookRow {
	if isBuy {
		return ob.asks
	}
	return ob.bids
}

func limitDepth(depth []BookRow, limit int) []BookRow {
	if limit > 0 && len(depth) > limit {
		depth = depth[:limit]
	}

	out := make([]BookRow, len(depth))
	copy(out, depth)
	return out
}

// searchLevel returns the index of price in depth, or the insert position.
func searchLevel(depth []BookRow, price decimal.Decimal, isAsks bool) (int, bool) {
	i := sort.Search(len(depth), func(i int) bool {
		if isAsks {
			return depth[i].Price.GreaterThanOrEqual(price)
		}
		return depth[i].Price.LessThanOrEqual(price)
	})

	return i, i < len(depth) && depth[i].Price.Equal(price)
}

func updateDepth(depth []BookRow, updates []BookRow, isAsks bool) []BookRow {
	for _, level := range updates {
		i, found := searchLevel(depth, level.Price, isAsks)

		if level.Amount.IsZero() {
			// remove price level
			if found {
				depth = append(depth[:i], depth[i+1:]...)
			}
			continue
		}

		if found {
			depth[i] = level
			continue
		}

		depth = append(depth, BookRow{})
		copy(depth[i+1:], depth[i:])
		depth[i] = level
	}

	return depth
}

// newerThan drops rows whose own update id is already covered by the
// snapshot. Feeds with a sequence per row can straddle the snapshot.
func newerThan(rows []BookRow, updateID int64) []BookRow {
	out := rows[:0:0]
	for _, row := range rows {
		if row.UpdateID != 0 && row.UpdateID <= updateID {
			continue
		}
		out = append(out, row)
	}
	return out
}

func normalizeDepth(rows []BookRow, isAsks bool) []BookRow {
	return updateDepth(make([]BookRow, 0, len(rows)), rows, isAsks)
}
