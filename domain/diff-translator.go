package domain

import (
	"sync"

	"github.com/shopspring/decimal"
)

// DiffTranslator folds order-level events into price-level rows for feeds
// that key their diffs by order id.
type DiffTranslator interface {
	TranslateSnapshot(msg OrderBookMessage) (bids []BookRow, asks []BookRow)
	TranslateDiff(msg OrderBookMessage) (bids []BookRow, asks []BookRow)
}

type trackedOrder struct {
	isBid bool
	price decimal.Decimal
	size  decimal.Decimal
}

// OrderIDTranslator keeps every open order of a market and the aggregated
// amount per price level.
type OrderIDTranslator struct {
	mu     sync.Mutex
	orders map[string]trackedOrder
	bids   map[string]decimal.Decimal
	asks   map[string]decimal.Decimal
}

func NewOrderIDTranslator() *OrderIDTranslator {
	t := &OrderIDTranslator{}
	t.reset()
	return t
}

func (t *OrderIDTranslator) reset() {
	t.orders = make(map[string]trackedOrder)
	t.bids = make(map[string]decimal.Decimal)
	t.asks = make(map[string]decimal.Decimal)
}

// TranslateSnapshot drops all tracked orders and rebuilds the levels from the
// snapshot's events. Messages without events pass through unchanged.
func (t *OrderIDTranslator) TranslateSnapshot(msg OrderBookMessage) ([]BookRow, []BookRow) {
	if len(msg.OrderEvents) == 0 {
		return msg.Bids, msg.Asks
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()
	for _, ev := range msg.OrderEvents {
		ev.Kind = OrderOpened
		t.fold(ev)
	}

	return t.levels(t.bids, msg.UpdateID), t.levels(t.asks, msg.UpdateID)
}

// TranslateDiff applies the events and returns only the levels they touched.
func (t *OrderIDTranslator) TranslateDiff(msg OrderBookMessage) ([]BookRow, []BookRow) {
	if len(msg.OrderEvents) == 0 {
		return msg.Bids, msg.Asks
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	touchedBids := make(map[string]decimal.Decimal)
	touchedAsks := make(map[string]decimal.Decimal)

	for _, ev := range msg.OrderEvents {
		for _, level := range t.fold(ev) {
			if level.isBid {
				touchedBids[level.price.String()] = level.price
			} else {
				touchedAsks[level.price.String()] = level.price
			}
		}
	}

	return t.touched(t.bids, touchedBids, msg.UpdateID), t.touched(t.asks, touchedAsks, msg.UpdateID)
}

type levelRef struct {
	isBid bool
	price decimal.Decimal
}

func (t *OrderIDTranslator) fold(ev OrderEvent) []levelRef {
	switch ev.Kind {
	case OrderOpened:
		var refs []levelRef
		// a reopened order may have moved to another level or side
		if prev, ok := t.orders[ev.OrderID]; ok {
			t.adjust(prev.isBid, prev.price, prev.size.Neg())
			refs = append(refs, levelRef{prev.isBid, prev.price})
		}
		t.orders[ev.OrderID] = trackedOrder{isBid: ev.IsBid, price: ev.Price, size: ev.Size}
		t.adjust(ev.IsBid, ev.Price, ev.Size)
		return append(refs, levelRef{ev.IsBid, ev.Price})

	case OrderChanged:
		prev, ok := t.orders[ev.OrderID]
		if !ok {
			return nil
		}
		t.adjust(prev.isBid, prev.price, ev.Size.Sub(prev.size))
		prev.size = ev.Size
		t.orders[ev.OrderID] = prev
		return []levelRef{{prev.isBid, prev.price}}

	case OrderDone:
		prev, ok := t.orders[ev.OrderID]
		if !ok {
			return nil
		}
		t.adjust(prev.isBid, prev.price, prev.size.Neg())
		delete(t.orders, ev.OrderID)
		return []levelRef{{prev.isBid, prev.price}}
	}

	return nil
}

func (t *OrderIDTranslator) adjust(isBid bool, price decimal.Decimal, delta decimal.Decimal) {
	levels := t.asks
	if isBid {
		levels = t.bids
	}

	key := price.String()
	amount := levels[key].Add(delta)
	if amount.IsPositive() {
		levels[key] = amount
	} else {
		delete(levels, key)
	}
}

func (t *OrderIDTranslator) levels(levels map[string]decimal.Decimal, updateID int64) []BookRow {
	rows := make([]BookRow, 0, len(levels))
	for key, amount := range levels {
		price, _ := decimal.NewFromString(key)
		rows = append(rows, BookRow{Price: price, Amount: amount, UpdateID: updateID})
	}
	return rows
}

func (t *OrderIDTranslator) touched(levels map[string]decimal.Decimal, touched map[string]decimal.Decimal, updateID int64) []BookRow {
	rows := make([]BookRow, 0, len(touched))
	for key, price := range touched {
		// a missing level has been emptied and is reported with amount zero
		rows = append(rows, BookRow{Price: price, Amount: levels[key], UpdateID: updateID})
	}
	return rows
}
