package domain

import (
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func event(kind OrderEventKind, id string, isBid bool, price, size string) OrderEvent {
	ev := OrderEvent{Kind: kind, OrderID: id, IsBid: isBid}
	if price != "" {
		ev.Price = decimal.RequireFromString(price)
	}
	if size != "" {
		ev.Size = decimal.RequireFromString(size)
	}
	return ev
}

func sortedLevels(rows []BookRow) [][]string {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Price.LessThan(rows[j].Price) })
	return SerializeBookRows(rows)
}

func TestOrderIDTranslator_Snapshot(t *testing.T) {
	tr := NewOrderIDTranslator()

	bids, asks := tr.TranslateSnapshot(OrderBookMessage{
		UpdateID: 100,
		OrderEvents: []OrderEvent{
			event(OrderOpened, "a", true, "0.99", "1"),
			event(OrderOpened, "b", true, "0.99", "2.5"),
			event(OrderOpened, "c", true, "0.98", "1"),
			event(OrderOpened, "d", false, "1.01", "4"),
		},
	})

	assert.Equal(t, [][]string{{"0.98", "1"}, {"0.99", "3.5"}}, sortedLevels(bids))
	assert.Equal(t, [][]string{{"1.01", "4"}}, sortedLevels(asks))
	assert.Equal(t, int64(100), bids[0].UpdateID)
}

func TestOrderIDTranslator_Diff(t *testing.T) {
	tr := NewOrderIDTranslator()
	tr.TranslateSnapshot(OrderBookMessage{
		UpdateID: 1,
		OrderEvents: []OrderEvent{
			event(OrderOpened, "a", true, "0.99", "1"),
			event(OrderOpened, "b", false, "1.01", "2"),
		},
	})

	tests := []struct {
		name   string
		events []OrderEvent
		bids   [][]string
		asks   [][]string
	}{
		{
			name:   "OpenAddsToLevel",
			events: []OrderEvent{event(OrderOpened, "c", true, "0.99", "2")},
			bids:   [][]string{{"0.99", "3"}},
			asks:   [][]string{},
		},
		{
			name:   "ChangeSetsNewSize",
			events: []OrderEvent{event(OrderChanged, "b", false, "", "0.5")},
			bids:   [][]string{},
			asks:   [][]string{{"1.01", "0.5"}},
		},
		{
			name:   "DoneEmptiesLevel",
			events: []OrderEvent{event(OrderDone, "b", false, "", "")},
			bids:   [][]string{},
			asks:   [][]string{{"1.01", "0"}},
		},
		{
			name:   "ReopenMovesOrderToNewLevel",
			events: []OrderEvent{event(OrderOpened, "c", true, "0.98", "2")},
			bids:   [][]string{{"0.98", "2"}, {"0.99", "1"}},
			asks:   [][]string{},
		},
		{
			name:   "ReopenOnOtherSide",
			events: []OrderEvent{event(OrderOpened, "a", false, "1.02", "1")},
			bids:   [][]string{{"0.99", "0"}},
			asks:   [][]string{{"1.02", "1"}},
		},
		{
			name:   "UnknownOrderIsIgnored",
			events: []OrderEvent{event(OrderDone, "zzz", true, "", "")},
			bids:   [][]string{},
			asks:   [][]string{},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bids, asks := tr.TranslateDiff(OrderBookMessage{UpdateID: int64(2 + i), OrderEvents: tt.events})
			assert.Equal(t, tt.bids, sortedLevels(bids))
			assert.Equal(t, tt.asks, sortedLevels(asks))
		})
	}
}

func TestOrderIDTranslator_PassThrough(t *testing.T) {
	tr := NewOrderIDTranslator()
	bids := []BookRow{{Price: decimal.NewFromInt(1), Amount: decimal.NewFromInt(2), UpdateID: 3}}

	gotBids, gotAsks := tr.TranslateDiff(OrderBookMessage{UpdateID: 3, Bids: bids})

	assert.Equal(t, bids, gotBids)
	assert.Nil(t, gotAsks)
}
