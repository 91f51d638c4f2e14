package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	pairs     map[string]*OrderBookTrackerEntry
	failFirst int
	calls     int

	diffs     chan OrderBookMessage
	snapshots chan OrderBookMessage
	trades    chan Trade
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pairs:     make(map[string]*OrderBookTrackerEntry),
		diffs:     make(chan OrderBookMessage, 16),
		snapshots: make(chan OrderBookMessage, 16),
		trades:    make(chan Trade, 16),
	}
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) addPair(t *testing.T, marketID string, updateID int64) {
	ob := NewOrderBook()
	require.NoError(t, ob.ApplySnapshot(
		rows(t, updateID, []string{"0.99", "1"}),
		rows(t, updateID, []string{"1.01", "1"}),
		updateID,
	))

	s.mu.Lock()
	s.pairs[marketID] = NewOrderBookTrackerEntry(marketID, ob, nil)
	s.mu.Unlock()
}

func (s *fakeSource) GetTrackingPairs(ctx context.Context) (map[string]*OrderBookTrackerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failFirst {
		return nil, errors.New("exchange unavailable")
	}

	out := make(map[string]*OrderBookTrackerEntry, len(s.pairs))
	for k, v := range s.pairs {
		out[k] = v
	}
	return out, nil
}

func forward[T any](ctx context.Context, in <-chan T, out chan<- T) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-in:
			out <- msg
		}
	}
}

func (s *fakeSource) ListenForOrderBookDiffs(ctx context.Context, out chan<- OrderBookMessage) error {
	return forward(ctx, s.diffs, out)
}

func (s *fakeSource) ListenForOrderBookSnapshots(ctx context.Context, out chan<- OrderBookMessage) error {
	return forward(ctx, s.snapshots, out)
}

func (s *fakeSource) ListenForTrades(ctx context.Context, out chan<- Trade) error {
	return forward(ctx, s.trades, out)
}

type countingMetrics struct {
	mu       sync.Mutex
	tracked  int
	applied  int
	dropped  int
	buffered int
}

func (m *countingMetrics) SetTrackedBooks(_ string, n int) {
	m.mu.Lock()
	m.tracked = n
	m.mu.Unlock()
}

func (m *countingMetrics) IncAppliedDiffs(_, _ string) {
	m.mu.Lock()
	m.applied++
	m.mu.Unlock()
}

func (m *countingMetrics) IncDroppedDiffs(_, _ string) {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *countingMetrics) SetBufferedDiffs(_ string, n int) {
	m.mu.Lock()
	m.buffered = n
	m.mu.Unlock()
}

func diff(marketID string, updateID int64, bids, asks [][]string) OrderBookMessage {
	b, _ := ParseBookRows(bids, updateID)
	a, _ := ParseBookRows(asks, updateID)
	return OrderBookMessage{Type: DiffMessage, MarketID: marketID, UpdateID: updateID, Bids: b, Asks: a}
}

func TestTracker_NotReadyUntilSeeded(t *testing.T) {
	tracker := NewOrderBookTracker(newFakeSource(), TrackerOptions{})

	assert.False(t, tracker.Ready(), "no markets means not ready")

	_, err := tracker.OrderBook("COINALPHA-WETH")
	assert.ErrorIs(t, err, ErrOrderBookNotFound)
}

func TestTracker_RefreshSeedsNewMarketsOnly(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 10)
	metrics := &countingMetrics{}
	tracker := NewOrderBookTracker(source, TrackerOptions{Metrics: metrics})

	require.NoError(t, tracker.Refresh(context.Background()))
	assert.True(t, tracker.Ready())
	assert.Equal(t, []string{"A-B"}, tracker.Markets())

	first, err := tracker.OrderBook("A-B")
	require.NoError(t, err)

	source.addPair(t, "A-B", 50)
	source.addPair(t, "C-D", 20)
	require.NoError(t, tracker.Refresh(context.Background()))

	again, err := tracker.OrderBook("A-B")
	require.NoError(t, err)
	assert.Same(t, first, again, "tracked books must not be replaced on refresh")
	assert.Equal(t, int64(10), again.SnapshotUID())
	assert.Equal(t, []string{"A-B", "C-D"}, tracker.Markets())
	assert.Equal(t, 2, metrics.tracked)
}

func TestTracker_NotReadyWhileABookHasNoSnapshot(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 10)
	source.pairs["C-D"] = NewOrderBookTrackerEntry("C-D", NewOrderBook(), nil)

	tracker := NewOrderBookTracker(source, TrackerOptions{})
	require.NoError(t, tracker.Refresh(context.Background()))

	assert.False(t, tracker.Ready())
}

func TestTracker_BuffersDiffsUntilSeeded(t *testing.T) {
	source := newFakeSource()
	metrics := &countingMetrics{}
	tracker := NewOrderBookTracker(source, TrackerOptions{Metrics: metrics})

	// 9 is older than the snapshot the market gets seeded with
	tracker.routeDiff(diff("A-B", 9, [][]string{{"0.98", "5"}}, nil))
	tracker.routeDiff(diff("A-B", 11, [][]string{{"0.985", "2"}}, nil))
	tracker.routeDiff(diff("A-B", 12, nil, [][]string{{"1.01", "0"}, {"1.02", "3"}}))
	assert.Equal(t, 3, tracker.BufferedDiffs("A-B"))
	assert.Equal(t, 3, metrics.buffered)

	source.addPair(t, "A-B", 10)
	require.NoError(t, tracker.Refresh(context.Background()))

	ob, err := tracker.OrderBook("A-B")
	require.NoError(t, err)
	snapshot := ob.Snapshot()
	assert.Equal(t, [][]string{{"0.99", "1"}, {"0.985", "2"}}, SerializeBookRows(snapshot.Bids))
	assert.Equal(t, [][]string{{"1.02", "3"}}, SerializeBookRows(snapshot.Asks))
	assert.Equal(t, int64(12), ob.LastDiffUpdateID())
	assert.Equal(t, 0, tracker.BufferedDiffs("A-B"))
	assert.Equal(t, 2, metrics.applied)
	assert.Equal(t, 1, metrics.dropped)
	assert.Equal(t, 0, metrics.buffered)
}

func TestTracker_BufferDropsOldestWhenFull(t *testing.T) {
	tracker := NewOrderBookTracker(newFakeSource(), TrackerOptions{MaxBufferedDiffs: 2})

	for id := int64(1); id <= 5; id++ {
		tracker.routeDiff(diff("A-B", id, nil, nil))
	}

	assert.Equal(t, 2, tracker.BufferedDiffs("A-B"))
	buf := tracker.buffers["A-B"]
	assert.Equal(t, int64(4), buf.Front().UpdateID)
	assert.Equal(t, int64(5), buf.Back().UpdateID)
}

func TestTracker_SnapshotRouting(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 10)
	tracker := NewOrderBookTracker(source, TrackerOptions{})
	require.NoError(t, tracker.Refresh(context.Background()))

	bids, _ := ParseBookRows([][]string{{"0.5", "1"}}, 5)
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "A-B", UpdateID: 5, Bids: bids})

	ob, _ := tracker.OrderBook("A-B")
	assert.Equal(t, int64(10), ob.SnapshotUID(), "older snapshot is ignored")

	bids, _ = ParseBookRows([][]string{{"0.7", "1"}}, 30)
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "A-B", UpdateID: 30, Bids: bids})
	assert.Equal(t, int64(30), ob.SnapshotUID())
	assert.Equal(t, [][]string{{"0.7", "1"}}, SerializeBookRows(ob.Snapshot().Bids))

	// untracked market is ignored
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "X-Y", UpdateID: 1})
	assert.Equal(t, []string{"A-B"}, tracker.Markets())
}

func TestTracker_ResyncSnapshotKeepsNewerDiffs(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 100)
	tracker := NewOrderBookTracker(source, TrackerOptions{})
	require.NoError(t, tracker.Refresh(context.Background()))

	tracker.routeDiff(diff("A-B", 103, nil, [][]string{{"1.02", "2"}}))
	tracker.routeDiff(diff("A-B", 110, [][]string{{"0.995", "4"}}, nil))

	// resync snapshot taken between the two diffs arrives after both
	bids, _ := ParseBookRows([][]string{{"0.99", "1"}}, 105)
	asks, _ := ParseBookRows([][]string{{"1.01", "1"}, {"1.02", "2"}}, 105)
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "A-B", UpdateID: 105, Bids: bids, Asks: asks})

	ob, err := tracker.OrderBook("A-B")
	require.NoError(t, err)
	assert.Equal(t, int64(105), ob.SnapshotUID())
	assert.Equal(t, int64(110), ob.LastDiffUpdateID())

	bid, err := ob.BestPrice(false)
	require.NoError(t, err)
	assert.Equal(t, "0.995", bid.String())
	assert.Equal(t, [][]string{{"0.995", "4"}, {"0.99", "1"}}, SerializeBookRows(ob.Snapshot().Bids))
	assert.Equal(t, [][]string{{"1.01", "1"}, {"1.02", "2"}}, SerializeBookRows(ob.Snapshot().Asks))

	// later diffs keep applying on top
	tracker.routeDiff(diff("A-B", 111, [][]string{{"0.995", "0"}}, nil))
	bid, err = ob.BestPrice(false)
	require.NoError(t, err)
	assert.Equal(t, "0.99", bid.String())
}

func TestTracker_SnapshotOlderThanDiffWindowIsRejected(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 10)
	tracker := NewOrderBookTracker(source, TrackerOptions{})
	require.NoError(t, tracker.Refresh(context.Background()))

	last := int64(20 + recentDiffWindow)
	for id := int64(20); id <= last; id++ {
		tracker.routeDiff(diff("A-B", id, nil, nil))
	}
	tracker.routeDiff(diff("A-B", last+1, [][]string{{"0.995", "4"}}, nil))

	bids, _ := ParseBookRows([][]string{{"0.5", "1"}}, 15)
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "A-B", UpdateID: 15, Bids: bids})

	ob, err := tracker.OrderBook("A-B")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ob.SnapshotUID(), "diffs the snapshot misses can no longer be replayed")
	bid, err := ob.BestPrice(false)
	require.NoError(t, err)
	assert.Equal(t, "0.995", bid.String())

	bids, _ = ParseBookRows([][]string{{"0.7", "1"}}, last)
	tracker.routeSnapshot(OrderBookMessage{Type: SnapshotMessage, MarketID: "A-B", UpdateID: last, Bids: bids})
	assert.Equal(t, last, ob.SnapshotUID())
	assert.Equal(t, [][]string{{"0.995", "4"}, {"0.7", "1"}}, SerializeBookRows(ob.Snapshot().Bids))
}

func TestTracker_TranslatorEntry(t *testing.T) {
	source := newFakeSource()
	translator := NewOrderIDTranslator()
	ob := NewOrderBook()
	bids, asks := translator.TranslateSnapshot(OrderBookMessage{
		UpdateID: 1,
		OrderEvents: []OrderEvent{
			{OrderID: "o1", IsBid: true, Price: decimal.RequireFromString("0.99"), Size: decimal.NewFromInt(2)},
		},
	})
	require.NoError(t, ob.ApplySnapshot(bids, asks, 1))
	source.pairs["A-B"] = NewOrderBookTrackerEntry("A-B", ob, translator)

	tracker := NewOrderBookTracker(source, TrackerOptions{})
	require.NoError(t, tracker.Refresh(context.Background()))

	tracker.routeDiff(OrderBookMessage{
		Type:     DiffMessage,
		MarketID: "A-B",
		UpdateID: 2,
		OrderEvents: []OrderEvent{
			{Kind: OrderOpened, OrderID: "o2", IsBid: true, Price: decimal.RequireFromString("0.99"), Size: decimal.NewFromInt(3)},
		},
	})
	assert.Equal(t, [][]string{{"0.99", "5"}}, SerializeBookRows(ob.Snapshot().Bids))

	tracker.routeDiff(OrderBookMessage{
		Type:        DiffMessage,
		MarketID:    "A-B",
		UpdateID:    3,
		OrderEvents: []OrderEvent{{Kind: OrderDone, OrderID: "o1"}, {Kind: OrderDone, OrderID: "o2"}},
	})
	assert.Empty(t, ob.Snapshot().Bids)
}

func TestTracker_StartRetriesAndRoutesStreams(t *testing.T) {
	source := newFakeSource()
	source.addPair(t, "A-B", 10)
	source.failFirst = 2

	tracker := NewOrderBookTracker(source, TrackerOptions{
		SeedRetry: helpers.FixedDelay(10*time.Millisecond, 5),
	})
	tracker.Start(context.Background())
	defer tracker.Stop()

	require.Eventually(t, tracker.Ready, time.Second, 5*time.Millisecond)

	ob, err := tracker.OrderBook("A-B")
	require.NoError(t, err)

	var mu sync.Mutex
	var trades []Trade
	ob.AddTradeListener(func(trade Trade) {
		mu.Lock()
		trades = append(trades, trade)
		mu.Unlock()
	})

	source.diffs <- diff("A-B", 11, [][]string{{"0.995", "4"}}, nil)
	source.trades <- Trade{MarketID: "A-B", TradeID: "t1"}

	assert.Eventually(t, func() bool { return ob.LastDiffUpdateID() == 11 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(trades) == 1
	}, time.Second, 5*time.Millisecond)
}
