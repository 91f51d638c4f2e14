package domain

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/helpers"
)

const (
	DefaultRefreshInterval  = 5 * time.Minute
	DefaultMaxBufferedDiffs = 1000

	trackerQueueSize = 1000
	recentDiffWindow = 256
)

var trackerLogger = logrus.WithField("component", "orderbook-tracker")

// TrackerMetrics receives tracker counters. Implemented by the prometheus client.
type TrackerMetrics interface {
	SetTrackedBooks(source string, n int)
	IncAppliedDiffs(source, marketID string)
	IncDroppedDiffs(source, marketID string)
	SetBufferedDiffs(source string, n int)
}

type TrackerOptions struct {
	RefreshInterval  time.Duration
	MaxBufferedDiffs int
	// policy for the initial GetTrackingPairs call and for every refresh
	SeedRetry helpers.RetryPolicy
	Metrics   TrackerMetrics
}

func DefaultTrackerOptions() TrackerOptions {
	return TrackerOptions{
		RefreshInterval:  DefaultRefreshInterval,
		MaxBufferedDiffs: DefaultMaxBufferedDiffs,
		SeedRetry:        helpers.FixedDelay(5*time.Second, 5),
	}
}

// OrderBookTracker keeps one OrderBook per market of a data source in sync
// with its snapshot, diff and trade streams.
type OrderBookTracker struct {
	source MarketDataSource
	opts   TrackerOptions

	mu      sync.RWMutex
	entries map[string]*OrderBookTrackerEntry
	// diffs of markets that are not seeded yet
	buffers map[string]*deque.Deque[OrderBookMessage]

	diffs     chan OrderBookMessage
	snapshots chan OrderBookMessage
	trades    chan Trade

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrderBookTracker(source MarketDataSource, opts TrackerOptions) *OrderBookTracker {
	defaults := DefaultTrackerOptions()
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaults.RefreshInterval
	}
	if opts.MaxBufferedDiffs <= 0 {
		opts.MaxBufferedDiffs = defaults.MaxBufferedDiffs
	}
	if opts.SeedRetry.Min <= 0 {
		opts.SeedRetry = defaults.SeedRetry
	}

	return &OrderBookTracker{
		source:    source,
		opts:      opts,
		entries:   make(map[string]*OrderBookTrackerEntry),
		buffers:   make(map[string]*deque.Deque[OrderBookMessage]),
		diffs:     make(chan OrderBookMessage, trackerQueueSize),
		snapshots: make(chan OrderBookMessage, trackerQueueSize),
		trades:    make(chan Trade, trackerQueueSize),
	}
}

func (t *OrderBookTracker) Name() string {
	return t.source.Name()
}

// Start launches the stream listeners, the routers and the refresh loop. It
// does not block; the first GetTrackingPairs call happens in the refresh loop.
func (t *OrderBookTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.spawn(func() {
		if err := t.source.ListenForOrderBookDiffs(ctx, t.diffs); err != nil && !errors.Is(err, context.Canceled) {
			trackerLogger.WithError(err).WithField("source", t.Name()).Error("diff listener stopped")
		}
	})
	t.spawn(func() {
		if err := t.source.ListenForOrderBookSnapshots(ctx, t.snapshots); err != nil && !errors.Is(err, context.Canceled) {
			trackerLogger.WithError(err).WithField("source", t.Name()).Error("snapshot listener stopped")
		}
	})
	t.spawn(func() {
		if err := t.source.ListenForTrades(ctx, t.trades); err != nil && !errors.Is(err, context.Canceled) {
			trackerLogger.WithError(err).WithField("source", t.Name()).Error("trade listener stopped")
		}
	})

	t.spawn(func() { t.diffRouter(ctx) })
	t.spawn(func() { t.snapshotRouter(ctx) })
	t.spawn(func() { t.tradeRouter(ctx) })
	t.spawn(func() { t.refreshLoop(ctx) })
}

// Stop cancels every goroutine started by Start and waits for them.
func (t *OrderBookTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *OrderBookTracker) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Ready is true when at least one market is tracked and every tracked book
// has received a snapshot.
func (t *OrderBookTracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return false
	}
	for _, entry := range t.entries {
		if !entry.OrderBook.SnapshotApplied() {
			return false
		}
	}
	return true
}

func (t *OrderBookTracker) OrderBook(marketID string) (*OrderBook, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[marketID]
	if !ok {
		return nil, ErrOrderBookNotFound
	}
	return entry.OrderBook, nil
}

func (t *OrderBookTracker) Markets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	markets := make([]string, 0, len(t.entries))
	for id := range t.entries {
		markets = append(markets, id)
	}
	sort.Strings(markets)
	return markets
}

// BufferedDiffs returns the number of diffs waiting for marketID to be seeded.
func (t *OrderBookTracker) BufferedDiffs(marketID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if buf, ok := t.buffers[marketID]; ok {
		return buf.Len()
	}
	return 0
}

// Refresh asks the data source for its markets and starts tracking the ones
// that are new. Books already tracked are left untouched.
func (t *OrderBookTracker) Refresh(ctx context.Context) error {
	pairs, err := t.source.GetTrackingPairs(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(pairs))
	for id := range pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t.seed(id, pairs[id])
	}

	t.mu.RLock()
	tracked := len(t.entries)
	t.mu.RUnlock()
	if t.opts.Metrics != nil {
		t.opts.Metrics.SetTrackedBooks(t.Name(), tracked)
	}

	return nil
}

func (t *OrderBookTracker) seed(marketID string, entry *OrderBookTrackerEntry) {
	if entry == nil || entry.OrderBook == nil {
		return
	}
	if entry.MarketID == "" {
		entry.MarketID = marketID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[marketID]; ok {
		return
	}
	t.entries[marketID] = entry

	buf, ok := t.buffers[marketID]
	if !ok {
		trackerLogger.WithFields(logrus.Fields{"source": t.Name(), "market": marketID}).Info("started tracking order book")
		return
	}
	delete(t.buffers, marketID)

	entry.mu.Lock()
	replayed := 0
	for buf.Len() > 0 {
		msg := buf.PopFront()
		if t.applyDiff(entry, msg) {
			entry.remember(msg)
			replayed++
		}
	}
	entry.mu.Unlock()
	t.reportBuffered()

	trackerLogger.WithFields(logrus.Fields{
		"source":   t.Name(),
		"market":   marketID,
		"replayed": replayed,
	}).Info("started tracking order book")
}

func (t *OrderBookTracker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(t.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		retrier := helpers.NewRetrier(t.opts.SeedRetry)
		err := retrier.Do(ctx, t.Refresh, func(attempt int, err error, wait time.Duration) {
			trackerLogger.WithError(err).WithFields(logrus.Fields{
				"source":  t.Name(),
				"attempt": attempt,
				"wait":    wait,
			}).Warn("fetching tracking pairs failed")
		})
		if err != nil && ctx.Err() == nil {
			trackerLogger.WithError(err).WithField("source", t.Name()).Error("refreshing tracked markets")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *OrderBookTracker) diffRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.diffs:
			t.routeDiff(msg)
		}
	}
}

func (t *OrderBookTracker) routeDiff(msg OrderBookMessage) {
	t.mu.Lock()
	entry, ok := t.entries[msg.MarketID]
	if !ok {
		t.bufferDiff(msg)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if t.applyDiff(entry, msg) {
		entry.remember(msg)
	}
}

// remember must be called with e.mu held.
func (e *OrderBookTrackerEntry) remember(msg OrderBookMessage) {
	e.recent.PushBack(msg)
	for e.recent.Len() > recentDiffWindow {
		if evicted := e.recent.PopFront(); evicted.UpdateID > e.evictedUpTo {
			e.evictedUpTo = evicted.UpdateID
		}
	}
}

// bufferDiff must be called with t.mu held.
func (t *OrderBookTracker) bufferDiff(msg OrderBookMessage) {
	buf, ok := t.buffers[msg.MarketID]
	if !ok {
		buf = &deque.Deque[OrderBookMessage]{}
		t.buffers[msg.MarketID] = buf
	}

	if buf.Len() >= t.opts.MaxBufferedDiffs {
		buf.PopFront()
		if t.opts.Metrics != nil {
			t.opts.Metrics.IncDroppedDiffs(t.Name(), msg.MarketID)
		}
	}
	buf.PushBack(msg)
	t.reportBuffered()
}

// reportBuffered must be called with t.mu held.
func (t *OrderBookTracker) reportBuffered() {
	if t.opts.Metrics == nil {
		return
	}
	total := 0
	for _, buf := range t.buffers {
		total += buf.Len()
	}
	t.opts.Metrics.SetBufferedDiffs(t.Name(), total)
}

func (t *OrderBookTracker) applyDiff(entry *OrderBookTrackerEntry, msg OrderBookMessage) bool {
	// stale diffs must not reach the translator either, it keeps its own state
	if msg.UpdateID <= entry.OrderBook.SnapshotUID() {
		t.dropped(entry.MarketID, msg.UpdateID)
		return false
	}

	bids, asks := msg.Bids, msg.Asks
	if entry.Translator != nil {
		bids, asks = entry.Translator.TranslateDiff(msg)
	}

	if !entry.OrderBook.ApplyDiffs(bids, asks, msg.UpdateID) {
		t.dropped(entry.MarketID, msg.UpdateID)
		return false
	}

	if t.opts.Metrics != nil {
		t.opts.Metrics.IncAppliedDiffs(t.Name(), entry.MarketID)
	}
	return true
}

func (t *OrderBookTracker) dropped(marketID string, updateID int64) {
	trackerLogger.WithFields(logrus.Fields{
		"source":    t.Name(),
		"market":    marketID,
		"update_id": updateID,
	}).Debug("dropped stale diff")

	if t.opts.Metrics != nil {
		t.opts.Metrics.IncDroppedDiffs(t.Name(), marketID)
	}
}

func (t *OrderBookTracker) snapshotRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.snapshots:
			t.routeSnapshot(msg)
		}
	}
}

// routeSnapshot replaces the book and applies again the diffs newer than the
// snapshot, which the diff router may have delivered first.
func (t *OrderBookTracker) routeSnapshot(msg OrderBookMessage) {
	t.mu.RLock()
	entry, ok := t.entries[msg.MarketID]
	t.mu.RUnlock()
	if !ok {
		trackerLogger.WithFields(logrus.Fields{"source": t.Name(), "market": msg.MarketID}).Debug("snapshot for untracked market")
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	fields := logrus.Fields{"source": t.Name(), "market": msg.MarketID, "update_id": msg.UpdateID}
	if msg.UpdateID < entry.OrderBook.SnapshotUID() {
		trackerLogger.WithFields(fields).Debug("stale snapshot")
		return
	}
	if msg.UpdateID < entry.evictedUpTo {
		trackerLogger.WithFields(fields).Debug("snapshot is older than the diffs that can be replayed")
		return
	}

	bids, asks := msg.Bids, msg.Asks
	if entry.Translator != nil {
		bids, asks = entry.Translator.TranslateSnapshot(msg)
	}

	if err := entry.OrderBook.ApplySnapshot(bids, asks, msg.UpdateID); err != nil {
		trackerLogger.WithFields(fields).WithError(err).Debug("snapshot not applied")
		return
	}

	for entry.recent.Len() > 0 && entry.recent.Front().UpdateID <= msg.UpdateID {
		entry.recent.PopFront()
	}
	for i := 0; i < entry.recent.Len(); i++ {
		t.applyDiff(entry, entry.recent.At(i))
	}
	if n := entry.recent.Len(); n > 0 {
		trackerLogger.WithFields(fields).WithField("replayed", n).Debug("replayed diffs over snapshot")
	}
}

func (t *OrderBookTracker) tradeRouter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade := <-t.trades:
			t.mu.RLock()
			entry, ok := t.entries[trade.MarketID]
			t.mu.RUnlock()
			if ok {
				entry.OrderBook.ApplyTrade(trade)
			}
		}
	}
}
