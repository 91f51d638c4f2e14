package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
)

const (
	Name = "binance"

	DefaultDepthLimit = 1000
)

type Options struct {
	StreamEndpoint string
	APIEndpoint    string
	Markets        []*domain.MarketSymbol
	DepthLimit     int
	SnapshotRetry  helpers.RetryPolicy
}

// BinanceDataSource streams depth diffs and trades and fetches snapshots
// when the diff sequence of a market breaks.
type BinanceDataSource struct {
	opts         Options
	streamClient *BinanceStreamClient
	syncAPI      *BinanceSyncAPI
	validator    domain.DepthUpdateValidator

	connectOnce sync.Once

	mu           sync.Mutex
	lastUpdateID map[string]int64
	resyncing    map[string]bool
	resync       chan string
}

var (
	_ domain.MarketDataSource = (*BinanceDataSource)(nil)
	_ domain.SnapshotFetcher  = (*BinanceDataSource)(nil)
)

func NewBinanceDataSource(opts Options) *BinanceDataSource {
	if opts.DepthLimit <= 0 {
		opts.DepthLimit = DefaultDepthLimit
	}
	if opts.SnapshotRetry.Min <= 0 {
		opts.SnapshotRetry = helpers.FixedDelay(domain.SnapshotRetryDelay, 3)
	}

	return &BinanceDataSource{
		opts:         opts,
		streamClient: NewBinanceStreamClient(opts.StreamEndpoint),
		syncAPI:      NewBinanceSyncAPI(opts.APIEndpoint),
		validator:    DepthUpdateValidator{},
		lastUpdateID: make(map[string]int64),
		resyncing:    make(map[string]bool),
		resync:       make(chan string, len(opts.Markets)+1),
	}
}

func (s *BinanceDataSource) Name() string { return Name }

func (s *BinanceDataSource) StreamClient() *BinanceStreamClient { return s.streamClient }

func (s *BinanceDataSource) connect() {
	s.connectOnce.Do(s.streamClient.Connect)
}

// GetTrackingPairs returns a freshly snapshotted book for every configured
// market that was not handed out before. A market whose snapshot fails is
// left out and tried again on the next call; the call only fails when no
// market could be seeded.
func (s *BinanceDataSource) GetTrackingPairs(ctx context.Context) (map[string]*domain.OrderBookTrackerEntry, error) {
	s.connect()

	out := make(map[string]*domain.OrderBookTrackerEntry)
	seeded := make(map[string]int64)
	var errs []error

	for _, symbol := range s.opts.Markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := MarketID(symbol)

		s.mu.Lock()
		_, known := s.lastUpdateID[id]
		s.mu.Unlock()
		if known {
			continue
		}

		msg, err := s.snapshot(ctx, id)
		if err != nil {
			logger.WithError(err).WithField("market", id).Warn("seeding market failed")
			errs = append(errs, err)
			continue
		}

		ob := domain.NewOrderBook()
		if err := ob.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID); err != nil {
			errs = append(errs, fmt.Errorf("binance: %s: %w", id, err))
			continue
		}
		out[id] = domain.NewOrderBookTrackerEntry(id, ob, nil)
		seeded[id] = msg.UpdateID
	}

	s.mu.Lock()
	for id, updateID := range seeded {
		s.lastUpdateID[id] = updateID
	}
	s.mu.Unlock()

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (s *BinanceDataSource) snapshot(ctx context.Context, marketID string) (domain.OrderBookMessage, error) {
	snapshot, err := s.syncAPI.OrderBookSnapshot(ctx, marketID, s.opts.DepthLimit)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("binance: snapshot %s: %w", marketID, err)
	}
	return snapshotMessage(marketID, snapshot)
}

// FetchSnapshot asks the websocket api for the book of a market that may not
// be tracked.
func (s *BinanceDataSource) FetchSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	if limit <= 0 {
		limit = s.opts.DepthLimit
	}
	id := MarketID(symbol)
	snapshot, err := s.syncAPI.OrderBookSnapshot(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("binance: snapshot %s: %w", id, err)
	}
	msg, err := snapshotMessage(id, snapshot)
	if err != nil {
		return nil, err
	}

	return &domain.OrderBookSnapshot{
		Source:      domain.OrderBookSource_Provider,
		SnapshotUID: msg.UpdateID,
		Bids:        msg.Bids,
		Asks:        msg.Asks,
	}, nil
}

func (s *BinanceDataSource) ListenForOrderBookDiffs(ctx context.Context, out chan<- domain.OrderBookMessage) error {
	s.connect()

	topics := make([]string, len(s.opts.Markets))
	for i, symbol := range s.opts.Markets {
		topics[i] = depthTopic(symbol)
	}

	return s.listen(ctx, topics, func(raw []byte) {
		msg, ok := s.checkDiff(raw)
		if !ok {
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	})
}

// checkDiff parses a depth event and runs it through the sequence validator.
// A gap schedules a snapshot for the market.
func (s *BinanceDataSource) checkDiff(raw []byte) (domain.OrderBookMessage, bool) {
	data, msg, err := parseDepthUpdate(raw)
	if err != nil {
		logger.WithError(err).Warn("dropping depth update")
		return msg, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, known := s.lastUpdateID[msg.MarketID]
	if !known {
		// not seeded yet, the tracker buffers it
		return msg, true
	}

	err = s.validator.IsValidUpd(data.FirstUpdateId, data.FinalUpdateId, last)
	switch {
	case errors.Is(err, domain.ErrOrderBookUpdateIsOutdated):
		return msg, false
	case errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence):
		if !s.resyncing[msg.MarketID] {
			logger.WithFields(logrus.Fields{
				"market": msg.MarketID,
				"first":  data.FirstUpdateId,
				"last":   last,
			}).Warn("depth update out of sequence, requesting snapshot")
			s.resyncing[msg.MarketID] = true
			select {
			case s.resync <- msg.MarketID:
			default:
			}
		}
		return msg, false
	}

	s.lastUpdateID[msg.MarketID] = data.FinalUpdateId
	return msg, true
}

// ListenForOrderBookSnapshots serves the snapshots requested by the diff
// listener after a sequence gap.
func (s *BinanceDataSource) ListenForOrderBookSnapshots(ctx context.Context, out chan<- domain.OrderBookMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.resync:
			var msg domain.OrderBookMessage
			err := helpers.NewRetrier(s.opts.SnapshotRetry).Do(ctx, func(ctx context.Context) error {
				var err error
				msg, err = s.snapshot(ctx, id)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WithError(err).WithField("market", id).Error("resync snapshot failed")
				s.mu.Lock()
				s.resyncing[id] = false
				s.mu.Unlock()
				continue
			}

			s.mu.Lock()
			s.lastUpdateID[id] = msg.UpdateID
			s.resyncing[id] = false
			s.mu.Unlock()

			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *BinanceDataSource) ListenForTrades(ctx context.Context, out chan<- domain.Trade) error {
	s.connect()

	topics := make([]string, len(s.opts.Markets))
	for i, symbol := range s.opts.Markets {
		topics[i] = tradeTopic(symbol)
	}

	return s.listen(ctx, topics, func(raw []byte) {
		trade, err := parseTrade(raw)
		if err != nil {
			logger.WithError(err).Warn("dropping trade")
			return
		}
		select {
		case out <- trade:
		case <-ctx.Done():
		}
	})
}

// listen subscribes to topics and feeds every message to handle until ctx
// is done.
func (s *BinanceDataSource) listen(ctx context.Context, topics []string, handle func([]byte)) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		sub, err := s.streamClient.Subscribe(topic)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-sub.Stream:
					if !ok {
						return
					}
					handle(raw)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (s *BinanceDataSource) Close() {
	s.streamClient.Close()
	_ = s.syncAPI.Close()
}
