package kucoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
)

const Name = "kucoin"

type Options struct {
	APIBaseURI    string
	Credentials   Credentials
	Markets       []*domain.MarketSymbol
	SnapshotRetry helpers.RetryPolicy
	ConnectRetry  helpers.RetryPolicy
}

// KucoinDataSource streams level2 changes and matches, and fetches the rest
// snapshot when the change sequence of a market breaks.
type KucoinDataSource struct {
	opts         Options
	syncAPI      *KucoinSyncAPI
	streamClient *KucoinStreamClient
	validator    domain.DepthUpdateValidator

	connMu    sync.Mutex
	connected bool

	mu           sync.Mutex
	lastSequence map[string]int64
	resyncing    map[string]bool
	resync       chan string
}

var (
	_ domain.MarketDataSource = (*KucoinDataSource)(nil)
	_ domain.SnapshotFetcher  = (*KucoinDataSource)(nil)
)

func NewKucoinDataSource(opts Options) *KucoinDataSource {
	if opts.SnapshotRetry.Min <= 0 {
		opts.SnapshotRetry = helpers.FixedDelay(domain.SnapshotRetryDelay, 3)
	}
	if opts.ConnectRetry.Min <= 0 {
		opts.ConnectRetry = helpers.FixedDelay(domain.ReconnectDelay, 0)
	}

	syncAPI := NewKucoinSyncAPI(opts.APIBaseURI, opts.Credentials)
	streamClient := NewKucoinStreamClient(syncAPI)
	streamClient.ReconnectRetry = opts.ConnectRetry

	return &KucoinDataSource{
		opts:         opts,
		syncAPI:      syncAPI,
		streamClient: streamClient,
		validator:    DepthUpdateValidator{},
		lastSequence: make(map[string]int64),
		resyncing:    make(map[string]bool),
		resync:       make(chan string, len(opts.Markets)+1),
	}
}

func (s *KucoinDataSource) Name() string { return Name }

func (s *KucoinDataSource) StreamClient() *KucoinStreamClient { return s.streamClient }

// connect keeps retrying until the token call and the dial succeed or ctx
// is done.
func (s *KucoinDataSource) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.connected {
		return nil
	}

	err := helpers.NewRetrier(s.opts.ConnectRetry).Do(ctx, func(ctx context.Context) error {
		return s.streamClient.Connect(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("kucoin stream connect failed")
	})
	if err != nil {
		return fmt.Errorf("kucoin: connecting stream: %w", err)
	}
	s.connected = true
	return nil
}

// GetTrackingPairs snapshots every configured market not handed out before.
// Markets that fail are skipped until the next call.
func (s *KucoinDataSource) GetTrackingPairs(ctx context.Context) (map[string]*domain.OrderBookTrackerEntry, error) {
	out := make(map[string]*domain.OrderBookTrackerEntry)
	seeded := make(map[string]int64)
	var errs []error

	for _, symbol := range s.opts.Markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := MarketID(symbol)

		s.mu.Lock()
		_, known := s.lastSequence[id]
		s.mu.Unlock()
		if known {
			continue
		}

		msg, err := s.snapshot(id)
		if err != nil {
			logger.WithError(err).WithField("market", id).Warn("seeding market failed")
			errs = append(errs, err)
			continue
		}

		ob := domain.NewOrderBook()
		if err := ob.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID); err != nil {
			errs = append(errs, fmt.Errorf("kucoin: %s: %w", id, err))
			continue
		}
		out[id] = domain.NewOrderBookTrackerEntry(id, ob, nil)
		seeded[id] = msg.UpdateID
	}

	s.mu.Lock()
	for id, sequence := range seeded {
		s.lastSequence[id] = sequence
	}
	s.mu.Unlock()

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (s *KucoinDataSource) snapshot(marketID string) (domain.OrderBookMessage, error) {
	snapshot, sequence, err := s.syncAPI.OrderBookSnapshot(marketID)
	if err != nil {
		return domain.OrderBookMessage{}, fmt.Errorf("kucoin: snapshot %s: %w", marketID, err)
	}
	return snapshotMessage(marketID, snapshot, sequence)
}

// FetchSnapshot returns the rest snapshot of symbol cut to limit levels.
func (s *KucoinDataSource) FetchSnapshot(ctx context.Context, symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := s.snapshot(MarketID(symbol))
	if err != nil {
		return nil, err
	}

	ob := domain.NewOrderBook()
	if err := ob.ApplySnapshot(msg.Bids, msg.Asks, msg.UpdateID); err != nil {
		return nil, err
	}
	snapshot := ob.TakeSnapshot(limit)
	snapshot.Source = domain.OrderBookSource_Provider
	return snapshot, nil
}

func (s *KucoinDataSource) ListenForOrderBookDiffs(ctx context.Context, out chan<- domain.OrderBookMessage) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

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

// checkDiff validates a level2 change against the last applied sequence and
// strips the rows that sequence already covers.
func (s *KucoinDataSource) checkDiff(raw []byte) (domain.OrderBookMessage, bool) {
	data, err := parseDepthUpdate(raw)
	if err != nil {
		logger.WithError(err).Warn("dropping level2 change")
		return domain.OrderBookMessage{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, known := s.lastSequence[data.Symbol]
	if known {
		err = s.validator.IsValidUpd(data.SequenceStart, data.SequenceEnd, last)
		switch {
		case errors.Is(err, domain.ErrOrderBookUpdateIsOutdated):
			return domain.OrderBookMessage{}, false
		case errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence):
			s.requestResync(data.Symbol, data.SequenceStart, last)
			return domain.OrderBookMessage{}, false
		}
	}

	msg, err := diffMessage(data, last)
	if err != nil {
		logger.WithError(err).WithField("market", data.Symbol).Warn("dropping level2 change")
		return msg, false
	}
	if known {
		s.lastSequence[data.Symbol] = data.SequenceEnd
	}
	return msg, true
}

// requestResync must be called with s.mu held.
func (s *KucoinDataSource) requestResync(marketID string, start, last int64) {
	if s.resyncing[marketID] {
		return
	}
	logger.WithFields(logrus.Fields{
		"market": marketID,
		"start":  start,
		"last":   last,
	}).Warn("level2 change out of sequence, requesting snapshot")

	s.resyncing[marketID] = true
	select {
	case s.resync <- marketID:
	default:
	}
}

func (s *KucoinDataSource) ListenForOrderBookSnapshots(ctx context.Context, out chan<- domain.OrderBookMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.resync:
			var msg domain.OrderBookMessage
			err := helpers.NewRetrier(s.opts.SnapshotRetry).Do(ctx, func(context.Context) error {
				var err error
				msg, err = s.snapshot(id)
				return err
			})

			s.mu.Lock()
			s.resyncing[id] = false
			if err == nil {
				s.lastSequence[id] = msg.UpdateID
			}
			s.mu.Unlock()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.WithError(err).WithField("market", id).Error("resync snapshot failed")
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *KucoinDataSource) ListenForTrades(ctx context.Context, out chan<- domain.Trade) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	topics := make([]string, len(s.opts.Markets))
	for i, symbol := range s.opts.Markets {
		topics[i] = tradeTopic(symbol)
	}

	return s.listen(ctx, topics, func(raw []byte) {
		trade, err := parseTrade(raw)
		if err != nil {
			logger.WithError(err).Warn("dropping match")
			return
		}
		select {
		case out <- trade:
		case <-ctx.Done():
		}
	})
}

func (s *KucoinDataSource) listen(ctx context.Context, topics []string, handle func([]byte)) error {
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

func (s *KucoinDataSource) Close() {
	s.streamClient.Close()
}
