package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/helpers"
	"github.com/spooky-finn/xemm-bridge/infrastructure/journal"
	"github.com/spooky-finn/xemm-bridge/market"
)

var recorderLogger = logrus.WithField("component", "trade-recorder")

const publishTimeout = 5 * time.Second

type TradeJournal interface {
	RecordFill(f journal.FillRecord) error
	PutOrder(o journal.OrderRecord) error
	UpdateOrderState(market, orderID string, state journal.OrderState, reason string, at time.Time) error
}

type TradePublisher interface {
	Send(ctx context.Context, key []byte, value []byte) error
}

type marketEvent struct {
	market string
	event  market.Event
}

// TradeRecorder persists the order events of the markets it is attached to.
// Listeners only enqueue, the journal and the publisher are written from Run
// so a market tick never waits on disk or network.
type TradeRecorder struct {
	journal   TradeJournal
	publisher TradePublisher

	mu      sync.Mutex
	pending deque.Deque[marketEvent]
	notify  chan struct{}
}

// NewTradeRecorder takes an optional publisher.
func NewTradeRecorder(j TradeJournal, publisher TradePublisher) *TradeRecorder {
	return &TradeRecorder{
		journal:   j,
		publisher: publisher,
		notify:    make(chan struct{}, 1),
	}
}

func (r *TradeRecorder) Attach(m market.Market) (detach func()) {
	name := m.Name()
	return m.AddListener(func(event market.Event) {
		r.mu.Lock()
		r.pending.PushBack(marketEvent{market: name, event: event})
		r.mu.Unlock()

		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
}

// Run records queued events until ctx is done, then drains the queue.
func (r *TradeRecorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.Background())
			return
		case <-r.notify:
			r.Flush(ctx)
		}
	}
}

// Flush records every queued event.
func (r *TradeRecorder) Flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if r.pending.Len() == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.pending.PopFront()
		r.mu.Unlock()

		r.record(ctx, ev)
	}
}

func (r *TradeRecorder) record(ctx context.Context, ev marketEvent) {
	log := recorderLogger.WithFields(logrus.Fields{"market": ev.market, "order_id": ev.event.EventOrderID()})

	var err error
	switch e := ev.event.(type) {
	case market.OrderFilled:
		err = r.recordFill(ctx, ev.market, e)
	case market.BuyOrderCreated:
		err = r.journal.PutOrder(openOrder(ev.market, e.OrderCreated))
	case market.SellOrderCreated:
		err = r.journal.PutOrder(openOrder(ev.market, e.OrderCreated))
	case market.BuyOrderCompleted:
		err = r.journal.UpdateOrderState(ev.market, e.OrderID, journal.StateCompleted, "", e.Timestamp)
	case market.SellOrderCompleted:
		err = r.journal.UpdateOrderState(ev.market, e.OrderID, journal.StateCompleted, "", e.Timestamp)
	case market.OrderCancelled:
		err = r.journal.UpdateOrderState(ev.market, e.OrderID, journal.StateCancelled, "", e.Timestamp)
	case market.OrderFailed:
		reason := ""
		if e.Err != nil {
			reason = e.Err.Error()
		}
		err = r.journal.UpdateOrderState(ev.market, e.OrderID, journal.StateFailed, reason, e.Timestamp)
	default:
		return
	}

	if err != nil {
		log.WithError(err).Error("recording order event")
	}
}

func (r *TradeRecorder) recordFill(ctx context.Context, marketName string, e market.OrderFilled) error {
	fill := journal.FillRecord{
		Market:          marketName,
		OrderID:         e.OrderID,
		ExchangeTradeID: e.ExchangeTradeID,
		Symbol:          e.Symbol,
		TradeType:       e.TradeType.String(),
		OrderType:       e.OrderType.String(),
		Price:           e.Price,
		Amount:          e.Amount,
		Timestamp:       e.Timestamp,
	}
	if err := r.journal.RecordFill(fill); err != nil {
		return err
	}
	recorderLogger.WithField("fill", helpers.ToJsonString(fill)).Debug("fill recorded")

	if r.publisher == nil {
		return nil
	}
	value, err := json.Marshal(fill)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.publisher.Send(ctx, []byte(marketName+"/"+e.OrderID), value)
}

func openOrder(marketName string, e market.OrderCreated) journal.OrderRecord {
	return journal.OrderRecord{
		Market:    marketName,
		OrderID:   e.OrderID,
		Symbol:    e.Symbol,
		State:     journal.StateOpen,
		UpdatedAt: e.Timestamp,
	}
}
