package strategy

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/market"
)

// CrossExchangeMarketPair quotes MakerSymbol on Maker and hedges fills on
// Taker. It is not modified after the strategy is built.
type CrossExchangeMarketPair struct {
	Maker       market.Market
	MakerSymbol string
	MakerBase   string
	MakerQuote  string

	Taker       market.Market
	TakerSymbol string
	TakerBase   string
	TakerQuote  string

	TopDepthTolerance decimal.Decimal
}

func (p *CrossExchangeMarketPair) String() string {
	return fmt.Sprintf("%s:%s/%s:%s", p.Maker.Name(), p.MakerSymbol, p.Taker.Name(), p.TakerSymbol)
}

type OrderState int

const (
	QUOTED OrderState = iota + 1
	CANCELLING
)

func (s OrderState) String() string {
	switch s {
	case QUOTED:
		return "QUOTED"
	case CANCELLING:
		return "CANCELLING"
	default:
		return "UNKNOWN"
	}
}

type TrackedLimitOrder struct {
	ClientOrderID  string
	Pair           string
	IsBuy          bool
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	CreatedAt      time.Time
	// ExpiresAt is zero when orders are actively cancelled.
	ExpiresAt time.Time
	State     OrderState

	trades   map[string]struct{}
	closedAt time.Time
}

func (o *TrackedLimitOrder) Side() string {
	if o.IsBuy {
		return "bid"
	}
	return "ask"
}

func (o *TrackedLimitOrder) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *TrackedLimitOrder) closed() bool {
	return !o.closedAt.IsZero()
}

type pendingFill struct {
	makerOrderID string
	amount       decimal.Decimal
}

// hedgeOrder is a taker order placed against maker fills. Amounts are in
// taker base.
type hedgeOrder struct {
	pair          *pairState
	orderID       string
	isBuy         bool
	amount        decimal.Decimal
	filled        decimal.Decimal
	baseRate      decimal.Decimal
	makerOrderIDs []string
	trades        map[string]struct{}
}

func (h *hedgeOrder) remaining() decimal.Decimal {
	return h.amount.Sub(h.filled)
}

type pairState struct {
	*CrossExchangeMarketPair

	bidSamples deque.Deque[decimal.NullDecimal]
	askSamples deque.Deque[decimal.NullDecimal]

	antiHysteresisTimer time.Time

	bid *TrackedLimitOrder
	ask *TrackedLimitOrder

	// maker fills waiting for a hedge, in maker base
	unhedgedBuys  []pendingFill
	unhedgedSells []pendingFill

	notReadyLogged bool
}

func newPairState(pair *CrossExchangeMarketPair) *pairState {
	return &pairState{CrossExchangeMarketPair: pair}
}

func (p *pairState) activeOrders() []*TrackedLimitOrder {
	orders := make([]*TrackedLimitOrder, 0, 2)
	if p.bid != nil {
		orders = append(orders, p.bid)
	}
	if p.ask != nil {
		orders = append(orders, p.ask)
	}
	return orders
}

func (p *pairState) setOrder(o *TrackedLimitOrder) {
	if o.IsBuy {
		p.bid = o
	} else {
		p.ask = o
	}
}

func (p *pairState) clearOrder(o *TrackedLimitOrder) {
	if p.bid == o {
		p.bid = nil
	}
	if p.ask == o {
		p.ask = nil
	}
}

func (p *pairState) pending(makerBuys bool) *[]pendingFill {
	if makerBuys {
		return &p.unhedgedBuys
	}
	return &p.unhedgedSells
}

func (p *pairState) unhedged(makerBuys bool) decimal.Decimal {
	total := decimal.Zero
	for _, f := range *p.pending(makerBuys) {
		total = total.Add(f.amount)
	}
	return total
}

func (p *pairState) addUnhedged(makerBuys bool, makerOrderID string, amount decimal.Decimal) {
	fills := p.pending(makerBuys)
	*fills = append(*fills, pendingFill{makerOrderID: makerOrderID, amount: amount})
}

// consumeUnhedged removes amount from the pending fills in FIFO order and
// returns the maker order ids it was taken from.
func (p *pairState) consumeUnhedged(makerBuys bool, amount decimal.Decimal) []string {
	fills := p.pending(makerBuys)
	var ids []string

	for amount.IsPositive() && len(*fills) > 0 {
		head := &(*fills)[0]
		if len(ids) == 0 || ids[len(ids)-1] != head.makerOrderID {
			ids = append(ids, head.makerOrderID)
		}
		if head.amount.LessThanOrEqual(amount) {
			amount = amount.Sub(head.amount)
			*fills = (*fills)[1:]
			continue
		}
		head.amount = head.amount.Sub(amount)
		amount = decimal.Zero
	}

	return ids
}

func pushSample(samples *deque.Deque[decimal.NullDecimal], v decimal.NullDecimal) {
	samples.PushBack(v)
	for samples.Len() > OrderAdjustSampleWindow {
		samples.PopFront()
	}
}

// extremeOf folds the samples and current into their max (or min). Any
// missing sample makes the current value win.
func extremeOf(samples *deque.Deque[decimal.NullDecimal], current decimal.NullDecimal, max bool) decimal.NullDecimal {
	if !current.Valid {
		return current
	}

	best := current.Decimal
	for i := 0; i < samples.Len(); i++ {
		s := samples.At(i)
		if !s.Valid {
			return current
		}
		if max && s.Decimal.GreaterThan(best) || !max && s.Decimal.LessThan(best) {
			best = s.Decimal
		}
	}
	return decimal.NullDecimal{Decimal: best, Valid: true}
}
