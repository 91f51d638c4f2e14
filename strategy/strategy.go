package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/rates"
)

var logger = logrus.WithField("component", "xemm")

var (
	ErrUnconfirmedCancels = errors.New("unconfirmed cancels")
	ErrUnknownPair        = errors.New("unknown market pair")
)

// UnconfirmedCancelsError lists maker orders whose cancellation was not
// confirmed before the kill timeout.
type UnconfirmedCancelsError struct {
	OrderIDs []string
}

func (e *UnconfirmedCancelsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnconfirmedCancels, strings.Join(e.OrderIDs, ", "))
}

func (e *UnconfirmedCancelsError) Unwrap() error { return ErrUnconfirmedCancels }

// RateProvider converts taker units into maker units.
type RateProvider interface {
	ConversionRates(makerBase, makerQuote, takerBase, takerQuote string) (rates.ConversionRates, error)
}

// CrossExchangeMarketMakingStrategy quotes on maker markets priced off the
// taker books and hedges every maker fill on the taker market.
type CrossExchangeMarketMakingStrategy struct {
	cfg     Config
	rates   RateProvider
	metrics Metrics

	mu            sync.Mutex
	pairs         []*pairState
	byPair        map[*CrossExchangeMarketPair]*pairState
	makerOrders   map[string]*TrackedLimitOrder
	hedges        map[string]*hedgeOrder
	makerToTaker  map[string][]string
	lastTimestamp time.Time
	lastStatus    time.Time

	inboxMu sync.Mutex
	inbox   []market.Event

	removeListeners []func()
}

var _ clock.TimeIterator = (*CrossExchangeMarketMakingStrategy)(nil)

func New(cfg Config, pairs []*CrossExchangeMarketPair, rateProvider RateProvider, metrics Metrics) (*CrossExchangeMarketMakingStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}
	if len(pairs) == 0 {
		return nil, errors.New("at least one market pair is required")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &CrossExchangeMarketMakingStrategy{
		cfg:          cfg,
		rates:        rateProvider,
		metrics:      metrics,
		byPair:       make(map[*CrossExchangeMarketPair]*pairState, len(pairs)),
		makerOrders:  make(map[string]*TrackedLimitOrder),
		hedges:       make(map[string]*hedgeOrder),
		makerToTaker: make(map[string][]string),
	}
	for _, pair := range pairs {
		ps := newPairState(pair)
		s.pairs = append(s.pairs, ps)
		s.byPair[pair] = ps
	}

	return s, nil
}

func (s *CrossExchangeMarketMakingStrategy) String() string { return "cross-exchange-market-making" }

func (s *CrossExchangeMarketMakingStrategy) MarketPairs() []*CrossExchangeMarketPair {
	out := make([]*CrossExchangeMarketPair, len(s.pairs))
	for i, p := range s.pairs {
		out[i] = p.CrossExchangeMarketPair
	}
	return out
}

func (s *CrossExchangeMarketMakingStrategy) markets() []market.Market {
	seen := make(map[market.Market]struct{})
	var out []market.Market
	for _, p := range s.pairs {
		for _, m := range []market.Market{p.Maker, p.Taker} {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func (s *CrossExchangeMarketMakingStrategy) Start(handle clock.ClockHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.markets() {
		s.removeListeners = append(s.removeListeners, m.AddListener(s.enqueue))
	}
	logger.WithField("clock", handle.CurrentTimestamp().Unix()).Infof("started with %d market pairs", len(s.pairs))
}

func (s *CrossExchangeMarketMakingStrategy) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, remove := range s.removeListeners {
		remove()
	}
	s.removeListeners = nil
}

// enqueue may be called from any market; events are applied on the next
// tick.
func (s *CrossExchangeMarketMakingStrategy) enqueue(ev market.Event) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, ev)
	s.inboxMu.Unlock()
}

func (s *CrossExchangeMarketMakingStrategy) log(now time.Time) *logrus.Entry {
	return logger.WithField("clock", now.Unix())
}

type activePair struct {
	*pairState
	rates rates.ConversionRates
}

func (s *CrossExchangeMarketMakingStrategy) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drainEvents(now)
	s.pruneClosedOrders(now)

	var active []activePair
	for _, p := range s.pairs {
		if !p.Maker.Ready() || !p.Taker.Ready() {
			if !p.notReadyLogged {
				s.log(now).Warnf("(%s) markets are not ready, no market making trades are permitted", p)
				p.notReadyLogged = true
			}
			continue
		}
		if p.notReadyLogged {
			s.log(now).Infof("(%s) markets are ready, trading started", p)
			p.notReadyLogged = false
		}

		r, err := s.rates.ConversionRates(p.MakerBase, p.MakerQuote, p.TakerBase, p.TakerQuote)
		if err != nil {
			s.log(now).WithError(err).Warnf("(%s) conversion rates are not ready", p)
			continue
		}
		active = append(active, activePair{pairState: p, rates: r})
	}

	if s.lastStatus.IsZero() || now.Sub(s.lastStatus) >= s.cfg.StatusReportInterval {
		s.log(now).Info("\n" + s.formatStatus())
		s.lastStatus = now
	}

	for _, p := range active {
		s.hedgePending(now, p.pairState, p.rates)
	}

	if s.readyForNewTrades() {
		for _, p := range active {
			s.processMarketPair(now, p.pairState, p.rates)
		}
	}

	for _, p := range s.pairs {
		s.metrics.SetUnhedged(p.String(), "buy", p.unhedged(true).InexactFloat64())
		s.metrics.SetUnhedged(p.String(), "sell", p.unhedged(false).InexactFloat64())
	}

	s.lastTimestamp = now
	return nil
}

// ReadyForNewTrades is false while a taker hedge is in flight.
func (s *CrossExchangeMarketMakingStrategy) ReadyForNewTrades() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyForNewTrades()
}

func (s *CrossExchangeMarketMakingStrategy) readyForNewTrades() bool {
	return len(s.hedges) == 0
}

func (s *CrossExchangeMarketMakingStrategy) hasActiveHedge(p *pairState) bool {
	for _, h := range s.hedges {
		if h.pair == p {
			return true
		}
	}
	return false
}

func (s *CrossExchangeMarketMakingStrategy) processMarketPair(now time.Time, p *pairState, r rates.ConversionRates) {
	s.takePriceSample(now, p)

	hasBid, hasAsk := p.bid != nil, p.ask != nil
	needAdjust := false

	for _, o := range p.activeOrders() {
		if o.State == CANCELLING {
			continue
		}

		hedgePrice, err := s.effectiveHedgingPrice(p, o.IsBuy, o.Remaining(), r)
		if !s.checkIfStillProfitable(now, p, o, hedgePrice, err) {
			continue
		}
		if !s.cfg.ActiveOrderCanceling {
			continue
		}
		if !s.checkIfSufficientBalance(now, p, o, r) {
			continue
		}
		if now.After(p.antiHysteresisTimer) && s.checkIfPriceHasDrifted(now, p, o, r) {
			needAdjust = true
		}
	}

	if needAdjust {
		p.antiHysteresisTimer = now.Add(s.cfg.AntiHysteresisDuration)
	}

	if hasBid && hasAsk {
		return
	}
	if s.hasActiveHedge(p) {
		return
	}

	s.checkAndCreateNewOrders(now, p, r, hasBid, hasAsk)
}

func (s *CrossExchangeMarketMakingStrategy) takePriceSample(now time.Time, p *pairState) {
	interval := int64(OrderAdjustSampleInterval / time.Second)
	if !s.lastTimestamp.IsZero() && s.lastTimestamp.Unix()/interval >= now.Unix()/interval {
		return
	}

	bid, ask := s.topBidAsk(p)
	pushSample(&p.bidSamples, bid)
	pushSample(&p.askSamples, ask)
}

func (s *CrossExchangeMarketMakingStrategy) checkIfStillProfitable(now time.Time, p *pairState, o *TrackedLimitOrder, hedgePrice decimal.Decimal, hedgeErr error) bool {
	threshold := s.cfg.MinProfitability
	if !s.cfg.ActiveOrderCanceling {
		threshold = s.cfg.CancelOrderThreshold
	}

	unprofitable := hedgeErr != nil ||
		o.IsBuy && hedgePrice.LessThan(o.Price.Mul(one.Add(threshold))) ||
		!o.IsBuy && o.Price.LessThan(hedgePrice.Mul(one.Add(threshold)))
	if unprofitable {
		s.log(now).Infof("(%s) limit %s order at %s %s is no longer profitable, removing the order",
			p, o.Side(), o.Price, p.MakerQuote)
		s.cancelMakerOrder(now, p, o, "unprofitable")
		return false
	}

	if !s.cfg.ActiveOrderCanceling && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt) {
		s.log(now).Infof("(%s) limit %s order at %s %s expired", p, o.Side(), o.Price, p.MakerQuote)
		s.cancelMakerOrder(now, p, o, "expired")
		return false
	}

	return true
}

// checkIfSufficientBalance cancels an order whose remaining size can no
// longer be funded on the maker market or hedged on the taker market.
func (s *CrossExchangeMarketMakingStrategy) checkIfSufficientBalance(now time.Time, p *pairState, o *TrackedLimitOrder, r rates.ConversionRates) bool {
	var limit decimal.Decimal

	if o.IsBuy {
		quote := p.Maker.GetBalance(p.MakerQuote)
		base := p.Taker.GetBalance(p.TakerBase).Mul(r.BaseRate)
		limit = decimal.Min(base, quote.Div(o.Price))
	} else {
		base := p.Maker.GetBalance(p.MakerBase)
		quote := p.Taker.GetBalance(p.TakerQuote)

		book, err := p.Taker.GetOrderBook(p.TakerSymbol)
		if err != nil {
			return true
		}
		res, err := book.PriceForQuoteVolume(true, quote)
		if err != nil || !res.ResultPrice.IsPositive() {
			return true
		}

		adjusted := res.ResultPrice.Div(r.BaseRate).Mul(one.Add(s.cfg.SlippageBuffer))
		limit = decimal.Min(base, quote.Div(adjusted))
	}

	limit = p.Maker.QuantizeOrderAmount(p.MakerSymbol, limit)
	if o.Remaining().GreaterThan(limit) {
		s.log(now).Infof("(%s) order size limit (%s) is now less than the current active order amount (%s), going to adjust the order",
			p, limit, o.Remaining())
		s.cancelMakerOrder(now, p, o, "balance")
		return false
	}
	return true
}

// checkIfPriceHasDrifted cancels the order when the price the strategy would
// quote now differs from it. Reports whether the order was cancelled.
func (s *CrossExchangeMarketMakingStrategy) checkIfPriceHasDrifted(now time.Time, p *pairState, o *TrackedLimitOrder, r rates.ConversionRates) bool {
	suggested, err := s.marketMakingPrice(p, o.IsBuy, o.Remaining(), r)
	if err != nil {
		return false
	}
	if !s.drifted(suggested, o.Price) {
		return false
	}

	s.log(now).Infof("(%s) current %s price %s is now different from the suggested price %s, going to adjust the order",
		p, o.Side(), o.Price, suggested)
	s.cancelMakerOrder(now, p, o, "drift")
	return true
}

func (s *CrossExchangeMarketMakingStrategy) drifted(suggested, price decimal.Decimal) bool {
	if s.cfg.OrderRefreshTolerance.IsZero() || price.IsZero() {
		return !suggested.Equal(price)
	}
	return suggested.Sub(price).Abs().Div(price).GreaterThan(s.cfg.OrderRefreshTolerance)
}

func (s *CrossExchangeMarketMakingStrategy) checkAndCreateNewOrders(now time.Time, p *pairState, r rates.ConversionRates, hasBid, hasAsk bool) {
	bidOK, askOK := s.profitPotential(p, r)

	for _, isBid := range []bool{true, false} {
		side := "bid"
		if !isBid {
			side = "ask"
		}
		if isBid && (hasBid || !bidOK) || !isBid && (hasAsk || !askOK) {
			continue
		}

		size := s.marketMakingSize(p, isBid, r)
		if !size.IsPositive() {
			s.log(now).Warnf("(%s) attempting to place a limit %s but the %s size is 0, skipping. Check available balance",
				p, side, side)
			continue
		}

		price, err := s.marketMakingPrice(p, isBid, size, r)
		if err != nil {
			s.log(now).WithError(err).Warnf("(%s) order book on taker is too thin to place order for size: %s", p, size)
			continue
		}

		if isBid && p.ask != nil && price.GreaterThanOrEqual(p.ask.Price) ||
			!isBid && p.bid != nil && price.LessThanOrEqual(p.bid.Price) {
			s.log(now).Debugf("(%s) %s at %s would cross the resting order on the other side", p, side, price)
			continue
		}

		hedgePrice, _ := s.effectiveHedgingPrice(p, isBid, size, r)
		s.log(now).Infof("(%s) creating limit %s order for %s %s at %s %s. Current hedging price: %s %s",
			p, side, size, p.MakerBase, price, p.MakerQuote, hedgePrice.StringFixed(8), p.MakerQuote)
		s.placeMakerOrder(now, p, isBid, size, price)
	}
}

func (s *CrossExchangeMarketMakingStrategy) placeMakerOrder(now time.Time, p *pairState, isBid bool, size, price decimal.Decimal) {
	place := p.Maker.Sell
	if isBid {
		place = p.Maker.Buy
	}

	id, err := place(p.MakerSymbol, size, market.LIMIT, price)
	if err != nil {
		s.log(now).WithError(err).Errorf("(%s) failed to place maker order", p)
		s.metrics.IncOrderErrors(p.String(), "maker")
		return
	}

	o := &TrackedLimitOrder{
		ClientOrderID:  id,
		Pair:           p.String(),
		IsBuy:          isBid,
		Price:          price,
		Quantity:       size,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		State:          QUOTED,
		trades:         make(map[string]struct{}),
	}
	if !s.cfg.ActiveOrderCanceling {
		o.ExpiresAt = now.Add(s.cfg.LimitOrderMinExpiration)
	}

	p.setOrder(o)
	s.makerOrders[id] = o
	s.metrics.IncMakerOrders(p.String(), o.Side())
}

func (s *CrossExchangeMarketMakingStrategy) cancelMakerOrder(now time.Time, p *pairState, o *TrackedLimitOrder, reason string) {
	err := p.Maker.Cancel(p.MakerSymbol, o.ClientOrderID)
	switch {
	case errors.Is(err, market.ErrOrderNotFound):
		s.closeMakerOrder(now, p, o)
	case err != nil:
		s.log(now).WithError(err).Errorf("(%s) failed to cancel %s", p, o.ClientOrderID)
		return
	default:
		o.State = CANCELLING
	}
	s.metrics.IncCancels(p.String(), reason)
}

func (s *CrossExchangeMarketMakingStrategy) closeMakerOrder(now time.Time, p *pairState, o *TrackedLimitOrder) {
	p.clearOrder(o)
	o.closedAt = now
}

func (s *CrossExchangeMarketMakingStrategy) pruneClosedOrders(now time.Time) {
	for id, o := range s.makerOrders {
		if o.closed() && now.Sub(o.closedAt) > closedOrderRetention {
			delete(s.makerOrders, id)
			delete(s.makerToTaker, id)
		}
	}
}

func (s *CrossExchangeMarketMakingStrategy) pairOf(o *TrackedLimitOrder) *pairState {
	for _, p := range s.pairs {
		if p.String() == o.Pair {
			return p
		}
	}
	return nil
}

func (s *CrossExchangeMarketMakingStrategy) drainEvents(now time.Time) {
	s.inboxMu.Lock()
	events := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	for _, ev := range events {
		id := ev.EventOrderID()
		if o, ok := s.makerOrders[id]; ok {
			s.onMakerEvent(now, o, ev)
			continue
		}
		if h, ok := s.hedges[id]; ok {
			s.onTakerEvent(now, h, ev)
		}
	}
}

func (s *CrossExchangeMarketMakingStrategy) onMakerEvent(now time.Time, o *TrackedLimitOrder, ev market.Event) {
	p := s.pairOf(o)
	if p == nil {
		return
	}

	switch ev := ev.(type) {
	case market.OrderFilled:
		if _, seen := o.trades[ev.ExchangeTradeID]; seen {
			return
		}
		o.trades[ev.ExchangeTradeID] = struct{}{}
		o.FilledQuantity = o.FilledQuantity.Add(ev.Amount)

		s.log(now).Infof("(%s) maker %s order of %s %s filled at %s %s",
			p, strings.ToLower(ev.TradeType.String()), ev.Amount, p.MakerBase, ev.Price, p.MakerQuote)
		p.addUnhedged(o.IsBuy, o.ClientOrderID, ev.Amount)
		s.metrics.IncMakerFills(p.String(), o.Side())
	case market.BuyOrderCompleted, market.SellOrderCompleted:
		s.log(now).Infof("(%s) maker %s order %s (%s @ %s) has been completely filled",
			p, o.Side(), o.ClientOrderID, o.Quantity, o.Price)
		s.closeMakerOrder(now, p, o)
	case market.OrderCancelled:
		s.log(now).Debugf("(%s) maker %s order %s cancelled", p, o.Side(), o.ClientOrderID)
		s.closeMakerOrder(now, p, o)
	case market.OrderFailed:
		s.log(now).WithError(ev.Err).Warnf("(%s) maker %s order %s failed", p, o.Side(), o.ClientOrderID)
		s.closeMakerOrder(now, p, o)
	}
}

func (s *CrossExchangeMarketMakingStrategy) onTakerEvent(now time.Time, h *hedgeOrder, ev market.Event) {
	p := h.pair

	switch ev := ev.(type) {
	case market.OrderFilled:
		if _, seen := h.trades[ev.ExchangeTradeID]; seen {
			return
		}
		h.trades[ev.ExchangeTradeID] = struct{}{}
		h.filled = h.filled.Add(ev.Amount)
		s.log(now).Infof("(%s) taker %s order of %s %s filled at %s %s",
			p, strings.ToLower(ev.TradeType.String()), ev.Amount, p.TakerBase, ev.Price, p.TakerQuote)
	case market.BuyOrderCompleted, market.SellOrderCompleted:
		s.log(now).Infof("(%s) hedge %s for maker orders %v completed", p, h.orderID, h.makerOrderIDs)
		delete(s.hedges, h.orderID)
		s.metrics.IncHedges(p.String(), takerSide(h.isBuy))
	case market.OrderCancelled, market.OrderFailed:
		s.handleUnfilledTakerOrder(now, h)
	}
}

// handleUnfilledTakerOrder returns the unfilled part of a hedge to the
// pending fills so it is hedged again on the next tick.
func (s *CrossExchangeMarketMakingStrategy) handleUnfilledTakerOrder(now time.Time, h *hedgeOrder) {
	p := h.pair
	delete(s.hedges, h.orderID)

	remaining := h.remaining()
	if !remaining.IsPositive() {
		return
	}

	makerID := ""
	if len(h.makerOrderIDs) > 0 {
		makerID = h.makerOrderIDs[len(h.makerOrderIDs)-1]
	}
	p.addUnhedged(!h.isBuy, makerID, remaining.Mul(h.baseRate))

	s.log(now).Warnf("(%s) taker order %s ended with %s %s unfilled, hedging again", p, h.orderID, remaining, p.TakerBase)
	s.metrics.IncHedgeErrors(p.String())
}

func takerSide(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}

// ActiveMakerOrders returns copies of the maker orders that are quoted or
// being cancelled, bids first.
func (s *CrossExchangeMarketMakingStrategy) ActiveMakerOrders() []TrackedLimitOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TrackedLimitOrder
	for _, p := range s.pairs {
		for _, o := range p.activeOrders() {
			out = append(out, *o)
		}
	}
	return out
}

func (s *CrossExchangeMarketMakingStrategy) ActiveBids() []TrackedLimitOrder {
	return filterOrders(s.ActiveMakerOrders(), true)
}

func (s *CrossExchangeMarketMakingStrategy) ActiveAsks() []TrackedLimitOrder {
	return filterOrders(s.ActiveMakerOrders(), false)
}

func filterOrders(orders []TrackedLimitOrder, isBuy bool) []TrackedLimitOrder {
	var out []TrackedLimitOrder
	for _, o := range orders {
		if o.IsBuy == isBuy {
			out = append(out, o)
		}
	}
	return out
}

// TakerOrderIDs returns the hedge orders placed for a maker order.
func (s *CrossExchangeMarketMakingStrategy) TakerOrderIDs(makerOrderID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.makerToTaker[makerOrderID]...)
}

// UnhedgedAmount is the maker base amount filled on the given maker side
// that has no taker order yet.
func (s *CrossExchangeMarketMakingStrategy) UnhedgedAmount(pair *CrossExchangeMarketPair, makerBuys bool) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byPair[pair]
	if !ok {
		return decimal.Zero, ErrUnknownPair
	}
	return p.unhedged(makerBuys), nil
}

// CancelAll cancels every order on the maker markets and waits up to
// KillTimeout per market. Orders that were not confirmed are reported with
// an UnconfirmedCancelsError.
func (s *CrossExchangeMarketMakingStrategy) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	pending := make(map[string]struct{})
	seen := make(map[market.Market]struct{})
	var makers []market.Market
	for _, p := range s.pairs {
		for _, o := range p.activeOrders() {
			pending[o.ClientOrderID] = struct{}{}
		}
		if _, ok := seen[p.Maker]; !ok {
			seen[p.Maker] = struct{}{}
			makers = append(makers, p.Maker)
		}
	}
	s.mu.Unlock()

	for _, m := range makers {
		done := make(chan []market.CancellationResult, 1)
		go func(m market.Market) {
			done <- m.CancelAll(KillTimeout)
		}(m)

		select {
		case results := <-done:
			for _, r := range results {
				if r.Success {
					delete(pending, r.OrderID)
				}
			}
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Warnf("cancel all on %s interrupted", m.Name())
		}
	}

	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &UnconfirmedCancelsError{OrderIDs: ids}
}

// Shutdown cancels all maker orders. Unconfirmed cancels fail the shutdown
// unless force is set.
func (s *CrossExchangeMarketMakingStrategy) Shutdown(ctx context.Context, force bool) error {
	err := s.CancelAll(ctx)
	if err == nil {
		return nil
	}
	if force {
		logger.WithError(err).Warn("forcing shutdown with outstanding orders")
		return nil
	}
	return err
}
