package strategy

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/rates"
)

// hedgePending places taker orders for maker fills that are not hedged yet.
// Anything that cannot be hedged now stays pending for the next tick.
func (s *CrossExchangeMarketMakingStrategy) hedgePending(now time.Time, p *pairState, r rates.ConversionRates) {
	for _, makerBuys := range []bool{true, false} {
		total := p.unhedged(makerBuys)
		if !total.IsPositive() {
			continue
		}

		if makerBuys {
			s.hedgeBuyFills(now, p, r, total)
		} else {
			s.hedgeSellFills(now, p, r, total)
		}
	}
}

// hedgeBuyFills sells on the taker market what was bought on the maker.
func (s *CrossExchangeMarketMakingStrategy) hedgeBuyFills(now time.Time, p *pairState, r rates.ConversionRates, total decimal.Decimal) {
	available := p.Taker.GetAvailableBalance(p.TakerBase).Mul(s.cfg.OrderSizeTakerBalanceFactor)
	qty := decimal.Min(total.Div(r.BaseRate), available)
	qty = p.Taker.QuantizeOrderAmount(p.TakerSymbol, qty)
	if !qty.IsPositive() {
		s.log(now).Infof("(%s) current maker buy fill amount of %s %s is less than the minimum order amount allowed on the taker market. No hedging possible yet",
			p, total, p.MakerBase)
		return
	}

	book, err := p.Taker.GetOrderBook(p.TakerSymbol)
	if err != nil {
		s.log(now).WithError(err).Errorf("(%s) cannot hedge maker buy fills", p)
		s.metrics.IncHedgeErrors(p.String())
		return
	}
	res, err := book.PriceForVolume(false, qty)
	if err != nil {
		s.log(now).WithError(err).Warnf("(%s) taker bids are too thin to hedge %s %s", p, qty, p.TakerBase)
		s.metrics.IncHedgeErrors(p.String())
		return
	}

	price := p.Taker.QuantizeOrderPrice(p.TakerSymbol, res.ResultPrice.Mul(one.Sub(s.cfg.SlippageBuffer)))
	s.placeHedge(now, p, r, false, qty, price)
}

// hedgeSellFills buys back on the taker market what was sold on the maker.
func (s *CrossExchangeMarketMakingStrategy) hedgeSellFills(now time.Time, p *pairState, r rates.ConversionRates, total decimal.Decimal) {
	book, err := p.Taker.GetOrderBook(p.TakerSymbol)
	if err != nil {
		s.log(now).WithError(err).Errorf("(%s) cannot hedge maker sell fills", p)
		s.metrics.IncHedgeErrors(p.String())
		return
	}

	wanted := total.Div(r.BaseRate)
	res, err := book.PriceForVolume(true, wanted)
	if err != nil || !res.ResultPrice.IsPositive() {
		s.log(now).WithError(err).Warnf("(%s) taker asks are too thin to hedge %s %s", p, wanted, p.TakerBase)
		s.metrics.IncHedgeErrors(p.String())
		return
	}

	available := p.Taker.GetAvailableBalance(p.TakerQuote).Div(res.ResultPrice).Mul(s.cfg.OrderSizeTakerBalanceFactor)
	qty := p.Taker.QuantizeOrderAmount(p.TakerSymbol, decimal.Min(wanted, available))
	if !qty.IsPositive() {
		s.log(now).Infof("(%s) current maker sell fill amount of %s %s is less than the minimum order amount allowed on the taker market. No hedging possible yet",
			p, total, p.MakerBase)
		return
	}

	res, err = book.PriceForVolume(true, qty)
	if err != nil {
		s.log(now).WithError(err).Warnf("(%s) taker asks are too thin to hedge %s %s", p, qty, p.TakerBase)
		s.metrics.IncHedgeErrors(p.String())
		return
	}

	price := p.Taker.QuantizeOrderPrice(p.TakerSymbol, res.ResultPrice.Mul(one.Add(s.cfg.SlippageBuffer)))
	s.placeHedge(now, p, r, true, qty, price)
}

func (s *CrossExchangeMarketMakingStrategy) placeHedge(now time.Time, p *pairState, r rates.ConversionRates, isBuy bool, qty, price decimal.Decimal) {
	place := p.Taker.Sell
	if isBuy {
		place = p.Taker.Buy
	}

	id, err := place(p.TakerSymbol, qty, market.LIMIT, price)
	if err != nil {
		s.log(now).WithError(err).Errorf("(%s) failed to place taker %s order of %s %s at %s",
			p, takerSide(isBuy), qty, p.TakerBase, price)
		s.metrics.IncOrderErrors(p.String(), "taker")
		s.metrics.IncHedgeErrors(p.String())
		return
	}

	// a taker buy hedges maker sells and the other way round
	makerIDs := p.consumeUnhedged(!isBuy, qty.Mul(r.BaseRate))
	s.hedges[id] = &hedgeOrder{
		pair:          p,
		orderID:       id,
		isBuy:         isBuy,
		amount:        qty,
		filled:        decimal.Zero,
		baseRate:      r.BaseRate,
		makerOrderIDs: makerIDs,
		trades:        make(map[string]struct{}),
	}
	for _, makerID := range makerIDs {
		s.makerToTaker[makerID] = append(s.makerToTaker[makerID], id)
	}

	s.log(now).Infof("(%s) hedged maker fills of %v with a taker %s order of %s %s at %s %s",
		p, makerIDs, takerSide(isBuy), qty, p.TakerBase, price, p.TakerQuote)
}
