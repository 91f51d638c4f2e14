package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/rates"
)

var half = decimal.RequireFromString("0.5")

// topBidAsk reads the maker top of book. With a depth tolerance the price
// deep enough to cover it is used so that dust orders are ignored.
func (s *CrossExchangeMarketMakingStrategy) topBidAsk(p *pairState) (bid, ask decimal.NullDecimal) {
	if p.TopDepthTolerance.IsZero() {
		if price, err := p.Maker.GetPrice(p.MakerSymbol, false); err == nil {
			bid = decimal.NullDecimal{Decimal: price, Valid: true}
		}
		if price, err := p.Maker.GetPrice(p.MakerSymbol, true); err == nil {
			ask = decimal.NullDecimal{Decimal: price, Valid: true}
		}
		return bid, ask
	}

	book, err := p.Maker.GetOrderBook(p.MakerSymbol)
	if err != nil {
		return bid, ask
	}
	if res, err := book.PriceForVolume(false, p.TopDepthTolerance); err == nil {
		bid = decimal.NullDecimal{Decimal: res.ResultPrice, Valid: true}
	}
	if res, err := book.PriceForVolume(true, p.TopDepthTolerance); err == nil {
		ask = decimal.NullDecimal{Decimal: res.ResultPrice, Valid: true}
	}
	return bid, ask
}

// topBidAskFromSamples widens the current top of book by the samples of the
// last minute, so orders that flash on the maker book are not chased.
func (s *CrossExchangeMarketMakingStrategy) topBidAskFromSamples(p *pairState) (bid, ask decimal.NullDecimal) {
	currentBid, currentAsk := s.topBidAsk(p)
	return extremeOf(&p.bidSamples, currentBid, true), extremeOf(&p.askSamples, currentAsk, false)
}

func (s *CrossExchangeMarketMakingStrategy) lookupPair(pair *CrossExchangeMarketPair) (*pairState, rates.ConversionRates, error) {
	p, ok := s.byPair[pair]
	if !ok {
		return nil, rates.ConversionRates{}, ErrUnknownPair
	}
	r, err := s.rates.ConversionRates(p.MakerBase, p.MakerQuote, p.TakerBase, p.TakerQuote)
	if err != nil {
		return nil, rates.ConversionRates{}, err
	}
	return p, r, nil
}

// HasMarketMakingProfitPotential reports per side whether quoting just
// inside the maker top of book could be hedged on the taker market at
// MinProfitability.
func (s *CrossExchangeMarketMakingStrategy) HasMarketMakingProfitPotential(pair *CrossExchangeMarketPair) (bidOK, askOK bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, r, err := s.lookupPair(pair)
	if err != nil {
		return false, false, err
	}
	bidOK, askOK = s.profitPotential(p, r)
	return bidOK, askOK, nil
}

func (s *CrossExchangeMarketMakingStrategy) profitPotential(p *pairState, r rates.ConversionRates) (bidOK, askOK bool) {
	makerBid, makerAsk := s.topBidAsk(p)
	rate := r.TakerToMaker()
	factor := one.Add(s.cfg.MinProfitability)

	if takerBid, err := p.Taker.GetPrice(p.TakerSymbol, false); err == nil {
		takerBid = takerBid.Mul(rate)
		bidOK = !makerBid.Valid || makerBid.Decimal.Mul(factor).LessThan(takerBid)
	}
	if takerAsk, err := p.Taker.GetPrice(p.TakerSymbol, true); err == nil {
		takerAsk = takerAsk.Mul(rate)
		askOK = !makerAsk.Valid || takerAsk.Mul(factor).LessThan(makerAsk.Decimal)
	}
	return bidOK, askOK
}

// adjustedLimitOrderSize is the configured order amount, or the share of
// the maker portfolio allowed by the portfolio ratio limit.
func (s *CrossExchangeMarketMakingStrategy) adjustedLimitOrderSize(p *pairState) decimal.Decimal {
	if s.cfg.OrderAmount.IsPositive() {
		return p.Maker.QuantizeOrderAmount(p.MakerSymbol, s.cfg.OrderAmount)
	}

	bid, err := p.Maker.GetPrice(p.MakerSymbol, false)
	if err != nil {
		return decimal.Zero
	}
	ask, err := p.Maker.GetPrice(p.MakerSymbol, true)
	if err != nil {
		return decimal.Zero
	}
	mid := bid.Add(ask).Mul(half)

	base := p.Maker.GetBalance(p.MakerBase)
	quote := p.Maker.GetBalance(p.MakerQuote)
	portfolio := base.Add(quote.Div(mid))

	return p.Maker.QuantizeOrderAmount(p.MakerSymbol, portfolio.Mul(s.cfg.OrderSizePortfolioRatioLimit))
}

func (s *CrossExchangeMarketMakingStrategy) GetMarketMakingSize(pair *CrossExchangeMarketPair, isBid bool) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, r, err := s.lookupPair(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return s.marketMakingSize(p, isBid, r), nil
}

// marketMakingSize is the largest maker order that the maker balance can
// fund and the taker balance can hedge, capped at the adjusted order size.
func (s *CrossExchangeMarketMakingStrategy) marketMakingSize(p *pairState, isBid bool, r rates.ConversionRates) decimal.Decimal {
	size := s.adjustedLimitOrderSize(p)
	if !size.IsPositive() {
		return decimal.Zero
	}

	book, err := p.Taker.GetOrderBook(p.TakerSymbol)
	if err != nil {
		return decimal.Zero
	}

	var amount decimal.Decimal
	if isBid {
		// maker buy, taker sell
		makerQuote := p.Maker.GetAvailableBalance(p.MakerQuote)
		takerBase := p.Taker.GetAvailableBalance(p.TakerBase).Mul(s.cfg.OrderSizeTakerBalanceFactor)

		res, err := book.VWAPForVolume(false, size.Div(r.BaseRate))
		if err != nil || !res.ResultPrice.IsPositive() {
			return decimal.Zero
		}

		makerLimit := makerQuote.Div(res.ResultPrice.Mul(r.TakerToMaker()))
		amount = decimal.Min(makerLimit, takerBase.Mul(r.BaseRate), size)
	} else {
		// maker sell, taker buy
		makerBase := p.Maker.GetAvailableBalance(p.MakerBase)
		takerQuote := p.Taker.GetAvailableBalance(p.TakerQuote).Mul(s.cfg.OrderSizeTakerBalanceFactor)

		res, err := book.PriceForQuoteVolume(true, takerQuote)
		if err != nil || !res.ResultPrice.IsPositive() {
			return decimal.Zero
		}

		takerLimit := takerQuote.Div(res.ResultPrice.Mul(one.Add(s.cfg.SlippageBuffer)))
		amount = decimal.Min(makerBase, takerLimit.Mul(r.BaseRate), size)
	}

	if !amount.IsPositive() {
		return decimal.Zero
	}
	return p.Maker.QuantizeOrderAmount(p.MakerSymbol, amount)
}

func (s *CrossExchangeMarketMakingStrategy) GetMarketMakingPrice(pair *CrossExchangeMarketPair, isBid bool, size decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, r, err := s.lookupPair(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return s.marketMakingPrice(p, isBid, size, r)
}

// marketMakingPrice prices a maker order of size at the taker VWAP plus
// MinProfitability. With AdjustOrderEnabled the price is pulled in to one
// tick inside the maker top of book. Bids round down and asks round up.
func (s *CrossExchangeMarketMakingStrategy) marketMakingPrice(p *pairState, isBid bool, size decimal.Decimal, r rates.ConversionRates) (decimal.Decimal, error) {
	takerPrice, err := s.effectiveHedgingPrice(p, isBid, size, r)
	if err != nil {
		return decimal.Zero, err
	}

	topBid, topAsk := s.topBidAskFromSamples(p)
	factor := one.Add(s.cfg.MinProfitability)

	if isBid {
		price := takerPrice.Div(factor)
		if s.cfg.AdjustOrderEnabled && topBid.Valid {
			q := p.Maker.GetOrderPriceQuantum(p.MakerSymbol, topBid.Decimal)
			aboveBid := topBid.Decimal.Div(q).Ceil().Add(one).Mul(q)
			price = decimal.Min(price, aboveBid)
		}
		return market.FloorTo(price, p.Maker.GetOrderPriceQuantum(p.MakerSymbol, price)), nil
	}

	price := takerPrice.Mul(factor)
	if s.cfg.AdjustOrderEnabled && topAsk.Valid {
		q := p.Maker.GetOrderPriceQuantum(p.MakerSymbol, topAsk.Decimal)
		belowAsk := topAsk.Decimal.Div(q).Floor().Sub(one).Mul(q)
		price = decimal.Max(price, belowAsk)
	}
	return market.CeilTo(price, p.Maker.GetOrderPriceQuantum(p.MakerSymbol, price)), nil
}

// effectiveHedgingPrice is the taker VWAP for hedging a maker order of size,
// in maker quote units.
func (s *CrossExchangeMarketMakingStrategy) effectiveHedgingPrice(p *pairState, isBid bool, size decimal.Decimal, r rates.ConversionRates) (decimal.Decimal, error) {
	book, err := p.Taker.GetOrderBook(p.TakerSymbol)
	if err != nil {
		return decimal.Zero, err
	}

	// a maker bid is hedged by selling into the taker bids
	res, err := book.VWAPForVolume(!isBid, size.Div(r.BaseRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("taker %s: %w", p.TakerSymbol, err)
	}
	if !res.ResultPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("taker %s: %w", p.TakerSymbol, domain.ErrEmptyBook)
	}

	return res.ResultPrice.Mul(r.TakerToMaker()), nil
}

func (s *CrossExchangeMarketMakingStrategy) CalculateEffectiveHedgingPrice(pair *CrossExchangeMarketPair, isBid bool, size decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, r, err := s.lookupPair(pair)
	if err != nil {
		return decimal.Zero, err
	}
	return s.effectiveHedgingPrice(p, isBid, size, r)
}
