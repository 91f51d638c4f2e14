package config

import (
	"fmt"

	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/rates"
	"github.com/spooky-finn/xemm-bridge/strategy"
)

// MarketPairs builds one strategy pair per configured market pair, quoting
// on maker and hedging on taker.
func (c *Config) MarketPairs(maker, taker market.Market) ([]*strategy.CrossExchangeMarketPair, error) {
	tolerance, err := strategy.NewDepthTolerance(c.TopDepthRules)
	if err != nil {
		return nil, err
	}

	pairs := make([]*strategy.CrossExchangeMarketPair, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		makerBase, makerQuote, err := SplitSymbol(p.MakerSymbol)
		if err != nil {
			return nil, err
		}
		takerBase, takerQuote, err := SplitSymbol(p.TakerSymbol)
		if err != nil {
			return nil, err
		}

		pairs = append(pairs, &strategy.CrossExchangeMarketPair{
			Maker:             maker,
			MakerSymbol:       p.MakerSymbol,
			MakerBase:         makerBase,
			MakerQuote:        makerQuote,
			Taker:             taker,
			TakerSymbol:       p.TakerSymbol,
			TakerBase:         takerBase,
			TakerQuote:        takerQuote,
			TopDepthTolerance: tolerance.For(p.MakerSymbol),
		})
	}
	return pairs, nil
}

// RateService pins the configured conversion rates on top of sources.
func (c *Config) RateService(sources ...rates.Source) (*rates.Service, error) {
	svc := rates.NewService(sources...)
	for pair, rate := range c.ConversionRates {
		base, quote, err := SplitSymbol(pair)
		if err != nil {
			return nil, err
		}
		if err := svc.SetRate(base, quote, rate); err != nil {
			return nil, fmt.Errorf("conversion rate %s: %w", pair, err)
		}
	}
	return svc, nil
}
