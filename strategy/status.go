package strategy

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/market"
)

func (s *CrossExchangeMarketMakingStrategy) FormatStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.formatStatus()
}

func (s *CrossExchangeMarketMakingStrategy) formatStatus() string {
	var b strings.Builder

	for _, p := range s.pairs {
		var warnings []string
		fmt.Fprintf(&b, "Pair %s\n", p)

		b.WriteString("  Markets:\n")
		w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "    Exchange\tMarket\tBest Bid\tBest Ask\tMid")
		for _, side := range []struct {
			m      market.Market
			symbol string
		}{{p.Maker, p.MakerSymbol}, {p.Taker, p.TakerSymbol}} {
			if !side.m.Ready() {
				warnings = append(warnings, fmt.Sprintf("%s is not ready", side.m.Name()))
			}
			bid, bidErr := side.m.GetPrice(side.symbol, false)
			ask, askErr := side.m.GetPrice(side.symbol, true)
			mid := "-"
			if bidErr == nil && askErr == nil {
				mid = bid.Add(ask).Mul(half).String()
			}
			fmt.Fprintf(w, "    %s\t%s\t%s\t%s\t%s\n", side.m.Name(), side.symbol, priceOrDash(bid, bidErr), priceOrDash(ask, askErr), mid)
		}
		w.Flush()

		if r, err := s.rates.ConversionRates(p.MakerBase, p.MakerQuote, p.TakerBase, p.TakerQuote); err == nil {
			fmt.Fprintf(&b, "  Conversion rates: %s = %s, %s = %s\n", r.BasePair, r.BaseRate, r.QuotePair, r.QuoteRate)
		} else {
			warnings = append(warnings, err.Error())
		}

		b.WriteString("  Assets:\n")
		w = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "    Exchange\tAsset\tTotal\tAvailable")
		for _, a := range []struct {
			m     market.Market
			asset string
		}{{p.Maker, p.MakerBase}, {p.Maker, p.MakerQuote}, {p.Taker, p.TakerBase}, {p.Taker, p.TakerQuote}} {
			fmt.Fprintf(w, "    %s\t%s\t%s\t%s\n", a.m.Name(), a.asset, a.m.GetBalance(a.asset), a.m.GetAvailableBalance(a.asset))
		}
		w.Flush()

		orders := p.activeOrders()
		if len(orders) == 0 {
			b.WriteString("  No active maker orders.\n")
		} else {
			b.WriteString("  Active orders:\n")
			w = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "    Side\tPrice\tAmount\tFilled\tState\tAge")
			for _, o := range orders {
				fmt.Fprintf(w, "    %s\t%s\t%s\t%s\t%s\t%s\n",
					o.Side(), o.Price, o.Quantity, o.FilledQuantity, o.State, s.lastTimestamp.Sub(o.CreatedAt))
			}
			w.Flush()
		}

		if buys := p.unhedged(true); buys.IsPositive() {
			warnings = append(warnings, fmt.Sprintf("%s %s bought on maker is not hedged", buys, p.MakerBase))
		}
		if sells := p.unhedged(false); sells.IsPositive() {
			warnings = append(warnings, fmt.Sprintf("%s %s sold on maker is not hedged", sells, p.MakerBase))
		}
		if len(warnings) > 0 {
			b.WriteString("  *** WARNINGS ***\n")
			for _, warning := range warnings {
				fmt.Fprintf(&b, "    %s\n", warning)
			}
		}
	}

	return b.String()
}

func priceOrDash(price decimal.Decimal, err error) string {
	if err != nil {
		return "-"
	}
	return price.String()
}
