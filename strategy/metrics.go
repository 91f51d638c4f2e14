package strategy

// Metrics receives strategy counters. Pair labels come from
// CrossExchangeMarketPair.String.
type Metrics interface {
	IncMakerOrders(pair, side string)
	IncMakerFills(pair, side string)
	IncCancels(pair, reason string)
	IncHedges(pair, side string)
	IncHedgeErrors(pair string)
	IncOrderErrors(pair, market string)
	SetUnhedged(pair, side string, amount float64)
}

type noopMetrics struct{}

func (noopMetrics) IncMakerOrders(string, string)       {}
func (noopMetrics) IncMakerFills(string, string)        {}
func (noopMetrics) IncCancels(string, string)           {}
func (noopMetrics) IncHedges(string, string)            {}
func (noopMetrics) IncHedgeErrors(string)               {}
func (noopMetrics) IncOrderErrors(string, string)       {}
func (noopMetrics) SetUnhedged(string, string, float64) {}
