package backtest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/market/paper"
)

var logger = logrus.WithField("component", "backtest")

// Runner owns the BACKTEST clock and the paper markets of a fixture. The
// fixture's events are replayed on the clock ahead of the markets, so an
// edit made at a tick is visible to every iterator added later.
type Runner struct {
	fixture *Fixture
	clock   *clock.Clock
	markets map[string]*paper.Exchange

	mu   sync.Mutex
	next int
}

// NewRunner uses tickSize when the fixture does not set one.
func NewRunner(fx *Fixture, tickSize time.Duration) (*Runner, error) {
	if fx.TickSize > 0 {
		tickSize = fx.TickSize
	}

	r := &Runner{
		fixture: fx,
		clock:   clock.NewClock(clock.BACKTEST, tickSize, fx.Start, fx.End()),
		markets: make(map[string]*paper.Exchange, len(fx.Markets)),
	}

	for name, m := range fx.Markets {
		ex := paper.NewExchange(name)
		for _, p := range m.Pairs {
			ex.AddTradingPair(paper.TradingPair{Symbol: p.Symbol, Base: p.Base, Quote: p.Quote})
			if p.Book == nil {
				continue
			}
			b, err := p.Book.decimals()
			if err != nil {
				return nil, err
			}
			if err := ex.SetBalancedOrderBook(p.Symbol, b[0], b[1], b[2], b[3], b[4]); err != nil {
				return nil, fmt.Errorf("market %s: %s: %w", name, p.Symbol, err)
			}
		}

		balances, err := parseBalances(m.Balances)
		if err != nil {
			return nil, err
		}
		for asset, amount := range balances {
			ex.SetBalance(asset, amount)
		}
		r.markets[name] = ex
	}

	r.clock.AddIterator(r)
	for _, name := range r.MarketNames() {
		r.clock.AddIterator(r.markets[name])
	}
	return r, nil
}

func (r *Runner) String() string { return "backtest-scenario" }

func (r *Runner) Clock() *clock.Clock { return r.clock }

func (r *Runner) Market(name string) (*paper.Exchange, error) {
	ex, ok := r.markets[name]
	if !ok {
		return nil, fmt.Errorf("backtest has no market %q", name)
	}
	return ex, nil
}

// MarketNames are sorted so markets tick in a stable order.
func (r *Runner) MarketNames() []string {
	names := make([]string, 0, len(r.markets))
	for name := range r.markets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddIterator registers it after the markets, e.g. a strategy.
func (r *Runner) AddIterator(it clock.TimeIterator) {
	r.clock.AddIterator(it)
}

func (r *Runner) Run() error {
	return r.clock.Backtest()
}

func (r *Runner) RunTil(ts time.Time) error {
	return r.clock.BacktestTil(ts)
}

func (r *Runner) Start(clock.ClockHandle) {}

func (r *Runner) Stop() {}

// Tick applies every fixture event that is due.
func (r *Runner) Tick(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.fixture.Events
	for r.next < len(events) {
		ev := events[r.next]
		if r.fixture.Start.Add(ev.At).After(now) {
			break
		}
		r.next++

		if err := r.apply(ev); err != nil {
			return fmt.Errorf("event at %s on %s: %w", ev.At, ev.Market, err)
		}
		logger.WithFields(logrus.Fields{
			"clock":  now.Unix(),
			"market": ev.Market,
			"symbol": ev.Symbol,
		}).Debug("fixture event applied")
	}
	return nil
}

func (r *Runner) apply(ev EventFixture) error {
	ex, err := r.Market(ev.Market)
	if err != nil {
		return err
	}

	switch {
	case ev.Widen != nil:
		bid, err := decimal.NewFromString(ev.Widen.Bid)
		if err != nil {
			return err
		}
		ask, err := decimal.NewFromString(ev.Widen.Ask)
		if err != nil {
			return err
		}
		return ex.WidenOrderBook(ev.Symbol, bid, ask)

	case ev.Update != nil:
		bids, asks, err := ev.Update.rows()
		if err != nil {
			return err
		}
		return ex.UpdateOrderBook(ev.Symbol, bids, asks)

	case ev.Trade != nil:
		price, err := decimal.NewFromString(ev.Trade.Price)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(ev.Trade.Amount)
		if err != nil {
			return err
		}
		return ex.SimulateTrade(ev.Symbol, strings.EqualFold(ev.Trade.Side, "buy"), price, amount)

	case ev.Balances != nil:
		balances, err := parseBalances(ev.Balances)
		if err != nil {
			return err
		}
		for asset, amount := range balances {
			ex.SetBalance(asset, amount)
		}
	}
	return nil
}
