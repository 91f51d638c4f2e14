package backtest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/domain"
	"gopkg.in/yaml.v3"
)

var ErrInvalidFixture = errors.New("invalid backtest fixture")

// Fixture describes a backtest: the paper markets, their starting books and
// balances, and the book edits replayed while the clock runs.
type Fixture struct {
	Start    time.Time                `yaml:"start"`
	Duration time.Duration            `yaml:"duration"`
	TickSize time.Duration            `yaml:"tick_size"`
	Markets  map[string]MarketFixture `yaml:"markets"`
	Events   []EventFixture           `yaml:"events"`
}

type MarketFixture struct {
	Pairs    []PairFixture     `yaml:"pairs"`
	Balances map[string]string `yaml:"balances"`
}

type PairFixture struct {
	Symbol string       `yaml:"symbol"`
	Base   string       `yaml:"base"`
	Quote  string       `yaml:"quote"`
	Book   *BookFixture `yaml:"book"`
}

// BookFixture is a balanced book, see paper.Exchange.SetBalancedOrderBook.
type BookFixture struct {
	Mid        string `yaml:"mid"`
	Min        string `yaml:"min"`
	Max        string `yaml:"max"`
	Step       string `yaml:"step"`
	VolumeStep string `yaml:"volume_step"`
}

// EventFixture is applied on the first tick at or after Start+At. Exactly
// one of Widen, Update, Trade and Balances is set.
type EventFixture struct {
	At     time.Duration `yaml:"at"`
	Market string        `yaml:"market"`
	Symbol string        `yaml:"symbol"`

	Widen    *WidenFixture     `yaml:"widen"`
	Update   *UpdateFixture    `yaml:"update"`
	Trade    *TradeFixture     `yaml:"trade"`
	Balances map[string]string `yaml:"balances"`
}

type WidenFixture struct {
	Bid string `yaml:"bid"`
	Ask string `yaml:"ask"`
}

// UpdateFixture rows are [price, amount], amount 0 removes the level.
type UpdateFixture struct {
	Bids [][]string `yaml:"bids"`
	Asks [][]string `yaml:"asks"`
}

type TradeFixture struct {
	// side of the taker, buy or sell
	Side   string `yaml:"side"`
	Price  string `yaml:"price"`
	Amount string `yaml:"amount"`
}

func LoadFixture(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseFixture(f)
}

func ParseFixture(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFixture, err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}

	sort.SliceStable(fx.Events, func(i, j int) bool { return fx.Events[i].At < fx.Events[j].At })
	return &fx, nil
}

func (fx *Fixture) End() time.Time {
	return fx.Start.Add(fx.Duration)
}

func (fx *Fixture) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidFixture}, args...)...))
	}

	if fx.Start.IsZero() {
		fail("start is not set")
	}
	if fx.Duration <= 0 {
		fail("duration must be positive")
	}
	if fx.TickSize < 0 {
		fail("tick_size must not be negative")
	}
	if len(fx.Markets) == 0 {
		fail("no markets")
	}

	for name, m := range fx.Markets {
		for _, p := range m.Pairs {
			if p.Symbol == "" || p.Base == "" || p.Quote == "" {
				fail("market %s: pairs need symbol, base and quote", name)
			}
			if p.Book != nil {
				if _, err := p.Book.decimals(); err != nil {
					fail("market %s: %s book: %v", name, p.Symbol, err)
				}
			}
		}
		if _, err := parseBalances(m.Balances); err != nil {
			fail("market %s: %v", name, err)
		}
	}

	for i, ev := range fx.Events {
		m, ok := fx.Markets[ev.Market]
		if !ok {
			fail("event %d: unknown market %q", i, ev.Market)
			continue
		}
		if ev.Balances == nil && !m.hasPair(ev.Symbol) {
			fail("event %d: market %s has no pair %q", i, ev.Market, ev.Symbol)
		}
		if ev.At < 0 || ev.At > fx.Duration {
			fail("event %d: at %s is outside the backtest", i, ev.At)
		}
		if n := ev.kinds(); n != 1 {
			fail("event %d: exactly one of widen, update, trade and balances must be set, got %d", i, n)
		}
	}

	return errors.Join(errs...)
}

func (m MarketFixture) hasPair(symbol string) bool {
	for _, p := range m.Pairs {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func (ev EventFixture) kinds() int {
	n := 0
	if ev.Widen != nil {
		n++
	}
	if ev.Update != nil {
		n++
	}
	if ev.Trade != nil {
		n++
	}
	if ev.Balances != nil {
		n++
	}
	return n
}

func (b *BookFixture) decimals() ([5]decimal.Decimal, error) {
	var out [5]decimal.Decimal
	for i, s := range []string{b.Mid, b.Min, b.Max, b.Step, b.VolumeStep} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return out, fmt.Errorf("%q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}

func parseBalances(m map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(m))
	for asset, amount := range m {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", asset, err)
		}
		out[asset] = d
	}
	return out, nil
}

func (u *UpdateFixture) rows() (bids, asks []domain.BookRow, err error) {
	if bids, err = domain.ParseBookRows(u.Bids, 0); err != nil {
		return nil, nil, err
	}
	if asks, err = domain.ParseBookRows(u.Asks, 0); err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}
