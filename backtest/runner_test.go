package backtest

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/rates"
	"github.com/spooky-finn/xemm-bridge/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

func TestLoadFixture(t *testing.T) {
	fx, err := LoadFixture("testdata/taker-widens.yaml")
	require.NoError(t, err)

	assert.True(t, t0.Equal(fx.Start))
	assert.Equal(t, time.Minute, fx.Duration)
	assert.Equal(t, time.Second, fx.TickSize)
	require.Len(t, fx.Markets, 2)
	require.Len(t, fx.Events, 1)
	assert.Equal(t, 6*time.Second, fx.Events[0].At)
	assert.Equal(t, "0.95", fx.Events[0].Widen.Bid)
}

func TestParseFixtureErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown field",
			doc:  "start: 2019-01-01T00:00:00Z\nduration: 1m\nmarkts: {}\n",
			want: "markts",
		},
		{
			name: "no markets",
			doc:  "start: 2019-01-01T00:00:00Z\nduration: 1m\n",
			want: "no markets",
		},
		{
			name: "event on unknown market",
			doc: `
start: 2019-01-01T00:00:00Z
duration: 1m
markets:
  maker:
    pairs: [{symbol: A-B, base: A, quote: B}]
events:
  - {at: 1s, market: taker, symbol: A-B, widen: {bid: "1", ask: "2"}}
`,
			want: `unknown market "taker"`,
		},
		{
			name: "event with two edits",
			doc: `
start: 2019-01-01T00:00:00Z
duration: 1m
markets:
  maker:
    pairs: [{symbol: A-B, base: A, quote: B}]
events:
  - at: 1s
    market: maker
    symbol: A-B
    widen: {bid: "1", ask: "2"}
    trade: {side: buy, price: "1", amount: "1"}
`,
			want: "exactly one of",
		},
		{
			name: "bad book",
			doc: `
start: 2019-01-01T00:00:00Z
duration: 1m
markets:
  maker:
    pairs:
      - {symbol: A-B, base: A, quote: B, book: {mid: one, min: "0", max: "2", step: "1", volume_step: "1"}}
`,
			want: "A-B book",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFixture(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFixture)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunnerReplaysEdits(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(`
start: 2019-01-01T00:00:00Z
duration: 30s
markets:
  maker:
    pairs:
      - symbol: COINALPHA-WETH
        base: COINALPHA
        quote: WETH
        book: {mid: "1", min: "0.5", max: "1.5", step: "0.01", volume_step: "10"}
    balances: {COINALPHA: "5"}
events:
  - at: 20s
    market: maker
    balances: {WETH: "7"}
  - at: 10s
    market: maker
    symbol: COINALPHA-WETH
    update:
      bids: [["0.999", "2"]]
`))
	require.NoError(t, err)

	r, err := NewRunner(fx, 5*time.Second)
	require.NoError(t, err)
	maker, err := r.Market("maker")
	require.NoError(t, err)
	assert.Equal(t, []string{"maker"}, r.MarketNames())
	assert.Equal(t, 5*time.Second, r.Clock().TickSize())

	require.NoError(t, r.RunTil(at(5)))
	bid, err := maker.GetPrice("COINALPHA-WETH", false)
	require.NoError(t, err)
	assert.True(t, d("0.995").Equal(bid), bid.String())

	require.NoError(t, r.RunTil(at(10)))
	bid, err = maker.GetPrice("COINALPHA-WETH", false)
	require.NoError(t, err)
	assert.True(t, d("0.999").Equal(bid), bid.String())
	assert.True(t, maker.GetBalance("WETH").IsZero())

	require.NoError(t, r.Run())
	assert.True(t, d("7").Equal(maker.GetBalance("WETH")))
	assert.True(t, d("5").Equal(maker.GetBalance("COINALPHA")))

	_, err = r.Market("taker")
	assert.Error(t, err)
}

func TestRunnerDrivesStrategy(t *testing.T) {
	fx, err := LoadFixture("testdata/taker-widens.yaml")
	require.NoError(t, err)
	r, err := NewRunner(fx, time.Second)
	require.NoError(t, err)

	maker, err := r.Market("maker")
	require.NoError(t, err)
	taker, err := r.Market("taker")
	require.NoError(t, err)

	rateService := rates.NewService()
	require.NoError(t, rateService.SetRate("ETH", "WETH", d("1")))

	cfg := strategy.DefaultConfig()
	cfg.OrderSizePortfolioRatioLimit = d("0.3")
	cfg.SlippageBuffer = decimal.Zero

	s, err := strategy.New(cfg, []*strategy.CrossExchangeMarketPair{{
		Maker:       maker,
		MakerSymbol: "COINALPHA-WETH",
		MakerBase:   "COINALPHA",
		MakerQuote:  "WETH",
		Taker:       taker,
		TakerSymbol: "COINALPHA-ETH",
		TakerBase:   "COINALPHA",
		TakerQuote:  "ETH",
	}}, rateService, nil)
	require.NoError(t, err)
	r.AddIterator(s)

	cancelled := 0
	maker.AddListener(func(ev market.Event) {
		if _, ok := ev.(market.OrderCancelled); ok {
			cancelled++
		}
	})

	require.NoError(t, r.RunTil(at(5)))
	bids, asks := s.ActiveBids(), s.ActiveAsks()
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, d("0.99501").Equal(bids[0].Price), bids[0].Price.String())
	assert.True(t, d("1.0049").Equal(asks[0].Price), asks[0].Price.String())

	require.NoError(t, r.RunTil(at(11)))
	assert.Empty(t, s.ActiveMakerOrders())
	assert.Equal(t, 2, cancelled)
}
