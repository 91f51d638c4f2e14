package paper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Unix(1546300800, 0)

type eventLog struct {
	events []market.Event
}

func (l *eventLog) listen(ev market.Event) { l.events = append(l.events, ev) }

func (l *eventLog) fills() []market.OrderFilled {
	var out []market.OrderFilled
	for _, ev := range l.events {
		if f, ok := ev.(market.OrderFilled); ok {
			out = append(out, f)
		}
	}
	return out
}

func newMaker(t *testing.T) (*Exchange, *clock.Clock, *eventLog) {
	t.Helper()
	ex := NewExchange("maker")
	ex.AddTradingPair(TradingPair{Symbol: "COINALPHA-WETH", Base: "COINALPHA", Quote: "WETH"})
	require.NoError(t, ex.SetBalancedOrderBook("COINALPHA-WETH", d("1"), d("0.5"), d("1.5"), d("0.01"), d("10")))
	ex.SetBalance("COINALPHA", d("5"))
	ex.SetBalance("WETH", d("5"))

	c := clock.NewClock(clock.BACKTEST, time.Second, t0, t0.Add(time.Hour))
	c.AddIterator(ex)

	log := &eventLog{}
	ex.AddListener(log.listen)
	return ex, c, log
}

func TestSetBalancedOrderBook(t *testing.T) {
	ex, _, _ := newMaker(t)

	book, err := ex.GetOrderBook("COINALPHA-WETH")
	require.NoError(t, err)
	snapshot := book.Snapshot()

	assert.True(t, ex.Ready())
	assert.Equal(t, [][]string{{"0.995", "10"}, {"0.985", "20"}}, domain.SerializeBookRows(snapshot.Bids[:2]))
	assert.Equal(t, [][]string{{"1.005", "10"}, {"1.015", "20"}}, domain.SerializeBookRows(snapshot.Asks[:2]))
	assert.Equal(t, "0.505", snapshot.Bids[len(snapshot.Bids)-1].Price.String())
	assert.Equal(t, "1.495", snapshot.Asks[len(snapshot.Asks)-1].Price.String())

	_, err = ex.GetOrderBook("XXX")
	assert.ErrorIs(t, err, market.ErrUnknownSymbol)
}

func TestRestingOrderLocksBalance(t *testing.T) {
	ex, c, log := newMaker(t)

	id, err := ex.Buy("COINALPHA-WETH", d("3"), market.LIMIT, d("0.99501"))
	require.NoError(t, err)

	assert.Equal(t, "5", ex.GetBalance("WETH").String())
	assert.Equal(t, "2.01497", ex.GetAvailableBalance("WETH").String())
	require.Len(t, ex.OpenOrders(), 1)
	assert.Equal(t, id, ex.OpenOrders()[0].ID)

	assert.Empty(t, log.events, "events are delivered on tick")
	require.NoError(t, c.BacktestTil(t0.Add(time.Second)))
	require.Len(t, log.events, 1)
	created, ok := log.events[0].(market.BuyOrderCreated)
	require.True(t, ok)
	assert.Equal(t, id, created.OrderID)
}

func TestInsufficientBalanceIsRejected(t *testing.T) {
	ex, _, _ := newMaker(t)

	_, err := ex.Sell("COINALPHA-WETH", d("6"), market.LIMIT, d("1.1"))
	assert.ErrorIs(t, err, market.ErrInsufficientBalance)

	_, err = ex.Buy("COINALPHA-WETH", d("4"), market.LIMIT, d("0.99"))
	require.NoError(t, err)
	_, err = ex.Buy("COINALPHA-WETH", d("2"), market.LIMIT, d("0.99"))
	assert.ErrorIs(t, err, market.ErrInsufficientBalance, "the first order locks most of the quote balance")

	_, err = ex.Buy("COINALPHA-WETH", d("0.000001"), market.LIMIT, d("0.99"))
	assert.ErrorIs(t, err, market.ErrOrderRejected)
}

func TestSimulatedTradeFillsRestingOrder(t *testing.T) {
	ex, c, log := newMaker(t)

	id, err := ex.Buy("COINALPHA-WETH", d("3"), market.LIMIT, d("0.99501"))
	require.NoError(t, err)

	// a buy trade does not touch our bid
	require.NoError(t, ex.SimulateTrade("COINALPHA-WETH", true, d("0.98"), d("10")))
	require.NoError(t, ex.SimulateTrade("COINALPHA-WETH", false, d("0.98506"), d("10")))
	require.NoError(t, c.BacktestTil(t0.Add(time.Second)))

	fills := log.fills()
	require.Len(t, fills, 1)
	assert.Equal(t, id, fills[0].OrderID)
	assert.Equal(t, market.BUY, fills[0].TradeType)
	assert.Equal(t, "0.99501", fills[0].Price.String())
	assert.Equal(t, "3", fills[0].Amount.String())
	assert.NotEmpty(t, fills[0].ExchangeTradeID)

	completed, ok := log.events[len(log.events)-1].(market.BuyOrderCompleted)
	require.True(t, ok)
	assert.Equal(t, "2.98503", completed.QuoteAmount.String())

	assert.Equal(t, "8", ex.GetBalance("COINALPHA").String())
	assert.Equal(t, "2.01497", ex.GetBalance("WETH").String())
	assert.Empty(t, ex.OpenOrders())
}

func TestPartialFillFromSmallTrade(t *testing.T) {
	ex, c, log := newMaker(t)

	_, err := ex.Sell("COINALPHA-WETH", d("3"), market.LIMIT, d("1.0049"))
	require.NoError(t, err)
	require.NoError(t, ex.SimulateTrade("COINALPHA-WETH", true, d("1.01"), d("1")))
	require.NoError(t, c.BacktestTil(t0.Add(time.Second)))

	require.Len(t, log.fills(), 1)
	assert.Equal(t, "1", log.fills()[0].Amount.String())
	require.Len(t, ex.OpenOrders(), 1)
	assert.Equal(t, "1", ex.OpenOrders()[0].Filled.String())
}

func TestCrossingLimitOrderFillsAgainstBook(t *testing.T) {
	ex := NewExchange("taker")
	ex.AddTradingPair(TradingPair{Symbol: "COINALPHA-ETH", Base: "COINALPHA", Quote: "ETH"})
	require.NoError(t, ex.SetBalancedOrderBook("COINALPHA-ETH", d("1"), d("0.5"), d("1.5"), d("0.001"), d("4")))
	ex.SetBalance("COINALPHA", d("5"))
	ex.SetBalance("ETH", d("5"))
	log := &eventLog{}
	ex.AddListener(log.listen)

	_, err := ex.Sell("COINALPHA-ETH", d("3"), market.LIMIT, d("0.9995"))
	require.NoError(t, err)
	// 4 at 1.0005 and 1 at 1.0015
	_, err = ex.Buy("COINALPHA-ETH", d("5"), market.LIMIT, d("1.002"))
	require.NoError(t, err)
	require.NoError(t, ex.Tick(t0))

	fills := log.fills()
	require.Len(t, fills, 2)
	assert.Equal(t, "0.9995", fills[0].Price.String())
	assert.Equal(t, "3", fills[0].Amount.String())
	assert.Equal(t, "1.0007", fills[1].Price.String())
	assert.Empty(t, ex.OpenOrders())
}

func TestCancel(t *testing.T) {
	ex, c, log := newMaker(t)

	bid, err := ex.Buy("COINALPHA-WETH", d("1"), market.LIMIT, d("0.99"))
	require.NoError(t, err)
	ask, err := ex.Sell("COINALPHA-WETH", d("1"), market.LIMIT, d("1.01"))
	require.NoError(t, err)

	require.NoError(t, ex.Cancel("COINALPHA-WETH", bid))
	assert.ErrorIs(t, ex.Cancel("COINALPHA-WETH", bid), market.ErrOrderNotFound)

	results := ex.CancelAll(10 * time.Second)
	assert.Equal(t, []market.CancellationResult{{OrderID: ask, Success: true}}, results)
	assert.Equal(t, "5", ex.GetAvailableBalance("WETH").String())

	require.NoError(t, c.BacktestTil(t0.Add(time.Second)))
	var cancelled []string
	for _, ev := range log.events {
		if ev, ok := ev.(market.OrderCancelled); ok {
			cancelled = append(cancelled, ev.OrderID)
		}
	}
	assert.Equal(t, []string{bid, ask}, cancelled)
}

func TestWidenOrderBook(t *testing.T) {
	ex, _, _ := newMaker(t)

	require.NoError(t, ex.WidenOrderBook("COINALPHA-WETH", d("0.99"), d("1.01")))

	bid, err := ex.GetPrice("COINALPHA-WETH", false)
	require.NoError(t, err)
	ask, err := ex.GetPrice("COINALPHA-WETH", true)
	require.NoError(t, err)
	assert.Equal(t, "0.985", bid.String())
	assert.Equal(t, "1.015", ask.String())
}

func TestQuantize(t *testing.T) {
	ex, _, _ := newMaker(t)

	assert.Equal(t, "0.99501", ex.QuantizeOrderPrice("COINALPHA-WETH", d("0.995012")).String())
	assert.Equal(t, "1.0049", ex.QuantizeOrderPrice("COINALPHA-WETH", d("1.00499")).String())
	assert.Equal(t, "3", ex.QuantizeOrderAmount("COINALPHA-WETH", d("3.00001")).String())
}
