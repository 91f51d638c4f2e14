package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/infrastructure/journal"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/market/paper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Unix(1546300800, 0).UTC()

type sentMessage struct {
	key, value string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (p *fakePublisher) Send(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sentMessage{key: string(key), value: string(value)})
	return nil
}

func (p *fakePublisher) messages() []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMessage(nil), p.sent...)
}

func newPaperMaker(t *testing.T) *paper.Exchange {
	t.Helper()
	ex := paper.NewExchange("maker")
	ex.AddTradingPair(paper.TradingPair{Symbol: "COINALPHA-WETH", Base: "COINALPHA", Quote: "WETH"})
	require.NoError(t, ex.SetBalancedOrderBook("COINALPHA-WETH", d("1"), d("0.5"), d("1.5"), d("0.01"), d("10")))
	ex.SetBalance("COINALPHA", d("5"))
	ex.SetBalance("WETH", d("5"))
	require.NoError(t, ex.Tick(t0))
	return ex
}

func newJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestTradeRecorderJournalsAndPublishes(t *testing.T) {
	ex := newPaperMaker(t)
	j := newJournal(t)
	pub := &fakePublisher{}

	recorder := NewTradeRecorder(j, pub)
	detach := recorder.Attach(ex)
	defer detach()

	filledID, err := ex.Buy("COINALPHA-WETH", d("2"), market.MARKET, decimal.Zero)
	require.NoError(t, err)
	restingID, err := ex.Buy("COINALPHA-WETH", d("1"), market.LIMIT, d("0.9"))
	require.NoError(t, err)
	require.NoError(t, ex.Cancel("COINALPHA-WETH", restingID))
	require.NoError(t, ex.Tick(t0.Add(time.Second)))

	recorder.Flush(context.Background())

	fills, err := j.Fills(t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, filledID, fills[0].OrderID)
	assert.Equal(t, "BUY", fills[0].TradeType)
	assert.Equal(t, "MARKET", fills[0].OrderType)
	assert.True(t, d("1.005").Equal(fills[0].Price))
	assert.True(t, d("2").Equal(fills[0].Amount))

	filled, err := j.Order("maker", filledID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateCompleted, filled.State)

	cancelled, err := j.Order("maker", restingID)
	require.NoError(t, err)
	assert.Equal(t, journal.StateCancelled, cancelled.State)
	assert.Equal(t, "COINALPHA-WETH", cancelled.Symbol)

	sent := pub.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "maker/"+filledID, sent[0].key)
	assert.Contains(t, sent[0].value, `"order_type":"MARKET"`)
}

func TestTradeRecorderKeepsJournalWhenPublishFails(t *testing.T) {
	ex := newPaperMaker(t)
	j := newJournal(t)

	recorder := NewTradeRecorder(j, &fakePublisher{err: errors.New("broker down")})
	recorder.Attach(ex)

	_, err := ex.Sell("COINALPHA-WETH", d("1"), market.MARKET, decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, ex.Tick(t0.Add(time.Second)))
	recorder.Flush(context.Background())

	fills, err := j.Fills(t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "SELL", fills[0].TradeType)
}

func TestTradeRecorderRunDrainsOnCancel(t *testing.T) {
	ex := newPaperMaker(t)
	j := newJournal(t)

	recorder := NewTradeRecorder(j, nil)
	recorder.Attach(ex)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		recorder.Run(ctx)
		close(done)
	}()

	id, err := ex.Buy("COINALPHA-WETH", d("1"), market.LIMIT, d("0.9"))
	require.NoError(t, err)
	require.NoError(t, ex.Tick(t0.Add(time.Second)))

	require.Eventually(t, func() bool {
		o, err := j.Order("maker", id)
		return err == nil && o.State == journal.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
