package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKucoin struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu          sync.Mutex
	sequence    int64
	snapshots   int
	issued      int
	expired     map[string]bool
	token       string
	connections int
	pings       int
	conn        *websocket.Conn
	topics      map[string]bool
}

func newFakeKucoin(t *testing.T) *fakeKucoin {
	f := &fakeKucoin{sequence: 100, expired: make(map[string]bool), topics: make(map[string]bool)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeKucoin) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.Contains(r.URL.Path, "bullet-public"):
		f.mu.Lock()
		f.issued++
		token := fmt.Sprintf("tkn-%d", f.issued)
		f.mu.Unlock()
		endpoint := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/endpoint"
		fmt.Fprintf(w, `{"code":"200000","data":{"token":%q,"instanceServers":[{"endpoint":%q,"encrypt":false,"protocol":"websocket","pingInterval":50,"pingTimeout":1000}]}}`, token, endpoint)
	case strings.Contains(r.URL.Path, "orderbook/level2"):
		f.mu.Lock()
		f.snapshots++
		sequence := f.sequence
		f.mu.Unlock()
		if r.URL.Query().Get("symbol") != "BTC-USDT" {
			fmt.Fprint(w, `{"code":"400100","msg":"symbol not exists"}`)
			return
		}
		fmt.Fprintf(w, `{"code":"200000","data":{"sequence":"%d","time":1700000000000,"bids":[["100","1"],["99","2"]],"asks":[["101","1"],["102","1"]]}}`, sequence)
	case r.URL.Path == "/endpoint":
		f.handleStream(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeKucoin) handleStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	f.mu.Lock()
	expired := f.expired[token]
	f.mu.Unlock()
	if expired {
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.token = token
	f.connections++
	f.topics = make(map[string]bool)
	_ = conn.WriteJSON(map[string]string{"id": "welcome-1", "type": "welcome"})
	f.mu.Unlock()

	for {
		var req struct {
			ID    string `json:"id"`
			Type  string `json:"type"`
			Topic string `json:"topic"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		f.mu.Lock()
		switch req.Type {
		case "subscribe":
			f.topics[req.Topic] = true
			_ = conn.WriteJSON(map[string]string{"id": req.ID, "type": "ack"})
		case "unsubscribe":
			f.topics[req.Topic] = false
			_ = conn.WriteJSON(map[string]string{"id": req.ID, "type": "ack"})
		case "ping":
			f.pings++
			_ = conn.WriteJSON(map[string]string{"id": req.ID, "type": "pong"})
		}
		f.mu.Unlock()
	}
}

// expireToken invalidates the token of the live connection and drops it.
func (f *fakeKucoin) expireToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[f.token] = true
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *fakeKucoin) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topics[topic]
}

func (f *fakeKucoin) push(t *testing.T, topic, subject string, data any) {
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.conn)
	require.NoError(t, f.conn.WriteJSON(map[string]any{
		"type":    "message",
		"topic":   topic,
		"subject": subject,
		"data":    json.RawMessage(raw),
	}))
}

func btcusdt(t *testing.T) *domain.MarketSymbol {
	symbol, err := domain.NewMarketSymbol("btc", "usdt")
	require.NoError(t, err)
	return symbol
}

func newTestSource(t *testing.T, f *fakeKucoin) *KucoinDataSource {
	src := NewKucoinDataSource(Options{
		APIBaseURI:    f.srv.URL,
		Markets:       []*domain.MarketSymbol{btcusdt(t)},
		SnapshotRetry: helpers.FixedDelay(10*time.Millisecond, 2),
		ConnectRetry:  helpers.FixedDelay(10*time.Millisecond, 3),
	})
	src.StreamClient().HandshakeTimeout = 200 * time.Millisecond
	t.Cleanup(src.Close)
	return src
}

func level2(start, end int64, bids, asks [][]string) []byte {
	raw, _ := json.Marshal(DepthUpdateModel{
		Changes:       OrderBookChanges{Bids: bids, Asks: asks},
		SequenceStart: start,
		SequenceEnd:   end,
		Symbol:        "BTC-USDT",
		Time:          1700000000000,
	})
	return raw
}

func TestTopics(t *testing.T) {
	symbol := btcusdt(t)
	assert.Equal(t, "BTC-USDT", MarketID(symbol))
	assert.Equal(t, "/market/level2:BTC-USDT", depthTopic(symbol))
	assert.Equal(t, "/market/match:BTC-USDT", tradeTopic(symbol))
}

func TestDiffMessageFiltersCoveredRows(t *testing.T) {
	data, err := parseDepthUpdate(level2(14103844, 14103846,
		[][]string{{"18906", "0.00331", "14103845"}, {"18905", "1", "14103843"}},
		[][]string{{"18907", "0", "14103846"}},
	))
	require.NoError(t, err)

	msg, err := diffMessage(data, 14103844)
	require.NoError(t, err)

	assert.Equal(t, domain.DiffMessage, msg.Type)
	assert.Equal(t, "BTC-USDT", msg.MarketID)
	assert.Equal(t, int64(14103846), msg.UpdateID)
	require.Len(t, msg.Bids, 1)
	assert.Equal(t, "18906", msg.Bids[0].Price.String())
	assert.Equal(t, int64(14103845), msg.Bids[0].UpdateID)
	require.Len(t, msg.Asks, 1)
	assert.True(t, msg.Asks[0].Amount.IsZero())

	data, err = parseDepthUpdate(level2(1, 2, [][]string{{"18906", "1"}}, nil))
	require.NoError(t, err)
	_, err = diffMessage(data, 0)
	assert.ErrorIs(t, err, domain.ErrMalformedLevel)
}

func TestParseTrade(t *testing.T) {
	raw := []byte(`{"makerOrderId":"6287c3015c27f000017d0c2f","price":"0.08","sequence":"11067996","side":"sell","size":"0.011","symbol":"BTC-USDT","takerOrderId":"6287c30e5c27f000017d0c30","time":"1652999166418433456","tradeId":"11067996","type":"match"}`)

	trade, err := parseTrade(raw)
	require.NoError(t, err)

	assert.Equal(t, "BTC-USDT", trade.MarketID)
	assert.Equal(t, "11067996", trade.TradeID)
	assert.False(t, trade.IsBuy)
	assert.Equal(t, "0.08", trade.Price.String())
	assert.Equal(t, "0.011", trade.Amount.String())
	assert.Equal(t, time.Unix(0, 1652999166418433456), trade.Timestamp)
}

func TestSyncAPI(t *testing.T) {
	f := newFakeKucoin(t)
	api := NewKucoinSyncAPI(f.srv.URL, Credentials{})

	opts, err := api.WsConnOpts()
	require.NoError(t, err)
	assert.Equal(t, "tkn-1", opts.Token)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, int64(50), opts.Servers[0].PingInterval)

	snapshot, sequence, err := api.OrderBookSnapshot("BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sequence)
	assert.Len(t, snapshot.Bids, 2)

	_, _, err = api.OrderBookSnapshot("NOPE-USDT")
	assert.Error(t, err)
}

func TestDataSourceResyncsAfterGap(t *testing.T) {
	f := newFakeKucoin(t)
	src := newTestSource(t, f)
	ctx := context.Background()

	pairs, err := src.GetTrackingPairs(ctx)
	require.NoError(t, err)
	require.Contains(t, pairs, "BTC-USDT")
	assert.Equal(t, int64(100), pairs["BTC-USDT"].OrderBook.SnapshotUID())

	_, ok := src.checkDiff(level2(99, 100, nil, nil))
	assert.False(t, ok, "outdated")

	msg, ok := src.checkDiff(level2(99, 102, [][]string{{"100", "3", "99"}, {"100.5", "1", "102"}}, nil))
	require.True(t, ok)
	require.Len(t, msg.Bids, 1, "row at sequence 99 is in the snapshot")

	_, ok = src.checkDiff(level2(110, 111, nil, nil))
	assert.False(t, ok, "gap")
	_, ok = src.checkDiff(level2(112, 113, nil, nil))
	assert.False(t, ok, "still waiting for the snapshot")

	f.mu.Lock()
	f.sequence = 200
	f.mu.Unlock()

	snapshots := make(chan domain.OrderBookMessage, 1)
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = src.ListenForOrderBookSnapshots(listenCtx, snapshots) }()

	select {
	case snap := <-snapshots:
		assert.Equal(t, "BTC-USDT", snap.MarketID)
		assert.Equal(t, int64(200), snap.UpdateID)
	case <-time.After(2 * time.Second):
		t.Fatal("no resync snapshot")
	}

	f.mu.Lock()
	assert.Equal(t, 2, f.snapshots, "one snapshot per gap")
	f.mu.Unlock()

	_, ok = src.checkDiff(level2(201, 201, nil, nil))
	assert.True(t, ok)
}

func TestDataSourceFeedsTracker(t *testing.T) {
	f := newFakeKucoin(t)
	src := newTestSource(t, f)

	tracker := domain.NewOrderBookTracker(src, domain.DefaultTrackerOptions())
	tracker.Start(context.Background())
	defer tracker.Stop()

	require.Eventually(t, tracker.Ready, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.subscribed("/market/level2:BTC-USDT") && f.subscribed("/market/match:BTC-USDT")
	}, 3*time.Second, 10*time.Millisecond)

	f.mu.Lock()
	assert.Equal(t, "tkn-1", f.token)
	f.mu.Unlock()

	ob, err := tracker.OrderBook("BTC-USDT")
	require.NoError(t, err)

	trades := make(chan domain.Trade, 1)
	remove := ob.AddTradeListener(func(trade domain.Trade) { trades <- trade })
	defer remove()

	f.push(t, "/market/level2:BTC-USDT", "trade.l2update", DepthUpdateModel{
		Changes: OrderBookChanges{
			Bids: [][]string{{"100.5", "2", "101"}, {"99.5", "5", "99"}},
			Asks: [][]string{{"101", "0", "102"}},
		},
		SequenceStart: 99,
		SequenceEnd:   102,
		Symbol:        "BTC-USDT",
	})

	require.Eventually(t, func() bool {
		bid, err := ob.BestPrice(false)
		return err == nil && bid.Equal(decimal.RequireFromString("100.5"))
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, [][]string{{"100.5", "2"}, {"100", "1"}, {"99", "2"}}, domain.SerializeBookRows(ob.Snapshot().Bids))
	ask, err := ob.BestPrice(true)
	require.NoError(t, err)
	assert.Equal(t, "102", ask.String())

	f.push(t, "/market/match:BTC-USDT", "trade.l3match", MatchModel{
		Symbol:  "BTC-USDT",
		Side:    "buy",
		Price:   "100.5",
		Size:    "0.5",
		TradeID: "42",
		Time:    "1700000000000000000",
		Type:    "match",
	})

	select {
	case trade := <-trades:
		assert.Equal(t, "42", trade.TradeID)
		assert.True(t, trade.IsBuy)
	case <-time.After(3 * time.Second):
		t.Fatal("match was not routed to the book")
	}

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.pings > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestGetTrackingPairsSkipsFailingMarket(t *testing.T) {
	f := newFakeKucoin(t)
	nope, err := domain.NewMarketSymbol("nope", "usdt")
	require.NoError(t, err)

	src := NewKucoinDataSource(Options{
		APIBaseURI: f.srv.URL,
		Markets:    []*domain.MarketSymbol{nope, btcusdt(t)},
	})
	t.Cleanup(src.Close)

	pairs, err := src.GetTrackingPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Contains(t, pairs, "BTC-USDT")

	// the failing market is asked for again, the seeded one is not
	f.mu.Lock()
	before := f.snapshots
	f.mu.Unlock()

	pairs, err = src.GetTrackingPairs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pairs)
	f.mu.Lock()
	assert.Equal(t, before+1, f.snapshots)
	f.mu.Unlock()
}

func TestGetTrackingPairsFailsWhenNothingSeeds(t *testing.T) {
	f := newFakeKucoin(t)
	nope, err := domain.NewMarketSymbol("nope", "usdt")
	require.NoError(t, err)

	src := NewKucoinDataSource(Options{APIBaseURI: f.srv.URL, Markets: []*domain.MarketSymbol{nope}})
	t.Cleanup(src.Close)

	pairs, err := src.GetTrackingPairs(context.Background())
	assert.Error(t, err)
	assert.Nil(t, pairs)
}

func TestRetryPolicyDefaults(t *testing.T) {
	src := NewKucoinDataSource(Options{})
	t.Cleanup(src.Close)

	assert.Equal(t, domain.ReconnectDelay, src.opts.ConnectRetry.Min)
	assert.Equal(t, domain.ReconnectDelay, src.opts.ConnectRetry.Max)
	assert.Equal(t, domain.ReconnectDelay, src.StreamClient().ReconnectRetry.Min)
	assert.Equal(t, domain.SnapshotRetryDelay, src.opts.SnapshotRetry.Min)
}

func TestStreamReconnectsWithFreshToken(t *testing.T) {
	f := newFakeKucoin(t)
	src := newTestSource(t, f)
	client := src.StreamClient()

	require.NoError(t, client.Connect(context.Background()))
	sub, err := client.Subscribe("/market/match:BTC-USDT")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return f.subscribed("/market/match:BTC-USDT") }, 3*time.Second, 10*time.Millisecond)

	f.expireToken()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.connections == 2 && f.token != "tkn-1" && f.topics["/market/match:BTC-USDT"]
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, client.IsConnected())

	f.push(t, "/market/match:BTC-USDT", "trade.l3match", MatchModel{Symbol: "BTC-USDT", TradeID: "7", Price: "1", Size: "1", Time: "1"})

	select {
	case raw := <-sub.Stream:
		trade, err := parseTrade(raw)
		require.NoError(t, err)
		assert.Equal(t, "7", trade.TradeID)
	case <-time.After(3 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestFetchSnapshot(t *testing.T) {
	f := newFakeKucoin(t)
	src := newTestSource(t, f)

	snapshot, err := src.FetchSnapshot(context.Background(), btcusdt(t), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderBookSource_Provider, snapshot.Source)
	assert.Equal(t, int64(100), snapshot.SnapshotUID)
	assert.Equal(t, [][]string{{"100", "1"}}, domain.SerializeBookRows(snapshot.Bids))
	assert.Equal(t, [][]string{{"101", "1"}}, domain.SerializeBookRows(snapshot.Asks))
}
