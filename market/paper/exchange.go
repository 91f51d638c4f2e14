package paper

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/market"
)

var logger = logrus.WithField("component", "paper-exchange")

type TradingPair struct {
	Symbol       string
	Base         string
	Quote        string
	Quantization market.Quantization
}

// LimitOrder is a read-only view of a resting order.
type LimitOrder struct {
	ID        string
	Symbol    string
	IsBuy     bool
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Filled    decimal.Decimal
	CreatedAt time.Time
}

type order struct {
	LimitOrder
	orderType   market.OrderType
	quoteFilled decimal.Decimal
}

func (o *order) remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

type pairState struct {
	TradingPair
	book        *domain.OrderBook
	updateID    int64
	stopTrading func()
}

// Exchange is an in-memory market. Orders match against its order books and
// against trades applied to them; events are delivered on Tick.
type Exchange struct {
	name string

	mu       sync.Mutex
	now      time.Time
	pairs    map[string]*pairState
	balances map[string]decimal.Decimal
	orders   map[string]*order
	events   []market.Event

	listenersMu    sync.Mutex
	listeners      map[int]market.Listener
	nextListenerID int
}

var _ market.Market = (*Exchange)(nil)

func NewExchange(name string) *Exchange {
	return &Exchange{
		name:      name,
		pairs:     make(map[string]*pairState),
		balances:  make(map[string]decimal.Decimal),
		orders:    make(map[string]*order),
		listeners: make(map[int]market.Listener),
	}
}

func (e *Exchange) Name() string   { return e.name }
func (e *Exchange) String() string { return "paper:" + e.name }

// AddTradingPair registers pair with an empty book owned by the exchange.
func (e *Exchange) AddTradingPair(pair TradingPair) {
	e.AttachOrderBook(pair, domain.NewOrderBook())
}

// AttachOrderBook registers pair on top of an externally maintained book,
// e.g. one kept in sync by an OrderBookTracker.
func (e *Exchange) AttachOrderBook(pair TradingPair, book *domain.OrderBook) {
	if pair.Quantization == (market.Quantization{}) {
		pair.Quantization = market.DefaultQuantization()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.pairs[pair.Symbol]; ok && prev.stopTrading != nil {
		prev.stopTrading()
	}

	state := &pairState{TradingPair: pair, book: book, updateID: book.SnapshotUID()}
	if last := book.LastDiffUpdateID(); last > state.updateID {
		state.updateID = last
	}
	symbol := pair.Symbol
	state.stopTrading = book.AddTradeListener(func(trade domain.Trade) {
		e.onTrade(symbol, trade)
	})
	e.pairs[pair.Symbol] = state
}

func (e *Exchange) pair(symbol string) (*pairState, error) {
	p, ok := e.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", market.ErrUnknownSymbol, symbol)
	}
	return p, nil
}

// SetBalancedOrderBook fills symbol's book with levels stepping away from mid
// by priceStep, starting half a step from mid. Level n holds n*volumeStep.
func (e *Exchange) SetBalancedOrderBook(symbol string, mid, minPrice, maxPrice, priceStep, volumeStep decimal.Decimal) error {
	e.mu.Lock()
	p, err := e.pair(symbol)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	p.updateID++
	updateID := p.updateID
	e.mu.Unlock()

	half := priceStep.Div(decimal.NewFromInt(2))

	var bids []domain.BookRow
	size := volumeStep
	for price := mid.Sub(half); price.GreaterThanOrEqual(minPrice); price = price.Sub(priceStep) {
		bids = append(bids, domain.BookRow{Price: price, Amount: size, UpdateID: updateID})
		size = size.Add(volumeStep)
	}

	var asks []domain.BookRow
	size = volumeStep
	for price := mid.Add(half); price.LessThanOrEqual(maxPrice); price = price.Add(priceStep) {
		asks = append(asks, domain.BookRow{Price: price, Amount: size, UpdateID: updateID})
		size = size.Add(volumeStep)
	}

	return p.book.ApplySnapshot(bids, asks, updateID)
}

// UpdateOrderBook applies bid and ask diffs to symbol's book under the next
// update id.
func (e *Exchange) UpdateOrderBook(symbol string, bids, asks []domain.BookRow) error {
	e.mu.Lock()
	p, err := e.pair(symbol)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	p.updateID++
	updateID := p.updateID
	e.mu.Unlock()

	for i := range bids {
		bids[i].UpdateID = updateID
	}
	for i := range asks {
		asks[i].UpdateID = updateID
	}
	p.book.ApplyDiffs(bids, asks, updateID)
	return nil
}

// WidenOrderBook removes every bid above topBid and every ask below topAsk.
func (e *Exchange) WidenOrderBook(symbol string, topBid, topAsk decimal.Decimal) error {
	book, err := e.GetOrderBook(symbol)
	if err != nil {
		return err
	}

	snapshot := book.Snapshot()
	var bids, asks []domain.BookRow
	for _, row := range snapshot.Bids {
		if row.Price.LessThanOrEqual(topBid) {
			break
		}
		bids = append(bids, domain.BookRow{Price: row.Price, Amount: decimal.Zero})
	}
	for _, row := range snapshot.Asks {
		if row.Price.GreaterThanOrEqual(topAsk) {
			break
		}
		asks = append(asks, domain.BookRow{Price: row.Price, Amount: decimal.Zero})
	}

	return e.UpdateOrderBook(symbol, bids, asks)
}

// SimulateTrade applies a public trade to symbol's book. Resting orders on
// the passive side of the trade fill at their own price.
func (e *Exchange) SimulateTrade(symbol string, isBuy bool, price, amount decimal.Decimal) error {
	book, err := e.GetOrderBook(symbol)
	if err != nil {
		return err
	}

	book.ApplyTrade(domain.Trade{
		MarketID:  symbol,
		TradeID:   uuid.NewString(),
		IsBuy:     isBuy,
		Price:     price,
		Amount:    amount,
		Timestamp: e.CurrentTimestamp(),
	})
	return nil
}

// FillOrder fills the remainder of a resting order at its own price.
func (e *Exchange) FillOrder(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	e.fill(o, o.remaining(), o.Price)
	return nil
}

func (e *Exchange) SetBalance(asset string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[strings.ToUpper(asset)] = amount
}

func (e *Exchange) GetBalance(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[strings.ToUpper(asset)]
}

// GetAvailableBalance is the balance not locked by resting orders.
func (e *Exchange) GetAvailableBalance(asset string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availableLocked(strings.ToUpper(asset))
}

func (e *Exchange) availableLocked(asset string) decimal.Decimal {
	available := e.balances[asset]
	for _, o := range e.orders {
		p, ok := e.pairs[o.Symbol]
		if !ok {
			continue
		}
		if o.IsBuy && strings.EqualFold(p.Quote, asset) {
			available = available.Sub(o.remaining().Mul(o.Price))
		}
		if !o.IsBuy && strings.EqualFold(p.Base, asset) {
			available = available.Sub(o.remaining())
		}
	}
	return available
}

func (e *Exchange) CurrentTimestamp() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *Exchange) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pairs) == 0 {
		return false
	}
	for _, p := range e.pairs {
		if !p.book.SnapshotApplied() {
			return false
		}
	}
	return true
}

func (e *Exchange) GetOrderBook(symbol string) (*domain.OrderBook, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pair(symbol)
	if err != nil {
		return nil, err
	}
	return p.book, nil
}

func (e *Exchange) GetPrice(symbol string, isBuy bool) (decimal.Decimal, error) {
	book, err := e.GetOrderBook(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return book.BestPrice(isBuy)
}

func (e *Exchange) quantization(symbol string) market.Quantization {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pairs[symbol]; ok {
		return p.Quantization
	}
	return market.DefaultQuantization()
}

func (e *Exchange) GetOrderPriceQuantum(symbol string, price decimal.Decimal) decimal.Decimal {
	return e.quantization(symbol).PriceQuantum(price)
}

func (e *Exchange) GetOrderSizeQuantum(symbol string, size decimal.Decimal) decimal.Decimal {
	return e.quantization(symbol).SizeQuantum(size)
}

func (e *Exchange) QuantizeOrderPrice(symbol string, price decimal.Decimal) decimal.Decimal {
	return market.FloorTo(price, e.GetOrderPriceQuantum(symbol, price))
}

func (e *Exchange) QuantizeOrderAmount(symbol string, amount decimal.Decimal) decimal.Decimal {
	return market.FloorTo(amount, e.GetOrderSizeQuantum(symbol, amount))
}

func (e *Exchange) Buy(symbol string, amount decimal.Decimal, orderType market.OrderType, price decimal.Decimal) (string, error) {
	return e.placeOrder(symbol, true, amount, orderType, price)
}

func (e *Exchange) Sell(symbol string, amount decimal.Decimal, orderType market.OrderType, price decimal.Decimal) (string, error) {
	return e.placeOrder(symbol, false, amount, orderType, price)
}

func (e *Exchange) placeOrder(symbol string, isBuy bool, amount decimal.Decimal, orderType market.OrderType, price decimal.Decimal) (string, error) {
	amount = e.QuantizeOrderAmount(symbol, amount)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.pair(symbol)
	if err != nil {
		return "", err
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: amount below the minimum size", market.ErrOrderRejected)
	}

	if orderType == market.MARKET {
		res, err := p.book.PriceForVolume(isBuy, amount)
		if err != nil {
			return "", fmt.Errorf("%w: %w", market.ErrOrderRejected, err)
		}
		price = res.ResultPrice
	}
	if !price.IsPositive() {
		return "", fmt.Errorf("%w: price must be positive", market.ErrOrderRejected)
	}

	if isBuy {
		if need := amount.Mul(price); e.availableLocked(strings.ToUpper(p.Quote)).LessThan(need) {
			return "", fmt.Errorf("%w: %s %s needed", market.ErrInsufficientBalance, need, p.Quote)
		}
	} else if e.availableLocked(strings.ToUpper(p.Base)).LessThan(amount) {
		return "", fmt.Errorf("%w: %s %s needed", market.ErrInsufficientBalance, amount, p.Base)
	}

	side := "sell"
	if isBuy {
		side = "buy"
	}
	o := &order{
		LimitOrder: LimitOrder{
			ID:        fmt.Sprintf("%s-%s-%s", side, symbol, uuid.NewString()),
			Symbol:    symbol,
			IsBuy:     isBuy,
			Price:     price,
			Amount:    amount,
			Filled:    decimal.Zero,
			CreatedAt: e.now,
		},
		orderType:   orderType,
		quoteFilled: decimal.Zero,
	}
	e.orders[o.ID] = o

	created := market.OrderCreated{
		Timestamp: e.now,
		OrderID:   o.ID,
		Symbol:    symbol,
		OrderType: orderType,
		Price:     price,
		Amount:    amount,
	}
	if isBuy {
		e.events = append(e.events, market.BuyOrderCreated{OrderCreated: created})
	} else {
		e.events = append(e.events, market.SellOrderCreated{OrderCreated: created})
	}

	e.matchAgainstBook(o, p.book)

	if orderType == market.MARKET && e.orders[o.ID] != nil {
		delete(e.orders, o.ID)
		e.events = append(e.events, market.OrderFailed{
			Timestamp: e.now,
			OrderID:   o.ID,
			Symbol:    symbol,
			OrderType: orderType,
			Err:       fmt.Errorf("%w: market order not fully filled", market.ErrOrderRejected),
		})
	}

	return o.ID, nil
}

// matchAgainstBook fills o against book levels priced within its limit. Must
// be called with e.mu held.
func (e *Exchange) matchAgainstBook(o *order, book *domain.OrderBook) {
	snapshot := book.Snapshot()
	levels := snapshot.Bids
	if o.IsBuy {
		levels = snapshot.Asks
	}

	remaining := o.remaining()
	filled := decimal.Zero
	cost := decimal.Zero
	for _, row := range levels {
		if o.IsBuy && row.Price.GreaterThan(o.Price) || !o.IsBuy && row.Price.LessThan(o.Price) {
			break
		}
		take := decimal.Min(remaining.Sub(filled), row.Amount)
		filled = filled.Add(take)
		cost = cost.Add(take.Mul(row.Price))
		if filled.GreaterThanOrEqual(remaining) {
			break
		}
	}

	if filled.IsPositive() {
		e.fill(o, filled, cost.Div(filled))
	}
}

// fill must be called with e.mu held.
func (e *Exchange) fill(o *order, amount, price decimal.Decimal) {
	p := e.pairs[o.Symbol]
	base, quote := strings.ToUpper(p.Base), strings.ToUpper(p.Quote)
	quoteAmount := amount.Mul(price)

	if o.IsBuy {
		e.balances[base] = e.balances[base].Add(amount)
		e.balances[quote] = e.balances[quote].Sub(quoteAmount)
	} else {
		e.balances[base] = e.balances[base].Sub(amount)
		e.balances[quote] = e.balances[quote].Add(quoteAmount)
	}
	o.Filled = o.Filled.Add(amount)
	o.quoteFilled = o.quoteFilled.Add(quoteAmount)

	tradeType := market.SELL
	if o.IsBuy {
		tradeType = market.BUY
	}
	e.events = append(e.events, market.OrderFilled{
		Timestamp:       e.now,
		OrderID:         o.ID,
		ExchangeTradeID: uuid.NewString(),
		Symbol:          o.Symbol,
		TradeType:       tradeType,
		OrderType:       o.orderType,
		Price:           price,
		Amount:          amount,
	})

	if o.remaining().IsPositive() {
		return
	}

	delete(e.orders, o.ID)
	completed := market.OrderCompleted{
		Timestamp:   e.now,
		OrderID:     o.ID,
		BaseAsset:   p.Base,
		QuoteAsset:  p.Quote,
		BaseAmount:  o.Filled,
		QuoteAmount: o.quoteFilled,
		OrderType:   o.orderType,
	}
	if o.IsBuy {
		e.events = append(e.events, market.BuyOrderCompleted{OrderCompleted: completed})
	} else {
		e.events = append(e.events, market.SellOrderCompleted{OrderCompleted: completed})
	}
}

func (e *Exchange) onTrade(symbol string, trade domain.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()

	left := trade.Amount
	for _, o := range e.sortedOrders() {
		if !left.IsPositive() {
			return
		}
		if o.Symbol != symbol || o.IsBuy == trade.IsBuy {
			continue
		}
		// a seller hits bids at or above the trade price, a buyer lifts asks at or below
		if o.IsBuy && o.Price.LessThan(trade.Price) || !o.IsBuy && o.Price.GreaterThan(trade.Price) {
			continue
		}

		amount := decimal.Min(left, o.remaining())
		e.fill(o, amount, o.Price)
		left = left.Sub(amount)
	}
}

// sortedOrders returns resting orders oldest first. Must be called with e.mu held.
func (e *Exchange) sortedOrders() []*order {
	out := make([]*order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (e *Exchange) OpenOrders() []LimitOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := e.sortedOrders()
	out := make([]LimitOrder, len(orders))
	for i, o := range orders {
		out[i] = o.LimitOrder
	}
	return out
}

func (e *Exchange) Cancel(symbol string, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("%w: %s", market.ErrOrderNotFound, orderID)
	}
	delete(e.orders, orderID)
	e.events = append(e.events, market.OrderCancelled{Timestamp: e.now, OrderID: orderID, Symbol: symbol})
	return nil
}

// CancelAll cancels every resting order. Paper cancels are immediate, so the
// timeout is never reached.
func (e *Exchange) CancelAll(_ time.Duration) []market.CancellationResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := e.sortedOrders()
	results := make([]market.CancellationResult, 0, len(orders))
	for _, o := range orders {
		delete(e.orders, o.ID)
		e.events = append(e.events, market.OrderCancelled{Timestamp: e.now, OrderID: o.ID, Symbol: o.Symbol})
		results = append(results, market.CancellationResult{OrderID: o.ID, Success: true})
	}
	return results
}

func (e *Exchange) AddListener(listener market.Listener) (remove func()) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	id := e.nextListenerID
	e.nextListenerID++
	e.listeners[id] = listener

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

func (e *Exchange) Start(handle clock.ClockHandle) {
	e.mu.Lock()
	e.now = handle.CurrentTimestamp()
	e.mu.Unlock()
}

func (e *Exchange) Stop() {}

// Tick matches resting orders against the current books and delivers the
// events queued since the last tick.
func (e *Exchange) Tick(now time.Time) error {
	e.mu.Lock()
	e.now = now
	for _, o := range e.sortedOrders() {
		if p, ok := e.pairs[o.Symbol]; ok {
			e.matchAgainstBook(o, p.book)
		}
	}
	events := e.events
	e.events = nil
	e.mu.Unlock()

	e.dispatch(events)
	return nil
}

func (e *Exchange) dispatch(events []market.Event) {
	if len(events) == 0 {
		return
	}

	e.listenersMu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]market.Listener, len(ids))
	for i, id := range ids {
		listeners[i] = e.listeners[id]
	}
	e.listenersMu.Unlock()

	for _, ev := range events {
		logger.WithFields(logrus.Fields{"exchange": e.name, "order_id": ev.EventOrderID()}).Debugf("%T", ev)
		for _, l := range listeners {
			l(ev)
		}
	}
}
