package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/domain"
)

type OrderType int

const (
	LIMIT OrderType = iota + 1
	MARKET
)

func (t OrderType) String() string {
	switch t {
	case LIMIT:
		return "LIMIT"
	case MARKET:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

type TradeType int

const (
	BUY TradeType = iota + 1
	SELL
)

func (t TradeType) String() string {
	switch t {
	case BUY:
		return "BUY"
	case SELL:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderRejected       = errors.New("order rejected")
	ErrOrderNotFound       = errors.New("order not found")
	ErrUnknownSymbol       = errors.New("unknown trading pair")
)

type CancellationResult struct {
	OrderID string
	Success bool
}

// Market is the narrow capability set the strategy needs from an exchange.
type Market interface {
	clock.TimeIterator

	Name() string
	Ready() bool

	GetPrice(symbol string, isBuy bool) (decimal.Decimal, error)
	GetBalance(asset string) decimal.Decimal
	GetAvailableBalance(asset string) decimal.Decimal

	Buy(symbol string, amount decimal.Decimal, orderType OrderType, price decimal.Decimal) (string, error)
	Sell(symbol string, amount decimal.Decimal, orderType OrderType, price decimal.Decimal) (string, error)
	Cancel(symbol string, orderID string) error
	CancelAll(timeout time.Duration) []CancellationResult

	GetOrderBook(symbol string) (*domain.OrderBook, error)

	QuantizeOrderAmount(symbol string, amount decimal.Decimal) decimal.Decimal
	QuantizeOrderPrice(symbol string, price decimal.Decimal) decimal.Decimal
	GetOrderPriceQuantum(symbol string, price decimal.Decimal) decimal.Decimal
	GetOrderSizeQuantum(symbol string, size decimal.Decimal) decimal.Decimal

	AddListener(listener Listener) (remove func())
}

// Listener receives every event of a market in emission order.
type Listener func(event Event)

type Event interface {
	EventOrderID() string
}

type OrderFilled struct {
	Timestamp       time.Time
	OrderID         string
	ExchangeTradeID string
	Symbol          string
	TradeType       TradeType
	OrderType       OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
}

type OrderCreated struct {
	Timestamp time.Time
	OrderID   string
	Symbol    string
	OrderType OrderType
	Price     decimal.Decimal
	Amount    decimal.Decimal
}

type BuyOrderCreated struct{ OrderCreated }
type SellOrderCreated struct{ OrderCreated }

type OrderCompleted struct {
	Timestamp   time.Time
	OrderID     string
	BaseAsset   string
	QuoteAsset  string
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	OrderType   OrderType
}

type BuyOrderCompleted struct{ OrderCompleted }
type SellOrderCompleted struct{ OrderCompleted }

type OrderCancelled struct {
	Timestamp time.Time
	OrderID   string
	Symbol    string
}

type OrderFailed struct {
	Timestamp time.Time
	OrderID   string
	Symbol    string
	OrderType OrderType
	Err       error
}

func (e OrderFilled) EventOrderID() string    { return e.OrderID }
func (e OrderCreated) EventOrderID() string   { return e.OrderID }
func (e OrderCompleted) EventOrderID() string { return e.OrderID }
func (e OrderCancelled) EventOrderID() string { return e.OrderID }
func (e OrderFailed) EventOrderID() string    { return e.OrderID }
