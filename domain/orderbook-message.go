package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookMessageType int

const (
	SnapshotMessage OrderBookMessageType = iota + 1
	DiffMessage
)

func (t OrderBookMessageType) String() string {
	switch t {
	case SnapshotMessage:
		return "snapshot"
	case DiffMessage:
		return "diff"
	default:
		return "unknown"
	}
}

// OrderBookMessage is what market data sources push to the tracker. Feeds
// keyed by order id fill OrderEvents instead of Bids/Asks.
type OrderBookMessage struct {
	Type        OrderBookMessageType
	MarketID    string
	UpdateID    int64
	Bids        []BookRow
	Asks        []BookRow
	OrderEvents []OrderEvent
	Timestamp   time.Time
}

type OrderEventKind int

const (
	OrderOpened OrderEventKind = iota + 1
	OrderChanged
	OrderDone
)

// OrderEvent is a single order-level change on an order-id keyed feed.
type OrderEvent struct {
	Kind    OrderEventKind
	OrderID string
	IsBid   bool
	Price   decimal.Decimal
	Size    decimal.Decimal
}

type Trade struct {
	MarketID  string
	TradeID   string
	IsBuy     bool
	Price     decimal.Decimal
	Amount    decimal.Decimal
	Timestamp time.Time
}

// ParseBookRows converts exchange [price, amount, ...] string levels into rows.
func ParseBookRows(levels [][]string, updateID int64) ([]BookRow, error) {
	result := make([]BookRow, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedLevel, level)
		}

		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("%w: price %q: %v", ErrMalformedLevel, level[0], err)
		}
		amount, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", ErrMalformedLevel, level[1], err)
		}

		result = append(result, BookRow{Price: price, Amount: amount, UpdateID: updateID})
	}

	return result, nil
}

func SerializeBookRows(rows []BookRow) [][]string {
	result := make([][]string, len(rows))
	for i, row := range rows {
		result[i] = []string{row.Price.String(), row.Amount.String()}
	}

	return result
}
