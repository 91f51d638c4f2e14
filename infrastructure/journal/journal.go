package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("journal: record not found")

type OrderState uint8

const (
	StateOpen OrderState = iota
	StateCompleted
	StateCancelled
	StateFailed
)

func (s OrderState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type FillRecord struct {
	Market          string          `json:"market"`
	OrderID         string          `json:"order_id"`
	ExchangeTradeID string          `json:"exchange_trade_id"`
	Symbol          string          `json:"symbol"`
	TradeType       string          `json:"trade_type"`
	OrderType       string          `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       time.Time       `json:"timestamp"`
}

type OrderRecord struct {
	Market    string     `json:"market"`
	OrderID   string     `json:"order_id"`
	Symbol    string     `json:"symbol"`
	State     OrderState `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

const (
	fillPrefix  = "fill/"
	orderPrefix = "order/"
)

// Journal is the durable trade history. Fills are keyed by time so a range
// scan returns them in execution order.
type Journal struct {
	db *pebble.DB
}

func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening journal at %s: %w", dir, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// fill/<unix nanos, zero padded>/<market>/<order id>/<trade id>
func fillKey(f FillRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s/%s/%s", fillPrefix, f.Timestamp.UnixNano(), f.Market, f.OrderID, f.ExchangeTradeID))
}

func fillBound(t time.Time) []byte {
	return []byte(fmt.Sprintf("%s%020d", fillPrefix, t.UnixNano()))
}

func orderKey(market, orderID string) []byte {
	return []byte(orderPrefix + market + "/" + orderID)
}

// RecordFill stores f. Recording the same fill twice keeps one record.
func (j *Journal) RecordFill(f FillRecord) error {
	value, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return j.db.Set(fillKey(f), value, pebble.Sync)
}

// Fills returns the fills executed in [from, to).
func (j *Journal) Fills(from, to time.Time) ([]FillRecord, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: fillBound(from),
		UpperBound: fillBound(to),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []FillRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var f FillRecord
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			return nil, fmt.Errorf("decoding fill %s: %w", iter.Key(), err)
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

func (j *Journal) PutOrder(o OrderRecord) error {
	value, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return j.db.Set(orderKey(o.Market, o.OrderID), value, pebble.Sync)
}

// UpdateOrderState moves a known order to state. Orders the journal never
// saw open are created.
func (j *Journal) UpdateOrderState(market, orderID string, state OrderState, reason string, at time.Time) error {
	o, err := j.Order(market, orderID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	o.Market = market
	o.OrderID = orderID
	o.State = state
	o.Reason = reason
	o.UpdatedAt = at
	return j.PutOrder(o)
}

func (j *Journal) Order(market, orderID string) (OrderRecord, error) {
	val, closer, err := j.db.Get(orderKey(market, orderID))
	if errors.Is(err, pebble.ErrNotFound) {
		return OrderRecord{}, ErrNotFound
	}
	if err != nil {
		return OrderRecord{}, err
	}
	defer closer.Close()

	var o OrderRecord
	if err := json.Unmarshal(val, &o); err != nil {
		return OrderRecord{}, fmt.Errorf("decoding order %s: %w", orderID, err)
	}
	return o, nil
}

// ScanOrdersByState calls fn for every order in state.
func (j *Journal) ScanOrdersByState(state OrderState, fn func(OrderRecord) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(orderPrefix),
		UpperBound: []byte(orderPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var o OrderRecord
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return fmt.Errorf("decoding order %s: %w", iter.Key(), err)
		}
		if o.State != state {
			continue
		}
		if err := fn(o); err != nil {
			return err
		}
	}
	return iter.Error()
}
