package kucoin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/domain"
)

type DepthUpdateModel struct {
	Changes       OrderBookChanges `json:"changes"`
	SequenceEnd   int64            `json:"sequenceEnd"`
	SequenceStart int64            `json:"sequenceStart"`
	Symbol        string           `json:"symbol"`
	Time          int64            `json:"time"`
}

// OrderBookChanges rows are [price, size, sequence].
type OrderBookChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type MatchModel struct {
	Sequence     string `json:"sequence"`
	Type         string `json:"type"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	TradeID      string `json:"tradeId"`
	TakerOrderID string `json:"takerOrderId"`
	MakerOrderID string `json:"makerOrderId"`
	// nanoseconds
	Time string `json:"time"`
}

// MarketID is the symbol form kucoin uses in payloads, e.g. BTC-USDT.
func MarketID(symbol *domain.MarketSymbol) string {
	return symbol.Upper("-")
}

func depthTopic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("/market/level2:%s", MarketID(symbol))
}

func tradeTopic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("/market/match:%s", MarketID(symbol))
}

func parseDepthUpdate(raw []byte) (DepthUpdateModel, error) {
	var data DepthUpdateModel
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decoding level2 change: %w", err)
	}
	return data, nil
}

// diffMessage converts the change rows carrying a sequence above after.
func diffMessage(data DepthUpdateModel, after int64) (domain.OrderBookMessage, error) {
	bids, err := changeRows(data.Changes.Bids, after)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}
	asks, err := changeRows(data.Changes.Asks, after)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}

	return domain.OrderBookMessage{
		Type:      domain.DiffMessage,
		MarketID:  data.Symbol,
		UpdateID:  data.SequenceEnd,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(data.Time),
	}, nil
}

func changeRows(changes [][]string, after int64) ([]domain.BookRow, error) {
	rows := make([]domain.BookRow, 0, len(changes))
	for _, change := range changes {
		if len(change) < 3 {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedLevel, change)
		}
		seq, err := strconv.ParseInt(change[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: sequence %q: %v", domain.ErrMalformedLevel, change[2], err)
		}
		if seq <= after {
			continue
		}

		parsed, err := domain.ParseBookRows([][]string{change}, seq)
		if err != nil {
			return nil, err
		}
		rows = append(rows, parsed...)
	}
	return rows, nil
}

func parseTrade(raw []byte) (domain.Trade, error) {
	var data MatchModel
	if err := json.Unmarshal(raw, &data); err != nil {
		return domain.Trade{}, fmt.Errorf("decoding match: %w", err)
	}

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade price %q: %w", data.Price, err)
	}
	amount, err := decimal.NewFromString(data.Size)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade size %q: %w", data.Size, err)
	}
	nanos, err := strconv.ParseInt(data.Time, 10, 64)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade time %q: %w", data.Time, err)
	}

	return domain.Trade{
		MarketID: data.Symbol,
		TradeID:  data.TradeID,
		// side of the taker
		IsBuy:     data.Side == "buy",
		Price:     price,
		Amount:    amount,
		Timestamp: time.Unix(0, nanos),
	}, nil
}

func snapshotMessage(marketID string, snapshot *OrderBookSnapshot, sequence int64) (domain.OrderBookMessage, error) {
	bids, err := domain.ParseBookRows(snapshot.Bids, sequence)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}
	asks, err := domain.ParseBookRows(snapshot.Asks, sequence)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}

	return domain.OrderBookMessage{
		Type:      domain.SnapshotMessage,
		MarketID:  marketID,
		UpdateID:  sequence,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(snapshot.Time),
	}, nil
}
