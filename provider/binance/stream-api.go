package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
)

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type TradeData struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// MarketID is the symbol form binance uses in payloads, e.g. BTCUSDT.
func MarketID(symbol *domain.MarketSymbol) string {
	return symbol.Upper("")
}

func depthTopic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("%s@depth@100ms", symbol.Join(""))
}

func tradeTopic(symbol *domain.MarketSymbol) string {
	return fmt.Sprintf("%s@trade", symbol.Join(""))
}

func parseDepthUpdate(raw []byte) (DepthUpdateData, domain.OrderBookMessage, error) {
	var message Message[DepthUpdateData]
	if err := json.Unmarshal(raw, &message); err != nil {
		return DepthUpdateData{}, domain.OrderBookMessage{}, fmt.Errorf("decoding depth update: %w", err)
	}
	data := message.Data

	bids, err := domain.ParseBookRows(data.Bids, data.FinalUpdateId)
	if err != nil {
		return data, domain.OrderBookMessage{}, err
	}
	asks, err := domain.ParseBookRows(data.Asks, data.FinalUpdateId)
	if err != nil {
		return data, domain.OrderBookMessage{}, err
	}

	return data, domain.OrderBookMessage{
		Type:      domain.DiffMessage,
		MarketID:  strings.ToUpper(data.Symbol),
		UpdateID:  data.FinalUpdateId,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(data.EventTime),
	}, nil
}

func parseTrade(raw []byte) (domain.Trade, error) {
	var message Message[TradeData]
	if err := json.Unmarshal(raw, &message); err != nil {
		return domain.Trade{}, fmt.Errorf("decoding trade: %w", err)
	}
	data := message.Data

	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade price %q: %w", data.Price, err)
	}
	amount, err := decimal.NewFromString(data.Quantity)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade quantity %q: %w", data.Quantity, err)
	}

	return domain.Trade{
		MarketID: strings.ToUpper(data.Symbol),
		TradeID:  helpers.IntToString(data.TradeID),
		// the buyer was the taker
		IsBuy:     !data.IsBuyerMaker,
		Price:     price,
		Amount:    amount,
		Timestamp: time.UnixMilli(data.TradeTime),
	}, nil
}

func snapshotMessage(marketID string, snapshot *DepthSnapshot) (domain.OrderBookMessage, error) {
	bids, err := domain.ParseBookRows(snapshot.Bids, snapshot.LastUpdateID)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}
	asks, err := domain.ParseBookRows(snapshot.Asks, snapshot.LastUpdateID)
	if err != nil {
		return domain.OrderBookMessage{}, err
	}

	return domain.OrderBookMessage{
		Type:      domain.SnapshotMessage,
		MarketID:  marketID,
		UpdateID:  snapshot.LastUpdateID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}, nil
}
