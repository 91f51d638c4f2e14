package kucoin

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Kucoin/kucoin-go-sdk"
)

const DefaultAPIBaseURI = "https://api.kucoin.com"

var ErrNoInstanceServers = errors.New("kucoin: token response has no instance servers")

type Credentials struct {
	Key        string
	Secret     string
	Passphrase string
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

// KucoinSyncAPI wraps the rest endpoints the market data source needs: the
// public websocket token and the full level2 snapshot.
type KucoinSyncAPI struct {
	baseURI    string
	apiService *kucoin.ApiService
}

func NewKucoinSyncAPI(baseURI string, creds Credentials) *KucoinSyncAPI {
	if baseURI == "" {
		baseURI = DefaultAPIBaseURI
	}
	logger.WithField("endpoint", baseURI).Info("instantiating kucoin rest api")

	return &KucoinSyncAPI{
		baseURI: baseURI,
		apiService: kucoin.NewApiService(
			kucoin.ApiBaseURIOption(baseURI),
			kucoin.ApiKeyOption(creds.Key),
			kucoin.ApiSecretOption(creds.Secret),
			kucoin.ApiPassPhraseOption(creds.Passphrase),
		),
	}
}

func (api *KucoinSyncAPI) WsConnOpts() (*kucoin.WebSocketTokenModel, error) {
	resp, err := api.apiService.WebSocketPublicToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get ws connection options: %w", err)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err := resp.ReadData(data); err != nil {
		return nil, fmt.Errorf("failed to read ws connection options: %w, response: %s", err, resp.Message)
	}
	if len(data.Servers) == 0 {
		return nil, ErrNoInstanceServers
	}

	return data, nil
}

// OrderBookSnapshot fetches the full aggregated book of marketID, e.g. BTC-USDT.
func (api *KucoinSyncAPI) OrderBookSnapshot(marketID string) (*OrderBookSnapshot, int64, error) {
	resp, err := api.apiService.AggregatedFullOrderBookV3(marketID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get order book snapshot: %w", err)
	}

	data := &OrderBookSnapshot{}
	if err := resp.ReadData(data); err != nil {
		return nil, 0, fmt.Errorf("failed to read order book snapshot: %w, response: %s", err, resp.RawData)
	}

	sequence, err := strconv.ParseInt(data.Sequence, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to convert sequence to int: %w, response: %s", err, resp.RawData)
	}

	return data, sequence, nil
}
