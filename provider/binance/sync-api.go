package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultAPIEndpoint = "wss://ws-api.binance.com:443/ws-api/v3"

	defaultRequestTimeout = 10 * time.Second
)

var (
	ErrTimeout          = errors.New("binance: request timeout")
	ErrConnectionClosed = errors.New("binance: api connection closed")
)

type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Msg)
}

type GenericMessage[T any] struct {
	ID     int64     `json:"id"`
	Status int       `json:"status"`
	Result T         `json:"result"`
	Error  *APIError `json:"error"`
}

type DepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// BinanceSyncAPI does request/response calls over the websocket api, which
// is where the order book snapshots come from. The connection is dialed on
// first use and again after it drops.
type BinanceSyncAPI struct {
	endpoint string
	timeout  time.Duration
	dialer   websocket.Dialer

	writeMutex sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan []byte
	reqID   atomic.Int64
}

func NewBinanceSyncAPI(endpoint string) *BinanceSyncAPI {
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	logger.WithField("endpoint", endpoint).Info("instantiating binance websocket api")

	return &BinanceSyncAPI{
		endpoint: endpoint,
		timeout:  defaultRequestTimeout,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
		pending: make(map[int64]chan []byte),
	}
}

func (api *BinanceSyncAPI) connection(ctx context.Context) (*websocket.Conn, error) {
	api.mu.Lock()
	defer api.mu.Unlock()

	if api.conn != nil {
		return api.conn, nil
	}

	conn, _, err := api.dialer.DialContext(ctx, api.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing binance websocket api: %w", err)
	}
	api.conn = conn
	go api.listener(conn)

	return conn, nil
}

// OrderBookSnapshot requests the depth of marketID, e.g. BTCUSDT.
func (api *BinanceSyncAPI) OrderBookSnapshot(ctx context.Context, marketID string, limit int) (*DepthSnapshot, error) {
	msg, err := api.call(ctx, "depth", map[string]any{
		"symbol": marketID,
		"limit":  limit,
	})
	if err != nil {
		return nil, err
	}

	var response GenericMessage[DepthSnapshot]
	if err := json.Unmarshal(msg, &response); err != nil {
		return nil, fmt.Errorf("decoding depth response: %w", err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	if response.Status != http.StatusOK {
		return nil, fmt.Errorf("depth %s: unexpected status %d", marketID, response.Status)
	}

	return &response.Result, nil
}

func (api *BinanceSyncAPI) call(ctx context.Context, method string, params map[string]any) ([]byte, error) {
	conn, err := api.connection(ctx)
	if err != nil {
		return nil, err
	}

	id := api.reqID.Add(1)
	reply := make(chan []byte, 1)

	api.mu.Lock()
	api.pending[id] = reply
	api.mu.Unlock()
	defer func() {
		api.mu.Lock()
		delete(api.pending, id)
		api.mu.Unlock()
	}()

	api.writeMutex.Lock()
	err = conn.WriteJSON(map[string]any{
		"id":     id,
		"method": method,
		"params": params,
	})
	api.writeMutex.Unlock()
	if err != nil {
		api.drop(conn)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(api.timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (api *BinanceSyncAPI) listener(conn *websocket.Conn) {
	defer api.drop(conn)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.WithError(err).Debug("websocket api connection closed")
			return
		}

		var envelope struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(message, &envelope); err != nil || envelope.ID == nil {
			continue
		}

		api.mu.Lock()
		reply, ok := api.pending[*envelope.ID]
		if ok {
			delete(api.pending, *envelope.ID)
		}
		api.mu.Unlock()

		if ok {
			reply <- message
		}
	}
}

// drop forgets conn and fails every request waiting on it.
func (api *BinanceSyncAPI) drop(conn *websocket.Conn) {
	api.mu.Lock()
	defer api.mu.Unlock()

	if api.conn != conn {
		return
	}
	_ = conn.Close()
	api.conn = nil

	for id, reply := range api.pending {
		close(reply)
		delete(api.pending, id)
	}
}

func (api *BinanceSyncAPI) Close() error {
	api.mu.Lock()
	conn := api.conn
	api.mu.Unlock()

	if conn == nil {
		return nil
	}
	api.drop(conn)
	return nil
}
