package binance

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recws-org/recws"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
)

var logger = logrus.WithField("component", "binance")

const (
	DefaultStreamEndpoint = "wss://stream.binance.com:9443/stream"
	pingDelay             = time.Minute * 9

	subscriptionBufferSize = 256
	readRetryDelay         = 100 * time.Millisecond
)

// Message is the combined stream envelope.
type Message[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type subscriptionEntry struct {
	ch              chan []byte
	subscriberCount int
}

type webSocketRequest struct {
	ID     int64    `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type webSocketReply struct {
	Stream string    `json:"stream"`
	ID     *int64    `json:"id"`
	Error  *APIError `json:"error"`
}

// BinanceStreamClient multiplexes topic subscriptions over one combined
// stream connection. The connection is re-established by recws and every
// topic is subscribed again after a reconnect.
type BinanceStreamClient struct {
	endpoint string
	// HandshakeTimeout is also how long Connect waits for the first dial.
	HandshakeTimeout time.Duration
	// ReconnectDelay is the pause between dials after the connection drops.
	ReconnectDelay time.Duration

	conn          *recws.RecConn
	subscriptions map[string]*subscriptionEntry
	mu            sync.Mutex
	reqID         atomic.Int64

	done     chan struct{}
	stopping atomic.Bool
}

func NewBinanceStreamClient(endpoint string) *BinanceStreamClient {
	if endpoint == "" {
		endpoint = DefaultStreamEndpoint
	}
	return &BinanceStreamClient{
		endpoint:         endpoint,
		HandshakeTimeout: 5 * time.Second,
		ReconnectDelay:   domain.ReconnectDelay,
		subscriptions:    make(map[string]*subscriptionEntry),
		done:             make(chan struct{}),
	}
}

func (c *BinanceStreamClient) Connect() {
	c.conn = &recws.RecConn{
		RecIntvlMin:      c.ReconnectDelay,
		RecIntvlMax:      c.ReconnectDelay,
		RecIntvlFactor:   1,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
		KeepAliveTimeout: pingDelay,
		NonVerbose:       true,
		SubscribeHandler: c.resubscribe,
	}
	c.conn.Dial(c.endpoint, nil)

	go c.read()
}

func (c *BinanceStreamClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// resubscribe runs on every (re)connect. It never fails the dial, a missing
// topic shows up as a sequence gap and triggers a resync instead.
func (c *BinanceStreamClient) resubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.subscriptions) == 0 {
		return nil
	}

	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	if err := c.send("SUBSCRIBE", topics...); err != nil {
		logger.WithError(err).Warn("resubscribing after reconnect")
	}
	return nil
}

// send must be called with c.mu held.
func (c *BinanceStreamClient) send(method string, topics ...string) error {
	return c.conn.WriteJSON(webSocketRequest{
		ID:     c.reqID.Add(1),
		Method: method,
		Params: topics,
	})
}

func (c *BinanceStreamClient) Subscribe(topic string) (*domain.Subscription[[]byte], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[topic]
	if ok {
		entry.subscriberCount++
	} else {
		entry = &subscriptionEntry{
			ch:              make(chan []byte, subscriptionBufferSize),
			subscriberCount: 1,
		}
		c.subscriptions[topic] = entry

		logger.WithField("topic", topic).Info("subscribing")
		// when not connected yet the subscribe handler sends it
		if c.IsConnected() {
			if err := c.send("SUBSCRIBE", topic); err != nil {
				logger.WithError(err).WithField("topic", topic).Warn("subscribe request failed, retrying on reconnect")
			}
		}
	}

	return &domain.Subscription[[]byte]{
		Stream: entry.ch,
		Unsubscribe: func() {
			c.unsubscribe(topic)
		},
		Topic: topic,
	}, nil
}

func (c *BinanceStreamClient) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[topic]
	if !ok {
		return
	}
	if entry.subscriberCount > 1 {
		entry.subscriberCount--
		return
	}

	logger.WithField("topic", topic).Info("unsubscribing")
	close(entry.ch)
	delete(c.subscriptions, topic)

	if c.IsConnected() {
		if err := c.send("UNSUBSCRIBE", topic); err != nil {
			logger.WithError(err).WithField("topic", topic).Debug("unsubscribe request failed")
		}
	}
}

func (c *BinanceStreamClient) Close() {
	if c.conn == nil || !c.stopping.CompareAndSwap(false, true) {
		return
	}
	c.conn.Close()
	<-c.done
	// the read error above may have scheduled a reconnect
	c.conn.Close()
}

func (c *BinanceStreamClient) read() {
	defer close(c.done)

	for !c.stopping.Load() {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			time.Sleep(readRetryDelay)
			continue
		}
		c.route(msg)
	}
}

func (c *BinanceStreamClient) route(msg []byte) {
	var reply webSocketReply
	if err := json.Unmarshal(msg, &reply); err != nil {
		logger.WithError(err).WithField("message", string(msg)).Warn("unparsable stream message")
		return
	}

	// replies to SUBSCRIBE / UNSUBSCRIBE carry the request id
	if reply.ID != nil {
		if reply.Error != nil {
			logger.WithError(reply.Error).WithField("id", *reply.ID).Error("stream request rejected")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[reply.Stream]
	if !ok {
		return
	}
	select {
	case entry.ch <- msg:
	default:
		logger.WithField("topic", reply.Stream).Warn("subscriber is too slow, dropping message")
	}
}
