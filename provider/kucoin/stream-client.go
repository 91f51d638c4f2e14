package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/helpers"
)

var logger = logrus.WithField("component", "kucoin")

const (
	subscriptionBufferSize = 256
	defaultPingInterval    = 18 * time.Second
	defaultPingTimeout     = 10 * time.Second
)

type subscriptionEntry struct {
	ch              chan []byte
	subscriberCount int
}

// session is one dialed connection with the ping settings of its server.
type session struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration
}

// KucoinStreamClient multiplexes topic subscriptions over one public
// websocket connection. The endpoint and token come from the bullet-public
// rest call. The token is only valid for a while, so every reconnect asks
// for a new one.
type KucoinStreamClient struct {
	syncAPI *KucoinSyncAPI
	// HandshakeTimeout bounds every dial.
	HandshakeTimeout time.Duration
	// ReconnectRetry paces the dials after the connection drops.
	ReconnectRetry helpers.RetryPolicy

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]*subscriptionEntry
	started       bool
	// serializes writes, gorilla allows one writer at a time
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func NewKucoinStreamClient(syncAPI *KucoinSyncAPI) *KucoinStreamClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &KucoinStreamClient{
		syncAPI:          syncAPI,
		HandshakeTimeout: 5 * time.Second,
		ReconnectRetry:   helpers.FixedDelay(domain.ReconnectDelay, 0),
		subscriptions:    make(map[string]*subscriptionEntry),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
}

// Connect dials once and then keeps the connection up in the background
// until Close.
func (c *KucoinStreamClient) Connect(ctx context.Context) error {
	s, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := c.attach(s.conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.run(s)
	return nil
}

// dial fetches a fresh token and opens a connection to one of the instance
// servers it lists.
func (c *KucoinStreamClient) dial(ctx context.Context) (session, error) {
	opts, err := c.syncAPI.WsConnOpts()
	if err != nil {
		return session{}, err
	}
	server, err := opts.Servers.RandomServer()
	if err != nil {
		return session{}, err
	}

	endpoint := server.Endpoint + "?" + url.Values{
		"token":     {opts.Token},
		"connectId": {uuid.NewString()},
	}.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return session{}, fmt.Errorf("kucoin: dialing %s: %w", server.Endpoint, err)
	}
	logger.WithField("endpoint", server.Endpoint).Info("connected to the kucoin stream websocket")

	s := session{
		conn:         conn,
		pingInterval: time.Duration(server.PingInterval) * time.Millisecond,
		pingTimeout:  time.Duration(server.PingTimeout) * time.Millisecond,
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = defaultPingTimeout
	}
	return s, nil
}

// attach makes conn the live connection and subscribes it to every topic.
func (c *KucoinStreamClient) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ctx.Err(); err != nil {
		conn.Close()
		return err
	}
	c.conn = conn

	for topic := range c.subscriptions {
		if err := c.write(conn, kucoin.NewSubscribeMessage(topic, false)); err != nil {
			logger.WithError(err).WithField("topic", topic).Warn("resubscribing after reconnect")
		}
	}
	return nil
}

func (c *KucoinStreamClient) run(s session) {
	defer close(c.done)

	for {
		c.serve(s)
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		wait := c.ReconnectRetry.Min
		logger.WithField("wait", wait).Warn("kucoin stream disconnected, reconnecting")
		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		var err error
		s, err = c.reconnect()
		if err != nil {
			return
		}
	}
}

// reconnect only returns an error once the client is closed.
func (c *KucoinStreamClient) reconnect() (session, error) {
	for {
		var s session
		err := helpers.NewRetrier(c.ReconnectRetry).Do(c.ctx, func(ctx context.Context) error {
			var err error
			s, err = c.dial(ctx)
			return err
		}, func(attempt int, err error, wait time.Duration) {
			logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("kucoin stream reconnect failed")
		})
		if err == nil {
			if err := c.attach(s.conn); err != nil {
				return session{}, err
			}
			return s, nil
		}
		if c.ctx.Err() != nil {
			return session{}, c.ctx.Err()
		}
		logger.WithError(err).Error("kucoin stream reconnect gave up, starting over")
	}
}

// serve reads s until the connection fails.
func (c *KucoinStreamClient) serve(s session) {
	stop := make(chan struct{})
	defer close(stop)
	go c.ping(s, stop)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				logger.WithError(err).Warn("kucoin stream read failed")
			}
			s.conn.Close()
			return
		}
		c.route(msg)
	}
}

func (c *KucoinStreamClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *KucoinStreamClient) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *KucoinStreamClient) Subscribe(topic string) (*domain.Subscription[[]byte], error) {
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
		if c.conn != nil {
			if err := c.write(c.conn, kucoin.NewSubscribeMessage(topic, false)); err != nil {
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

func (c *KucoinStreamClient) unsubscribe(topic string) {
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

	if c.conn != nil {
		if err := c.write(c.conn, kucoin.NewUnsubscribeMessage(topic, false)); err != nil {
			logger.WithError(err).WithField("topic", topic).Debug("unsubscribe request failed")
		}
	}
}

func (c *KucoinStreamClient) Close() {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		started := c.started
		c.mu.Unlock()

		if started {
			<-c.done
		}
	})
}

// ping keeps the session alive, kucoin drops connections that stay silent
// for longer than pingTimeout.
func (c *KucoinStreamClient) ping(s session, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(s.conn, kucoin.NewPingMessage()); err != nil {
				logger.WithError(err).Debug("ping failed")
			}
		}
	}
}

func (c *KucoinStreamClient) route(msg []byte) {
	var downstream kucoin.WebSocketDownstreamMessage
	if err := json.Unmarshal(msg, &downstream); err != nil || downstream.WebSocketMessage == nil {
		logger.WithField("message", string(msg)).Warn("unparsable stream message")
		return
	}

	switch downstream.Type {
	case kucoin.Message:
	case kucoin.ErrorMessage:
		logger.WithField("message", string(msg)).Error("stream request rejected")
		return
	default:
		// welcome, ack and pong
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[downstream.Topic]
	if !ok {
		return
	}
	select {
	case entry.ch <- downstream.RawData:
	default:
		logger.WithField("topic", downstream.Topic).Warn("subscriber is too slow, dropping message")
	}
}
