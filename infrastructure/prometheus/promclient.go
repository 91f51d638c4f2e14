package promclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "promclient")

const namespace = "xemm"

// Client holds every collector of the process. It implements the tracker
// metrics of the domain package and the strategy metrics.
type Client struct {
	registry *prometheus.Registry

	trackedBooks  *prometheus.GaugeVec
	appliedDiffs  *prometheus.CounterVec
	droppedDiffs  *prometheus.CounterVec
	bufferedDiffs *prometheus.GaugeVec

	makerOrders *prometheus.CounterVec
	makerFills  *prometheus.CounterVec
	cancels     *prometheus.CounterVec
	hedges      *prometheus.CounterVec
	hedgeErrors *prometheus.CounterVec
	orderErrors *prometheus.CounterVec
	unhedged    *prometheus.GaugeVec
}

func NewClient() *Client {
	c := &Client{
		registry: prometheus.NewRegistry(),
		trackedBooks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_order_books",
			Help:      "order books tracked per source",
		}, []string{"source"}),
		appliedDiffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applied_diffs_total",
			Help:      "order book diffs applied",
		}, []string{"source", "market"}),
		droppedDiffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_diffs_total",
			Help:      "stale order book diffs dropped",
		}, []string{"source", "market"}),
		bufferedDiffs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_diffs",
			Help:      "diffs waiting for their market to be seeded",
		}, []string{"source"}),
		makerOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maker_orders_total",
			Help:      "maker quotes placed",
		}, []string{"pair", "side"}),
		makerFills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maker_fills_total",
			Help:      "maker fills received",
		}, []string{"pair", "side"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maker_cancels_total",
			Help:      "maker quotes cancelled by reason",
		}, []string{"pair", "reason"}),
		hedges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hedges_total",
			Help:      "taker hedge orders placed",
		}, []string{"pair", "side"}),
		hedgeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hedge_errors_total",
			Help:      "taker hedge orders that could not be placed",
		}, []string{"pair"}),
		orderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_errors_total",
			Help:      "rejected or failed order actions",
		}, []string{"pair", "market"}),
		unhedged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unhedged_amount",
			Help:      "filled maker base amount still waiting for a hedge",
		}, []string{"pair", "side"}),
	}

	c.registry.MustRegister(
		c.trackedBooks, c.appliedDiffs, c.droppedDiffs, c.bufferedDiffs,
		c.makerOrders, c.makerFills, c.cancels, c.hedges, c.hedgeErrors, c.orderErrors, c.unhedged,
		collectors.NewGoCollector(),
	)

	return c
}

func (c *Client) Registry() *prometheus.Registry { return c.registry }

func (c *Client) SetTrackedBooks(source string, n int) {
	c.trackedBooks.WithLabelValues(source).Set(float64(n))
}

func (c *Client) IncAppliedDiffs(source, marketID string) {
	c.appliedDiffs.WithLabelValues(source, marketID).Inc()
}

func (c *Client) IncDroppedDiffs(source, marketID string) {
	c.droppedDiffs.WithLabelValues(source, marketID).Inc()
}

func (c *Client) SetBufferedDiffs(source string, n int) {
	c.bufferedDiffs.WithLabelValues(source).Set(float64(n))
}

func (c *Client) IncMakerOrders(pair, side string) {
	c.makerOrders.WithLabelValues(pair, side).Inc()
}

func (c *Client) IncMakerFills(pair, side string) {
	c.makerFills.WithLabelValues(pair, side).Inc()
}

func (c *Client) IncCancels(pair, reason string) {
	c.cancels.WithLabelValues(pair, reason).Inc()
}

func (c *Client) IncHedges(pair, side string) {
	c.hedges.WithLabelValues(pair, side).Inc()
}

func (c *Client) IncHedgeErrors(pair string) {
	c.hedgeErrors.WithLabelValues(pair).Inc()
}

func (c *Client) IncOrderErrors(pair, market string) {
	c.orderErrors.WithLabelValues(pair, market).Inc()
}

func (c *Client) SetUnhedged(pair, side string, amount float64) {
	c.unhedged.WithLabelValues(pair, side).Set(amount)
}

func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartPromClientServer serves /metrics on addr until ctx is done.
func (c *Client) StartPromClientServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("prometheus server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
