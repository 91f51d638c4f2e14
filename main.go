package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/backtest"
	"github.com/spooky-finn/xemm-bridge/clock"
	"github.com/spooky-finn/xemm-bridge/config"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/infrastructure/journal"
	"github.com/spooky-finn/xemm-bridge/infrastructure/kafka"
	promclient "github.com/spooky-finn/xemm-bridge/infrastructure/prometheus"
	"github.com/spooky-finn/xemm-bridge/market"
	"github.com/spooky-finn/xemm-bridge/market/paper"
	"github.com/spooky-finn/xemm-bridge/provider"
	"github.com/spooky-finn/xemm-bridge/rates"
	"github.com/spooky-finn/xemm-bridge/rpc"
	"github.com/spooky-finn/xemm-bridge/strategy"
	"github.com/spooky-finn/xemm-bridge/usecase"
)

var logger = logrus.WithField("component", "main")

func main() {
	configPath := flag.String("config", "", "path to the yaml config file")
	envFile := flag.String("env", ".env", "env file loaded before the config")
	force := flag.Bool("force", false, "exit even when maker orders could not be cancelled")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	cfg.Logging.Apply()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, metrics: promclient.NewClient(), force: *force}
	if err := app.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	metrics *promclient.Client
	force   bool

	closers []func()
}

func (a *app) run(ctx context.Context) error {
	defer a.close()

	if a.cfg.MetricsAddr != "" && a.cfg.Mode != config.ModeBacktest {
		go func() {
			if err := a.metrics.StartPromClientServer(ctx, a.cfg.MetricsAddr); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	logger.WithField("mode", a.cfg.Mode).Info("starting")
	switch a.cfg.Mode {
	case config.ModeBacktest:
		return a.runBacktest(ctx)
	case config.ModeTrack:
		if _, err := a.startTracking(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	case config.ModePaper:
		return a.runPaper(ctx)
	default:
		return fmt.Errorf("unknown mode %q", a.cfg.Mode)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// startRecorder journals and publishes the order events of markets. It is a
// no-op when neither the journal nor kafka is configured.
func (a *app) startRecorder(ctx context.Context, markets ...market.Market) (*usecase.TradeRecorder, error) {
	if a.cfg.JournalDir == "" {
		if len(a.cfg.KafkaBroker) > 0 {
			logger.Warn("kafka is configured without journal.dir, fills are not published")
		}
		return nil, nil
	}

	j, err := journal.Open(a.cfg.JournalDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := j.Close(); err != nil {
			logger.WithError(err).Warn("closing journal")
		}
	})

	var publisher usecase.TradePublisher
	if len(a.cfg.KafkaBroker) > 0 {
		producer := kafka.NewProducer(a.cfg.KafkaBroker, a.cfg.KafkaTopic)
		a.closers = append(a.closers, func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("closing kafka producer")
			}
		})
		publisher = producer
	}

	recorder := usecase.NewTradeRecorder(j, publisher)
	for _, m := range markets {
		a.closers = append(a.closers, recorder.Attach(m))
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		recorder.Run(runCtx)
		close(done)
	}()
	// runs before the journal is closed
	a.closers = append(a.closers, func() {
		cancel()
		<-done
		recorder.Flush(context.Background())
	})

	return recorder, nil
}

func (a *app) runBacktest(ctx context.Context) error {
	fx, err := backtest.LoadFixture(a.cfg.Backtest.Fixture)
	if err != nil {
		return err
	}
	runner, err := backtest.NewRunner(fx, a.cfg.Backtest.TickSize)
	if err != nil {
		return err
	}

	maker, err := runner.Market(a.cfg.MakerMarket)
	if err != nil {
		return err
	}
	taker, err := runner.Market(a.cfg.TakerMarket)
	if err != nil {
		return err
	}

	s, err := a.newStrategy(maker, taker, nil)
	if err != nil {
		return err
	}
	runner.AddIterator(s)

	recorder, err := a.startRecorder(ctx, maker, taker)
	if err != nil {
		return err
	}

	if err := runner.Run(); err != nil {
		return err
	}
	if recorder != nil {
		recorder.Flush(ctx)
	}

	fmt.Println(s.FormatStatus())
	return nil
}

func (a *app) newStrategy(maker, taker market.Market, bookRates rates.Source) (*strategy.CrossExchangeMarketMakingStrategy, error) {
	var sources []rates.Source
	if bookRates != nil {
		sources = append(sources, bookRates)
	}
	rateService, err := a.cfg.RateService(sources...)
	if err != nil {
		return nil, err
	}
	pairs, err := a.cfg.MarketPairs(maker, taker)
	if err != nil {
		return nil, err
	}
	return strategy.New(a.cfg.Strategy, pairs, rateService, a.metrics)
}

// startTracking starts the order book trackers of the enabled providers and
// serves their snapshots over rpc.
func (a *app) startTracking(ctx context.Context) (*provider.ConnectionManager, error) {
	trackerOpts := a.cfg.Tracker
	trackerOpts.Metrics = a.metrics

	cm := provider.NewConnectionManager(provider.Options{
		Binance: a.cfg.Binance,
		Kucoin:  a.cfg.Kucoin,
		Tracker: trackerOpts,
	})
	cm.Init(ctx)
	a.closers = append(a.closers, cm.Close)

	if a.cfg.RPCAddr != "" {
		srv := rpc.NewServer(
			usecase.NewOrderBookSnapshotUseCase(cm),
			&rpc.ValidationServiceConfig{AvailableProviders: cm.Providers()},
		)
		go func() {
			if err := rpc.ListenAndServe(ctx, a.cfg.RPCAddr, srv); err != nil {
				logger.WithError(err).Error("rpc server stopped")
			}
		}()
	}
	return cm, nil
}

// paperExchange quotes on the books tracked for provider.
func (a *app) paperExchange(cm *provider.ConnectionManager, name string, symbols []string) (*paper.Exchange, error) {
	ex := paper.NewExchange(name)
	for _, symbol := range symbols {
		base, quote, err := config.SplitSymbol(symbol)
		if err != nil {
			return nil, err
		}
		ms, err := domain.NewMarketSymbol(base, quote)
		if err != nil {
			return nil, err
		}
		book, err := cm.OrderBook(name, ms)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", name, symbol, err)
		}
		ex.AttachOrderBook(paper.TradingPair{Symbol: symbol, Base: base, Quote: quote}, book)
	}
	return ex, nil
}

func (a *app) runPaper(ctx context.Context) error {
	cm, err := a.startTracking(ctx)
	if err != nil {
		return err
	}
	if err := cm.WaitReady(ctx, a.cfg.MakerMarket, a.cfg.TakerMarket); err != nil {
		return err
	}

	var makerSymbols, takerSymbols []string
	for _, p := range a.cfg.Pairs {
		makerSymbols = append(makerSymbols, p.MakerSymbol)
		takerSymbols = append(takerSymbols, p.TakerSymbol)
	}
	maker, err := a.paperExchange(cm, a.cfg.MakerMarket, makerSymbols)
	if err != nil {
		return err
	}
	taker, err := a.paperExchange(cm, a.cfg.TakerMarket, takerSymbols)
	if err != nil {
		return err
	}
	// maker and taker may share a provider, the exchanges keep separate
	// balances all the same
	for asset, amount := range a.cfg.MakerBalances {
		maker.SetBalance(asset, amount)
	}
	for asset, amount := range a.cfg.TakerBalances {
		taker.SetBalance(asset, amount)
	}

	s, err := a.newStrategy(maker, taker, rates.NewBookSource(cm.Storage(), a.cfg.TakerMarket))
	if err != nil {
		return err
	}
	if _, err := a.startRecorder(ctx, maker, taker); err != nil {
		return err
	}

	c := clock.NewClock(clock.REALTIME, time.Second, time.Time{}, time.Time{})
	c.AddIterator(maker)
	c.AddIterator(taker)
	c.AddIterator(s)

	runErr := c.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), strategy.KillTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx, a.force); err != nil {
		return err
	}
	// deliver the cancel events queued after the clock stopped
	now := time.Now()
	_ = maker.Tick(now)
	_ = taker.Tick(now)

	logger.Info(s.FormatStatus())
	return runErr
}
