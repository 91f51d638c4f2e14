package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/spooky-finn/xemm-bridge/infrastructure/kafka"
	"github.com/spooky-finn/xemm-bridge/provider/binance"
	"github.com/spooky-finn/xemm-bridge/provider/kucoin"
	"github.com/spooky-finn/xemm-bridge/strategy"
)

const EnvPrefix = "XEMM"

const (
	ModeBacktest = "backtest"
	ModeTrack    = "track"
	ModePaper    = "paper"
)

type Logging struct {
	Level  logrus.Level
	Format string
}

// Apply configures the standard logrus logger.
func (l Logging) Apply() {
	logrus.SetLevel(l.Level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// PairConfig names the maker and taker trading pair of one market pair,
// e.g. COINALPHA-WETH quoted on the maker and hedged as COINALPHA-ETH.
type PairConfig struct {
	MakerSymbol string
	TakerSymbol string
}

// SplitSymbol returns the upper case base and quote of a pair symbol such
// as COINALPHA-WETH.
func SplitSymbol(symbol string) (base, quote string, err error) {
	ms, err := domain.ParseMarketSymbol(symbol)
	if err != nil {
		return "", "", err
	}
	return strings.ToUpper(ms.BaseAsset), strings.ToUpper(ms.QuoteAsset), nil
}

type Backtest struct {
	Fixture  string
	TickSize time.Duration
}

type Config struct {
	Mode    string
	Logging Logging

	MakerMarket   string
	TakerMarket   string
	Pairs         []PairConfig
	Strategy      strategy.Config
	TopDepthRules []strategy.TopDepthRule
	// keyed by BASE-QUOTE
	ConversionRates map[string]decimal.Decimal

	// nil when the exchange is disabled
	Binance *binance.Options
	Kucoin  *kucoin.Options
	Tracker domain.TrackerOptions

	JournalDir  string
	KafkaTopic  string
	KafkaBroker []string
	MetricsAddr string
	RPCAddr     string

	// starting balances of the paper exchanges, keyed by upper case asset
	MakerBalances map[string]decimal.Decimal
	TakerBalances map[string]decimal.Decimal

	Backtest Backtest
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func durationSeconds(d time.Duration) float64 {
	return d.Seconds()
}

func newSchema() Schema {
	def := strategy.DefaultConfig()

	return Schema{
		{Key: "mode", Kind: String, Default: ModePaper, Validate: oneOf(ModeBacktest, ModeTrack, ModePaper)},
		{Key: "log.level", Kind: String, Default: "info", Validate: func(v any) error {
			_, err := logrus.ParseLevel(v.(string))
			return err
		}},
		{Key: "log.format", Kind: String, Default: "text", Validate: oneOf("text", "json")},

		{Key: "strategy.maker_market", Kind: String, Default: "maker"},
		{Key: "strategy.taker_market", Kind: String, Default: "taker"},
		{Key: "strategy.market_pairs", Kind: List, Validate: validatePairs},
		{Key: "strategy.min_profitability", Kind: Decimal, Default: def.MinProfitability.String()},
		{Key: "strategy.order_amount", Kind: Decimal, Default: "0", Validate: nonNegative},
		{Key: "strategy.order_size_portfolio_ratio_limit", Kind: Decimal, Default: def.OrderSizePortfolioRatioLimit.String()},
		{Key: "strategy.order_size_taker_balance_factor", Kind: Decimal, Default: def.OrderSizeTakerBalanceFactor.String()},
		{Key: "strategy.slippage_buffer", Kind: Decimal, Default: def.SlippageBuffer.String()},
		{Key: "strategy.adjust_order_enabled", Kind: Bool, Default: def.AdjustOrderEnabled},
		{Key: "strategy.active_order_canceling", Kind: Bool, Default: def.ActiveOrderCanceling},
		{Key: "strategy.cancel_order_threshold", Kind: Decimal, Default: def.CancelOrderThreshold.String()},
		{Key: "strategy.limit_order_min_expiration", Kind: Float, Default: durationSeconds(def.LimitOrderMinExpiration), Validate: nonNegative},
		{Key: "strategy.order_refresh_tolerance", Kind: Decimal, Default: "0", Validate: nonNegative},
		{Key: "strategy.anti_hysteresis_duration", Kind: Float, Default: durationSeconds(def.AntiHysteresisDuration), Validate: nonNegative},
		{Key: "strategy.status_report_interval", Kind: Float, Default: durationSeconds(def.StatusReportInterval), Validate: positive},
		{Key: "strategy.top_depth_tolerance", Kind: List, Validate: validateDepthRules},
		{Key: "strategy.conversion_rates", Kind: Map, Validate: validateRates},

		{Key: "providers.binance.enabled", Kind: Bool, Default: false},
		{Key: "providers.binance.markets", Kind: List, Validate: validateSymbols},
		{Key: "providers.binance.stream_endpoint", Kind: String, Default: binance.DefaultStreamEndpoint},
		{Key: "providers.binance.api_endpoint", Kind: String, Default: binance.DefaultAPIEndpoint},
		{Key: "providers.binance.depth_limit", Kind: Int, Default: binance.DefaultDepthLimit, Validate: positive},

		{Key: "providers.kucoin.enabled", Kind: Bool, Default: false},
		{Key: "providers.kucoin.markets", Kind: List, Validate: validateSymbols},
		{Key: "providers.kucoin.api_base_uri", Kind: String, Default: kucoin.DefaultAPIBaseURI},
		{Key: "providers.kucoin.api_key", Kind: String},
		{Key: "providers.kucoin.api_secret", Kind: String},
		{Key: "providers.kucoin.api_passphrase", Kind: String},

		{Key: "tracker.refresh_interval", Kind: Float, Default: durationSeconds(domain.DefaultRefreshInterval), Validate: positive},
		{Key: "tracker.max_buffered_diffs", Kind: Int, Default: domain.DefaultMaxBufferedDiffs, Validate: positive},

		{Key: "journal.dir", Kind: String},
		{Key: "kafka.brokers", Kind: List},
		{Key: "kafka.topic", Kind: String, Default: kafka.DefaultTradeTopic},
		{Key: "metrics.addr", Kind: String, Default: ":9090"},
		{Key: "rpc.addr", Kind: String, Default: ":50051"},

		{Key: "paper.maker_balances", Kind: Map, Validate: validateBalances},
		{Key: "paper.taker_balances", Kind: Map, Validate: validateBalances},

		{Key: "backtest.fixture", Kind: String},
		{Key: "backtest.tick_size", Kind: Float, Default: 1.0, Validate: positive},
	}
}

func validatePairs(v any) error {
	pairs := v.([]string)
	if len(pairs) == 0 {
		return errors.New("at least one market pair is needed")
	}
	for _, p := range pairs {
		if _, err := parsePair(p); err != nil {
			return err
		}
	}
	return nil
}

// parsePair reads MAKER_SYMBOL:TAKER_SYMBOL.
func parsePair(s string) (PairConfig, error) {
	maker, taker, ok := strings.Cut(s, ":")
	if !ok {
		return PairConfig{}, fmt.Errorf("market pair %q must look like MAKER-PAIR:TAKER-PAIR", s)
	}
	maker, taker = strings.ToUpper(strings.TrimSpace(maker)), strings.ToUpper(strings.TrimSpace(taker))
	if _, _, err := SplitSymbol(maker); err != nil {
		return PairConfig{}, fmt.Errorf("market pair %q: %w", s, err)
	}
	if _, _, err := SplitSymbol(taker); err != nil {
		return PairConfig{}, fmt.Errorf("market pair %q: %w", s, err)
	}
	return PairConfig{MakerSymbol: maker, TakerSymbol: taker}, nil
}

func validateSymbols(v any) error {
	var errs []error
	for _, s := range v.([]string) {
		if _, err := domain.ParseMarketSymbol(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Depth rules are ordered PATTERN=TOLERANCE entries, the first match wins.
func parseDepthRule(s string) (strategy.TopDepthRule, error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 {
		return strategy.TopDepthRule{}, fmt.Errorf("top depth rule %q must look like PATTERN=TOLERANCE", s)
	}
	tolerance, err := decimal.NewFromString(strings.TrimSpace(s[i+1:]))
	if err != nil {
		return strategy.TopDepthRule{}, fmt.Errorf("top depth rule %q: %w", s, err)
	}
	return strategy.TopDepthRule{Pattern: strings.TrimSpace(s[:i]), Tolerance: tolerance}, nil
}

func validateDepthRules(v any) error {
	rules := make([]strategy.TopDepthRule, 0)
	for _, s := range v.([]string) {
		rule, err := parseDepthRule(s)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
	}
	_, err := strategy.NewDepthTolerance(rules)
	return err
}

func validateRates(v any) error {
	var errs []error
	for pair, rate := range v.(map[string]string) {
		if _, _, err := SplitSymbol(pair); err != nil {
			errs = append(errs, fmt.Errorf("conversion rate %q: %w", pair, err))
			continue
		}
		d, err := decimal.NewFromString(rate)
		if err != nil || !d.IsPositive() {
			errs = append(errs, fmt.Errorf("conversion rate %q: %q is not a positive number", pair, rate))
		}
	}
	return errors.Join(errs...)
}

func validateBalances(v any) error {
	var errs []error
	for asset, amount := range v.(map[string]string) {
		d, err := decimal.NewFromString(amount)
		if err != nil || d.IsNegative() {
			errs = append(errs, fmt.Errorf("balance of %s: %q is not a non-negative number", asset, amount))
		}
	}
	return errors.Join(errs...)
}

func balances(m map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for asset, amount := range m {
		out[strings.ToUpper(asset)] = decimal.RequireFromString(amount)
	}
	return out
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// names read by earlier releases
	_ = v.BindEnv("providers.kucoin.api_base_uri", "XEMM_PROVIDERS_KUCOIN_API_BASE_URI", "KUCOIN_BASE_URL")
	_ = v.BindEnv("providers.kucoin.api_key", "XEMM_PROVIDERS_KUCOIN_API_KEY", "KUCOIN_API_KEY")
	_ = v.BindEnv("providers.kucoin.api_secret", "XEMM_PROVIDERS_KUCOIN_API_SECRET", "KUCOIN_SECRET_KEY")
	_ = v.BindEnv("providers.kucoin.api_passphrase", "XEMM_PROVIDERS_KUCOIN_API_PASSPHRASE", "KUCOIN_PASSPHRASE")
	_ = v.BindEnv("providers.binance.api_endpoint", "XEMM_PROVIDERS_BINANCE_API_ENDPOINT", "BINANCE_WS_API_ENDPOINT")
	return v
}

// Load reads .env files into the environment, then the yaml file at path
// (optional) and XEMM_ prefixed variables on top.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading env files: %w", err)
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (*Config, error) {
	values, err := newSchema().Decode(v)
	if err != nil {
		return nil, err
	}
	return build(values)
}

func build(values Values) (*Config, error) {
	level, err := logrus.ParseLevel(values.String("log.level"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:        values.String("mode"),
		Logging:     Logging{Level: level, Format: values.String("log.format")},
		MakerMarket: values.String("strategy.maker_market"),
		TakerMarket: values.String("strategy.taker_market"),
		Strategy: strategy.Config{
			MinProfitability:             values.Decimal("strategy.min_profitability"),
			OrderAmount:                  values.Decimal("strategy.order_amount"),
			OrderSizePortfolioRatioLimit: values.Decimal("strategy.order_size_portfolio_ratio_limit"),
			OrderSizeTakerBalanceFactor:  values.Decimal("strategy.order_size_taker_balance_factor"),
			SlippageBuffer:               values.Decimal("strategy.slippage_buffer"),
			AdjustOrderEnabled:           values.Bool("strategy.adjust_order_enabled"),
			ActiveOrderCanceling:         values.Bool("strategy.active_order_canceling"),
			CancelOrderThreshold:         values.Decimal("strategy.cancel_order_threshold"),
			LimitOrderMinExpiration:      seconds(values.Float("strategy.limit_order_min_expiration")),
			OrderRefreshTolerance:        values.Decimal("strategy.order_refresh_tolerance"),
			AntiHysteresisDuration:       seconds(values.Float("strategy.anti_hysteresis_duration")),
			StatusReportInterval:         seconds(values.Float("strategy.status_report_interval")),
		},
		ConversionRates: make(map[string]decimal.Decimal),
		JournalDir:      values.String("journal.dir"),
		KafkaBroker:     values.List("kafka.brokers"),
		KafkaTopic:      values.String("kafka.topic"),
		MetricsAddr:     values.String("metrics.addr"),
		RPCAddr:         values.String("rpc.addr"),
		MakerBalances:   balances(values.Map("paper.maker_balances")),
		TakerBalances:   balances(values.Map("paper.taker_balances")),
		Backtest: Backtest{
			Fixture:  values.String("backtest.fixture"),
			TickSize: seconds(values.Float("backtest.tick_size")),
		},
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}

	for _, p := range values.List("strategy.market_pairs") {
		pair, err := parsePair(p)
		if err != nil {
			return nil, err
		}
		cfg.Pairs = append(cfg.Pairs, pair)
	}
	for _, r := range values.List("strategy.top_depth_tolerance") {
		rule, err := parseDepthRule(r)
		if err != nil {
			return nil, err
		}
		cfg.TopDepthRules = append(cfg.TopDepthRules, rule)
	}
	for pair, rate := range values.Map("strategy.conversion_rates") {
		base, quote, err := SplitSymbol(pair)
		if err != nil {
			return nil, err
		}
		cfg.ConversionRates[base+"-"+quote] = decimal.RequireFromString(rate)
	}

	tracker := domain.DefaultTrackerOptions()
	tracker.RefreshInterval = seconds(values.Float("tracker.refresh_interval"))
	tracker.MaxBufferedDiffs = values.Int("tracker.max_buffered_diffs")
	cfg.Tracker = tracker

	if values.Bool("providers.binance.enabled") {
		markets, err := symbols(values.List("providers.binance.markets"))
		if err != nil {
			return nil, err
		}
		cfg.Binance = &binance.Options{
			StreamEndpoint: values.String("providers.binance.stream_endpoint"),
			APIEndpoint:    values.String("providers.binance.api_endpoint"),
			Markets:        markets,
			DepthLimit:     values.Int("providers.binance.depth_limit"),
		}
	}
	if values.Bool("providers.kucoin.enabled") {
		markets, err := symbols(values.List("providers.kucoin.markets"))
		if err != nil {
			return nil, err
		}
		cfg.Kucoin = &kucoin.Options{
			APIBaseURI: values.String("providers.kucoin.api_base_uri"),
			Credentials: kucoin.Credentials{
				Key:        values.String("providers.kucoin.api_key"),
				Secret:     values.String("providers.kucoin.api_secret"),
				Passphrase: values.String("providers.kucoin.api_passphrase"),
			},
			Markets: markets,
		}
	}

	if cfg.Mode != ModeBacktest && cfg.Binance == nil && cfg.Kucoin == nil {
		return nil, fmt.Errorf("%s mode needs at least one enabled provider", cfg.Mode)
	}
	if cfg.Mode != ModeTrack && len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("strategy.market_pairs: %w", ErrRequired)
	}
	if cfg.Mode == ModePaper {
		for _, name := range []string{cfg.MakerMarket, cfg.TakerMarket} {
			if !slices.Contains(cfg.Providers(), name) {
				return nil, fmt.Errorf("paper mode quotes on tracked books, provider %q is not enabled", name)
			}
		}
	}
	if cfg.Mode == ModeBacktest && cfg.Backtest.Fixture == "" {
		return nil, fmt.Errorf("backtest.fixture: %w", ErrRequired)
	}

	return cfg, nil
}

func symbols(list []string) ([]*domain.MarketSymbol, error) {
	out := make([]*domain.MarketSymbol, 0, len(list))
	for _, s := range list {
		ms, err := domain.ParseMarketSymbol(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, nil
}

// Providers lists the enabled exchanges.
func (c *Config) Providers() []string {
	var out []string
	if c.Binance != nil {
		out = append(out, binance.Name)
	}
	if c.Kucoin != nil {
		out = append(out, kucoin.Name)
	}
	return out
}
