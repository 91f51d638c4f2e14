package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const backtestYAML = `
mode: backtest
log:
  level: debug
  format: json
strategy:
  market_pairs:
    - COINALPHA-WETH:COINALPHA-ETH
  min_profitability: 0.01
  order_amount: 3
  limit_order_min_expiration: 30
  top_depth_tolerance:
    - ^COINALPHA-=2.5
    - .*=0
  conversion_rates:
    ETH-WETH: 1
backtest:
  fixture: fixtures/balanced.yaml
  tick_size: 0.5
`

func fromYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	v := newViper()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(doc)))
	return FromViper(v)
}

func TestFromViper(t *testing.T) {
	cfg, err := fromYAML(t, backtestYAML)
	require.NoError(t, err)

	assert.Equal(t, ModeBacktest, cfg.Mode)
	assert.Equal(t, logrus.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, []PairConfig{{MakerSymbol: "COINALPHA-WETH", TakerSymbol: "COINALPHA-ETH"}}, cfg.Pairs)
	assert.True(t, decimal.RequireFromString("0.01").Equal(cfg.Strategy.MinProfitability))
	assert.True(t, decimal.NewFromInt(3).Equal(cfg.Strategy.OrderAmount))
	assert.Equal(t, 30*time.Second, cfg.Strategy.LimitOrderMinExpiration)
	// untouched options keep the strategy defaults
	assert.Equal(t, 60*time.Second, cfg.Strategy.AntiHysteresisDuration)
	assert.True(t, cfg.Strategy.ActiveOrderCanceling)

	require.Len(t, cfg.TopDepthRules, 2)
	assert.Equal(t, "^COINALPHA-", cfg.TopDepthRules[0].Pattern)
	assert.True(t, decimal.RequireFromString("2.5").Equal(cfg.TopDepthRules[0].Tolerance))

	require.Contains(t, cfg.ConversionRates, "ETH-WETH")
	assert.True(t, decimal.NewFromInt(1).Equal(cfg.ConversionRates["ETH-WETH"]))

	assert.Equal(t, "fixtures/balanced.yaml", cfg.Backtest.Fixture)
	assert.Equal(t, 500*time.Millisecond, cfg.Backtest.TickSize)
	assert.Nil(t, cfg.Binance)
	assert.Nil(t, cfg.Kucoin)
	assert.Empty(t, cfg.Providers())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("XEMM_STRATEGY_MIN_PROFITABILITY", "0.02")
	t.Setenv("XEMM_STRATEGY_MARKET_PAIRS", "ETH-USDT:ETH-USDC, BTC-USDT:BTC-USDC")

	cfg, err := fromYAML(t, backtestYAML)
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("0.02").Equal(cfg.Strategy.MinProfitability))
	assert.Equal(t, []PairConfig{
		{MakerSymbol: "ETH-USDT", TakerSymbol: "ETH-USDC"},
		{MakerSymbol: "BTC-USDT", TakerSymbol: "BTC-USDC"},
	}, cfg.Pairs)
}

func TestValidationErrorsAreJoined(t *testing.T) {
	_, err := fromYAML(t, `
mode: live
log:
  level: loud
strategy:
  market_pairs: [COINALPHA-WETH]
  order_amount: lots
  status_report_interval: 0
`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)

	for _, key := range []string{"mode", "log.level", "strategy.market_pairs", "strategy.order_amount", "strategy.status_report_interval"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestModeRequirements(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "backtest without fixture",
			doc:  "mode: backtest\nstrategy:\n  market_pairs: [A-B:A-C]\n",
			want: "backtest.fixture",
		},
		{
			name: "paper without providers",
			doc:  "mode: paper\nstrategy:\n  market_pairs: [A-B:A-C]\n",
			want: "needs at least one enabled provider",
		},
		{
			name: "paper on a disabled provider",
			doc: `
mode: paper
strategy:
  maker_market: binance
  taker_market: kucoin
  market_pairs: [A-B:A-C]
providers:
  binance:
    enabled: true
    markets: [a-b]
`,
			want: `provider "kucoin" is not enabled`,
		},
		{
			name: "backtest without pairs",
			doc:  "mode: backtest\nbacktest:\n  fixture: f.yaml\n",
			want: "strategy.market_pairs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fromYAML(t, tt.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTrackModeProviders(t *testing.T) {
	cfg, err := fromYAML(t, `
mode: track
providers:
  binance:
    enabled: true
    markets: [btc-usdt, eth/usdt]
    depth_limit: 100
  kucoin:
    enabled: true
    markets: [BTC-USDT]
tracker:
  refresh_interval: 60
`)
	require.NoError(t, err)

	require.NotNil(t, cfg.Binance)
	require.Len(t, cfg.Binance.Markets, 2)
	assert.Equal(t, "eth", cfg.Binance.Markets[1].BaseAsset)
	assert.Equal(t, 100, cfg.Binance.DepthLimit)
	require.NotNil(t, cfg.Kucoin)
	assert.Equal(t, []string{"binance", "kucoin"}, cfg.Providers())
	assert.Equal(t, time.Minute, cfg.Tracker.RefreshInterval)
}

func TestLoadReadsEnvFile(t *testing.T) {
	// restored after the test, godotenv does not override variables that exist
	t.Setenv("KUCOIN_PASSPHRASE", "")
	require.NoError(t, os.Unsetenv("KUCOIN_PASSPHRASE"))

	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("KUCOIN_PASSPHRASE=from-dotenv\n"), 0o600))

	cfgFile := filepath.Join(dir, "xemm.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
mode: paper
strategy:
  maker_market: kucoin
  taker_market: kucoin
  market_pairs: [ETH-USDT:ETH-USDC]
providers:
  kucoin:
    enabled: true
    markets: [ETH-USDT, ETH-USDC]
paper:
  maker_balances:
    ETH: 10
    usdt: 5000
`), 0o600))

	cfg, err := Load(cfgFile, envFile)
	require.NoError(t, err)

	require.NotNil(t, cfg.Kucoin)
	assert.Equal(t, "from-dotenv", cfg.Kucoin.Credentials.Passphrase)
	assert.True(t, decimal.NewFromInt(5000).Equal(cfg.MakerBalances["USDT"]))
	assert.True(t, decimal.NewFromInt(10).Equal(cfg.MakerBalances["ETH"]))
	assert.Empty(t, cfg.TakerBalances)
}

func TestSchemaDecodeKinds(t *testing.T) {
	v := viper.New()
	v.Set("s", 12)
	v.Set("i", "7")
	v.Set("f", "1.5")
	v.Set("d", 0.003)
	v.Set("b", "true")
	v.Set("l", "a, b,,c")
	v.Set("m", map[string]any{"x": 1})

	values, err := Schema{
		{Key: "s", Kind: String},
		{Key: "i", Kind: Int},
		{Key: "f", Kind: Float},
		{Key: "d", Kind: Decimal},
		{Key: "b", Kind: Bool},
		{Key: "l", Kind: List},
		{Key: "m", Kind: Map},
		{Key: "missing", Kind: Int, Default: 3},
		{Key: "unset", Kind: List},
	}.Decode(v)
	require.NoError(t, err)

	assert.Equal(t, "12", values.String("s"))
	assert.Equal(t, 7, values.Int("i"))
	assert.Equal(t, 1.5, values.Float("f"))
	assert.Equal(t, "0.003", values.Decimal("d").String())
	assert.True(t, values.Bool("b"))
	assert.Equal(t, []string{"a", "b", "c"}, values.List("l"))
	assert.Equal(t, map[string]string{"x": "1"}, values.Map("m"))
	assert.Equal(t, 3, values.Int("missing"))
	assert.Empty(t, values.List("unset"))
}

func TestSchemaRequired(t *testing.T) {
	_, err := Schema{{Key: "needed", Kind: String, Required: true}}.Decode(viper.New())
	assert.ErrorIs(t, err, ErrRequired)
}

func TestMarketPairsAndRates(t *testing.T) {
	cfg, err := fromYAML(t, backtestYAML)
	require.NoError(t, err)

	pairs, err := cfg.MarketPairs(nil, nil)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "COINALPHA", pairs[0].MakerBase)
	assert.Equal(t, "WETH", pairs[0].MakerQuote)
	assert.Equal(t, "ETH", pairs[0].TakerQuote)
	assert.True(t, decimal.RequireFromString("2.5").Equal(pairs[0].TopDepthTolerance))

	svc, err := cfg.RateService()
	require.NoError(t, err)
	rate, err := svc.Rate("WETH", "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(rate))
}
