package strategy

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderAdjustSampleInterval = 5 * time.Second
	OrderAdjustSampleWindow   = 12

	KillTimeout = 10 * time.Second

	DefaultStatusReportInterval = 900 * time.Second

	closedOrderRetention = 5 * time.Minute
)

// Config holds the tunables of the strategy. Ratios and thresholds are
// fractions: 0.003 is 0.3%.
type Config struct {
	MinProfitability decimal.Decimal
	// OrderAmount overrides portfolio based sizing when positive.
	OrderAmount                  decimal.Decimal
	OrderSizePortfolioRatioLimit decimal.Decimal
	OrderSizeTakerBalanceFactor  decimal.Decimal
	SlippageBuffer               decimal.Decimal

	AdjustOrderEnabled bool

	// ActiveOrderCanceling cancels orders as soon as they stop being
	// profitable. Without it CancelOrderThreshold applies and orders
	// expire after LimitOrderMinExpiration.
	ActiveOrderCanceling    bool
	CancelOrderThreshold    decimal.Decimal
	LimitOrderMinExpiration time.Duration

	// OrderRefreshTolerance is the relative drift between an order's price
	// and the suggested price that is tolerated. 0 refreshes on any change.
	OrderRefreshTolerance  decimal.Decimal
	AntiHysteresisDuration time.Duration
	StatusReportInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinProfitability:             decimal.RequireFromString("0.003"),
		OrderSizePortfolioRatioLimit: decimal.RequireFromString("0.1667"),
		OrderSizeTakerBalanceFactor:  decimal.RequireFromString("0.995"),
		SlippageBuffer:               decimal.RequireFromString("0.05"),
		AdjustOrderEnabled:           true,
		ActiveOrderCanceling:         true,
		CancelOrderThreshold:         decimal.RequireFromString("0.05"),
		LimitOrderMinExpiration:      130 * time.Second,
		AntiHysteresisDuration:       60 * time.Second,
		StatusReportInterval:         DefaultStatusReportInterval,
	}
}

var one = decimal.NewFromInt(1)

func (c Config) Validate() error {
	var errs []error

	if c.MinProfitability.IsNegative() {
		errs = append(errs, fmt.Errorf("min profitability must not be negative, got %s", c.MinProfitability))
	}
	if c.OrderAmount.IsNegative() {
		errs = append(errs, fmt.Errorf("order amount must not be negative, got %s", c.OrderAmount))
	}
	if !c.OrderSizePortfolioRatioLimit.IsPositive() || c.OrderSizePortfolioRatioLimit.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("order size portfolio ratio limit must be in (0, 1], got %s", c.OrderSizePortfolioRatioLimit))
	}
	if !c.OrderSizeTakerBalanceFactor.IsPositive() || c.OrderSizeTakerBalanceFactor.GreaterThan(one) {
		errs = append(errs, fmt.Errorf("order size taker balance factor must be in (0, 1], got %s", c.OrderSizeTakerBalanceFactor))
	}
	if c.SlippageBuffer.IsNegative() || c.SlippageBuffer.GreaterThanOrEqual(one) {
		errs = append(errs, fmt.Errorf("slippage buffer must be in [0, 1), got %s", c.SlippageBuffer))
	}
	if c.CancelOrderThreshold.LessThanOrEqual(one.Neg()) {
		errs = append(errs, fmt.Errorf("cancel order threshold must be greater than -1, got %s", c.CancelOrderThreshold))
	}
	if c.OrderRefreshTolerance.IsNegative() {
		errs = append(errs, fmt.Errorf("order refresh tolerance must not be negative, got %s", c.OrderRefreshTolerance))
	}
	if c.AntiHysteresisDuration < 0 {
		errs = append(errs, fmt.Errorf("anti hysteresis duration must not be negative, got %s", c.AntiHysteresisDuration))
	}
	if c.StatusReportInterval <= 0 {
		errs = append(errs, fmt.Errorf("status report interval must be positive, got %s", c.StatusReportInterval))
	}

	return errors.Join(errs...)
}

// TopDepthRule assigns a depth tolerance to symbols matching Pattern.
type TopDepthRule struct {
	Pattern   string
	Tolerance decimal.Decimal
}

type compiledRule struct {
	re        *regexp.Regexp
	tolerance decimal.Decimal
}

// DepthTolerance resolves the top depth tolerance of a symbol. The first
// matching rule wins and unmatched symbols get 0.
type DepthTolerance struct {
	rules []compiledRule
}

func NewDepthTolerance(rules []TopDepthRule) (*DepthTolerance, error) {
	dt := &DepthTolerance{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("top depth tolerance rule %q: %w", rule.Pattern, err)
		}
		if rule.Tolerance.IsNegative() {
			return nil, fmt.Errorf("top depth tolerance rule %q: tolerance must not be negative", rule.Pattern)
		}
		dt.rules = append(dt.rules, compiledRule{re: re, tolerance: rule.Tolerance})
	}
	return dt, nil
}

func (d *DepthTolerance) For(symbol string) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	for _, rule := range d.rules {
		if rule.re.MatchString(symbol) {
			return rule.tolerance
		}
	}
	return decimal.Zero
}
