package rates

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spooky-finn/xemm-bridge/domain"
)

var logger = logrus.WithField("component", "rates")

var ErrRateUnavailable = errors.New("conversion rate unavailable")

// Source resolves the price of one unit of base in quote.
type Source interface {
	Rate(base, quote string) (decimal.Decimal, bool)
}

// ConversionRates converts taker prices and amounts into maker units.
// BaseRate is taker base in maker base, QuoteRate taker quote in maker quote.
type ConversionRates struct {
	BasePair  string
	BaseRate  decimal.Decimal
	QuotePair string
	QuoteRate decimal.Decimal
}

// TakerToMaker converts a taker price into a maker price.
func (r ConversionRates) TakerToMaker() decimal.Decimal {
	return r.QuoteRate.Div(r.BaseRate)
}

// Service is created once and handed to every component that converts
// between assets.
type Service struct {
	mu      sync.RWMutex
	fixed   map[string]decimal.Decimal
	sources []Source
}

func NewService(sources ...Source) *Service {
	return &Service{
		fixed:   make(map[string]decimal.Decimal),
		sources: sources,
	}
}

func pairKey(base, quote string) string {
	return strings.ToUpper(base) + "-" + strings.ToUpper(quote)
}

// SetRate pins the price of base in quote. Fixed rates win over sources.
func (s *Service) SetRate(base, quote string, rate decimal.Decimal) error {
	if !rate.IsPositive() {
		return fmt.Errorf("rate %s-%s must be positive, got %s", base, quote, rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixed[pairKey(base, quote)] = rate
	return nil
}

func (s *Service) Rate(base, quote string) (decimal.Decimal, error) {
	if strings.EqualFold(base, quote) {
		return decimal.NewFromInt(1), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if rate, ok := s.fixed[pairKey(base, quote)]; ok {
		return rate, nil
	}
	if rate, ok := s.fixed[pairKey(quote, base)]; ok {
		return decimal.NewFromInt(1).Div(rate), nil
	}

	for _, src := range s.sources {
		if rate, ok := src.Rate(base, quote); ok && rate.IsPositive() {
			return rate, nil
		}
		if rate, ok := src.Rate(quote, base); ok && rate.IsPositive() {
			return decimal.NewFromInt(1).Div(rate), nil
		}
	}

	return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, pairKey(base, quote))
}

func (s *Service) ConversionRates(makerBase, makerQuote, takerBase, takerQuote string) (ConversionRates, error) {
	baseRate, err := s.Rate(takerBase, makerBase)
	if err != nil {
		return ConversionRates{}, err
	}
	quoteRate, err := s.Rate(takerQuote, makerQuote)
	if err != nil {
		return ConversionRates{}, err
	}

	return ConversionRates{
		BasePair:  pairKey(takerBase, makerBase),
		BaseRate:  baseRate,
		QuotePair: pairKey(takerQuote, makerQuote),
		QuoteRate: quoteRate,
	}, nil
}

// BookSource prices a pair from the mid price of a tracked order book.
type BookSource struct {
	storage  *domain.OrderBookStorage
	provider string
}

func NewBookSource(storage *domain.OrderBookStorage, provider string) *BookSource {
	return &BookSource{storage: storage, provider: provider}
}

func (b *BookSource) Rate(base, quote string) (decimal.Decimal, bool) {
	symbol, err := domain.NewMarketSymbol(base, quote)
	if err != nil {
		return decimal.Zero, false
	}

	book, err := b.storage.Get(b.provider, symbol)
	if err != nil {
		return decimal.Zero, false
	}

	bid, err := book.BestPrice(false)
	if err != nil {
		return decimal.Zero, false
	}
	ask, err := book.BestPrice(true)
	if err != nil {
		return decimal.Zero, false
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	logger.WithFields(logrus.Fields{"provider": b.provider, "pair": symbol.String()}).Debugf("mid rate %s", mid)
	return mid, true
}
