package market

import "github.com/shopspring/decimal"

var ten = decimal.NewFromInt(10)

// Quantization holds the precision rules of a trading pair. Precision is in
// significant digits, Decimals is the smallest allowed decimal place.
type Quantization struct {
	PricePrecision int32
	PriceDecimals  int32
	SizePrecision  int32
	SizeDecimals   int32
}

func DefaultQuantization() Quantization {
	return Quantization{PricePrecision: 5, PriceDecimals: 5, SizePrecision: 5, SizeDecimals: 5}
}

// CeilLog10 returns the smallest k with 10^k >= v. v must be positive.
func CeilLog10(v decimal.Decimal) int32 {
	k := int32(0)
	p := decimal.NewFromInt(1)

	for p.LessThan(v) {
		p = p.Mul(ten)
		k++
	}
	for {
		lower := p.Div(ten)
		if lower.LessThan(v) {
			break
		}
		p = lower
		k--
	}

	return k
}

// Quantum is the increment for value under precision significant digits,
// but never finer than 10^-decimals.
func Quantum(value decimal.Decimal, precision, decimals int32) decimal.Decimal {
	decimalsQuantum := decimal.New(1, -decimals)
	if !value.IsPositive() {
		return decimalsQuantum
	}

	precisionQuantum := decimal.New(1, CeilLog10(value)-precision)
	return decimal.Max(precisionQuantum, decimalsQuantum)
}

func (q Quantization) PriceQuantum(price decimal.Decimal) decimal.Decimal {
	return Quantum(price, q.PricePrecision, q.PriceDecimals)
}

func (q Quantization) SizeQuantum(size decimal.Decimal) decimal.Decimal {
	return Quantum(size, q.SizePrecision, q.SizeDecimals)
}

// FloorTo rounds v down to a multiple of quantum.
func FloorTo(v, quantum decimal.Decimal) decimal.Decimal {
	if quantum.IsZero() {
		return v
	}
	return v.Div(quantum).Floor().Mul(quantum)
}

// CeilTo rounds v up to a multiple of quantum.
func CeilTo(v, quantum decimal.Decimal) decimal.Decimal {
	if quantum.IsZero() {
		return v
	}
	return v.Div(quantum).Ceil().Mul(quantum)
}
