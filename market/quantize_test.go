package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCeilLog10(t *testing.T) {
	tests := []struct {
		value    string
		expected int32
	}{
		{"0.995", 0},
		{"1", 0},
		{"1.0049", 1},
		{"10", 1},
		{"10.5", 2},
		{"0.1", -1},
		{"0.0999", -1},
		{"0.01", -2},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			assert.Equal(t, tt.expected, CeilLog10(d(tt.value)))
		})
	}
}

func TestQuantum(t *testing.T) {
	q := DefaultQuantization()

	assert.Equal(t, "0.00001", q.PriceQuantum(d("0.995")).String())
	assert.Equal(t, "0.0001", q.PriceQuantum(d("1.005")).String())
	assert.Equal(t, "0.0001", q.SizeQuantum(d("3")).String())
	// decimals cap the precision for small values
	assert.Equal(t, "0.00001", q.PriceQuantum(d("0.0012")).String())
	assert.Equal(t, "0.00001", q.PriceQuantum(decimal.Zero).String())
}

func TestFloorCeilTo(t *testing.T) {
	quantum := d("0.0001")

	assert.Equal(t, "1.0035", FloorTo(d("1.0035015"), quantum).String())
	assert.Equal(t, "1.0036", CeilTo(d("1.0035015"), quantum).String())
	assert.Equal(t, "1.0049", CeilTo(d("1.0049"), quantum).String())
	assert.Equal(t, "5", FloorTo(d("5"), decimal.Zero).String())
}
