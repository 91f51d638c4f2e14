package binance

import (
	"testing"

	"github.com/spooky-finn/xemm-bridge/domain"
	"github.com/stretchr/testify/assert"
)

func TestDepthUpdateValidator(t *testing.T) {
	v := DepthUpdateValidator{}

	tests := []struct {
		name        string
		first, last int64
		bookLast    int64
		want        error
	}{
		{"u <= lastUpdateId is outdated", 123, 124, 124, domain.ErrOrderBookUpdateIsOutdated},
		{"first event straddles lastUpdateId+1", 123, 124, 123, nil},
		{"wide first event", 123, 140, 123, nil},
		{"next event in sequence", 141, 150, 140, nil},
		{"gap after lastUpdateId", 125, 136, 122, domain.ErrOrderBookUpdateIsOutOfSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.IsValidUpd(tt.first, tt.last, tt.bookLast))
		})
	}
}
