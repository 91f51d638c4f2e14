package binance

import "github.com/spooky-finn/xemm-bridge/domain"

// DepthUpdateValidator checks the U/u range of a diff event against the last
// update id seen for the book.
type DepthUpdateValidator struct{}

var _ domain.DepthUpdateValidator = DepthUpdateValidator{}

func (DepthUpdateValidator) IsValidUpd(firstUpdateID, lastUpdateID, bookLastUpdateID int64) error {
	// Drop any event where u is <= lastUpdateId in the snapshot
	if lastUpdateID <= bookLastUpdateID {
		return domain.ErrOrderBookUpdateIsOutdated
	}

	// The first processed event should have U <= lastUpdateId+1 AND u >= lastUpdateId+1,
	// every following one U == previous u+1
	if firstUpdateID > bookLastUpdateID+1 {
		return domain.ErrOrderBookUpdateIsOutOfSequence
	}

	return nil
}
