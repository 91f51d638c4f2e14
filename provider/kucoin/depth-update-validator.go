package kucoin

import "github.com/spooky-finn/xemm-bridge/domain"

// DepthUpdateValidator checks the sequenceStart/sequenceEnd range of a level2
// change against the last sequence applied to the book.
type DepthUpdateValidator struct{}

var _ domain.DepthUpdateValidator = DepthUpdateValidator{}

func (DepthUpdateValidator) IsValidUpd(sequenceStart, sequenceEnd, bookSequence int64) error {
	if sequenceEnd <= bookSequence {
		return domain.ErrOrderBookUpdateIsOutdated
	}

	// sequenceStart(new) <= sequenceEnd(old)+1 and sequenceEnd(new) > sequenceEnd(old)
	if sequenceStart <= bookSequence+1 && sequenceEnd >= bookSequence {
		return nil
	}

	return domain.ErrOrderBookUpdateIsOutOfSequence
}
