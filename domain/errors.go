package domain

import "errors"

var (
	// expected on out-of-order snapshot delivery, not an error condition for callers
	ErrStaleSnapshot = errors.New("order book snapshot is stale")

	ErrEmptyBook         = errors.New("order book side is empty")
	ErrInsufficientDepth = errors.New("order book side has insufficient depth")
	ErrMalformedLevel    = errors.New("malformed price level")

	ErrOrderBookNotFound = errors.New("order book not found")
	ErrProviderNotFound  = errors.New("provider not found")

	// This kind of error requires the book to be re-snapshotted
	ErrOrderBookUpdateIsOutOfSequence = errors.New("order book update is out of sequence")
	// should just skip them
	ErrOrderBookUpdateIsOutdated = errors.New("order book update is outdated")
)

// DepthUpdateValidator checks a diff's sequence range against the last
// applied update id of a book.
type DepthUpdateValidator interface {
	// if return nil, the update is valid
	IsValidUpd(firstUpdateID, lastUpdateID, bookLastUpdateID int64) error
}
