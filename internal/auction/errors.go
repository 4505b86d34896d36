package auction

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("auction not found")
	ErrInvalidState        = errors.New("auction is not in a valid state for this operation")
	ErrInsufficientBid     = errors.New("bid amount is below the minimum acceptable")
	ErrInvalidBid          = errors.New("invalid bid amount")
	ErrConcurrencyConflict = errors.New("auction is busy, try again")
	ErrUnauthorized        = errors.New("actor is not allowed to manage this auction")
	ErrInvalidAuction      = errors.New("invalid auction parameters")
	ErrAuctionExists       = errors.New("auction already exists for listing")
)

// InsufficientBidError carries the minimum the caller must offer to be accepted.
// errors.Is(err, ErrInsufficientBid) holds for it.
type InsufficientBidError struct {
	Amount        int64
	MinAcceptable int64
}

func (e *InsufficientBidError) Error() string {
	return fmt.Sprintf("bid amount %d is below the minimum acceptable %d", e.Amount, e.MinAcceptable)
}

func (e *InsufficientBidError) Is(target error) bool {
	return target == ErrInsufficientBid
}

// MinAcceptable extracts the minimum acceptable amount from an insufficient bid error
func MinAcceptable(err error) (int64, bool) {
	var insufficient *InsufficientBidError
	if errors.As(err, &insufficient) {
		return insufficient.MinAcceptable, true
	}
	return 0, false
}
