package auction

import (
	"fmt"
	"time"
)

// RuntimeStatus derives the status an auction has at now from its persisted state.
// Cancelled and Ended are final; otherwise the time window decides, so an Active
// auction past its end time reads as Ended before the scheduler persists it.
// This is a read-only projection: mutations go through TransitionIfDue.
func RuntimeStatus(a *Auction, now time.Time) Status {
	switch a.Status {
	case StatusCancelled, StatusEnded:
		return a.Status
	}
	if now.Before(a.StartTime) {
		return StatusScheduled
	}
	if now.Before(a.EndTime) {
		return StatusActive
	}
	return StatusEnded
}

// CanTransition reports whether from -> to is a legal edge of the lifecycle
func CanTransition(from, to Status) bool {
	switch from {
	case StatusScheduled:
		return to == StatusActive || to == StatusCancelled
	case StatusActive:
		return to == StatusEnded
	default:
		return false
	}
}

// transitionTo moves the auction to status if the edge is legal
func (a *Auction) transitionTo(status Status, at time.Time) error {
	if !CanTransition(a.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, a.Status, status)
	}
	a.Status = status
	a.UpdatedAt = at
	return nil
}
