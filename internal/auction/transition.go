package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransitionIfDue applies every time-driven transition that is due at now.
// A scheduled auction whose window opened becomes active, and an active auction whose
// window closed ends with its winning bid resolved. Both can happen in one call.
// Repeated or concurrent calls are safe: the row lock orders them and later callers
// find the terminal status already persisted.
func (s *Service) TransitionIfDue(ctx context.Context, auctionID uuid.UUID, now time.Time) (*TransitionResult, error) {
	var result *TransitionResult
	err := s.withRetry(ctx, "transition", auctionID, func() error {
		return s.inTx(ctx, s.transitionTx, func(tx pgx.Tx) error {
			a, err := s.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
			if err != nil {
				return err
			}

			var advanceErr error
			result, advanceErr = s.advance(ctx, tx, a, now, false)
			return advanceErr
		})
	})
	if err != nil {
		return nil, err
	}

	if result.Started {
		s.logger.Info("Auction started", "auction_id", auctionID)
	}
	if result.Ended {
		s.logger.Info("Auction ended",
			"auction_id", auctionID,
			"winner_id", result.WinnerID,
			"final_amount", result.FinalAmount,
			"total_bids", result.TotalBids,
		)
		s.notifyWinner(ctx, result)
	}
	return result, nil
}

// advance runs the due edges on a locked auction. forceEnd ends an active auction
// before its end time.
func (s *Service) advance(ctx context.Context, tx pgx.Tx, a *Auction, now time.Time, forceEnd bool) (*TransitionResult, error) {
	result := &TransitionResult{AuctionID: a.ID, From: a.Status}

	started, err := s.activateIfDue(ctx, tx, a, now)
	if err != nil {
		return nil, err
	}
	result.Started = started

	if a.Status == StatusActive && (forceEnd || !now.Before(a.EndTime)) {
		if endErr := s.endLocked(ctx, tx, a, now); endErr != nil {
			return nil, endErr
		}
		result.Ended = true
	}

	result.To = a.Status
	result.WinnerID = a.WinnerID
	result.FinalAmount = a.CurrentBid
	result.TotalBids = a.TotalBids
	return result, nil
}

// activateIfDue persists scheduled -> active once the start time has passed
func (s *Service) activateIfDue(ctx context.Context, tx pgx.Tx, a *Auction, now time.Time) (bool, error) {
	if a.Status != StatusScheduled || now.Before(a.StartTime) {
		return false, nil
	}

	if err := a.transitionTo(StatusActive, now); err != nil {
		return false, err
	}
	if err := s.auctionRepo.UpdateAuction(ctx, tx, a); err != nil {
		return false, fmt.Errorf("failed to activate auction: %w", err)
	}

	event, err := newAuctionStartedEvent(a, now)
	if err != nil {
		return false, err
	}
	if err := s.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return false, fmt.Errorf("failed to save outbox event: %w", err)
	}
	return true, nil
}

// endLocked resolves the winner and persists active -> ended
func (s *Service) endLocked(ctx context.Context, tx pgx.Tx, a *Auction, now time.Time) error {
	winning, err := s.bidRepo.GetWinningBid(ctx, tx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to get winning bid: %w", err)
	}

	switch {
	case winning != nil:
		if updateErr := s.bidRepo.UpdateBidState(ctx, tx, winning.ID, true, BidStatusWon); updateErr != nil {
			return fmt.Errorf("failed to mark bid won: %w", updateErr)
		}
		winnerID := winning.BidderID
		a.WinnerID = &winnerID
	case a.HasBids():
		return errors.New("auction has bids but no winning bid")
	}

	if err := a.transitionTo(StatusEnded, now); err != nil {
		return err
	}
	endedAt := now
	a.EndedAt = &endedAt

	if err := s.auctionRepo.UpdateAuction(ctx, tx, a); err != nil {
		return fmt.Errorf("failed to end auction: %w", err)
	}

	event, err := newAuctionEndedEvent(a, now)
	if err != nil {
		return err
	}
	if err := s.outboxRepo.SaveEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func unchangedResult(a *Auction) *TransitionResult {
	return &TransitionResult{
		AuctionID:   a.ID,
		From:        a.Status,
		To:          a.Status,
		WinnerID:    a.WinnerID,
		FinalAmount: a.CurrentBid,
		TotalBids:   a.TotalBids,
	}
}
