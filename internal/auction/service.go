package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/gavel-auctions/pkg/clock"
	"github.com/floroz/gavel-auctions/pkg/database"
	"github.com/floroz/gavel-auctions/pkg/logger"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 20 * time.Millisecond
)

// Service implements bid placement and the auction lifecycle.
// Every mutation of one auction runs in a transaction holding that auction's row lock.
type Service struct {
	txManager    database.TransactionManager
	transitionTx database.TransactionManager
	auctionRepo  AuctionRepository
	bidRepo      BidRepository
	listingRepo  ListingRepository
	outboxRepo   OutboxRepository
	notifier     Notifier
	clock        clock.Clock
	maxRetries   int
	retryDelay   time.Duration
	logger       *slog.Logger
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithRetryPolicy sets how many times a bid is retried after losing the row lock
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = maxRetries
		s.retryDelay = delay
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithTransitionTransactions sets the transaction manager used by TransitionIfDue.
// The scheduler uses it to wait longer for the row lock than client requests do.
func WithTransitionTransactions(tm database.TransactionManager) Option {
	return func(s *Service) {
		s.transitionTx = tm
	}
}

// NewService creates a new auction service
func NewService(
	txManager database.TransactionManager,
	auctionRepo AuctionRepository,
	bidRepo BidRepository,
	listingRepo ListingRepository,
	outboxRepo OutboxRepository,
	opts ...Option,
) *Service {
	s := &Service{
		txManager:    txManager,
		transitionTx: txManager,
		auctionRepo:  auctionRepo,
		bidRepo:      bidRepo,
		listingRepo:  listingRepo,
		outboxRepo:   outboxRepo,
		clock:        clock.NewSystem(),
		maxRetries:   defaultMaxRetries,
		retryDelay:   defaultRetryDelay,
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceBid admits a bid if the auction is running and the amount clears the increment.
// The previous winning bid is flipped to outbid, the new bid becomes the winner and a
// bid.placed event is written to the outbox, all under the auction's row lock.
func (s *Service) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*PlaceBidResult, error) {
	if cmd.Amount > MaxAmount {
		return nil, fmt.Errorf("%w: amount exceeds %d", ErrInvalidBid, MaxAmount)
	}

	if _, err := s.auctionListing(ctx, cmd.AuctionID); err != nil {
		return nil, err
	}

	var (
		result *PlaceBidResult
		outbid *Bid
	)
	err := s.withRetry(ctx, "place_bid", cmd.AuctionID, func() error {
		return s.inTx(ctx, s.txManager, func(tx pgx.Tx) error {
			var txErr error
			result, outbid, txErr = s.placeBidLocked(ctx, tx, cmd)
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bid placed",
		"auction_id", cmd.AuctionID,
		"bid_id", result.Bid.ID,
		"bidder_id", cmd.BidderID,
		"amount", cmd.Amount,
	)

	// Outside the lock: a raised bid by the same bidder is not an outbid
	if outbid != nil && outbid.BidderID != cmd.BidderID {
		s.notify(ctx, outbid.BidderID, Notification{
			Kind:      NotificationOutbid,
			AuctionID: cmd.AuctionID,
			Amount:    cmd.Amount,
			Message:   fmt.Sprintf("You have been outbid, the current bid is %d", cmd.Amount),
			At:        result.Bid.PlacedAt,
		})
	}

	return result, nil
}

func (s *Service) placeBidLocked(ctx context.Context, tx pgx.Tx, cmd PlaceBidCommand) (*PlaceBidResult, *Bid, error) {
	now := s.clock.Now()

	// Lock the auction row; concurrent bids and transitions queue behind it
	a, err := s.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, cmd.AuctionID)
	if err != nil {
		return nil, nil, err
	}

	if status := RuntimeStatus(a, now); status != StatusActive {
		return nil, nil, fmt.Errorf("%w: auction is %s", ErrInvalidState, status)
	}

	if minimum := a.MinimumAcceptable(); cmd.Amount < minimum {
		return nil, nil, &InsufficientBidError{Amount: cmd.Amount, MinAcceptable: minimum}
	}

	// The window is open but nothing persisted it yet
	if _, activateErr := s.activateIfDue(ctx, tx, a, now); activateErr != nil {
		return nil, nil, activateErr
	}

	// Step 1: Flip the previous winner
	previous, err := s.bidRepo.GetWinningBid(ctx, tx, a.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get winning bid: %w", err)
	}
	if previous != nil {
		if updateErr := s.bidRepo.UpdateBidState(ctx, tx, previous.ID, false, BidStatusOutbid); updateErr != nil {
			return nil, nil, fmt.Errorf("failed to mark bid outbid: %w", updateErr)
		}
	}

	// Step 2: Save the new winning bid
	bid := &Bid{
		ID:        uuid.New(),
		AuctionID: a.ID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		PlacedAt:  now,
		Winning:   true,
		Status:    BidStatusActive,
	}
	if saveErr := s.bidRepo.SaveBid(ctx, tx, bid); saveErr != nil {
		return nil, nil, fmt.Errorf("failed to save bid: %w", saveErr)
	}

	// Step 3: Move the auction price
	a.CurrentBid = cmd.Amount
	a.TotalBids++
	a.UpdatedAt = now
	if updateErr := s.auctionRepo.UpdateAuction(ctx, tx, a); updateErr != nil {
		return nil, nil, fmt.Errorf("failed to update auction: %w", updateErr)
	}

	// Step 4: Save the event to the outbox (in the same transaction)
	event, err := newBidPlacedEvent(bid)
	if err != nil {
		return nil, nil, err
	}
	if saveErr := s.outboxRepo.SaveEvent(ctx, tx, event); saveErr != nil {
		return nil, nil, fmt.Errorf("failed to save outbox event: %w", saveErr)
	}

	return &PlaceBidResult{Bid: bid, CurrentBid: a.CurrentBid, IsWinning: true}, previous, nil
}

// EndAuctionManually ends a running auction now on behalf of its owner or an administrator.
// It takes the same lock and transition path as the scheduler, so ending an auction
// that is already ended returns the recorded outcome.
func (s *Service) EndAuctionManually(ctx context.Context, auctionID uuid.UUID, actor Actor) (*EndResult, error) {
	listing, err := s.auctionListing(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(listing) {
		return nil, ErrUnauthorized
	}

	var result *TransitionResult
	err = s.withRetry(ctx, "end_auction", auctionID, func() error {
		return s.inTx(ctx, s.txManager, func(tx pgx.Tx) error {
			now := s.clock.Now()

			a, lockErr := s.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
			if lockErr != nil {
				return lockErr
			}

			switch {
			case a.Status == StatusEnded:
				result = unchangedResult(a)
				return nil
			case a.Status == StatusCancelled:
				return fmt.Errorf("%w: auction is cancelled", ErrInvalidState)
			case RuntimeStatus(a, now) == StatusScheduled:
				return fmt.Errorf("%w: auction has not started", ErrInvalidState)
			}

			var advanceErr error
			result, advanceErr = s.advance(ctx, tx, a, now, true)
			return advanceErr
		})
	})
	if err != nil {
		return nil, err
	}

	if result.Ended {
		s.logger.Info("Auction ended manually",
			"auction_id", auctionID,
			"actor_id", actor.ID,
			"total_bids", result.TotalBids,
		)
		s.notifyWinner(ctx, result)
	}

	return &EndResult{
		AuctionID:   auctionID,
		WinnerID:    result.WinnerID,
		FinalAmount: result.FinalAmount,
		TotalBids:   result.TotalBids,
	}, nil
}

// ScheduleAuction creates the auction record of an auction-mode listing in the scheduled state
func (s *Service) ScheduleAuction(ctx context.Context, cmd ScheduleAuctionCommand) (*Auction, error) {
	now := s.clock.Now()

	if err := validateSchedule(cmd, now); err != nil {
		return nil, err
	}

	listing, err := s.auctionListing(ctx, cmd.ListingID)
	if err != nil {
		return nil, err
	}
	if !cmd.Actor.CanManage(listing) {
		return nil, ErrUnauthorized
	}

	a := &Auction{
		ID:              listing.ID,
		StartTime:       cmd.StartTime.UTC(),
		EndTime:         cmd.EndTime.UTC(),
		StartingBid:     cmd.StartingBid,
		CurrentBid:      cmd.StartingBid,
		MinBidIncrement: cmd.MinBidIncrement,
		Status:          StatusScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.inTx(ctx, s.txManager, func(tx pgx.Tx) error {
		return s.auctionRepo.CreateAuction(ctx, tx, a)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Auction scheduled",
		"auction_id", a.ID,
		"start_time", a.StartTime,
		"end_time", a.EndTime,
		"starting_bid", a.StartingBid,
	)
	return a, nil
}

func validateSchedule(cmd ScheduleAuctionCommand, now time.Time) error {
	switch {
	case cmd.StartingBid <= 0:
		return fmt.Errorf("%w: starting bid must be positive", ErrInvalidAuction)
	case cmd.MinBidIncrement <= 0:
		return fmt.Errorf("%w: minimum bid increment must be positive", ErrInvalidAuction)
	case cmd.StartingBid > MaxAmount || cmd.MinBidIncrement > MaxAmount:
		return fmt.Errorf("%w: amounts must not exceed %d", ErrInvalidAuction, MaxAmount)
	case !cmd.EndTime.After(cmd.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidAuction)
	case !cmd.EndTime.After(now):
		return fmt.Errorf("%w: end time is in the past", ErrInvalidAuction)
	}
	return nil
}

// CancelAuction moves a scheduled auction to cancelled while its window has not opened.
// Cancelling a cancelled auction is a no-op.
func (s *Service) CancelAuction(ctx context.Context, auctionID uuid.UUID, actor Actor) (*Auction, error) {
	listing, err := s.auctionListing(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(listing) {
		return nil, ErrUnauthorized
	}

	var (
		cancelled *Auction
		changed   bool
	)
	err = s.withRetry(ctx, "cancel_auction", auctionID, func() error {
		changed = false
		return s.inTx(ctx, s.txManager, func(tx pgx.Tx) error {
			now := s.clock.Now()

			a, lockErr := s.auctionRepo.GetAuctionByIDForUpdate(ctx, tx, auctionID)
			if lockErr != nil {
				return lockErr
			}
			cancelled = a

			if a.Status == StatusCancelled {
				return nil
			}
			if status := RuntimeStatus(a, now); status != StatusScheduled {
				return fmt.Errorf("%w: auction is %s", ErrInvalidState, status)
			}

			if transitionErr := a.transitionTo(StatusCancelled, now); transitionErr != nil {
				return transitionErr
			}
			if updateErr := s.auctionRepo.UpdateAuction(ctx, tx, a); updateErr != nil {
				return fmt.Errorf("failed to update auction: %w", updateErr)
			}

			event, eventErr := newAuctionCancelledEvent(a, now)
			if eventErr != nil {
				return eventErr
			}
			if saveErr := s.outboxRepo.SaveEvent(ctx, tx, event); saveErr != nil {
				return fmt.Errorf("failed to save outbox event: %w", saveErr)
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.logger.Info("Auction cancelled", "auction_id", auctionID, "actor_id", actor.ID)
	}
	return cancelled, nil
}

// GetHighestBid returns the current winning bid, or nil if nobody has bid yet
func (s *Service) GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error) {
	if _, err := s.auctionRepo.GetAuctionByID(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.bidRepo.GetHighestBid(ctx, auctionID)
}

// RuntimeStatus reads the auction and projects its status at now
func (s *Service) RuntimeStatus(ctx context.Context, auctionID uuid.UUID, now time.Time) (Status, error) {
	a, err := s.auctionRepo.GetAuctionByID(ctx, auctionID)
	if err != nil {
		return "", err
	}
	return RuntimeStatus(a, now), nil
}

func (s *Service) GetAuction(ctx context.Context, auctionID uuid.UUID) (*Auction, error) {
	return s.auctionRepo.GetAuctionByID(ctx, auctionID)
}

// ListBids returns every bid of an auction, newest first
func (s *Service) ListBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error) {
	if _, err := s.auctionRepo.GetAuctionByID(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.bidRepo.GetBidsByAuctionID(ctx, auctionID)
}

// Now is the service clock, exposed so adapters evaluate status with the same time source
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// auctionListing loads the listing and rejects listings not sold by auction
func (s *Service) auctionListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	listing, err := s.listingRepo.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !listing.IsAuction() {
		return nil, fmt.Errorf("%w: listing %s is not sold by auction", ErrNotFound, id)
	}
	return listing, nil
}

// inTx runs fn in a transaction from tm and commits it.
// Lock timeouts, serialization failures and deadlocks come back as ErrConcurrencyConflict.
func (s *Service) inTx(ctx context.Context, tm database.TransactionManager, fn func(tx pgx.Tx) error) error {
	tx, err := tm.BeginTx(ctx)
	if err != nil {
		return asConflict(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		_ = tx.Rollback(ctx) // Rollback if commit is not called
	}()

	if fnErr := fn(tx); fnErr != nil {
		return asConflict(fnErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return asConflict(fmt.Errorf("failed to commit transaction: %w", commitErr))
	}
	return nil
}

func asConflict(err error) error {
	if database.IsLockContention(err) && !errors.Is(err, ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// withRetry repeats fn while it fails with ErrConcurrencyConflict, up to maxRetries extra attempts.
// Any other error is returned at once.
func (s *Service) withRetry(ctx context.Context, op string, auctionID uuid.UUID, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(max(s.maxRetries, 0))),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		s.logger.Debug("Auction row busy, retrying",
			"operation", op,
			"auction_id", auctionID,
			"retry_in", wait,
			"error", err,
		)
	})
}

func (s *Service) notifyWinner(ctx context.Context, r *TransitionResult) {
	if r.WinnerID == nil {
		return
	}
	s.notify(ctx, *r.WinnerID, Notification{
		Kind:      NotificationAuctionWon,
		AuctionID: r.AuctionID,
		Amount:    r.FinalAmount,
		Message:   fmt.Sprintf("You won the auction with a bid of %d", r.FinalAmount),
		At:        s.clock.Now(),
	})
}

func (s *Service) notify(ctx context.Context, userID uuid.UUID, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, userID, n); err != nil {
		s.logger.Warn("Failed to notify user",
			"user_id", userID,
			"auction_id", n.AuctionID,
			"kind", n.Kind,
			"error", err,
		)
	}
}
