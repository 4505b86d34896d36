package auction

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/floroz/gavel-auctions/pkg/events"
)

// AuctionRepository defines the interface for auction record persistence
type AuctionRepository interface {
	// CreateAuction inserts a new auction within a transaction
	CreateAuction(ctx context.Context, tx pgx.Tx, a *Auction) error

	// GetAuctionByID retrieves an auction without locking it
	GetAuctionByID(ctx context.Context, id uuid.UUID) (*Auction, error)

	// GetAuctionByIDForUpdate retrieves an auction and locks its row until the transaction ends.
	// This is the serialization point for every mutation of one auction.
	GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Auction, error)

	// UpdateAuction persists the mutable fields of a locked auction
	UpdateAuction(ctx context.Context, tx pgx.Tx, a *Auction) error

	// ListDueToStart returns IDs of scheduled auctions whose start time has passed
	ListDueToStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// ListDueToEnd returns IDs of active auctions whose end time has passed
	ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// BidRepository defines the interface for the bid ledger
type BidRepository interface {
	// SaveBid saves a bid within a transaction
	SaveBid(ctx context.Context, tx pgx.Tx, bid *Bid) error

	// GetWinningBid returns the winning bid of an auction, or nil if there is none
	GetWinningBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*Bid, error)

	// UpdateBidState changes the only mutable fields of a bid
	UpdateBidState(ctx context.Context, tx pgx.Tx, bidID uuid.UUID, winning bool, status BidStatus) error

	// GetHighestBid returns the current winning bid outside a transaction, or nil
	GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*Bid, error)

	// GetBidsByAuctionID returns the ledger of an auction, newest first
	GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)
}

// OutboxRepository stores domain events in the same transaction as the state change
type OutboxRepository interface {
	SaveEvent(ctx context.Context, tx pgx.Tx, event *events.OutboxEvent) error
}

// ListingRepository is the catalog lookup
type ListingRepository interface {
	GetListing(ctx context.Context, id uuid.UUID) (*Listing, error)
}

// Notifier delivers best-effort messages to users. Errors are logged, never returned to callers.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, n Notification) error
}
