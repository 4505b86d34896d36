package auction

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// MaxAmount is the largest amount, in minor units, accepted for bids and auction prices.
// It is the largest integer a JSON number carries exactly.
const MaxAmount int64 = 1 << 53

// Status is the persisted lifecycle state of an auction
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is one of the known values
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusActive, StatusEnded, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// BidStatus tracks what happened to a bid after it was accepted
type BidStatus string

const (
	BidStatusActive    BidStatus = "active"
	BidStatusOutbid    BidStatus = "outbid"
	BidStatusWon       BidStatus = "won"
	BidStatusCancelled BidStatus = "cancelled"
)

// ListingMode is how a listing is sold
type ListingMode string

const (
	ListingModeFixedPrice ListingMode = "fixed_price"
	ListingModeAuction    ListingMode = "auction"
)

// Listing is the catalog view the engine needs: who owns it and how it sells
type Listing struct {
	ID      uuid.UUID   `db:"id"`
	OwnerID uuid.UUID   `db:"owner_id"`
	Title   string      `db:"title"`
	Mode    ListingMode `db:"mode"`
}

func (l *Listing) IsAuction() bool {
	return l.Mode == ListingModeAuction
}

func (l *Listing) IsOwnedBy(userID uuid.UUID) bool {
	return l.OwnerID == userID
}

// Auction is the bidding state of an auction-mode listing. ID equals the listing ID.
// Amounts are in minor units (cents).
type Auction struct {
	ID              uuid.UUID  `db:"id"`
	StartTime       time.Time  `db:"start_time"`
	EndTime         time.Time  `db:"end_time"`
	StartingBid     int64      `db:"starting_bid"`
	CurrentBid      int64      `db:"current_bid"`
	MinBidIncrement int64      `db:"min_bid_increment"`
	Status          Status     `db:"status"`
	WinnerID        *uuid.UUID `db:"winner_id"`
	TotalBids       int64      `db:"total_bids"`
	EndedAt         *time.Time `db:"ended_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// MinimumAcceptable is the lowest amount the next bid may offer
// and saturates at math.MaxInt64 instead of wrapping.
func (a *Auction) MinimumAcceptable() int64 {
	if a.CurrentBid > math.MaxInt64-a.MinBidIncrement {
		return math.MaxInt64
	}
	return a.CurrentBid + a.MinBidIncrement
}

func (a *Auction) HasBids() bool {
	return a.TotalBids > 0
}

// Bid is an entry in the bid ledger. Only Winning and Status change after insert.
type Bid struct {
	ID        uuid.UUID `db:"id"`
	AuctionID uuid.UUID `db:"auction_id"`
	BidderID  uuid.UUID `db:"bidder_id"`
	Amount    int64     `db:"amount"`
	PlacedAt  time.Time `db:"placed_at"`
	Winning   bool      `db:"winning"`
	Status    BidStatus `db:"status"`
}

// Actor is the authenticated caller of an administrative operation
type Actor struct {
	ID      uuid.UUID
	IsAdmin bool
}

// CanManage reports whether the actor may end or cancel an auction on the listing
func (a Actor) CanManage(l *Listing) bool {
	return a.IsAdmin || l.IsOwnedBy(a.ID)
}

type PlaceBidCommand struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    int64
}

type PlaceBidResult struct {
	Bid        *Bid
	CurrentBid int64
	IsWinning  bool
}

type ScheduleAuctionCommand struct {
	ListingID       uuid.UUID
	Actor           Actor
	StartTime       time.Time
	EndTime         time.Time
	StartingBid     int64
	MinBidIncrement int64
}

// EndResult is the outcome of a manual end. WinnerID is nil when nobody bid.
type EndResult struct {
	AuctionID   uuid.UUID
	WinnerID    *uuid.UUID
	FinalAmount int64
	TotalBids   int64
}

// TransitionResult describes what a TransitionIfDue call observed and changed
type TransitionResult struct {
	AuctionID   uuid.UUID
	From        Status
	To          Status
	Started     bool
	Ended       bool
	WinnerID    *uuid.UUID
	FinalAmount int64
	TotalBids   int64
}

// Changed reports whether the call persisted a new status
func (r *TransitionResult) Changed() bool {
	return r.Started || r.Ended
}

// Notification kinds sent to the notification sink
const (
	NotificationOutbid     = "outbid"
	NotificationAuctionWon = "auction_won"
)

// Notification is a best-effort message for a single user
type Notification struct {
	Kind      string    `json:"kind"`
	AuctionID uuid.UUID `json:"auction_id"`
	Amount    int64     `json:"amount"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
