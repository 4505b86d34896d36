package auction

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
	}{
		{StatusScheduled, true, false},
		{StatusActive, true, false},
		{StatusEnded, true, true},
		{StatusCancelled, true, true},
		{Status("paused"), false, false},
		{Status(""), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestAuction_MinimumAcceptable(t *testing.T) {
	a := &Auction{StartingBid: 100, CurrentBid: 100, MinBidIncrement: 25}
	assert.Equal(t, int64(125), a.MinimumAcceptable())
	assert.False(t, a.HasBids())

	a.CurrentBid = 300
	a.TotalBids = 4
	assert.Equal(t, int64(325), a.MinimumAcceptable())
	assert.True(t, a.HasBids())

	a.CurrentBid = math.MaxInt64 - 5
	assert.Equal(t, int64(math.MaxInt64), a.MinimumAcceptable())
}

func TestActor_CanManage(t *testing.T) {
	owner := uuid.New()
	listing := &Listing{ID: uuid.New(), OwnerID: owner, Mode: ListingModeAuction}

	assert.True(t, Actor{ID: owner}.CanManage(listing))
	assert.True(t, Actor{ID: uuid.New(), IsAdmin: true}.CanManage(listing))
	assert.False(t, Actor{ID: uuid.New()}.CanManage(listing))
	assert.True(t, listing.IsAuction())
	assert.False(t, (&Listing{Mode: ListingModeFixedPrice}).IsAuction())
}

func TestInsufficientBidError(t *testing.T) {
	err := fmt.Errorf("place bid: %w", &InsufficientBidError{Amount: 105, MinAcceptable: 110})

	assert.ErrorIs(t, err, ErrInsufficientBid)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "110")

	minimum, ok := MinAcceptable(err)
	require.True(t, ok)
	assert.Equal(t, int64(110), minimum)

	_, ok = MinAcceptable(errors.New("boom"))
	assert.False(t, ok)
	_, ok = MinAcceptable(ErrInsufficientBid)
	assert.False(t, ok)
}

func TestEventType_IsValid(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		want      bool
	}{
		{"bid placed", EventTypeBidPlaced, true},
		{"auction started", EventTypeAuctionStarted, true},
		{"auction ended", EventTypeAuctionEnded, true},
		{"auction cancelled", EventTypeAuctionCancelled, true},
		{"unknown", EventType("unknown.event"), false},
		{"empty", EventType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eventType.IsValid())
		})
	}
}

func TestRoutingKey(t *testing.T) {
	id := uuid.MustParse("7b1f0d4e-9c7a-4f51-8a53-2f6f5b0b9d11")
	assert.Equal(t, "auction.7b1f0d4e-9c7a-4f51-8a53-2f6f5b0b9d11.bid.placed", RoutingKey(id, EventTypeBidPlaced))
	assert.Equal(t, "auction.7b1f0d4e-9c7a-4f51-8a53-2f6f5b0b9d11.auction.ended", RoutingKey(id, EventTypeAuctionEnded))
}

func TestBidPlacedEvent(t *testing.T) {
	bid := &Bid{
		ID:        uuid.New(),
		AuctionID: uuid.New(),
		BidderID:  uuid.New(),
		Amount:    4200,
		PlacedAt:  testStart,
	}

	event, err := newBidPlacedEvent(bid)
	require.NoError(t, err)
	assert.Equal(t, "bid.placed", event.EventType)
	assert.Equal(t, bid.AuctionID, event.AggregateID)
	assert.Equal(t, RoutingKey(bid.AuctionID, EventTypeBidPlaced), event.RoutingKey)
	assert.Equal(t, testStart, event.CreatedAt)

	payload, err := DecodePayload(event.Payload)
	require.NoError(t, err)
	assert.Equal(t, "bid.placed", payload["event_type"])
	assert.Equal(t, bid.BidderID.String(), payload["bidder_id"])
	assert.Equal(t, float64(4200), payload["amount"])
	assert.Equal(t, testStart.Format(time.RFC3339Nano), payload["at"])
}

func TestDecodePayload_Garbage(t *testing.T) {
	_, err := DecodePayload([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
