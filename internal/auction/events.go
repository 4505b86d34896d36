package auction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/gavel-auctions/pkg/events"
)

// EventType represents the type of domain event
type EventType string

const (
	EventTypeBidPlaced        EventType = "bid.placed"
	EventTypeAuctionStarted   EventType = "auction.started"
	EventTypeAuctionEnded     EventType = "auction.ended"
	EventTypeAuctionCancelled EventType = "auction.cancelled"
)

func (e EventType) String() string {
	return string(e)
}

// IsValid checks if the event type is valid
func (e EventType) IsValid() bool {
	switch e {
	case EventTypeBidPlaced, EventTypeAuctionStarted, EventTypeAuctionEnded, EventTypeAuctionCancelled:
		return true
	default:
		return false
	}
}

// RoutingKey is the topic an event is published under: auction.<auctionId>.<event type>.
// Subscribers bind auction.<id>.# for one auction or auction.*.auction.ended for all endings.
func RoutingKey(auctionID uuid.UUID, eventType EventType) string {
	return fmt.Sprintf("auction.%s.%s", auctionID, eventType)
}

func newBidPlacedEvent(bid *Bid) (*events.OutboxEvent, error) {
	return newOutboxEvent(bid.AuctionID, EventTypeBidPlaced, bid.PlacedAt, map[string]any{
		"auction_id": bid.AuctionID.String(),
		"bid_id":     bid.ID.String(),
		"bidder_id":  bid.BidderID.String(),
		"amount":     bid.Amount,
		"at":         bid.PlacedAt.Format(time.RFC3339Nano),
	})
}

func newAuctionStartedEvent(a *Auction, at time.Time) (*events.OutboxEvent, error) {
	return newOutboxEvent(a.ID, EventTypeAuctionStarted, at, map[string]any{
		"auction_id":   a.ID.String(),
		"starting_bid": a.StartingBid,
		"end_time":     a.EndTime.Format(time.RFC3339Nano),
		"at":           at.Format(time.RFC3339Nano),
	})
}

func newAuctionEndedEvent(a *Auction, at time.Time) (*events.OutboxEvent, error) {
	var winner any
	if a.WinnerID != nil {
		winner = a.WinnerID.String()
	}
	return newOutboxEvent(a.ID, EventTypeAuctionEnded, at, map[string]any{
		"auction_id":   a.ID.String(),
		"winner_id":    winner,
		"final_amount": a.CurrentBid,
		"total_bids":   a.TotalBids,
		"at":           at.Format(time.RFC3339Nano),
	})
}

func newAuctionCancelledEvent(a *Auction, at time.Time) (*events.OutboxEvent, error) {
	return newOutboxEvent(a.ID, EventTypeAuctionCancelled, at, map[string]any{
		"auction_id": a.ID.String(),
		"at":         at.Format(time.RFC3339Nano),
	})
}

func newOutboxEvent(auctionID uuid.UUID, eventType EventType, at time.Time, fields map[string]any) (*events.OutboxEvent, error) {
	fields["event_type"] = eventType.String()

	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s payload: %w", eventType, err)
	}

	body, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	return &events.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType.String(),
		RoutingKey:  RoutingKey(auctionID, eventType),
		AggregateID: auctionID,
		Payload:     body,
		Status:      events.OutboxStatusPending,
		CreatedAt:   at,
	}, nil
}

// DecodePayload unmarshals an event body published by this package
func DecodePayload(body []byte) (map[string]any, error) {
	var payload structpb.Struct
	if err := proto.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	return payload.AsMap(), nil
}
