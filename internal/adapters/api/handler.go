package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/gavel-auctions/internal/auction"
	"github.com/floroz/gavel-auctions/pkg/auth"
	"github.com/floroz/gavel-auctions/pkg/logger"
)

// AuctionService is the domain surface the handler exposes
type AuctionService interface {
	PlaceBid(ctx context.Context, cmd auction.PlaceBidCommand) (*auction.PlaceBidResult, error)
	GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*auction.Bid, error)
	EndAuctionManually(ctx context.Context, auctionID uuid.UUID, actor auction.Actor) (*auction.EndResult, error)
	RuntimeStatus(ctx context.Context, auctionID uuid.UUID, now time.Time) (auction.Status, error)
	ScheduleAuction(ctx context.Context, cmd auction.ScheduleAuctionCommand) (*auction.Auction, error)
	CancelAuction(ctx context.Context, auctionID uuid.UUID, actor auction.Actor) (*auction.Auction, error)
	GetAuction(ctx context.Context, auctionID uuid.UUID) (*auction.Auction, error)
	ListBids(ctx context.Context, auctionID uuid.UUID) ([]*auction.Bid, error)
	Now() time.Time
}

type AuctionHandler struct {
	service AuctionService
	logger  *slog.Logger
}

func NewAuctionHandler(service AuctionService, l *slog.Logger) *AuctionHandler {
	if l == nil {
		l = logger.Nop()
	}
	return &AuctionHandler{service: service, logger: l}
}

// PlaceBid places a bid for the authenticated user
func (h *AuctionHandler) PlaceBid(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}
	amount, err := amountField(req.Msg, "amount")
	if err != nil {
		return nil, err
	}

	result, err := h.service.PlaceBid(ctx, auction.PlaceBidCommand{
		AuctionID: auctionID,
		BidderID:  actor.ID,
		Amount:    amount,
	})
	if err != nil {
		return nil, h.toConnectError(err)
	}

	return respond(map[string]any{
		"bid_id":      result.Bid.ID.String(),
		"auction_id":  result.Bid.AuctionID.String(),
		"amount":      result.Bid.Amount,
		"current_bid": result.CurrentBid,
		"is_winning":  result.IsWinning,
		"placed_at":   formatTime(result.Bid.PlacedAt),
	})
}

// GetHighestBid returns the current winning bid, or a null bid when nobody has bid
func (h *AuctionHandler) GetHighestBid(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	bid, err := h.service.GetHighestBid(ctx, auctionID)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	var body any
	if bid != nil {
		body = bidToMap(bid)
	}
	return respond(map[string]any{"bid": body})
}

// EndAuction ends an auction early. Only the listing owner or an administrator may do it.
func (h *AuctionHandler) EndAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	result, err := h.service.EndAuctionManually(ctx, auctionID, actor)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	var winner any
	if result.WinnerID != nil {
		winner = result.WinnerID.String()
	}
	return respond(map[string]any{
		"auction_id":   result.AuctionID.String(),
		"winner_id":    winner,
		"final_amount": result.FinalAmount,
		"total_bids":   result.TotalBids,
	})
}

// GetRuntimeStatus derives the status at the server's current time
func (h *AuctionHandler) GetRuntimeStatus(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	now := h.service.Now()
	status, err := h.service.RuntimeStatus(ctx, auctionID, now)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	return respond(map[string]any{
		"auction_id": auctionID.String(),
		"status":     status.String(),
		"at":         formatTime(now),
	})
}

// ScheduleAuction creates the auction of a listing owned by the caller
func (h *AuctionHandler) ScheduleAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}

	listingID, err := uuidField(req.Msg, "listing_id")
	if err != nil {
		return nil, err
	}
	startTime, err := timeField(req.Msg, "start_time")
	if err != nil {
		return nil, err
	}
	endTime, err := timeField(req.Msg, "end_time")
	if err != nil {
		return nil, err
	}
	startingBid, err := amountField(req.Msg, "starting_bid")
	if err != nil {
		return nil, err
	}
	increment, err := amountField(req.Msg, "min_bid_increment")
	if err != nil {
		return nil, err
	}

	a, err := h.service.ScheduleAuction(ctx, auction.ScheduleAuctionCommand{
		ListingID:       listingID,
		Actor:           actor,
		StartTime:       startTime,
		EndTime:         endTime,
		StartingBid:     startingBid,
		MinBidIncrement: increment,
	})
	if err != nil {
		return nil, h.toConnectError(err)
	}

	return respond(map[string]any{"auction": h.auctionToMap(a)})
}

// CancelAuction cancels an auction whose window has not opened
func (h *AuctionHandler) CancelAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	actor, err := actorFromContext(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	a, err := h.service.CancelAuction(ctx, auctionID, actor)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	return respond(map[string]any{"auction": h.auctionToMap(a)})
}

// GetAuction returns the auction record with its runtime status
func (h *AuctionHandler) GetAuction(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	a, err := h.service.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	return respond(map[string]any{"auction": h.auctionToMap(a)})
}

// ListBids returns the bid ledger of an auction, newest first
func (h *AuctionHandler) ListBids(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	auctionID, err := uuidField(req.Msg, "auction_id")
	if err != nil {
		return nil, err
	}

	bids, err := h.service.ListBids(ctx, auctionID)
	if err != nil {
		return nil, h.toConnectError(err)
	}

	items := make([]any, len(bids))
	for i, bid := range bids {
		items[i] = bidToMap(bid)
	}
	return respond(map[string]any{"bids": items})
}

// toConnectError maps domain errors to Connect codes
func (h *AuctionHandler) toConnectError(err error) error {
	var insufficient *auction.InsufficientBidError
	switch {
	case errors.As(err, &insufficient):
		connectErr := connect.NewError(connect.CodeFailedPrecondition, err)
		detail, detailErr := insufficientBidDetail(insufficient)
		if detailErr == nil {
			connectErr.AddDetail(detail)
		}
		return connectErr
	case errors.Is(err, auction.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, auction.ErrInvalidState):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, auction.ErrConcurrencyConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, auction.ErrUnauthorized):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, auction.ErrInvalidAuction), errors.Is(err, auction.ErrInvalidBid):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, auction.ErrAuctionExists):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		h.logger.Error("Unhandled service error", "error", err)
		return connect.NewError(connect.CodeInternal, errors.New("internal error"))
	}
}

func insufficientBidDetail(e *auction.InsufficientBidError) (*connect.ErrorDetail, error) {
	msg, err := structpb.NewStruct(map[string]any{
		"reason":         "insufficient_bid",
		"amount":         strconv.FormatInt(e.Amount, 10),
		"min_acceptable": strconv.FormatInt(e.MinAcceptable, 10),
	})
	if err != nil {
		return nil, err
	}
	return connect.NewErrorDetail(msg)
}

// InsufficientBidMinimum reads the minimum acceptable amount from a Connect error
// returned by PlaceBid
func InsufficientBidMinimum(err error) (int64, bool) {
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		return 0, false
	}
	for _, d := range connectErr.Details() {
		value, valueErr := d.Value()
		if valueErr != nil {
			continue
		}
		s, ok := value.(*structpb.Struct)
		if !ok || s.Fields["reason"].GetStringValue() != "insufficient_bid" {
			continue
		}
		minimum, parseErr := strconv.ParseInt(s.Fields["min_acceptable"].GetStringValue(), 10, 64)
		if parseErr != nil {
			return 0, false
		}
		return minimum, true
	}
	return 0, false
}

// actorFromContext reads the identity the auth interceptor stored
func actorFromContext(ctx context.Context) (auction.Actor, error) {
	claims, ok := auth.GetUserClaims(ctx)
	if !ok {
		return auction.Actor{}, connect.NewError(connect.CodeUnauthenticated, errors.New("missing user identity"))
	}
	id, err := claims.UserID()
	if err != nil {
		return auction.Actor{}, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid user_id in token"))
	}
	return auction.Actor{ID: id, IsAdmin: claims.HasPermission(auth.PermissionAuctionsAdmin)}, nil
}

func invalidArgument(format string, args ...any) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf(format, args...))
}

func uuidField(msg *structpb.Struct, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(msg.GetFields()[name].GetStringValue())
	if err != nil {
		return uuid.Nil, invalidArgument("invalid %s", name)
	}
	return id, nil
}

// amountField accepts a whole number or a numeric string, in minor units
func amountField(msg *structpb.Struct, name string) (int64, error) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return 0, invalidArgument("missing %s", name)
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n != math.Trunc(n) || math.Abs(n) > float64(auction.MaxAmount) {
			return 0, invalidArgument("%s must be a whole number of minor units up to %d", name, auction.MaxAmount)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil || n > auction.MaxAmount || n < -auction.MaxAmount {
			return 0, invalidArgument("%s must be a whole number of minor units up to %d", name, auction.MaxAmount)
		}
		return n, nil
	default:
		return 0, invalidArgument("invalid %s", name)
	}
}

func timeField(msg *structpb.Struct, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, msg.GetFields()[name].GetStringValue())
	if err != nil {
		return time.Time{}, invalidArgument("invalid %s format", name)
	}
	return t, nil
}

func respond(fields map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func bidToMap(bid *auction.Bid) map[string]any {
	return map[string]any{
		"id":         bid.ID.String(),
		"auction_id": bid.AuctionID.String(),
		"bidder_id":  bid.BidderID.String(),
		"amount":     bid.Amount,
		"placed_at":  formatTime(bid.PlacedAt),
		"winning":    bid.Winning,
		"status":     string(bid.Status),
	}
}

func (h *AuctionHandler) auctionToMap(a *auction.Auction) map[string]any {
	m := map[string]any{
		"id":                a.ID.String(),
		"start_time":        formatTime(a.StartTime),
		"end_time":          formatTime(a.EndTime),
		"starting_bid":      a.StartingBid,
		"current_bid":       a.CurrentBid,
		"min_bid_increment": a.MinBidIncrement,
		"minimum_next_bid":  a.MinimumAcceptable(),
		"status":            a.Status.String(),
		"runtime_status":    auction.RuntimeStatus(a, h.service.Now()).String(),
		"total_bids":        a.TotalBids,
		"winner_id":         nil,
		"ended_at":          nil,
	}
	if a.WinnerID != nil {
		m["winner_id"] = a.WinnerID.String()
	}
	if a.EndedAt != nil {
		m["ended_at"] = formatTime(*a.EndedAt)
	}
	return m
}
