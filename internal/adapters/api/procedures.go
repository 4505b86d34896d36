package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified name of the auction service
const ServiceName = "auction.v1.AuctionService"

// Procedure paths. Messages are google.protobuf.Struct, so JSON clients post plain objects.
const (
	PlaceBidProcedure         = "/" + ServiceName + "/PlaceBid"
	GetHighestBidProcedure    = "/" + ServiceName + "/GetHighestBid"
	EndAuctionProcedure       = "/" + ServiceName + "/EndAuction"
	GetRuntimeStatusProcedure = "/" + ServiceName + "/GetRuntimeStatus"
	ScheduleAuctionProcedure  = "/" + ServiceName + "/ScheduleAuction"
	CancelAuctionProcedure    = "/" + ServiceName + "/CancelAuction"
	GetAuctionProcedure       = "/" + ServiceName + "/GetAuction"
	ListBidsProcedure         = "/" + ServiceName + "/ListBids"
)

type unaryFunc func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error)

// NewAuctionServiceHandler builds an HTTP handler that serves every procedure of the service.
// It returns the path to mount it on.
func NewAuctionServiceHandler(h *AuctionHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	routes := map[string]unaryFunc{
		PlaceBidProcedure:         h.PlaceBid,
		GetHighestBidProcedure:    h.GetHighestBid,
		EndAuctionProcedure:       h.EndAuction,
		GetRuntimeStatusProcedure: h.GetRuntimeStatus,
		ScheduleAuctionProcedure:  h.ScheduleAuction,
		CancelAuctionProcedure:    h.CancelAuction,
		GetAuctionProcedure:       h.GetAuction,
		ListBidsProcedure:         h.ListBids,
	}

	mux := http.NewServeMux()
	for procedure, fn := range routes {
		mux.Handle(procedure, connect.NewUnaryHandler[structpb.Struct, structpb.Struct](procedure, fn, opts...))
	}
	return "/" + ServiceName + "/", mux
}

// Client calls the auction service
type Client struct {
	placeBid         *connect.Client[structpb.Struct, structpb.Struct]
	getHighestBid    *connect.Client[structpb.Struct, structpb.Struct]
	endAuction       *connect.Client[structpb.Struct, structpb.Struct]
	getRuntimeStatus *connect.Client[structpb.Struct, structpb.Struct]
	scheduleAuction  *connect.Client[structpb.Struct, structpb.Struct]
	cancelAuction    *connect.Client[structpb.Struct, structpb.Struct]
	getAuction       *connect.Client[structpb.Struct, structpb.Struct]
	listBids         *connect.Client[structpb.Struct, structpb.Struct]
}

// NewClient creates a client for the service mounted at baseURL
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	newUnary := func(procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
		return connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+procedure, opts...)
	}
	return &Client{
		placeBid:         newUnary(PlaceBidProcedure),
		getHighestBid:    newUnary(GetHighestBidProcedure),
		endAuction:       newUnary(EndAuctionProcedure),
		getRuntimeStatus: newUnary(GetRuntimeStatusProcedure),
		scheduleAuction:  newUnary(ScheduleAuctionProcedure),
		cancelAuction:    newUnary(CancelAuctionProcedure),
		getAuction:       newUnary(GetAuctionProcedure),
		listBids:         newUnary(ListBidsProcedure),
	}
}

func (c *Client) PlaceBid(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.placeBid.CallUnary(ctx, req)
}

func (c *Client) GetHighestBid(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.getHighestBid.CallUnary(ctx, req)
}

func (c *Client) EndAuction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.endAuction.CallUnary(ctx, req)
}

func (c *Client) GetRuntimeStatus(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.getRuntimeStatus.CallUnary(ctx, req)
}

func (c *Client) ScheduleAuction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.scheduleAuction.CallUnary(ctx, req)
}

func (c *Client) CancelAuction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.cancelAuction.CallUnary(ctx, req)
}

func (c *Client) GetAuction(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.getAuction.CallUnary(ctx, req)
}

func (c *Client) ListBids(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return c.listBids.CallUnary(ctx, req)
}
