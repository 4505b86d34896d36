package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/gavel-auctions/internal/auction"
	pkgdb "github.com/floroz/gavel-auctions/pkg/database"
)

const bidColumns = `id, auction_id, bidder_id, amount, placed_at, winning, status::text`

// PostgresBidRepository implements auction.BidRepository using pgx
type PostgresBidRepository struct {
	pool *pgxpool.Pool // Keep pool for read-only operations
}

// NewPostgresBidRepository creates a new PostgreSQL bid repository
func NewPostgresBidRepository(pool *pgxpool.Pool) *PostgresBidRepository {
	return &PostgresBidRepository{pool: pool}
}

// SaveBid appends a bid to the ledger within a transaction
func (r *PostgresBidRepository) SaveBid(ctx context.Context, tx pgx.Tx, bid *auction.Bid) error {
	query := `
		INSERT INTO bids (id, auction_id, bidder_id, amount, placed_at, winning, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::bid_status)
	`
	_, err := tx.Exec(ctx, query,
		bid.ID,
		bid.AuctionID,
		bid.BidderID,
		bid.Amount,
		bid.PlacedAt,
		bid.Winning,
		string(bid.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// GetWinningBid returns the bid flagged winning, or nil when the auction has none
func (r *PostgresBidRepository) GetWinningBid(ctx context.Context, tx pgx.Tx, auctionID uuid.UUID) (*auction.Bid, error) {
	return r.getWinningBid(ctx, tx, auctionID)
}

// GetHighestBid is GetWinningBid outside a transaction
func (r *PostgresBidRepository) GetHighestBid(ctx context.Context, auctionID uuid.UUID) (*auction.Bid, error) {
	return r.getWinningBid(ctx, r.pool, auctionID)
}

func (r *PostgresBidRepository) getWinningBid(ctx context.Context, db pkgdb.DBTX, auctionID uuid.UUID) (*auction.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 AND winning`

	bid, err := scanBid(db.QueryRow(ctx, query, auctionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get winning bid: %w", err)
	}
	return bid, nil
}

// UpdateBidState changes the winning flag and status of a bid
func (r *PostgresBidRepository) UpdateBidState(ctx context.Context, tx pgx.Tx, bidID uuid.UUID, winning bool, status auction.BidStatus) error {
	query := `
		UPDATE bids
		SET winning = $1, status = $2::bid_status
		WHERE id = $3
	`
	result, err := tx.Exec(ctx, query, winning, string(status), bidID)
	if err != nil {
		return fmt.Errorf("failed to update bid: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("bid %s not found", bidID)
	}

	return nil
}

// GetBidsByAuctionID retrieves all bids for an auction, newest first
func (r *PostgresBidRepository) GetBidsByAuctionID(ctx context.Context, auctionID uuid.UUID) ([]*auction.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ORDER BY placed_at DESC, amount DESC`

	rows, err := r.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var result []*auction.Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		result = append(result, bid)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}

	return result, nil
}

func scanBid(row pgx.Row) (*auction.Bid, error) {
	var (
		bid    auction.Bid
		status string
	)
	if err := row.Scan(
		&bid.ID,
		&bid.AuctionID,
		&bid.BidderID,
		&bid.Amount,
		&bid.PlacedAt,
		&bid.Winning,
		&status,
	); err != nil {
		return nil, err
	}
	bid.Status = auction.BidStatus(status)
	return &bid, nil
}
