package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/gavel-auctions/internal/auction"
	pkgdb "github.com/floroz/gavel-auctions/pkg/database"
)

const auctionColumns = `id, start_time, end_time, starting_bid, current_bid, min_bid_increment,
	status::text, winner_id, total_bids, ended_at, created_at, updated_at`

// PostgresAuctionRepository implements auction.AuctionRepository using pgx
type PostgresAuctionRepository struct {
	pool *pgxpool.Pool // Keep pool for non-transactional reads
}

// NewPostgresAuctionRepository creates a new PostgreSQL auction repository
func NewPostgresAuctionRepository(pool *pgxpool.Pool) *PostgresAuctionRepository {
	return &PostgresAuctionRepository{pool: pool}
}

// CreateAuction inserts the auction record of a listing
func (r *PostgresAuctionRepository) CreateAuction(ctx context.Context, tx pgx.Tx, a *auction.Auction) error {
	query := `
		INSERT INTO auctions (id, start_time, end_time, starting_bid, current_bid, min_bid_increment,
			status, total_bids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::auction_status, $8, $9, $10)
	`
	_, err := tx.Exec(ctx, query,
		a.ID,
		a.StartTime,
		a.EndTime,
		a.StartingBid,
		a.CurrentBid,
		a.MinBidIncrement,
		string(a.Status),
		a.TotalBids,
		a.CreatedAt,
		a.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case pkgdb.IsUniqueViolation(err):
		return auction.ErrAuctionExists
	case pkgdb.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: listing %s", auction.ErrNotFound, a.ID)
	default:
		return fmt.Errorf("failed to insert auction: %w", err)
	}
}

// GetAuctionByID retrieves an auction by its ID (non-transactional read)
func (r *PostgresAuctionRepository) GetAuctionByID(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	return r.getAuctionByID(ctx, r.pool, id, false)
}

// GetAuctionByIDForUpdate retrieves an auction and locks its row until the transaction ends.
// With the transaction's lock_timeout a busy row fails with SQLSTATE 55P03 instead of blocking.
func (r *PostgresAuctionRepository) GetAuctionByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*auction.Auction, error) {
	return r.getAuctionByID(ctx, tx, id, true)
}

func (r *PostgresAuctionRepository) getAuctionByID(ctx context.Context, db pkgdb.DBTX, id uuid.UUID, forUpdate bool) (*auction.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	a, err := scanAuction(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auction.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// UpdateAuction persists the mutable fields of a locked auction
func (r *PostgresAuctionRepository) UpdateAuction(ctx context.Context, tx pgx.Tx, a *auction.Auction) error {
	query := `
		UPDATE auctions
		SET current_bid = $1, status = $2::auction_status, winner_id = $3, total_bids = $4,
			ended_at = $5, updated_at = $6
		WHERE id = $7
	`
	result, err := tx.Exec(ctx, query,
		a.CurrentBid,
		string(a.Status),
		a.WinnerID,
		a.TotalBids,
		a.EndedAt,
		a.UpdatedAt,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}

	if result.RowsAffected() == 0 {
		return auction.ErrNotFound
	}

	return nil
}

// ListDueToStart returns scheduled auctions whose start time has passed, oldest first
func (r *PostgresAuctionRepository) ListDueToStart(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM auctions
		WHERE status = 'scheduled' AND start_time <= $1
		ORDER BY start_time ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

// ListDueToEnd returns active auctions whose end time has passed, oldest first
func (r *PostgresAuctionRepository) ListDueToEnd(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM auctions
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time ASC
		LIMIT $2
	`
	return r.listIDs(ctx, query, now, limit)
}

func (r *PostgresAuctionRepository) listIDs(ctx context.Context, query string, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due auctions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to collect due auctions: %w", err)
	}
	return ids, nil
}

// Ping checks the pool can reach Postgres
func (r *PostgresAuctionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanAuction(row pgx.Row) (*auction.Auction, error) {
	var (
		a      auction.Auction
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.StartTime,
		&a.EndTime,
		&a.StartingBid,
		&a.CurrentBid,
		&a.MinBidIncrement,
		&status,
		&a.WinnerID,
		&a.TotalBids,
		&a.EndedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = auction.Status(status)
	return &a, nil
}
