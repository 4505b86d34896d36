package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/floroz/gavel-auctions/internal/auction"
)

// PostgresListingRepository reads the listings catalog
type PostgresListingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresListingRepository(pool *pgxpool.Pool) *PostgresListingRepository {
	return &PostgresListingRepository{pool: pool}
}

// GetListing returns auction.ErrNotFound when the listing does not exist
func (r *PostgresListingRepository) GetListing(ctx context.Context, id uuid.UUID) (*auction.Listing, error) {
	query := `SELECT id, owner_id, title, mode::text FROM listings WHERE id = $1`

	var (
		l    auction.Listing
		mode string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&l.ID, &l.OwnerID, &l.Title, &mode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: listing %s", auction.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	l.Mode = auction.ListingMode(mode)
	return &l, nil
}

// CreateListing registers a listing. The catalog service owns listings, so this only seeds them.
func (r *PostgresListingRepository) CreateListing(ctx context.Context, l *auction.Listing) error {
	query := `
		INSERT INTO listings (id, owner_id, title, mode)
		VALUES ($1, $2, $3, $4::listing_mode)
	`
	if _, err := r.pool.Exec(ctx, query, l.ID, l.OwnerID, l.Title, string(l.Mode)); err != nil {
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}
