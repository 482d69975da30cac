package rating

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/chanescrow/internal/apperr"
)

// PostgresStore persists ratings in the user_ratings table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rating store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Save(ctx context.Context, r *UserRating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_ratings (user_id, seller_rating, seller_reviews, buyer_rating, buyer_reviews, updated_at)
		VALUES ($1, $2::NUMERIC(4,2), $3, $4::NUMERIC(4,2), $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			seller_rating = EXCLUDED.seller_rating,
			seller_reviews = EXCLUDED.seller_reviews,
			buyer_rating = EXCLUDED.buyer_rating,
			buyer_reviews = EXCLUDED.buyer_reviews,
			updated_at = EXCLUDED.updated_at`,
		r.UserID, r.SellerRating, r.SellerReviews, r.BuyerRating, r.BuyerReviews, r.UpdatedAt,
	)
	if err != nil {
		return apperr.Storage("save rating", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*UserRating, error) {
	r := &UserRating{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, seller_rating, seller_reviews, buyer_rating, buyer_reviews, updated_at
		FROM user_ratings WHERE user_id = $1`, userID,
	).Scan(&r.UserID, &r.SellerRating, &r.SellerReviews, &r.BuyerRating, &r.BuyerReviews, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRatingNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get rating", err)
	}
	return r, nil
}
