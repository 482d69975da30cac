// Package rating keeps the derived seller and buyer ratings of each user.
//
// Ratings are not authoritative: they are recomputed from scratch from the
// visible reviews in the ledger every time a review is recorded.
package rating

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// ErrRatingNotFound is returned when a user has no stored rating.
var ErrRatingNotFound = fmt.Errorf("rating %w", apperr.ErrNotFound)

// UserRating is the aggregate of the reviews a user received.
type UserRating struct {
	UserID        string          `json:"userId"`
	SellerRating  decimal.Decimal `json:"sellerRating"`
	SellerReviews int             `json:"sellerReviews"`
	BuyerRating   decimal.Decimal `json:"buyerRating"`
	BuyerReviews  int             `json:"buyerReviews"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// ReviewSubmitted is a review as it arrives from the API layer.
type ReviewSubmitted struct {
	TransactionID  string            `json:"transactionId"`
	ReviewerID     string            `json:"reviewerId"`
	ReviewedUserID string            `json:"reviewedUserId"`
	Rating         int               `json:"rating"`
	Type           ledger.ReviewType `json:"type"`
	Comment        string            `json:"comment"`
}

// Store persists user ratings.
type Store interface {
	// Save inserts or replaces the rating of r.UserID.
	Save(ctx context.Context, r *UserRating) error

	// Get returns the rating of userID or ErrRatingNotFound.
	Get(ctx context.Context, userID string) (*UserRating, error)
}

// Mean averages ratings to two decimal places. An empty slice yields zero.
func Mean(reviews []*ledger.Review) decimal.Decimal {
	if len(reviews) == 0 {
		return decimal.Zero
	}
	var sum int64
	for _, r := range reviews {
		sum += int64(r.Rating)
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(reviews)))).Round(2)
}
