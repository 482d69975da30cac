package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/idgen"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/mbd888/chanescrow/internal/validation"
)

// ErrReviewExists is returned for a second review by the same reviewer.
var ErrReviewExists = fmt.Errorf("review already submitted: %w", apperr.ErrDuplicate)

// Service records reviews and maintains ratings.
type Service struct {
	ledger ledger.Store
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	stale map[string]struct{} // users whose last recompute failed
}

// NewService creates a new rating service.
func NewService(ledgerStore ledger.Store, store Store) *Service {
	return &Service{
		ledger: ledgerStore,
		store:  store,
		logger: logging.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
		stale:  make(map[string]struct{}),
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the wall clock (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitReview records a review on a completed transaction and then
// recomputes the reviewed user's rating. A failed recompute is logged and
// retried later; it never undoes the review.
func (s *Service) SubmitReview(ctx context.Context, req ReviewSubmitted) (_ *ledger.Review, err error) {
	ctx, span := traces.StartSpan(ctx, "rating.SubmitReview",
		traces.TransactionID(req.TransactionID), traces.Actor(req.ReviewerID))
	defer func() { traces.End(span, err) }()

	if err := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.Required("reviewerId", req.ReviewerID),
		validation.IntRange("rating", req.Rating, 1, 5),
		validation.MaxLength("comment", req.Comment, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}

	var created *ledger.Review
	_, err = s.ledger.Apply(ctx, req.TransactionID, func(f *ledger.Family) error {
		tx := f.Transaction
		if tx.Status != ledger.TxCompleted {
			return apperr.InvalidState("transaction", tx.ID, "review", string(tx.Status))
		}
		if !tx.IsParty(req.ReviewerID) {
			return fmt.Errorf("not a party to transaction %s: %w", tx.ID, apperr.ErrForbidden)
		}
		reviewed := tx.Counterparty(req.ReviewerID)
		if req.ReviewedUserID != "" && req.ReviewedUserID != reviewed {
			return apperr.Validationf("reviewed user must be the other party of transaction %s", tx.ID)
		}
		typ := ledger.ReviewOfSeller
		if req.ReviewerID == tx.SellerID {
			typ = ledger.ReviewOfBuyer
		}
		if req.Type != "" && req.Type != typ {
			return apperr.Validationf("a %s review cannot be left by this reviewer", req.Type)
		}
		if f.ReviewBy(req.ReviewerID) != nil {
			return ErrReviewExists
		}

		created = &ledger.Review{
			ID:             idgen.WithPrefix("rev_"),
			TransactionID:  tx.ID,
			ReviewerID:     req.ReviewerID,
			ReviewedUserID: reviewed,
			Type:           typ,
			Rating:         req.Rating,
			Comment:        validation.SanitizeString(req.Comment, validation.MaxStringLength),
			Visible:        true,
			CreatedAt:      s.now(),
		}
		f.Reviews = append(f.Reviews, created)
		f.Record(audit.NewEntry(ctx, "review.create", "review", created.ID, nil, created))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("review recorded",
		"reviewId", created.ID, "transactionId", req.TransactionID, "reviewed", created.ReviewedUserID, "rating", created.Rating)
	s.afterReview(ctx, created.ReviewedUserID)
	return created, nil
}

// SetVisibility hides or shows a review and recomputes the affected rating.
func (s *Service) SetVisibility(ctx context.Context, txID, reviewID string, visible bool) (*ledger.Review, error) {
	var updated *ledger.Review
	_, err := s.ledger.Apply(ctx, txID, func(f *ledger.Family) error {
		for _, r := range f.Reviews {
			if r.ID != reviewID {
				continue
			}
			if r.Visible == visible {
				updated = r
				return nil
			}
			before := *r
			r.Visible = visible
			f.Record(audit.NewEntry(ctx, "review.visibility", "review", r.ID, &before, r))
			updated = r
			return nil
		}
		return fmt.Errorf("review %s: %w", reviewID, apperr.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	s.afterReview(ctx, updated.ReviewedUserID)
	return updated, nil
}

// afterReview is the post-commit hook of every review change.
func (s *Service) afterReview(ctx context.Context, userID string) {
	if _, err := s.Recompute(ctx, userID); err != nil {
		metrics.RatingRecomputeErrors.Inc()
		s.markStale(userID)
		s.log(ctx).Error("rating recompute failed", "userId", userID, "error", err)
	}
}

// Recompute rebuilds the rating of userID from its visible reviews.
func (s *Service) Recompute(ctx context.Context, userID string) (*UserRating, error) {
	asSeller, err := s.ledger.ListReviews(ctx, userID, ledger.ReviewOfSeller)
	if err != nil {
		return nil, err
	}
	asBuyer, err := s.ledger.ListReviews(ctx, userID, ledger.ReviewOfBuyer)
	if err != nil {
		return nil, err
	}
	r := &UserRating{
		UserID:        userID,
		SellerRating:  Mean(asSeller),
		SellerReviews: len(asSeller),
		BuyerRating:   Mean(asBuyer),
		BuyerReviews:  len(asBuyer),
		UpdatedAt:     s.now(),
	}
	if err := s.store.Save(ctx, r); err != nil {
		return nil, err
	}
	s.clearStale(userID)
	return r, nil
}

// Get returns the rating of userID. Users without reviews get a zero rating.
func (s *Service) Get(ctx context.Context, userID string) (*UserRating, error) {
	r, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrRatingNotFound) {
		return &UserRating{UserID: userID}, nil
	}
	return r, err
}

// RetryStale recomputes every rating whose last recompute failed and
// returns how many are still stale.
func (s *Service) RetryStale(ctx context.Context) int {
	for _, userID := range s.staleUsers() {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Recompute(ctx, userID); err != nil {
			s.log(ctx).Warn("rating retry failed", "userId", userID, "error", err)
		}
	}
	return len(s.staleUsers())
}

func (s *Service) markStale(userID string) {
	s.mu.Lock()
	s.stale[userID] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) clearStale(userID string) {
	s.mu.Lock()
	delete(s.stale, userID)
	s.mu.Unlock()
}

func (s *Service) staleUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stale))
	for id := range s.stale {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, s.logger)
}
