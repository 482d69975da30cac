package rating

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

// flakyStore fails Save while failing is set.
type flakyStore struct {
	*MemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) Save(ctx context.Context, r *UserRating) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return apperr.Storage("save rating", errors.New("connection reset"))
	}
	return f.MemoryStore.Save(ctx, r)
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func seedTx(t *testing.T, store ledger.Store, txID string, status ledger.TransactionStatus) {
	t.Helper()
	err := store.Create(context.Background(), &ledger.Family{Transaction: &ledger.Transaction{
		ID: txID, Type: ledger.TypeSale, OfferID: "ofr_" + txID, BuyerID: "buyer_" + txID, SellerID: "seller",
		Amount: decimal.NewFromInt(10), Status: status, CreatedAt: testNow, UpdatedAt: testNow,
	}})
	if err != nil {
		t.Fatalf("seed %s: %v", txID, err)
	}
}

func newTestService() (*Service, *ledger.MemoryStore, *flakyStore) {
	ls := ledger.NewMemoryStore()
	rs := &flakyStore{MemoryStore: NewMemoryStore()}
	return NewService(ls, rs).WithClock(func() time.Time { return testNow }), ls, rs
}

func TestSubmitReview_RecomputesMean(t *testing.T) {
	svc, ls, _ := newTestService()
	ctx := context.Background()
	for _, id := range []string{"txn_1", "txn_2", "txn_3"} {
		seedTx(t, ls, id, ledger.TxCompleted)
	}

	for id, stars := range map[string]int{"txn_1": 5, "txn_2": 4, "txn_3": 4} {
		r, err := svc.SubmitReview(ctx, ReviewSubmitted{TransactionID: id, ReviewerID: "buyer_" + id, Rating: stars})
		if err != nil {
			t.Fatalf("review on %s: %v", id, err)
		}
		if r.Type != ledger.ReviewOfSeller || r.ReviewedUserID != "seller" || !r.Visible {
			t.Errorf("review = %+v", r)
		}
	}
	if _, err := svc.SubmitReview(ctx, ReviewSubmitted{TransactionID: "txn_1", ReviewerID: "seller", Rating: 2}); err != nil {
		t.Fatalf("seller review: %v", err)
	}

	seller, _ := svc.Get(ctx, "seller")
	if seller.SellerReviews != 3 || !seller.SellerRating.Equal(decimal.RequireFromString("4.33")) {
		t.Errorf("seller rating = %s over %d", seller.SellerRating, seller.SellerReviews)
	}
	buyer, _ := svc.Get(ctx, "buyer_txn_1")
	if buyer.BuyerReviews != 1 || !buyer.BuyerRating.Equal(decimal.NewFromInt(2)) {
		t.Errorf("buyer rating = %s over %d", buyer.BuyerRating, buyer.BuyerReviews)
	}
}

func TestSubmitReview_Rules(t *testing.T) {
	svc, ls, _ := newTestService()
	ctx := context.Background()
	seedTx(t, ls, "txn_done", ledger.TxCompleted)
	seedTx(t, ls, "txn_open", ledger.TxEscrowed)

	tests := []struct {
		name string
		req  ReviewSubmitted
		want error
	}{
		{"not completed", ReviewSubmitted{TransactionID: "txn_open", ReviewerID: "buyer_txn_open", Rating: 5}, apperr.ErrInvalidState},
		{"stranger", ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "someone", Rating: 5}, apperr.ErrForbidden},
		{"rating too high", ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "buyer_txn_done", Rating: 6}, apperr.ErrValidation},
		{"rating zero", ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "buyer_txn_done", Rating: 0}, apperr.ErrValidation},
		{"wrong reviewed user", ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "buyer_txn_done", ReviewedUserID: "buyer_txn_done", Rating: 3}, apperr.ErrValidation},
		{"wrong type", ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "buyer_txn_done", Type: ledger.ReviewOfBuyer, Rating: 3}, apperr.ErrValidation},
		{"unknown transaction", ReviewSubmitted{TransactionID: "txn_nope", ReviewerID: "x", Rating: 3}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SubmitReview(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	req := ReviewSubmitted{TransactionID: "txn_done", ReviewerID: "buyer_txn_done", Rating: 4}
	if _, err := svc.SubmitReview(ctx, req); err != nil {
		t.Fatalf("first review: %v", err)
	}
	if _, err := svc.SubmitReview(ctx, req); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("second review: got %v, want duplicate", err)
	}
}

func TestSubmitReview_RecomputeFailureKeepsReview(t *testing.T) {
	svc, ls, rs := newTestService()
	ctx := context.Background()
	seedTx(t, ls, "txn_1", ledger.TxCompleted)

	rs.setFailing(true)
	review, err := svc.SubmitReview(ctx, ReviewSubmitted{TransactionID: "txn_1", ReviewerID: "buyer_txn_1", Rating: 5})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	f, _ := ls.Get(ctx, "txn_1")
	if f.ReviewBy("buyer_txn_1") == nil {
		t.Fatal("review rolled back by a failed recompute")
	}
	if got, _ := svc.Get(ctx, "seller"); got.SellerReviews != 0 {
		t.Errorf("rating stored despite failure: %+v", got)
	}
	if left := svc.RetryStale(ctx); left != 1 {
		t.Errorf("stale after failing retry = %d, want 1", left)
	}

	rs.setFailing(false)
	if left := svc.RetryStale(ctx); left != 0 {
		t.Errorf("stale after retry = %d, want 0", left)
	}
	got, _ := svc.Get(ctx, review.ReviewedUserID)
	if got.SellerReviews != 1 || !got.SellerRating.Equal(decimal.NewFromInt(5)) {
		t.Errorf("rating after retry = %+v", got)
	}
}

func TestSetVisibility(t *testing.T) {
	svc, ls, _ := newTestService()
	ctx := context.Background()
	seedTx(t, ls, "txn_1", ledger.TxCompleted)
	seedTx(t, ls, "txn_2", ledger.TxCompleted)

	hidden, _ := svc.SubmitReview(ctx, ReviewSubmitted{TransactionID: "txn_1", ReviewerID: "buyer_txn_1", Rating: 1})
	if _, err := svc.SubmitReview(ctx, ReviewSubmitted{TransactionID: "txn_2", ReviewerID: "buyer_txn_2", Rating: 5}); err != nil {
		t.Fatal(err)
	}

	r, err := svc.SetVisibility(ctx, "txn_1", hidden.ID, false)
	if err != nil || r.Visible {
		t.Fatalf("SetVisibility: %+v %v", r, err)
	}
	got, _ := svc.Get(ctx, "seller")
	if got.SellerReviews != 1 || !got.SellerRating.Equal(decimal.NewFromInt(5)) {
		t.Errorf("rating with hidden review = %s over %d", got.SellerRating, got.SellerReviews)
	}

	if _, err := svc.SetVisibility(ctx, "txn_1", "rev_missing", false); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing review: got %v", err)
	}
}

func TestMean(t *testing.T) {
	if !Mean(nil).IsZero() {
		t.Error("mean of nothing should be zero")
	}
	reviews := []*ledger.Review{{Rating: 5}, {Rating: 4}, {Rating: 4}}
	if got := Mean(reviews); got.String() != "4.33" {
		t.Errorf("Mean = %s, want 4.33", got)
	}
}
