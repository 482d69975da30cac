//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/testutil"
	"github.com/shopspring/decimal"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_RoundTripFamily(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_1")

	now := time.Now().UTC().Truncate(time.Microsecond)
	refund := decimal.NewFromInt(40)
	_, err := s.Apply(ctx, "txn_1", func(f *Family) error {
		lockEscrow(f, now)
		f.Escrow.BuyerApproved = true
		f.Escrow.SuspendedRemaining = 90 * time.Minute
		f.Transfer.MarkDone(StepOwnership)
		f.Disputes = append(f.Disputes, &Dispute{
			ID: "dsp_1", TransactionID: "txn_1", InitiatorID: "u_buyer", Type: DisputeNonDelivery,
			Reason: "no admin", Status: DisputeResolved, Priority: PriorityNormal,
			Resolution: ResolutionRefundPartial, RefundAmount: &refund, CreatedAt: now, UpdatedAt: now,
		})
		f.Record(audit.NewEntry(ctx, "escrow.lock", "escrow", f.Escrow.ID, nil, f.Escrow))
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := s.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Transaction.Status != TxEscrowed || !got.Transaction.Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("transaction = %+v", got.Transaction)
	}
	if got.Escrow == nil || !got.Escrow.BuyerApproved || got.Escrow.SuspendedRemaining != 90*time.Minute {
		t.Errorf("escrow = %+v", got.Escrow)
	}
	if got.Escrow.AutoReleaseAt == nil || !got.Escrow.AutoReleaseAt.Equal(now.Add(7*24*time.Hour)) {
		t.Errorf("auto release = %v", got.Escrow.AutoReleaseAt)
	}
	if got.Transfer == nil || !got.Transfer.OwnershipTransferred || got.Transfer.AdminRightsTransferred {
		t.Errorf("transfer = %+v", got.Transfer)
	}
	if len(got.Disputes) != 1 || got.Disputes[0].RefundAmount == nil || !got.Disputes[0].RefundAmount.Equal(refund) {
		t.Errorf("disputes = %+v", got.Disputes)
	}

	for lookup, want := range map[string]func() (string, error){
		"escrow":  func() (string, error) { return s.TransactionIDByEscrow(ctx, "esc_txn_1") },
		"dispute": func() (string, error) { return s.TransactionIDByDispute(ctx, "dsp_1") },
		"offer":   func() (string, error) { return s.TransactionIDByOffer(ctx, "ofr_txn_1") },
	} {
		if id, err := want(); err != nil || id != "txn_1" {
			t.Errorf("%s lookup = %q, %v", lookup, id, err)
		}
	}
}

func TestPostgresStore_ApplyErrorRollsBack(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_1")

	boom := errors.New("illegal transition")
	_, err := s.Apply(ctx, "txn_1", func(f *Family) error {
		f.Transaction.Status = TxCompleted
		f.Record(audit.NewEntry(ctx, "escrow.release", "escrow", "esc", nil, nil))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	snap, _ := s.Get(ctx, "txn_1")
	if snap.Transaction.Status != TxPending {
		t.Errorf("partial state leaked: %s", snap.Transaction.Status)
	}
	entries, _ := s.AuditLog().Query(ctx, audit.Filter{TransactionID: "txn_1"})
	if len(entries) != 1 {
		t.Errorf("audit entry of failed apply leaked: %d entries", len(entries))
	}
}

func TestPostgresStore_ApplySerializesWriters(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_1")
	if _, err := s.Apply(ctx, "txn_1", func(f *Family) error {
		lockEscrow(f, time.Now())
		return nil
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	var wg sync.WaitGroup
	const writers = 10
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, "txn_1", func(f *Family) error {
				f.Escrow.AmountLocked = f.Escrow.AmountLocked.Add(decimal.NewFromInt(1))
				return nil
			})
			if err != nil {
				t.Errorf("Apply: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := s.Get(ctx, "txn_1")
	if want := decimal.NewFromInt(100 + writers); !snap.Escrow.AmountLocked.Equal(want) {
		t.Errorf("lost update: got %s, want %s", snap.Escrow.AmountLocked, want)
	}
}

func TestPostgresStore_CreateRejectsReusedOffer(t *testing.T) {
	s := setupPostgres(t)
	f := seedFamily(t, s, "txn_1")

	dup := *f.Transaction
	dup.ID = "txn_2"
	err := s.Create(context.Background(), &Family{Transaction: &dup})
	if !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestPostgresStore_ListDueAutoRelease(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"txn_a", "txn_b", "txn_c"} {
		seedFamily(t, s, id)
		at := base.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := s.Apply(ctx, id, func(f *Family) error {
			lockEscrow(f, at)
			return nil
		}); err != nil {
			t.Fatalf("lock %s: %v", id, err)
		}
	}
	_, _ = s.Apply(ctx, "txn_c", func(f *Family) error {
		f.Escrow.Status = EscrowDisputed
		f.Escrow.AutoReleaseAt = nil
		return nil
	})

	due, err := s.ListDueAutoRelease(ctx, base.Add(8*24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDueAutoRelease: %v", err)
	}
	if len(due) != 2 || due[0].TransactionID != "txn_a" || due[1].TransactionID != "txn_b" {
		t.Fatalf("unexpected due set: %+v", due)
	}
}

func TestPostgresStore_OpenTransferByChannel(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_1")
	_, _ = s.Apply(ctx, "txn_1", func(f *Family) error {
		lockEscrow(f, time.Now())
		return nil
	})

	if id, err := s.OpenTransferByChannel(ctx, "chan_txn_1"); err != nil || id != "txn_1" {
		t.Fatalf("lookup = %q, %v", id, err)
	}

	_, _ = s.Apply(ctx, "txn_1", func(f *Family) error {
		for _, step := range Steps {
			f.Transfer.MarkDone(step)
		}
		return nil
	})
	if _, err := s.OpenTransferByChannel(ctx, "chan_txn_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("completed transfer should no longer match, got %v", err)
	}
}

func TestPostgresStore_ReviewsAndListing(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_1")
	seedFamily(t, s, "txn_2")
	_, err := s.Apply(ctx, "txn_1", func(f *Family) error {
		f.Reviews = append(f.Reviews,
			&Review{ID: "rev_1", TransactionID: "txn_1", ReviewerID: "u_buyer", ReviewedUserID: "u_seller", Type: ReviewOfSeller, Rating: 5, Visible: true},
			&Review{ID: "rev_2", TransactionID: "txn_1", ReviewerID: "u_x", ReviewedUserID: "u_seller", Type: ReviewOfSeller, Rating: 1, Visible: false},
		)
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := s.ListReviews(ctx, "u_seller", ReviewOfSeller)
	if len(got) != 1 || got[0].ID != "rev_1" {
		t.Errorf("expected only the visible review, got %+v", got)
	}

	txs, err := s.ListTransactions(ctx, ListFilter{UserID: "u_buyer", Limit: 10})
	if err != nil || len(txs) != 2 {
		t.Errorf("ListTransactions = %d, %v", len(txs), err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPostgresStore_GetReadsOneSnapshot(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	seedFamily(t, s, "txn_snap")
	if _, err := s.Apply(ctx, "txn_snap", func(f *Family) error {
		lockEscrow(f, time.Now().UTC())
		return nil
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Wait()
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := s.Apply(ctx, "txn_snap", func(f *Family) error {
				f.Transaction.IsDisputed = !f.Transaction.IsDisputed
				if f.Transaction.IsDisputed {
					f.Escrow.Status = EscrowDisputed
				} else {
					f.Escrow.Status = EscrowActive
				}
				return nil
			})
			if err != nil {
				t.Errorf("toggle %d: %v", i, err)
				return
			}
		}
	}()

	for {
		f, err := s.Get(ctx, "txn_snap")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if f.Transaction.IsDisputed != (f.Escrow.Status == EscrowDisputed) {
			t.Fatalf("torn read: disputed=%v escrow=%s", f.Transaction.IsDisputed, f.Escrow.Status)
		}
		select {
		case <-done:
			return
		default:
		}
	}
}
