package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/offers"
	"github.com/mbd888/chanescrow/internal/payments"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeEscalator suspends the escrow and files a dispute the way the dispute
// service does, without its bookkeeping.
type fakeEscalator struct{ calls int }

func (e *fakeEscalator) EscalateNonDelivery(f *ledger.Family, now time.Time) (*ledger.Dispute, error) {
	e.calls++
	if err := Suspend(f, now); err != nil {
		return nil, err
	}
	d := &ledger.Dispute{
		ID:            "dsp_auto",
		TransactionID: f.Transaction.ID,
		Type:          ledger.DisputeNonDelivery,
		Status:        ledger.DisputeOpen,
		CreatedAt:     now,
	}
	f.Disputes = append(f.Disputes, d)
	return d, nil
}

type harness struct {
	svc   *Service
	store *ledger.MemoryStore
	feed  *payments.MemoryFeed
	clock *fakeClock
	sink  *notify.MemorySink
	esc   *fakeEscalator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: ledger.NewMemoryStore(),
		feed:  payments.NewMemoryFeed(),
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		sink:  &notify.MemorySink{},
		esc:   &fakeEscalator{},
	}
	h.svc = NewService(h.store, h.feed, Config{
		AutoReleaseWindow:   7 * 24 * time.Hour,
		ConfirmationTimeout: time.Second,
		FeeBPS:              500,
	}).
		WithClock(h.clock.now).
		WithLogger(logging.Discard()).
		WithEmitter(notify.NewEmitter(nil, h.sink)).
		WithEscalator(h.esc)
	return h
}

func acceptedOffer(id string, typ ledger.TransactionType, amount int64) *offers.Offer {
	return &offers.Offer{
		ID:           id,
		ListingID:    "lst_" + id,
		ChannelID:    "chan_" + id,
		Type:         typ,
		BuyerID:      "buyer",
		SellerID:     "seller",
		Amount:       decimal.NewFromInt(amount),
		AgreedAmount: decimal.NewFromInt(amount),
		Status:       offers.StatusAccepted,
	}
}

// locked opens and funds a transaction, returning its id and escrow.
func (h *harness) locked(t *testing.T, offerID string, typ ledger.TransactionType) (string, *ledger.EscrowAccount) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.svc.Open(ctx, acceptedOffer(offerID, typ, 100), OpenRequest{FromAddress: "EQbuyer"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.feed.Publish(ctx, &payments.Confirmation{
		TransactionID: tx.ID, FromAddr: "EQbuyer", ToAddr: tx.ToAddress,
		Amount: tx.Amount, BlockRef: "blk_" + tx.ID,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	account, err := h.svc.Lock(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	return tx.ID, account
}

func (h *harness) completeTransfer(t *testing.T, txID string) {
	t.Helper()
	_, err := h.store.Apply(context.Background(), txID, func(f *ledger.Family) error {
		for _, s := range ledger.Steps {
			f.Transfer.MarkDone(s)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("complete transfer: %v", err)
	}
}

func (h *harness) actions(t *testing.T, txID string) []string {
	t.Helper()
	entries, err := h.store.AuditLog().Query(context.Background(), audit.Filter{TransactionID: txID})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e.Action
	}
	return out
}

func countAction(actions []string, action string) int {
	n := 0
	for _, a := range actions {
		if a == action {
			n++
		}
	}
	return n
}

func TestOpen_ComputesFeeAndAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, err := h.svc.Open(ctx, acceptedOffer("ofr_a", ledger.TypeService, 100), OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if tx.Status != ledger.TxPending {
		t.Errorf("status = %s, want pending", tx.Status)
	}
	if !tx.FeeAmount.Equal(decimal.NewFromInt(5)) || !tx.FinalAmount.Equal(decimal.NewFromInt(95)) {
		t.Errorf("fee=%s final=%s, want 5 and 95", tx.FeeAmount, tx.FinalAmount)
	}
	if len(tx.ToAddress) == 0 || tx.ToAddress[:7] != "ESCROW_" {
		t.Errorf("deposit address = %q", tx.ToAddress)
	}

	if _, err := h.svc.Open(ctx, acceptedOffer("ofr_a", ledger.TypeService, 100), OpenRequest{}); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("second open of the same offer: got %v, want duplicate", err)
	}

	pending := acceptedOffer("ofr_b", ledger.TypeService, 100)
	pending.Status = offers.StatusCountered
	if _, err := h.svc.Open(ctx, pending, OpenRequest{}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("open from countered offer: got %v, want InvalidState", err)
	}
}

func TestLock_CreatesEscrowAndTransfer(t *testing.T) {
	h := newHarness(t)
	txID, account := h.locked(t, "ofr_lock", ledger.TypeSale)

	if account.Status != ledger.EscrowActive || !account.AmountLocked.Equal(decimal.NewFromInt(100)) {
		t.Errorf("escrow = %+v", account)
	}
	want := h.clock.now().Add(7 * 24 * time.Hour)
	if account.AutoReleaseAt == nil || !account.AutoReleaseAt.Equal(want) {
		t.Errorf("autoReleaseAt = %v, want %v", account.AutoReleaseAt, want)
	}

	f, _ := h.svc.Get(context.Background(), txID)
	if f.Transaction.Status != ledger.TxEscrowed {
		t.Errorf("transaction status = %s", f.Transaction.Status)
	}
	if f.Transfer == nil || f.Transfer.Status() != ledger.TransferPending {
		t.Errorf("transfer = %+v", f.Transfer)
	}
	if n := len(h.sink.OfType(notify.EscrowLocked)); n != 2 {
		t.Errorf("escrow_locked notifications = %d, want 2", n)
	}
	if got := h.actions(t, txID); len(got) != 2 || got[1] != "escrow.lock" {
		t.Errorf("audit = %v", got)
	}

	if _, err := h.svc.Lock(context.Background(), txID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second lock: got %v, want InvalidState", err)
	}
}

func TestLock_AmountMismatchLeavesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := h.svc.Open(ctx, acceptedOffer("ofr_mm", ledger.TypeService, 100), OpenRequest{})
	_ = h.feed.Publish(ctx, &payments.Confirmation{
		TransactionID: tx.ID, Amount: decimal.NewFromInt(99), BlockRef: "blk_1",
	})

	if _, err := h.svc.Lock(ctx, tx.ID); !errors.Is(err, apperr.ErrAmountMismatch) {
		t.Fatalf("got %v, want AmountMismatch", err)
	}
	f, _ := h.svc.Get(ctx, tx.ID)
	if f.Transaction.Status != ledger.TxPending || f.Escrow != nil {
		t.Errorf("transaction changed: status=%s escrow=%v", f.Transaction.Status, f.Escrow)
	}
}

func TestLock_CorrectedConfirmationUnblocksLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := h.svc.Open(ctx, acceptedOffer("ofr_fix", ledger.TypeService, 100), OpenRequest{})

	if err := h.feed.Publish(ctx, &payments.Confirmation{
		TransactionID: tx.ID, Amount: decimal.NewFromInt(90), BlockRef: "blk_short",
	}); err != nil {
		t.Fatalf("publish short: %v", err)
	}
	if _, err := h.svc.Lock(ctx, tx.ID); !errors.Is(err, apperr.ErrAmountMismatch) {
		t.Fatalf("first lock: got %v, want AmountMismatch", err)
	}

	if err := h.feed.Publish(ctx, &payments.Confirmation{
		TransactionID: tx.ID, Amount: decimal.NewFromInt(100), BlockRef: "blk_fixed",
	}); err != nil {
		t.Fatalf("publish corrected: %v", err)
	}
	account, err := h.svc.Lock(ctx, tx.ID)
	if err != nil {
		t.Fatalf("lock after correction: %v", err)
	}
	if account.Status != ledger.EscrowActive || !account.AmountLocked.Equal(decimal.NewFromInt(100)) {
		t.Errorf("account = %+v", account)
	}

	// The locked confirmation is pinned now.
	err = h.feed.Publish(ctx, &payments.Confirmation{
		TransactionID: tx.ID, Amount: decimal.NewFromInt(100), BlockRef: "blk_other",
	})
	if !errors.Is(err, payments.ErrAlreadyConfirmed) {
		t.Errorf("publish after lock: got %v, want ErrAlreadyConfirmed", err)
	}
}

func TestLock_ConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.ConfirmationTimeout = 20 * time.Millisecond
	ctx := context.Background()
	tx, _ := h.svc.Open(ctx, acceptedOffer("ofr_to", ledger.TypeService, 100), OpenRequest{})

	if _, err := h.svc.Lock(ctx, tx.ID); !errors.Is(err, apperr.ErrConfirmationTimeout) {
		t.Fatalf("got %v, want ConfirmationTimeout", err)
	}
}

// A plain service has no transfer: both approvals release it.
func TestApprove_QuorumReleasesService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID, account := h.locked(t, "ofr_q", ledger.TypeService)

	res, err := h.svc.Approve(ctx, account.ID, PartyBuyer, "buyer")
	if err != nil {
		t.Fatalf("buyer approve: %v", err)
	}
	if res.Released || res.Deferred != DeferNoQuorum {
		t.Errorf("after buyer approval: %+v", res)
	}

	// Repeat approval is a no-op.
	if _, err := h.svc.Approve(ctx, account.ID, PartyBuyer, "buyer"); err != nil {
		t.Fatalf("repeat approve: %v", err)
	}
	if n := countAction(h.actions(t, txID), "escrow.approve"); n != 1 {
		t.Errorf("escrow.approve entries = %d, want 1", n)
	}

	if _, err := h.svc.Approve(ctx, account.ID, PartySeller, "buyer"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("buyer approving as seller: got %v", err)
	}

	res, err = h.svc.Approve(ctx, account.ID, PartySeller, "seller")
	if err != nil {
		t.Fatalf("seller approve: %v", err)
	}
	if !res.Released || res.Escrow.ReleaseMode != ledger.ReleaseQuorum {
		t.Fatalf("expected quorum release, got %+v", res)
	}

	f, _ := h.svc.Get(ctx, txID)
	if f.Transaction.Status != ledger.TxCompleted || f.Transaction.CompletedAt == nil {
		t.Errorf("transaction status = %s", f.Transaction.Status)
	}
	if !f.Transaction.FinalAmount.Equal(decimal.NewFromInt(95)) {
		t.Errorf("final amount = %s", f.Transaction.FinalAmount)
	}
	if n := len(h.sink.OfType(notify.EscrowReleased)); n != 2 {
		t.Errorf("escrow_released notifications = %d", n)
	}
}

func TestTryRelease_WaitsForTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID, account := h.locked(t, "ofr_t", ledger.TypeSale)

	_, _ = h.svc.Approve(ctx, account.ID, PartyBuyer, "buyer")
	res, err := h.svc.Approve(ctx, account.ID, PartySeller, "seller")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Released || res.Deferred != DeferTransfer {
		t.Fatalf("expected transfer deferral, got %+v", res)
	}

	h.completeTransfer(t, txID)
	res, err = h.svc.TryRelease(ctx, txID)
	if err != nil || !res.Released {
		t.Fatalf("TryRelease after transfer: %+v, %v", res, err)
	}

	if _, err := h.svc.TryRelease(ctx, txID); !errors.Is(err, apperr.ErrStateConflict) {
		t.Errorf("release of released escrow: got %v, want StateConflict", err)
	}
}

func TestAdminApprovalIsQuorum(t *testing.T) {
	h := newHarness(t)
	ctx := audit.WithActor(context.Background(), audit.ActorAdmin, "ops")
	_, account := h.locked(t, "ofr_adm", ledger.TypeService)

	if _, err := h.svc.Approve(ctx, account.ID, PartyAdmin, ""); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("anonymous admin approval: got %v", err)
	}
	res, err := h.svc.Approve(ctx, account.ID, PartyAdmin, "ops")
	if err != nil || !res.Released {
		t.Fatalf("admin approve: %+v, %v", res, err)
	}
	if res.Escrow.ApprovedBy != "ops" {
		t.Errorf("approvedBy = %q", res.Escrow.ApprovedBy)
	}
}

func TestRefundRacesRelease(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		ctx := context.Background()
		txID, account := h.locked(t, "ofr_race", ledger.TypeService)
		_, _ = h.svc.Approve(ctx, account.ID, PartyBuyer, "buyer")
		// Seller approval would release on the spot; set the flag directly.
		_, _ = h.store.Apply(ctx, txID, func(f *ledger.Family) error {
			f.Escrow.SellerApproved = true
			return nil
		})

		var (
			wg                    sync.WaitGroup
			releaseErr, refundErr error
			released              bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := h.svc.TryRelease(ctx, txID)
			releaseErr = err
			released = err == nil && res.Released
		}()
		go func() {
			defer wg.Done()
			_, refundErr = h.svc.Refund(ctx, txID, "buyer changed mind")
		}()
		wg.Wait()

		if (releaseErr == nil) == (refundErr == nil) {
			t.Fatalf("run %d: want exactly one winner, release=%v refund=%v", i, releaseErr, refundErr)
		}
		if releaseErr == nil && !released {
			t.Fatalf("run %d: release was deferred", i)
		}
		loser := releaseErr
		if loser == nil {
			loser = refundErr
		}
		if !errors.Is(loser, apperr.ErrStateConflict) {
			t.Fatalf("run %d: loser error = %v, want StateConflict", i, loser)
		}
		if _, ok := apperr.CurrentState(loser); !ok {
			t.Errorf("run %d: loser error carries no current state", i)
		}
	}
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID, _ := h.locked(t, "ofr_rf", ledger.TypeSale)

	if _, err := h.svc.Refund(ctx, txID, " "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("refund without reason: got %v", err)
	}

	account, err := h.svc.Refund(ctx, txID, "seller unresponsive")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if account.Status != ledger.EscrowRefunded || !account.RefundAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("escrow = %+v", account)
	}
	if account.AutoReleaseAt != nil {
		t.Error("refunded escrow keeps an auto-release deadline")
	}
	f, _ := h.svc.Get(ctx, txID)
	if f.Transaction.Status != ledger.TxRefunded {
		t.Errorf("transaction status = %s", f.Transaction.Status)
	}
}

func TestAutoRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID, _ := h.locked(t, "ofr_auto", ledger.TypeService)

	// Not due yet: nothing happens.
	if err := h.svc.AutoRelease(ctx, txID); err != nil {
		t.Fatalf("early AutoRelease: %v", err)
	}
	f, _ := h.svc.Get(ctx, txID)
	if f.Escrow.Status != ledger.EscrowActive {
		t.Fatalf("released before the window elapsed")
	}

	h.clock.advance(7*24*time.Hour + time.Second)
	if err := h.svc.AutoRelease(ctx, txID); err != nil {
		t.Fatalf("AutoRelease: %v", err)
	}
	f, _ = h.svc.Get(ctx, txID)
	if f.Escrow.Status != ledger.EscrowReleased || f.Escrow.ReleaseMode != ledger.ReleaseAuto {
		t.Errorf("escrow = %s/%s, want released/auto", f.Escrow.Status, f.Escrow.ReleaseMode)
	}

	// A late duplicate delivery is harmless.
	if err := h.svc.AutoRelease(ctx, txID); err != nil {
		t.Errorf("duplicate AutoRelease: %v", err)
	}
	if n := countAction(h.actions(t, txID), "escrow.auto_release"); n != 1 {
		t.Errorf("auto_release entries = %d, want 1", n)
	}
}

func TestAutoRelease_IncompleteTransferEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txID, _ := h.locked(t, "ofr_nd", ledger.TypeSale)

	h.clock.advance(8 * 24 * time.Hour)
	if err := h.svc.AutoRelease(ctx, txID); err != nil {
		t.Fatalf("AutoRelease: %v", err)
	}
	if h.esc.calls != 1 {
		t.Fatalf("escalator calls = %d", h.esc.calls)
	}

	f, _ := h.svc.Get(ctx, txID)
	if f.Escrow.Status != ledger.EscrowDisputed || f.Escrow.AutoReleaseAt != nil {
		t.Errorf("escrow = %s autoReleaseAt=%v", f.Escrow.Status, f.Escrow.AutoReleaseAt)
	}
	entries, _ := h.store.AuditLog().Query(ctx, audit.Filter{TransactionID: txID, Severity: audit.SeverityWarning})
	if len(entries) != 1 || entries[0].Action != "escrow.auto_release_escalated" {
		t.Errorf("warning entries = %v", entries)
	}
}

func TestCancelAndRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tx, _ := h.svc.Open(ctx, acceptedOffer("ofr_c", ledger.TypeService, 100), OpenRequest{})
	if _, err := h.svc.Cancel(ctx, tx.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, tx.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("second cancel: got %v", err)
	}
	if err := h.svc.Remove(ctx, tx.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.svc.Get(ctx, tx.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("removed transaction still visible: %v", err)
	}

	txID, _ := h.locked(t, "ofr_held", ledger.TypeService)
	if err := h.svc.Remove(ctx, txID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("remove with funds held: got %v", err)
	}
}

func TestTimer_SyncAndSweep(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, h.store, time.Minute, logging.Discard())
	h.svc.WithTimer(timer)
	defer timer.cancelAll()
	ctx := context.Background()

	txID, _ := h.locked(t, "ofr_timer", ledger.TypeService)
	if !timer.Armed(txID) {
		t.Fatal("lock did not arm the timer")
	}

	if n := timer.Sweep(ctx); n != 0 {
		t.Errorf("sweep before due processed %d", n)
	}

	h.clock.advance(7*24*time.Hour + time.Minute)
	if n := timer.Sweep(ctx); n != 1 {
		t.Fatalf("sweep after due processed %d, want 1", n)
	}
	f, _ := h.svc.Get(ctx, txID)
	if f.Escrow.Status != ledger.EscrowReleased {
		t.Errorf("escrow = %s, want released", f.Escrow.Status)
	}
	if timer.Armed(txID) {
		t.Error("released escrow is still armed")
	}
}

func TestTimer_FiresAtDeadline(t *testing.T) {
	h := newHarness(t)
	h.svc.WithClock(func() time.Time { return time.Now().UTC() })
	h.svc.cfg.AutoReleaseWindow = 30 * time.Millisecond
	timer := NewTimer(h.svc, h.store, time.Minute, logging.Discard())
	h.svc.WithTimer(timer)
	defer timer.cancelAll()

	txID, _ := h.locked(t, "ofr_fire", ledger.TypeService)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, _ := h.svc.Get(context.Background(), txID)
		if f.Escrow.Status == ledger.EscrowReleased {
			if timer.Len() != 0 {
				t.Errorf("armed timers = %d after firing", timer.Len())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timer did not auto-release the escrow")
}
