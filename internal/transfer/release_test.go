package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/escrow"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/offers"
	"github.com/mbd888/chanescrow/internal/payments"
)

// Both parties approve first; the last verified step releases the escrow.
func TestCompletionReleasesApprovedEscrow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	feed := payments.NewMemoryFeed()
	clock := func() time.Time { return testNow }
	escrowSvc := escrow.NewService(store, feed, escrow.Config{ConfirmationTimeout: time.Second}).WithClock(clock)
	svc := NewService(store, escrowSvc).WithClock(clock)

	tx, err := escrowSvc.Open(ctx, &offers.Offer{
		ID: "ofr_1", ListingID: "lst_1", ChannelID: "chan_1", BuyerID: "buyer", SellerID: "seller",
		AgreedAmount: decimal.NewFromInt(250), Status: offers.StatusAccepted,
	}, escrow.OpenRequest{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := feed.Publish(ctx, &payments.Confirmation{TransactionID: tx.ID, Amount: tx.Amount, BlockRef: "blk_1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	acct, err := escrowSvc.Lock(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	for _, p := range []escrow.Party{escrow.PartyBuyer, escrow.PartySeller} {
		res, err := escrowSvc.Approve(ctx, acct.ID, p, string(p))
		if err != nil {
			t.Fatalf("Approve %s: %v", p, err)
		}
		if res.Released {
			t.Fatalf("released before the transfer completed")
		}
	}

	for _, step := range ledger.Steps {
		if _, err := svc.HandleVerification(ctx, VerificationResult{ChannelID: "chan_1", Step: step, Success: true}); err != nil {
			t.Fatalf("step %s: %v", step, err)
		}
	}

	f, err := escrowSvc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.Escrow.Status != ledger.EscrowReleased || f.Escrow.ReleaseMode != ledger.ReleaseQuorum {
		t.Errorf("escrow = %s/%s, want released/quorum", f.Escrow.Status, f.Escrow.ReleaseMode)
	}
	if f.Transaction.Status != ledger.TxCompleted {
		t.Errorf("transaction = %s", f.Transaction.Status)
	}
}
