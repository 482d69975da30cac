package offers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/notify"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	svc   *Service
	store *MemoryStore
	log   *audit.MemoryLog
	sink  *notify.MemorySink
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		log:   audit.NewMemoryLog(),
		sink:  &notify.MemorySink{},
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.store, audit.NewRecorder(f.log, nil), Config{MaxCounters: 3, TTL: time.Hour}).
		WithClock(f.clock.now).
		WithEmitter(notify.NewEmitter(nil, f.sink))
	return f
}

func (f *fixture) submit(t *testing.T) *Offer {
	t.Helper()
	o, err := f.svc.Submit(context.Background(), SubmitRequest{
		ListingID:   "lst_1",
		ChannelID:   "chan_1",
		BuyerID:     "buyer",
		SellerID:    "seller",
		AskingPrice: decimal.NewFromInt(120),
		Amount:      decimal.NewFromInt(90),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return o
}

func (f *fixture) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := f.log.Query(context.Background(), audit.Filter{EntityID: id})
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func amt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func limit(n int) *int { return &n }

func TestSubmit(t *testing.T) {
	f := newFixture(t)
	o := f.submit(t)

	if o.Status != StatusPending {
		t.Errorf("status = %s, want pending", o.Status)
	}
	if o.LastProposer != SideBuyer {
		t.Errorf("lastProposer = %s, want buyer", o.LastProposer)
	}
	if o.MaxCounterAllowed != 3 {
		t.Errorf("maxCounterAllowed = %d, want config default 3", o.MaxCounterAllowed)
	}
	if !o.ValidUntil.Equal(f.clock.t.Add(time.Hour)) {
		t.Errorf("validUntil = %v", o.ValidUntil)
	}
	if got := f.actions(t, o.ID); len(got) != 1 || got[0] != "offer.submit" {
		t.Errorf("audit = %v", got)
	}
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]SubmitRequest{
		"missing listing": {BuyerID: "b", SellerID: "s", Amount: amt(1)},
		"zero amount":     {ListingID: "l", BuyerID: "b", SellerID: "s"},
		"same party":      {ListingID: "l", BuyerID: "b", SellerID: "b", Amount: amt(1)},
		"bad type":        {ListingID: "l", BuyerID: "b", SellerID: "s", Amount: amt(1), Type: "lease"},
		"negative limit":  {ListingID: "l", BuyerID: "b", SellerID: "s", Amount: amt(1), MaxCounterAllowed: limit(-1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.svc.Submit(ctx, req); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCounter_AlternatesTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)

	// The buyer made the opening proposal.
	if _, err := f.svc.Counter(ctx, o.ID, "buyer", amt(95), ""); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("buyer countering own offer: got %v, want forbidden", err)
	}

	o, err := f.svc.Counter(ctx, o.ID, "seller", amt(110), "meet me halfway")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if o.Status != StatusCountered || o.CounterCount != 1 || o.LastProposer != SideSeller {
		t.Errorf("after counter: status=%s count=%d last=%s", o.Status, o.CounterCount, o.LastProposer)
	}
	if !o.CurrentAmount().Equal(amt(110)) {
		t.Errorf("current amount = %s", o.CurrentAmount())
	}

	if _, err := f.svc.Counter(ctx, o.ID, "stranger", amt(100), ""); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("stranger counter: got %v, want forbidden", err)
	}
	if n := len(f.sink.OfType(notify.OfferCountered)); n != 1 {
		t.Errorf("countered notifications = %d, want 1", n)
	}
}

func TestCounter_ExhaustedLeavesOfferUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)

	for i, actor := range []string{"seller", "buyer", "seller"} {
		if _, err := f.svc.Counter(ctx, o.ID, actor, amt(int64(100+i)), ""); err != nil {
			t.Fatalf("counter %d: %v", i+1, err)
		}
	}

	before, _ := f.store.Get(ctx, o.ID)
	_, err := f.svc.Counter(ctx, o.ID, "buyer", amt(104), "")
	if !errors.Is(err, apperr.ErrNegotiationExhausted) {
		t.Fatalf("4th counter: got %v, want NegotiationExhausted", err)
	}

	after, _ := f.store.Get(ctx, o.ID)
	if after.Status != StatusCountered || after.CounterCount != 3 {
		t.Errorf("offer changed: status=%s count=%d", after.Status, after.CounterCount)
	}
	if !after.CurrentAmount().Equal(before.CurrentAmount()) {
		t.Errorf("amount changed from %s to %s", before.CurrentAmount(), after.CurrentAmount())
	}
	if got := f.actions(t, o.ID); len(got) != 4 {
		t.Errorf("failed counter must not be audited, got %v", got)
	}
}

func TestCounter_ZeroLimitAllowsNoCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.svc.Submit(ctx, SubmitRequest{
		ListingID: "lst_1", BuyerID: "buyer", SellerID: "seller",
		Amount: amt(90), MaxCounterAllowed: limit(0),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.MaxCounterAllowed != 0 {
		t.Fatalf("maxCounterAllowed = %d, want 0", o.MaxCounterAllowed)
	}
	if _, err := f.svc.Counter(ctx, o.ID, "seller", amt(100), ""); !errors.Is(err, apperr.ErrNegotiationExhausted) {
		t.Errorf("first counter: got %v, want NegotiationExhausted", err)
	}
	if _, err := f.svc.Accept(ctx, o.ID, "seller"); err != nil {
		t.Errorf("take-it-or-leave-it offer should still be acceptable: %v", err)
	}
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)
	o, _ = f.svc.Counter(ctx, o.ID, "seller", amt(105), "")

	if _, err := f.svc.Accept(ctx, o.ID, "seller"); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("seller accepting own counter: got %v", err)
	}

	o, err := f.svc.Accept(ctx, o.ID, "buyer")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if o.Status != StatusAccepted || !o.AgreedAmount.Equal(amt(105)) || o.AcceptedAt == nil {
		t.Errorf("accepted offer: status=%s agreed=%s", o.Status, o.AgreedAmount)
	}
	if n := len(f.sink.OfType(notify.OfferAccepted)); n != 2 {
		t.Errorf("accepted notifications = %d, want 2", n)
	}

	// Accepted offers are immutable.
	for name, op := range map[string]func() error{
		"accept":   func() error { _, err := f.svc.Accept(ctx, o.ID, "buyer"); return err },
		"reject":   func() error { _, err := f.svc.Reject(ctx, o.ID, "buyer"); return err },
		"counter":  func() error { _, err := f.svc.Counter(ctx, o.ID, "buyer", amt(1), ""); return err },
		"withdraw": func() error { _, err := f.svc.Withdraw(ctx, o.ID, "seller"); return err },
	} {
		if err := op(); !errors.Is(err, apperr.ErrInvalidState) {
			t.Errorf("%s after accept: got %v, want InvalidState", name, err)
		}
	}
}

func TestRejectAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.submit(t)
	if _, err := f.svc.Reject(ctx, o.ID, "buyer"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("buyer rejecting own offer: got %v", err)
	}
	o, err := f.svc.Reject(ctx, o.ID, "seller")
	if err != nil || o.Status != StatusRejected {
		t.Fatalf("Reject: %v status=%v", err, o)
	}

	o = f.submit(t)
	if _, err := f.svc.Withdraw(ctx, o.ID, "seller"); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("seller withdrawing buyer's offer: got %v", err)
	}
	o, err = f.svc.Withdraw(ctx, o.ID, "buyer")
	if err != nil || o.Status != StatusWithdrawn {
		t.Fatalf("Withdraw: %v", err)
	}
}

func TestExpiry_CheckedBeforeEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)

	f.clock.advance(2 * time.Hour)

	// Even an actor who is not a party sees the expiry first.
	if _, err := f.svc.Counter(ctx, o.ID, "stranger", amt(1), ""); !errors.Is(err, apperr.ErrOfferExpired) {
		t.Fatalf("counter after expiry: got %v, want ErrOfferExpired", err)
	}
	stored, _ := f.store.Get(ctx, o.ID)
	if stored.Status != StatusExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}

	if _, err := f.svc.Accept(ctx, o.ID, "seller"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("accept of expired offer: got %v, want InvalidState", err)
	}
}

func TestGet_ExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)

	f.clock.advance(61 * time.Minute)

	got, err := f.svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if actions := f.actions(t, o.ID); actions[0] != "offer.expire" {
		t.Errorf("latest audit entries = %v", actions)
	}

	list, err := f.svc.ListByListing(ctx, "lst_1", 10)
	if err != nil || len(list) != 1 || list[0].Status != StatusExpired {
		t.Errorf("ListByListing = %v, %v", list, err)
	}
}

func TestCounter_RefreshesValidity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t)

	f.clock.advance(50 * time.Minute)
	o, err := f.svc.Counter(ctx, o.ID, "seller", amt(100), "")
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	f.clock.advance(50 * time.Minute)
	if _, err := f.svc.Accept(ctx, o.ID, "buyer"); err != nil {
		t.Errorf("accept within refreshed window: %v", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Get(context.Background(), "ofr_missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}
