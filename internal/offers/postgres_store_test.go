//go:build integration

package offers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_OfferLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	o := &Offer{
		ID: "ofr_1", ListingID: "lst_1", ChannelID: "@news", Type: ledger.TypeSale,
		BuyerID: "u_buyer", SellerID: "u_seller",
		AskingPrice: decimal.NewFromInt(120), Amount: decimal.NewFromInt(100),
		Status: StatusPending, MaxCounterAllowed: 3, LastProposer: SideBuyer,
		ValidUntil: now.Add(48 * time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, o))
	assert.True(t, errors.Is(store.Create(ctx, o), ErrOfferExists))

	counter := decimal.NewFromInt(110)
	o.CounterAmount = &counter
	o.CounterCount = 1
	o.LastProposer = SideSeller
	o.Status = StatusCountered
	o.RespondedAt = &now
	require.NoError(t, store.Update(ctx, o))

	got, err := store.Get(ctx, "ofr_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCountered, got.Status)
	assert.Equal(t, SideSeller, got.LastProposer)
	require.NotNil(t, got.CounterAmount)
	assert.True(t, got.CurrentAmount().Equal(counter))
	assert.True(t, got.ValidUntil.Equal(o.ValidUntil))

	byListing, err := store.ListByListing(ctx, "lst_1", 10)
	require.NoError(t, err)
	assert.Len(t, byListing, 1)

	bySeller, err := store.ListByUser(ctx, "u_seller", 10)
	require.NoError(t, err)
	assert.Len(t, bySeller, 1)

	_, err = store.Get(ctx, "ofr_missing")
	assert.True(t, errors.Is(err, ErrOfferNotFound))
}
