//go:build integration

package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/chanescrow/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresFeed_AwaitSeesLatePublish(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	feed := NewPostgresFeed(db, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &Confirmation{TransactionID: "txn_1", FromAddr: "EQbuyer", ToAddr: "EQescrow", Amount: decimal.NewFromInt(100), BlockRef: "blk_1"}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = feed.Publish(context.Background(), c)
	}()

	got, err := feed.Await(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "blk_1", got.BlockRef)
	assert.True(t, got.Amount.Equal(c.Amount))

	// Same block is idempotent, a different one replaces until settled.
	require.NoError(t, feed.Publish(ctx, c))
	corrected := *c
	corrected.BlockRef = "blk_2"
	corrected.Amount = decimal.NewFromInt(120)
	require.NoError(t, feed.Publish(ctx, &corrected))
	got, err = feed.Await(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "blk_2", got.BlockRef)
	assert.True(t, got.Amount.Equal(corrected.Amount))

	assert.True(t, errors.Is(feed.Settle(ctx, "txn_1", "blk_1"), ErrAlreadyConfirmed))
	require.NoError(t, feed.Settle(ctx, "txn_1", "blk_2"))
	require.NoError(t, feed.Settle(ctx, "txn_1", "blk_2"))
	require.NoError(t, feed.Publish(ctx, &corrected))

	late := corrected
	late.BlockRef = "blk_3"
	assert.True(t, errors.Is(feed.Publish(ctx, &late), ErrAlreadyConfirmed))
}

func TestPostgresFeed_AwaitHonoursContext(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	feed := NewPostgresFeed(db, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := feed.Await(ctx, "txn_never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
