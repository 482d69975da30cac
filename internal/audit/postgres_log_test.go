//go:build integration

package audit

import (
	"context"
	"testing"

	"github.com/mbd888/chanescrow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLog_AppendAndQuery(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	log := NewPostgresLog(db)
	ctx := WithActor(context.Background(), ActorAdmin, "ops")

	require.NoError(t, log.Append(ctx,
		NewEntry(ctx, "escrow.lock", "escrow", "esc_1", nil, map[string]any{"status": "active"}).ForTransaction("txn_1"),
		NewEntry(ctx, "escrow.refund", "escrow", "esc_1", nil, nil).ForTransaction("txn_1").WithSeverity(SeverityWarning),
		NewEntry(ctx, "offer.submit", "offer", "ofr_9", nil, nil),
	))

	all, err := log.Query(ctx, Filter{TransactionID: "txn_1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "escrow.refund", all[0].Action, "newest first")
	assert.Equal(t, "ops", all[0].Actor)
	assert.Equal(t, ActorAdmin, all[0].ActorType)

	warnings, err := log.Query(ctx, Filter{Severity: SeverityWarning})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	page, err := log.Query(ctx, Filter{TransactionID: "txn_1", BeforeID: all[0].ID})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "escrow.lock", page[0].Action)
	assert.JSONEq(t, `{"status":"active"}`, string(page[0].NewValues))
}
