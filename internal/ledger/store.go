package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
)

var (
	ErrTransactionNotFound = fmt.Errorf("transaction %w", apperr.ErrNotFound)
	ErrEscrowNotFound      = fmt.Errorf("escrow account %w", apperr.ErrNotFound)
	ErrTransferNotFound    = fmt.Errorf("channel transfer %w", apperr.ErrNotFound)
	ErrDisputeNotFound     = fmt.Errorf("dispute %w", apperr.ErrNotFound)
	ErrOfferAlreadyUsed    = fmt.Errorf("offer already has a transaction: %w", apperr.ErrDuplicate)
)

// ApplyFunc mutates a private copy of a family. Returning an error discards
// every change, including recorded audit entries.
type ApplyFunc func(f *Family) error

// ListFilter selects transactions for listing.
type ListFilter struct {
	UserID string // buyer or seller
	Status TransactionStatus
	Limit  int
}

// Store persists transaction families.
type Store interface {
	// Create inserts a new family. The transaction's offer must not already
	// have a transaction.
	Create(ctx context.Context, f *Family) error

	// Apply runs fn against the current family of txID under that
	// transaction's single-writer lock and commits the result, with the audit
	// entries fn recorded, atomically. The committed family is returned with
	// its pending notifications attached.
	Apply(ctx context.Context, txID string, fn ApplyFunc) (*Family, error)

	// Get returns a committed snapshot of the family.
	Get(ctx context.Context, txID string) (*Family, error)

	TransactionIDByEscrow(ctx context.Context, escrowID string) (string, error)
	TransactionIDByDispute(ctx context.Context, disputeID string) (string, error)
	TransactionIDByOffer(ctx context.Context, offerID string) (string, error)

	// OpenTransferByChannel finds the transaction whose transfer of channelID
	// is still pending or in progress.
	OpenTransferByChannel(ctx context.Context, channelID string) (string, error)

	// ListDueAutoRelease returns active escrow accounts whose auto-release
	// time is at or before the given instant.
	ListDueAutoRelease(ctx context.Context, before time.Time, limit int) ([]*EscrowAccount, error)

	// ListReviews returns the visible reviews of userID of the given type.
	ListReviews(ctx context.Context, userID string, typ ReviewType) ([]*Review, error)

	ListTransactions(ctx context.Context, filter ListFilter) ([]*Transaction, error)

	// AuditLog exposes the audit entries committed by Apply.
	AuditLog() audit.Log

	Ping(ctx context.Context) error
}
