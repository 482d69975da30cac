package escrow

import (
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/shopspring/decimal"
)

// The functions in this file are pure transitions over a family that the
// caller already holds inside ledger.Store.Apply. They never record audit
// entries; the public operation that calls them records exactly one.

// Deferral reasons reported by Releasable.
const (
	DeferNoQuorum   = "quorum"
	DeferTransfer   = "transfer"
	DeferNotEscrow  = "no_escrow"
	DeferSuspended  = "disputed"
	DeferTerminated = "terminal"
)

// Quorum is the release authorization rule: both parties, or an admin.
func Quorum(a *ledger.EscrowAccount) bool {
	return (a.BuyerApproved && a.SellerApproved) || a.AdminApproved
}

// Releasable reports whether the family's escrow may be released now, and
// if not, why. implicitApproval treats the quorum as met (auto-release).
func Releasable(f *ledger.Family, implicitApproval bool) (bool, string) {
	a := f.Escrow
	switch {
	case a == nil:
		return false, DeferNotEscrow
	case a.Status == ledger.EscrowDisputed:
		return false, DeferSuspended
	case a.Status.IsTerminal():
		return false, DeferTerminated
	}
	if !implicitApproval && !Quorum(a) {
		return false, DeferNoQuorum
	}
	if f.Transfer != nil && f.Transfer.Status() != ledger.TransferCompleted {
		return false, DeferTransfer
	}
	return true, ""
}

// Release moves an active escrow to released and completes the transaction.
func Release(f *ledger.Family, mode ledger.ReleaseMode, now time.Time) error {
	a := f.Escrow
	if a == nil {
		return ledger.ErrEscrowNotFound
	}
	if err := requireOpen(a, "release"); err != nil {
		return err
	}
	if a.Status != ledger.EscrowActive {
		return apperr.InvalidState("escrow", a.ID, "release", string(a.Status))
	}
	if f.Transfer != nil && f.Transfer.Status() != ledger.TransferCompleted {
		return apperr.InvalidState("transfer", f.Transfer.ID, "release escrow", string(f.Transfer.Status()))
	}

	a.Status = ledger.EscrowReleased
	a.ReleaseMode = mode
	a.AutoReleaseAt = nil
	a.SuspendedRemaining = 0
	a.ReleasedAt = &now
	a.UpdatedAt = now

	tx := f.Transaction
	tx.Status = ledger.TxCompleted
	tx.CompletedAt = &now
	tx.UpdatedAt = now

	payload := map[string]any{"transactionId": tx.ID, "amount": tx.FinalAmount.String(), "mode": string(mode)}
	f.Notify(
		notify.New(tx.SellerID, notify.EscrowReleased, payload),
		notify.New(tx.BuyerID, notify.EscrowReleased, payload),
	)

	return nil
}

// Settle refunds an active or disputed escrow to the buyer. amount is the
// refunded part of the locked funds; zero means all of it.
func Settle(f *ledger.Family, amount decimal.Decimal, reason string, now time.Time) error {
	a := f.Escrow
	if a == nil {
		return ledger.ErrEscrowNotFound
	}
	if err := requireOpen(a, "refund"); err != nil {
		return err
	}
	if amount.IsZero() {
		amount = a.AmountLocked
	}
	if amount.IsNegative() || amount.GreaterThan(a.AmountLocked) {
		return apperr.Validationf("refund amount %s must be within 0..%s", amount, a.AmountLocked)
	}

	a.Status = ledger.EscrowRefunded
	a.RefundAmount = amount
	a.RefundReason = reason
	a.AutoReleaseAt = nil
	a.SuspendedRemaining = 0
	a.RefundedAt = &now
	a.UpdatedAt = now

	tx := f.Transaction
	tx.Status = ledger.TxRefunded
	tx.CompletedAt = &now
	tx.UpdatedAt = now

	payload := map[string]any{"transactionId": tx.ID, "amount": amount.String(), "reason": reason}
	f.Notify(
		notify.New(tx.BuyerID, notify.EscrowRefunded, payload),
		notify.New(tx.SellerID, notify.EscrowRefunded, payload),
	)

	return nil
}

// Suspend moves an active escrow to disputed, stopping the auto-release
// clock and keeping what was left of the window.
func Suspend(f *ledger.Family, now time.Time) error {
	a := f.Escrow
	if a == nil {
		return ledger.ErrEscrowNotFound
	}
	if a.Status != ledger.EscrowActive {
		return apperr.InvalidState("escrow", a.ID, "suspend", string(a.Status))
	}

	var remaining time.Duration
	if a.AutoReleaseAt != nil {
		remaining = a.AutoReleaseAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
	}
	a.Status = ledger.EscrowDisputed
	a.SuspendedRemaining = remaining
	a.AutoReleaseAt = nil
	a.UpdatedAt = now
	return nil
}

// Reactivate returns a disputed escrow to active. With rearm set the
// auto-release clock resumes with the budget left at suspension; otherwise
// the account waits for an explicit quorum release.
func Reactivate(f *ledger.Family, rearm bool, now time.Time) error {
	a := f.Escrow
	if a == nil {
		return ledger.ErrEscrowNotFound
	}
	if a.Status != ledger.EscrowDisputed {
		return apperr.InvalidState("escrow", a.ID, "reactivate", string(a.Status))
	}

	a.Status = ledger.EscrowActive
	if rearm {
		at := now.Add(a.SuspendedRemaining)
		a.AutoReleaseAt = &at
	}
	a.SuspendedRemaining = 0
	a.UpdatedAt = now
	return nil
}

// ObserveCommit updates escrow metrics once a family carrying a change from
// prev has been committed.
func ObserveCommit(prev ledger.EscrowStatus, f *ledger.Family) {
	a := f.Escrow
	if a == nil || a.Status == prev {
		return
	}
	metrics.EscrowTransitions.WithLabelValues(string(a.Status)).Inc()
	switch a.Status {
	case ledger.EscrowReleased:
		metrics.EscrowReleases.WithLabelValues(string(a.ReleaseMode)).Inc()
		metrics.EscrowDuration.Observe(a.UpdatedAt.Sub(a.CreatedAt).Seconds())
	case ledger.EscrowRefunded:
		metrics.EscrowDuration.Observe(a.UpdatedAt.Sub(a.CreatedAt).Seconds())
	}
}

// requireOpen fails with a state conflict when funds already left escrow,
// which is how a lost race between release and refund surfaces.
func requireOpen(a *ledger.EscrowAccount, op string) error {
	if a.Status.IsTerminal() {
		return apperr.Conflict("escrow", a.ID, op, string(a.Status))
	}
	return nil
}
