// Package escrow owns the escrow account lifecycle of a transaction:
// locking confirmed funds, collecting approvals, releasing on quorum or on
// the auto-release timer, and refunding.
//
// Flow:
//  1. An accepted offer opens a pending transaction with its deposit address
//  2. The payment feed confirms the deposit; Lock creates the active account
//     and, for channel sales, the transfer record
//  3. Buyer+seller (or an admin) approve; once the transfer is complete the
//     account is released and the transaction completes
//  4. Otherwise the auto-release timer releases it at the end of the window,
//     or escalates into a non-delivery dispute if the transfer is incomplete
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/idgen"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/offers"
	"github.com/mbd888/chanescrow/internal/payments"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/shopspring/decimal"
)

// Party is who approves a release.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyAdmin  Party = "admin"
)

// Escalator opens a non-delivery dispute inside an in-flight apply when
// auto-release finds the transfer incomplete. It must leave the escrow
// disputed and must not record audit entries.
type Escalator interface {
	EscalateNonDelivery(f *ledger.Family, now time.Time) (*ledger.Dispute, error)
}

// Config holds the escrow policy knobs.
type Config struct {
	AutoReleaseWindow   time.Duration
	ConfirmationTimeout time.Duration
	FeeBPS              int64
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		AutoReleaseWindow:   7 * 24 * time.Hour,
		ConfirmationTimeout: 30 * time.Second,
		FeeBPS:              500,
	}
}

// OpenRequest carries what the buyer supplies when opening a transaction.
type OpenRequest struct {
	FromAddress string `json:"fromAddress"`
}

// ReleaseResult reports the outcome of a release evaluation. A deferred
// evaluation is not an error.
type ReleaseResult struct {
	Released bool                  `json:"released"`
	Deferred string                `json:"deferred,omitempty"`
	Escrow   *ledger.EscrowAccount `json:"escrow"`
}

// Service implements escrow business logic.
type Service struct {
	store     ledger.Store
	feed      payments.Feed
	cfg       Config
	timer     *Timer
	escalator Escalator
	emitter   *notify.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, feed payments.Feed, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.AutoReleaseWindow <= 0 {
		cfg.AutoReleaseWindow = def.AutoReleaseWindow
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.FeeBPS < 0 {
		cfg.FeeBPS = def.FeeBPS
	}
	return &Service{
		store:  store,
		feed:   feed,
		cfg:    cfg,
		logger: logging.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the wall clock (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEmitter adds post-commit notification delivery.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// WithEscalator sets the dispute path used by auto-release.
func (s *Service) WithEscalator(e Escalator) *Service {
	s.escalator = e
	return s
}

// WithTimer attaches the auto-release scheduler.
func (s *Service) WithTimer(t *Timer) *Service {
	s.timer = t
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Store returns the ledger the service writes to.
func (s *Service) Store() ledger.Store {
	return s.store
}

// FeeFor returns the platform fee for amount.
func (s *Service) FeeFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(s.cfg.FeeBPS)).Div(decimal.NewFromInt(10000)).Round(9)
}

// Open creates the pending transaction for an accepted offer. An offer can
// back at most one transaction.
func (s *Service) Open(ctx context.Context, offer *offers.Offer, req OpenRequest) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Open", traces.OfferID(offer.ID))
	defer func() { traces.End(span, err) }()

	if offer.Status != offers.StatusAccepted {
		return nil, apperr.InvalidState("offer", offer.ID, "open transaction", string(offer.Status))
	}
	if errs := offerProblems(offer); errs != nil {
		return nil, errs
	}

	now := s.now()
	txID := idgen.WithPrefix("txn_")
	amount := offer.AgreedAmount
	fee := s.FeeFor(amount)
	tx := &ledger.Transaction{
		ID:           txID,
		Type:         offer.TransactionType(),
		OfferID:      offer.ID,
		ListingID:    offer.ListingID,
		ChannelID:    offer.ChannelID,
		BuyerID:      offer.BuyerID,
		SellerID:     offer.SellerID,
		Amount:       amount,
		FeeAmount:    fee,
		EscrowAmount: amount,
		FinalAmount:  amount.Sub(fee),
		Status:       ledger.TxPending,
		FromAddress:  strings.TrimSpace(req.FromAddress),
		ToAddress:    depositAddress(txID),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	f := &ledger.Family{Transaction: tx}
	f.Record(audit.NewEntry(ctx, "transaction.open", "transaction", txID, nil, tx))
	if err := s.store.Create(ctx, f); err != nil {
		return nil, err
	}

	s.log(ctx).Info("transaction opened",
		"transactionId", txID, "offerId", offer.ID, "amount", amount.String(), "fee", fee.String())
	return tx, nil
}

func offerProblems(o *offers.Offer) error {
	if !o.AgreedAmount.IsPositive() {
		return apperr.Validationf("offer %s has no agreed amount", o.ID)
	}
	if o.BuyerID == "" || o.SellerID == "" || o.BuyerID == o.SellerID {
		return apperr.Validationf("offer %s has invalid parties", o.ID)
	}
	return nil
}

// depositAddress is the per-transaction escrow address the buyer pays into.
func depositAddress(txID string) string {
	id := strings.TrimPrefix(txID, "txn_")
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("ESCROW_%s_%s", strings.ToUpper(id), strings.ToUpper(idgen.Hex(4)))
}

// Lock waits for the payment confirmation of txID and locks the funds. The
// wait is bounded by the confirmation timeout. A confirmation whose amount
// differs from the transaction leaves it pending; once a corrected
// confirmation is published, Lock can be retried.
func (s *Service) Lock(ctx context.Context, txID string) (_ *ledger.EscrowAccount, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	snap, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if st := snap.Transaction.Status; st != ledger.TxPending {
		return nil, apperr.InvalidState("transaction", txID, "lock", string(st))
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmationTimeout)
	conf, err := s.feed.Await(waitCtx, txID)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			metrics.PaymentConfirmations.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("transaction %s: %w", txID, apperr.ErrConfirmationTimeout)
		}
		return nil, err
	}

	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		tx := f.Transaction
		if tx.Status != ledger.TxPending {
			return apperr.InvalidState("transaction", txID, "lock", string(tx.Status))
		}
		if !conf.Amount.Equal(tx.Amount) {
			return fmt.Errorf("transaction %s: confirmed %s, expected %s: %w",
				txID, conf.Amount, tx.Amount, apperr.ErrAmountMismatch)
		}
		s.lockFamily(ctx, f, conf)
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAmountMismatch) {
			metrics.PaymentConfirmations.WithLabelValues("mismatch").Inc()
		}
		return nil, err
	}
	metrics.PaymentConfirmations.WithLabelValues("locked").Inc()
	if err := s.feed.Settle(ctx, txID, conf.BlockRef); err != nil {
		s.log(ctx).Warn("settling payment confirmation failed", "transactionId", txID, "blockRef", conf.BlockRef, "error", err)
	}

	s.afterCommit(ctx, "", f)
	s.log(ctx).Info("escrow locked",
		"transactionId", txID, "escrowId", f.Escrow.ID, "amount", f.Escrow.AmountLocked.String(),
		"autoReleaseAt", f.Escrow.AutoReleaseAt)
	return f.Escrow, nil
}

func (s *Service) lockFamily(ctx context.Context, f *ledger.Family, conf *payments.Confirmation) {
	now := s.now()
	tx := f.Transaction
	releaseAt := now.Add(s.cfg.AutoReleaseWindow)

	tx.Status = ledger.TxEscrowed
	tx.PaymentRef = conf.BlockRef
	if tx.FromAddress == "" {
		tx.FromAddress = conf.FromAddr
	}
	tx.UpdatedAt = now

	f.Escrow = &ledger.EscrowAccount{
		ID:            idgen.WithPrefix("esc_"),
		TransactionID: tx.ID,
		Address:       tx.ToAddress,
		AmountLocked:  tx.Amount,
		Status:        ledger.EscrowActive,
		AutoReleaseAt: &releaseAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tx.Type == ledger.TypeSale {
		f.Transfer = &ledger.ChannelTransfer{
			ID:            idgen.WithPrefix("xfr_"),
			TransactionID: tx.ID,
			ChannelID:     tx.ChannelID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	f.Record(audit.NewEntry(ctx, "escrow.lock", "escrow", f.Escrow.ID, nil, f.Escrow))
	payload := map[string]any{"transactionId": tx.ID, "amount": tx.Amount.String()}
	f.Notify(
		notify.New(tx.SellerID, notify.EscrowLocked, payload),
		notify.New(tx.BuyerID, notify.EscrowLocked, payload),
	)
}

// Approve sets the approval flag of party on the account. Repeating an
// approval is a no-op. A release evaluation follows every approval.
func (s *Service) Approve(ctx context.Context, accountID string, party Party, actorID string) (_ *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Approve", traces.EscrowID(accountID), traces.Actor(actorID))
	defer func() { traces.End(span, err) }()

	txID, err := s.store.TransactionIDByEscrow(ctx, accountID)
	if err != nil {
		return nil, err
	}

	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		a := f.Escrow
		if err := requireOpen(a, "approve"); err != nil {
			return err
		}
		changed, err := setApproval(f, party, actorID)
		if err != nil || !changed {
			return err
		}
		a.UpdatedAt = s.now()
		f.Record(audit.NewEntry(ctx, "escrow.approve", "escrow", a.ID,
			map[string]string{"party": string(party)}, approvalSnapshot(a)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(f.Entries()) > 0 {
		s.log(ctx).Info("escrow approved", "escrowId", accountID, "party", party, "actor", actorID)
	}

	res, err := s.TryRelease(ctx, txID)
	if err != nil {
		// The approval stands even when the account cannot be released.
		if current, ok := apperr.CurrentState(err); ok {
			return &ReleaseResult{Deferred: current, Escrow: f.Escrow}, nil
		}
		return nil, err
	}
	return res, nil
}

func setApproval(f *ledger.Family, party Party, actorID string) (bool, error) {
	a, tx := f.Escrow, f.Transaction
	switch party {
	case PartyBuyer:
		if actorID != tx.BuyerID {
			return false, fmt.Errorf("only the buyer may approve as buyer: %w", apperr.ErrForbidden)
		}
		if a.BuyerApproved {
			return false, nil
		}
		a.BuyerApproved = true
	case PartySeller:
		if actorID != tx.SellerID {
			return false, fmt.Errorf("only the seller may approve as seller: %w", apperr.ErrForbidden)
		}
		if a.SellerApproved {
			return false, nil
		}
		a.SellerApproved = true
	case PartyAdmin:
		if actorID == "" {
			return false, fmt.Errorf("admin approval needs an admin id: %w", apperr.ErrForbidden)
		}
		if a.AdminApproved {
			return false, nil
		}
		a.AdminApproved = true
		a.ApprovedBy = actorID
	default:
		return false, apperr.Validationf("unknown party %q", party)
	}
	return true, nil
}

func approvalSnapshot(a *ledger.EscrowAccount) map[string]any {
	return map[string]any{
		"buyerApproved":  a.BuyerApproved,
		"sellerApproved": a.SellerApproved,
		"adminApproved":  a.AdminApproved,
	}
}

// deferral aborts an apply that found nothing to do.
type deferral struct{ reason string }

func (d deferral) Error() string { return "deferred: " + d.reason }

func deferredReason(err error) (string, bool) {
	var d deferral
	if errors.As(err, &d) {
		return d.reason, true
	}
	return "", false
}

// TryRelease releases the escrow of txID when the quorum is met and the
// transfer, if any, is complete. Otherwise the release is deferred.
// Disputed accounts fail with InvalidState; accounts whose funds already
// left escrow fail with StateConflict.
func (s *Service) TryRelease(ctx context.Context, txID string) (_ *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TryRelease", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	var prev ledger.EscrowStatus
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		a := f.Escrow
		if a == nil {
			return ledger.ErrEscrowNotFound
		}
		prev = a.Status
		if err := requireOpen(a, "release"); err != nil {
			return err
		}
		if a.Status == ledger.EscrowDisputed {
			return apperr.InvalidState("escrow", a.ID, "release", string(a.Status))
		}
		if ok, reason := Releasable(f, false); !ok {
			return deferral{reason}
		}
		before := *a
		if err := Release(f, ledger.ReleaseQuorum, s.now()); err != nil {
			return err
		}
		f.Record(audit.NewEntry(ctx, "escrow.release", "escrow", a.ID, &before, a))
		return nil
	})
	if reason, ok := deferredReason(err); ok {
		metrics.ReleaseDeferrals.WithLabelValues(reason).Inc()
		snap, getErr := s.store.Get(ctx, txID)
		if getErr != nil {
			return nil, getErr
		}
		s.log(ctx).Debug("release deferred", "transactionId", txID, "reason", reason)
		return &ReleaseResult{Deferred: reason, Escrow: snap.Escrow}, nil
	}
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, prev, f)
	s.log(ctx).Info("escrow released", "transactionId", txID, "escrowId", f.Escrow.ID, "mode", ledger.ReleaseQuorum)
	return &ReleaseResult{Released: true, Escrow: f.Escrow}, nil
}

// AutoRelease is the timer handler for txID. It does nothing unless the
// account is active and its window has elapsed, so repeated or late
// deliveries are harmless. An incomplete transfer escalates into a
// non-delivery dispute instead of releasing; that is not an error.
func (s *Service) AutoRelease(ctx context.Context, txID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	var (
		prev      ledger.EscrowStatus
		escalated *ledger.Dispute
	)
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		a := f.Escrow
		now := s.now()
		if a == nil || a.Status != ledger.EscrowActive || a.AutoReleaseAt == nil || now.Before(*a.AutoReleaseAt) {
			return deferral{"not_due"}
		}
		prev = a.Status
		before := *a

		if f.Transfer != nil && f.Transfer.Status() != ledger.TransferCompleted {
			if s.escalator == nil {
				return errors.New("auto-release: no dispute escalator configured")
			}
			d, err := s.escalator.EscalateNonDelivery(f, now)
			if err != nil {
				return fmt.Errorf("auto-release escalation: %w", err)
			}
			escalated = d
			f.Record(audit.NewEntry(ctx, "escrow.auto_release_escalated", "escrow", a.ID, &before, map[string]any{
				"escrow":         a,
				"disputeId":      d.ID,
				"transferStatus": f.Transfer.Status(),
			}).WithSeverity(audit.SeverityWarning))
			return nil
		}

		if err := Release(f, ledger.ReleaseAuto, now); err != nil {
			return err
		}
		f.Record(audit.NewEntry(ctx, "escrow.auto_release", "escrow", a.ID, &before, a))
		return nil
	})
	if _, ok := deferredReason(err); ok {
		return nil
	}
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.afterCommit(ctx, prev, f)
	if escalated != nil {
		metrics.AutoReleaseEscalations.Inc()
		s.log(ctx).Warn("auto-release escalated to non-delivery dispute",
			"transactionId", txID, "disputeId", escalated.ID, "transferStatus", f.Transfer.Status())
		return nil
	}
	s.log(ctx).Info("escrow auto-released", "transactionId", txID, "escrowId", f.Escrow.ID)
	return nil
}

// Refund returns the locked funds of txID to the buyer. Legal from active or
// disputed; an unresolved dispute is closed out as a full refund.
func (s *Service) Refund(ctx context.Context, txID, reason string) (_ *ledger.EscrowAccount, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TransactionID(txID))
	defer func() { traces.End(span, err) }()

	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validationf("refund reason is required")
	}
	_, actorID := audit.ActorFrom(ctx)

	var prev ledger.EscrowStatus
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		a := f.Escrow
		if a == nil {
			return ledger.ErrEscrowNotFound
		}
		prev = a.Status
		before := *a
		now := s.now()
		if err := Settle(f, decimal.Zero, reason, now); err != nil {
			return err
		}
		if d := f.OpenDispute(); d != nil {
			d.Status = ledger.DisputeResolved
			d.Resolution = ledger.ResolutionRefundFull
			refund := a.RefundAmount
			d.RefundAmount = &refund
			d.ResolvedBy = actorID
			d.ResolverNotes = reason
			d.ResolvedAt = &now
			d.UpdatedAt = now
			f.Transaction.IsDisputed = false
		}
		f.Record(audit.NewEntry(ctx, "escrow.refund", "escrow", a.ID, &before, a))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, prev, f)
	s.log(ctx).Info("escrow refunded", "transactionId", txID, "escrowId", f.Escrow.ID, "reason", reason)
	return f.Escrow, nil
}

// Cancel abandons a transaction that was never funded.
func (s *Service) Cancel(ctx context.Context, txID string) (*ledger.Transaction, error) {
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		tx := f.Transaction
		if !tx.Status.CanAdvanceTo(ledger.TxCancelled) {
			return apperr.InvalidState("transaction", tx.ID, "cancel", string(tx.Status))
		}
		before := *tx
		tx.Status = ledger.TxCancelled
		tx.UpdatedAt = s.now()
		f.Record(audit.NewEntry(ctx, "transaction.cancel", "transaction", tx.ID, &before, tx))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f.Transaction, nil
}

// Remove soft-deletes the family of txID. Funds must not be held: the
// transaction has to be pending, cancelled or finished.
func (s *Service) Remove(ctx context.Context, txID string) error {
	_, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		tx := f.Transaction
		if tx.Status == ledger.TxEscrowed {
			return apperr.InvalidState("transaction", tx.ID, "remove", string(tx.Status))
		}
		f.SoftDelete(s.now())
		f.Record(audit.NewEntry(ctx, "transaction.remove", "transaction", tx.ID, tx, nil))
		return nil
	})
	if err != nil {
		return err
	}
	s.timer.Cancel(txID)
	s.log(ctx).Info("transaction removed", "transactionId", txID)
	return nil
}

// afterCommit runs the post-commit hooks of a family write.
func (s *Service) afterCommit(ctx context.Context, prev ledger.EscrowStatus, f *ledger.Family) {
	ObserveCommit(prev, f)
	s.timer.Sync(f)
	s.emitter.Emit(ctx, f.Notifications()...)
}

// Get returns the committed family of txID.
func (s *Service) Get(ctx context.Context, txID string) (*ledger.Family, error) {
	return s.store.Get(ctx, txID)
}

// GetEscrow returns an escrow account by id.
func (s *Service) GetEscrow(ctx context.Context, accountID string) (*ledger.EscrowAccount, error) {
	txID, err := s.store.TransactionIDByEscrow(ctx, accountID)
	if err != nil {
		return nil, err
	}
	f, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if f.Escrow == nil {
		return nil, ledger.ErrEscrowNotFound
	}
	return f.Escrow, nil
}

// List returns transactions matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ledger.ListFilter) ([]*ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, filter)
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, s.logger)
}
