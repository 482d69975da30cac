// Package dispute resolves complaints raised against escrowed transactions.
//
// Opening a dispute suspends the escrow: the auto-release clock stops and
// what was left of the window is kept. Review, escalation and resolution
// are admin actions. A resolution either refunds the buyer (fully or in
// part), confirms delivery and lets the release proceed, or rejects the
// complaint and reactivates the account.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/escrow"
	"github.com/mbd888/chanescrow/internal/idgen"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/mbd888/chanescrow/internal/validation"
)

// Scheduler keeps the auto-release timer in step with committed families.
type Scheduler interface {
	Sync(f *ledger.Family)
	Cancel(txID string)
}

// OpenRequest files a dispute.
type OpenRequest struct {
	TransactionID string             `json:"transactionId"`
	InitiatorID   string             `json:"initiatorId"`
	Type          ledger.DisputeType `json:"type"`
	Reason        string             `json:"reason"`
	Description   string             `json:"description"`
}

// ResolveRequest settles a dispute.
type ResolveRequest struct {
	DisputeID    string            `json:"disputeId"`
	Resolution   ledger.Resolution `json:"resolution"`
	RefundAmount decimal.Decimal   `json:"refundAmount"`
	ResolvedBy   string            `json:"resolvedBy"`
	Notes        string            `json:"notes"`
}

// Service implements dispute handling.
type Service struct {
	store     ledger.Store
	scheduler Scheduler
	emitter   *notify.Emitter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new dispute service.
func NewService(store ledger.Store) *Service {
	return &Service{
		store:  store,
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

// WithScheduler attaches the auto-release timer.
func (s *Service) WithScheduler(sc Scheduler) *Service {
	s.scheduler = sc
	return s
}

// WithEmitter adds post-commit notification delivery.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// Open files a dispute and suspends the escrow. The initiator must be a
// party unless an admin is acting.
func (s *Service) Open(ctx context.Context, req OpenRequest) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.TransactionID(req.TransactionID), traces.Actor(req.InitiatorID))
	defer func() { traces.End(span, err) }()

	if req.Type == "" {
		req.Type = ledger.DisputeOther
	}
	errs := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.Required("initiatorId", req.InitiatorID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
		validation.MaxLength("description", req.Description, 4*validation.MaxStringLength),
		validation.OneOf("type", req.Type, ledger.DisputeNonDelivery, ledger.DisputeNotAsDescribed,
			ledger.DisputeOwnershipReclaimed, ledger.DisputePaymentIssue, ledger.DisputeOther),
	)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	actorType, _ := audit.ActorFrom(ctx)

	var (
		prev   ledger.EscrowStatus
		opened *ledger.Dispute
	)
	f, err := s.store.Apply(ctx, req.TransactionID, func(f *ledger.Family) error {
		tx := f.Transaction
		if actorType != audit.ActorAdmin && !tx.IsParty(req.InitiatorID) {
			return fmt.Errorf("not a party to transaction %s: %w", tx.ID, apperr.ErrForbidden)
		}
		if d := f.OpenDispute(); d != nil {
			return fmt.Errorf("transaction %s has dispute %s: %w", tx.ID, d.ID, apperr.ErrDuplicateDispute)
		}
		if f.Escrow == nil {
			return apperr.InvalidState("transaction", tx.ID, "open dispute", string(tx.Status))
		}
		prev = f.Escrow.Status
		now := s.now()
		if err := escrow.Suspend(f, now); err != nil {
			return err
		}

		respondent := tx.Counterparty(req.InitiatorID)
		if respondent == "" {
			respondent = tx.SellerID
		}
		opened = s.file(f, req.InitiatorID, respondent, req.Type, req.Reason, now)
		opened.Description = validation.SanitizeString(req.Description, 4*validation.MaxStringLength)
		f.Record(audit.NewEntry(ctx, "dispute.open", "dispute", opened.ID, nil, opened))
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesOpened.WithLabelValues(string(opened.Type)).Inc()
	s.afterCommit(ctx, prev, f)
	s.log(ctx).Info("dispute opened",
		"disputeId", opened.ID, "transactionId", req.TransactionID, "type", opened.Type, "initiator", req.InitiatorID)
	return opened, nil
}

// file adds an open dispute to a family whose escrow is already suspended.
func (s *Service) file(f *ledger.Family, initiator, respondent string, typ ledger.DisputeType, reason string, now time.Time) *ledger.Dispute {
	tx := f.Transaction
	d := &ledger.Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: tx.ID,
		InitiatorID:   initiator,
		RespondentID:  respondent,
		Type:          typ,
		Reason:        validation.SanitizeString(reason, validation.MaxStringLength),
		Status:        ledger.DisputeOpen,
		Priority:      ledger.PriorityNormal,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.Disputes = append(f.Disputes, d)
	tx.IsDisputed = true
	tx.DisputeID = d.ID
	tx.UpdatedAt = now

	payload := map[string]any{"transactionId": tx.ID, "disputeId": d.ID, "type": string(typ)}
	f.Notify(
		notify.New(tx.BuyerID, notify.DisputeOpened, payload),
		notify.New(tx.SellerID, notify.DisputeOpened, payload),
	)
	return d
}

// EscalateNonDelivery files a non-delivery dispute on a family whose
// auto-release window ran out before the transfer completed. It runs inside
// the caller's apply and records no audit entry of its own.
func (s *Service) EscalateNonDelivery(f *ledger.Family, now time.Time) (*ledger.Dispute, error) {
	if d := f.OpenDispute(); d != nil {
		return nil, fmt.Errorf("transaction %s has dispute %s: %w", f.Transaction.ID, d.ID, apperr.ErrDuplicateDispute)
	}
	if err := escrow.Suspend(f, now); err != nil {
		return nil, err
	}
	reason := "transfer incomplete when the auto-release window ended"
	if f.Transfer != nil {
		reason = fmt.Sprintf("transfer %s when the auto-release window ended", f.Transfer.Status())
	}
	d := s.file(f, "system", f.Transaction.SellerID, ledger.DisputeNonDelivery, reason, now)
	d.Priority = ledger.PriorityHigh
	return d, nil
}

// StartReview assigns a reviewer. Legal from open and escalated.
func (s *Service) StartReview(ctx context.Context, disputeID, reviewerID string) (*ledger.Dispute, error) {
	if strings.TrimSpace(reviewerID) == "" {
		return nil, apperr.Validationf("reviewer is required")
	}
	return s.transition(ctx, disputeID, "dispute.review", func(f *ledger.Family, d *ledger.Dispute, now time.Time) error {
		if d.Status != ledger.DisputeOpen && d.Status != ledger.DisputeEscalated {
			return apperr.InvalidState("dispute", d.ID, "start review", string(d.Status))
		}
		d.Status = ledger.DisputeUnderReview
		d.ReviewerID = reviewerID
		return nil
	})
}

// Escalate raises a dispute under review to a higher priority queue.
// No funds move.
func (s *Service) Escalate(ctx context.Context, disputeID, actorID string) (*ledger.Dispute, error) {
	return s.transition(ctx, disputeID, "dispute.escalate", func(f *ledger.Family, d *ledger.Dispute, now time.Time) error {
		if d.Status != ledger.DisputeUnderReview {
			return apperr.InvalidState("dispute", d.ID, "escalate", string(d.Status))
		}
		d.Status = ledger.DisputeEscalated
		d.Priority = d.Priority.Raise()
		return nil
	})
}

// Resolve settles a dispute.
//   - refund_full, refund_partial: the escrow is refunded
//   - transfer_completed: the resolver's admin approval is recorded and the
//     escrow is reactivated and released if the transfer is complete;
//     otherwise the timer resumes with what was left
//   - rejected: the escrow is reactivated and waits for approval
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(req.DisputeID), traces.Actor(req.ResolvedBy))
	defer func() { traces.End(span, err) }()

	errs := validation.Validate(
		validation.Required("resolvedBy", req.ResolvedBy),
		validation.Required("resolution", string(req.Resolution)),
		validation.OneOf("resolution", req.Resolution, ledger.ResolutionRefundFull, ledger.ResolutionRefundPartial,
			ledger.ResolutionTransferCompleted, ledger.ResolutionRejected),
		validation.MaxLength("notes", req.Notes, 4*validation.MaxStringLength),
	)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if req.Resolution == ledger.ResolutionRefundPartial {
		if err := validation.Validate(validation.PositiveAmount("refundAmount", req.RefundAmount)).Err(); err != nil {
			return nil, err
		}
	}

	d, err := s.transition(ctx, req.DisputeID, "dispute.resolve", func(f *ledger.Family, d *ledger.Dispute, now time.Time) error {
		a := f.Escrow
		switch req.Resolution {
		case ledger.ResolutionRefundFull, ledger.ResolutionRefundPartial:
			amount := a.AmountLocked
			if req.Resolution == ledger.ResolutionRefundPartial {
				if !req.RefundAmount.LessThan(a.AmountLocked) {
					return apperr.Validationf("partial refund %s must be below the locked %s", req.RefundAmount, a.AmountLocked)
				}
				amount = req.RefundAmount
			}
			if err := escrow.Settle(f, amount, "dispute "+d.ID+": "+string(req.Resolution), now); err != nil {
				return err
			}
			refund := a.RefundAmount
			d.RefundAmount = &refund
		case ledger.ResolutionTransferCompleted:
			if err := escrow.Reactivate(f, true, now); err != nil {
				return err
			}
			// The resolving admin's ruling is the approval the release rests on.
			a.AdminApproved = true
			a.ApprovedBy = req.ResolvedBy
			if ok, _ := escrow.Releasable(f, false); ok {
				if err := escrow.Release(f, ledger.ReleaseDispute, now); err != nil {
					return err
				}
			}
		case ledger.ResolutionRejected:
			if err := escrow.Reactivate(f, false, now); err != nil {
				return err
			}
		}

		d.Status = ledger.DisputeResolved
		d.Resolution = req.Resolution
		d.ResolvedBy = req.ResolvedBy
		d.ResolverNotes = validation.SanitizeString(req.Notes, 4*validation.MaxStringLength)
		d.ResolvedAt = &now
		f.Transaction.IsDisputed = false

		tx := f.Transaction
		payload := map[string]any{"transactionId": tx.ID, "disputeId": d.ID, "resolution": string(req.Resolution)}
		f.Notify(
			notify.New(tx.BuyerID, notify.DisputeResolved, payload),
			notify.New(tx.SellerID, notify.DisputeResolved, payload),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.DisputesResolved.WithLabelValues(string(req.Resolution)).Inc()
	return d, nil
}

// Close archives a resolved dispute. Closing an escalated dispute withdraws
// it: the escrow is reactivated as if the complaint had been rejected.
func (s *Service) Close(ctx context.Context, disputeID, actorID string) (*ledger.Dispute, error) {
	return s.transition(ctx, disputeID, "dispute.close", func(f *ledger.Family, d *ledger.Dispute, now time.Time) error {
		switch d.Status {
		case ledger.DisputeResolved:
		case ledger.DisputeEscalated:
			if err := escrow.Reactivate(f, false, now); err != nil {
				return err
			}
			f.Transaction.IsDisputed = false
		default:
			return apperr.InvalidState("dispute", d.ID, "close", string(d.Status))
		}
		d.Status = ledger.DisputeClosed
		d.ClosedAt = &now
		return nil
	})
}

// transition applies fn to a dispute inside its family's apply and records
// one audit entry. Resolved and closed disputes fail with ErrAlreadyResolved
// except for Close of a resolved dispute, which fn handles.
func (s *Service) transition(ctx context.Context, disputeID, action string,
	fn func(f *ledger.Family, d *ledger.Dispute, now time.Time) error) (_ *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, action, traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()

	txID, err := s.store.TransactionIDByDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var (
		prev ledger.EscrowStatus
		out  *ledger.Dispute
	)
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		d := f.Dispute(disputeID)
		if d == nil {
			return ledger.ErrDisputeNotFound
		}
		if d.Status == ledger.DisputeClosed || (d.Status == ledger.DisputeResolved && action != "dispute.close") {
			return fmt.Errorf("dispute %s is %s: %w", d.ID, d.Status, apperr.ErrAlreadyResolved)
		}
		if f.Escrow == nil {
			return ledger.ErrEscrowNotFound
		}
		prev = f.Escrow.Status
		before := *d
		now := s.now()
		if err := fn(f, d, now); err != nil {
			return err
		}
		d.UpdatedAt = now
		f.Record(audit.NewEntry(ctx, action, "dispute", d.ID, &before, d))
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, prev, f)
	s.log(ctx).Info("dispute updated", "action", action, "disputeId", disputeID, "status", out.Status)
	return out, nil
}

func (s *Service) afterCommit(ctx context.Context, prev ledger.EscrowStatus, f *ledger.Family) {
	escrow.ObserveCommit(prev, f)
	if s.scheduler != nil {
		s.scheduler.Sync(f)
	}
	s.emitter.Emit(ctx, f.Notifications()...)
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, disputeID string) (*ledger.Dispute, error) {
	txID, err := s.store.TransactionIDByDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	f, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	d := f.Dispute(disputeID)
	if d == nil {
		return nil, ledger.ErrDisputeNotFound
	}
	return d, nil
}

// GetByTransaction returns the most recent dispute of a transaction.
func (s *Service) GetByTransaction(ctx context.Context, txID string) (*ledger.Dispute, error) {
	f, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	d := f.LatestDispute()
	if d == nil {
		return nil, ledger.ErrDisputeNotFound
	}
	return d, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, s.logger)
}
