// Package transfer tracks the handoff of a sold channel from seller to buyer.
//
// A transfer has three verified steps: channel ownership, admin rights and
// gifts. The verification service reports each step; a step that succeeded
// stays set. The transfer status is derived from those facts and is never
// written directly. Completing the last step asks the escrow manager to
// re-evaluate release.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/escrow"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/mbd888/chanescrow/internal/validation"
)

// VerificationResult is one step report from the verification service.
// TransactionID is optional; without it the open transfer of ChannelID is used.
type VerificationResult struct {
	TransactionID string      `json:"transactionId,omitempty"`
	ChannelID     string      `json:"channelId"`
	Step          ledger.Step `json:"step"`
	Success       bool        `json:"success"`
	Detail        string      `json:"detail,omitempty"`
}

// ReleaseTrigger re-evaluates escrow release once a transfer completes.
type ReleaseTrigger interface {
	TryRelease(ctx context.Context, txID string) (*escrow.ReleaseResult, error)
}

// Service implements transfer tracking.
type Service struct {
	store   ledger.Store
	release ReleaseTrigger
	emitter *notify.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new transfer service.
func NewService(store ledger.Store, release ReleaseTrigger) *Service {
	return &Service{
		store:   store,
		release: release,
		logger:  logging.Discard(),
		now:     func() time.Time { return time.Now().UTC() },
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

// HandleVerification records a step report. A successful report sets the
// step (repeats are no-ops); a failed one marks the transfer failed.
// Reports against failed or reversed transfers are rejected.
func (s *Service) HandleVerification(ctx context.Context, res VerificationResult) (_ *ledger.ChannelTransfer, err error) {
	ctx, span := traces.StartSpan(ctx, "transfer.HandleVerification",
		traces.ChannelID(res.ChannelID), traces.TransactionID(res.TransactionID))
	defer func() { traces.End(span, err) }()

	if res.TransactionID == "" {
		if err := validation.Validate(validation.Required("channelId", res.ChannelID)).Err(); err != nil {
			return nil, err
		}
	}
	if !res.Step.Valid() {
		return nil, apperr.Validationf("unknown transfer step %q", res.Step)
	}

	txID := res.TransactionID
	if txID == "" {
		txID, err = s.store.OpenTransferByChannel(ctx, res.ChannelID)
		if err != nil {
			return nil, err
		}
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}

	var completed, changed bool
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		x := f.Transfer
		if x == nil {
			return ledger.ErrTransferNotFound
		}
		if res.ChannelID != "" && x.ChannelID != res.ChannelID {
			return apperr.Validationf("transfer %s is for channel %s, not %s", x.ID, x.ChannelID, res.ChannelID)
		}
		if st := x.Status(); st == ledger.TransferFailed || st == ledger.TransferReversed {
			return apperr.InvalidState("transfer", x.ID, "record verification", string(st))
		}

		before := *x
		now := s.now()
		tx := f.Transaction
		payload := map[string]any{"transactionId": tx.ID, "channelId": x.ChannelID, "step": string(res.Step)}

		if !res.Success {
			if x.AllDone() {
				return apperr.InvalidState("transfer", x.ID, "record failure", string(x.Status()))
			}
			x.FailedStep = res.Step
			x.FailureDetail = validation.SanitizeString(res.Detail, validation.MaxStringLength)
			x.FailedAt = &now
			x.UpdatedAt = now
			payload["detail"] = x.FailureDetail
			f.Notify(
				notify.New(tx.BuyerID, notify.TransferFailed, payload),
				notify.New(tx.SellerID, notify.TransferFailed, payload),
			)
			f.Record(audit.NewEntry(ctx, "transfer.step_failed", "transfer", x.ID, &before, x).
				WithSeverity(audit.SeverityWarning))
			changed = true
			return nil
		}

		if !x.MarkDone(res.Step) {
			return nil
		}
		changed = true
		if x.StartedAt == nil {
			x.StartedAt = &now
		}
		x.UpdatedAt = now
		if x.AllDone() {
			completed = true
			x.CompletedAt = &now
			f.Notify(
				notify.New(tx.BuyerID, notify.TransferCompleted, payload),
				notify.New(tx.SellerID, notify.TransferCompleted, payload),
			)
		}
		f.Record(audit.NewEntry(ctx, "transfer.step_verified", "transfer", x.ID, &before, x))
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.TransferSteps.WithLabelValues(string(res.Step), outcome).Inc()
	if !changed {
		return f.Transfer, nil
	}

	s.emitter.Emit(ctx, f.Notifications()...)
	s.log(ctx).Info("transfer step reported",
		"transactionId", txID, "step", res.Step, "success", res.Success, "status", f.Transfer.Status())

	if completed {
		s.triggerRelease(ctx, txID)
	}
	return f.Transfer, nil
}

// triggerRelease asks escrow to release after the transfer completed. The
// transfer is already committed, so failures are only logged.
func (s *Service) triggerRelease(ctx context.Context, txID string) {
	if s.release == nil {
		return
	}
	res, err := s.release.TryRelease(ctx, txID)
	if err != nil {
		s.log(ctx).Warn("release after transfer completion failed", "transactionId", txID, "error", err)
		return
	}
	if !res.Released {
		s.log(ctx).Info("release after transfer completion deferred", "transactionId", txID, "reason", res.Deferred)
	}
}

// BeginStep records that verification of step has started. The first call
// moves a pending transfer to in progress; later calls are no-ops.
func (s *Service) BeginStep(ctx context.Context, txID string, step ledger.Step) (*ledger.ChannelTransfer, error) {
	if !step.Valid() {
		return nil, apperr.Validationf("unknown transfer step %q", step)
	}
	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		x := f.Transfer
		if x == nil {
			return ledger.ErrTransferNotFound
		}
		st := x.Status()
		if st != ledger.TransferPending && st != ledger.TransferInProgress {
			return apperr.InvalidState("transfer", x.ID, "begin "+string(step), string(st))
		}
		if x.StartedAt != nil {
			return nil
		}
		before := *x
		now := s.now()
		x.StartedAt = &now
		x.UpdatedAt = now
		f.Record(audit.NewEntry(ctx, "transfer.begin", "transfer", x.ID, &before, map[string]any{
			"transfer": x,
			"step":     step,
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f.Transfer, nil
}

// Reverse marks the transfer reversed after the channel went back to the
// seller. It requires the transaction's dispute to be resolved with a refund.
func (s *Service) Reverse(ctx context.Context, txID, adminID, reason string) (_ *ledger.ChannelTransfer, err error) {
	ctx, span := traces.StartSpan(ctx, "transfer.Reverse", traces.TransactionID(txID), traces.Actor(adminID))
	defer func() { traces.End(span, err) }()

	if actorType, _ := audit.ActorFrom(ctx); actorType != audit.ActorAdmin || strings.TrimSpace(adminID) == "" {
		return nil, fmt.Errorf("reversing a transfer: %w", apperr.ErrForbidden)
	}
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxStringLength),
	).Err(); err != nil {
		return nil, err
	}

	f, err := s.store.Apply(ctx, txID, func(f *ledger.Family) error {
		x := f.Transfer
		if x == nil {
			return ledger.ErrTransferNotFound
		}
		if st := x.Status(); st == ledger.TransferReversed {
			return apperr.InvalidState("transfer", x.ID, "reverse", string(st))
		}
		d := f.LatestDispute()
		if d == nil || (d.Status != ledger.DisputeResolved && d.Status != ledger.DisputeClosed) || !d.Resolution.IsRefund() {
			return apperr.InvalidState("transfer", x.ID, "reverse", "no refund resolution")
		}
		before := *x
		now := s.now()
		x.ReversedAt = &now
		x.FailureDetail = validation.SanitizeString(reason, validation.MaxStringLength)
		x.UpdatedAt = now
		f.Record(audit.NewEntry(ctx, "transfer.reverse", "transfer", x.ID, &before, x).
			WithSeverity(audit.SeverityWarning))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Warn("transfer reversed", "transactionId", txID, "admin", adminID, "reason", reason)
	return f.Transfer, nil
}

// Get returns the transfer of txID.
func (s *Service) Get(ctx context.Context, txID string) (*ledger.ChannelTransfer, error) {
	f, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if f.Transfer == nil {
		return nil, ledger.ErrTransferNotFound
	}
	return f.Transfer, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Ctx(ctx, s.logger)
}
