package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/idgen"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/notify"
	"github.com/mbd888/chanescrow/internal/syncutil"
	"github.com/mbd888/chanescrow/internal/traces"
	"github.com/mbd888/chanescrow/internal/validation"
)

// Config holds negotiation policy.
type Config struct {
	// MaxCounters is the counter limit of offers that do not set their own.
	MaxCounters int
	// TTL is how long an offer or counter stays open.
	TTL time.Duration
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{MaxCounters: 3, TTL: 48 * time.Hour}
}

// SubmitRequest opens a negotiation. The buyer makes the first proposal.
type SubmitRequest struct {
	ListingID         string                 `json:"listingId"`
	ChannelID         string                 `json:"channelId"`
	Type              ledger.TransactionType `json:"type"`
	BuyerID           string                 `json:"buyerId"`
	SellerID          string                 `json:"sellerId"`
	AskingPrice       decimal.Decimal        `json:"askingPrice"`
	Amount            decimal.Decimal        `json:"amount"`
	MaxCounterAllowed *int                   `json:"maxCounterAllowed"` // nil uses Config.MaxCounters; 0 allows no counters
	ValidFor          time.Duration          `json:"-"`
	Message           string                 `json:"message"`
}

// Service implements the negotiation rules.
type Service struct {
	store   Store
	audit   *audit.Recorder
	cfg     Config
	locks   *syncutil.KeyedMutex
	emitter *notify.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new offer service.
func NewService(store Store, recorder *audit.Recorder, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxCounters <= 0 {
		cfg.MaxCounters = def.MaxCounters
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Service{
		store:  store,
		audit:  recorder,
		cfg:    cfg,
		locks:  syncutil.NewKeyedMutex(),
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

// WithEmitter adds notification delivery.
func (s *Service) WithEmitter(e *notify.Emitter) *Service {
	s.emitter = e
	return s
}

// Submit creates a pending offer from the buyer.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (_ *Offer, err error) {
	ctx, span := traces.StartSpan(ctx, "offers.Submit")
	defer func() { traces.End(span, err) }()

	errs := validation.Validate(
		validation.Required("listingId", req.ListingID),
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.OneOf("type", req.Type, ledger.TypeSale, ledger.TypeService),
		validation.IntRange("maxCounterAllowed", intOr(req.MaxCounterAllowed, 0), 0, 20),
		validation.MaxLength("message", req.Message, validation.MaxStringLength),
	)
	if err := errs.Err(); err != nil {
		return nil, err
	}
	if req.BuyerID == req.SellerID {
		return nil, apperr.Validationf("buyer and seller must differ")
	}
	if req.AskingPrice.IsNegative() {
		return nil, apperr.Validationf("askingPrice must not be negative")
	}

	now := s.now()
	ttl := req.ValidFor
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	maxCounters := intOr(req.MaxCounterAllowed, s.cfg.MaxCounters)
	channelID := req.ChannelID
	if channelID == "" {
		channelID = req.ListingID
	}

	o := &Offer{
		ID:                idgen.WithPrefix("ofr_"),
		ListingID:         req.ListingID,
		ChannelID:         channelID,
		Type:              req.Type,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		AskingPrice:       req.AskingPrice,
		Amount:            req.Amount,
		Status:            StatusPending,
		MaxCounterAllowed: maxCounters,
		LastProposer:      SideBuyer,
		Message:           validation.SanitizeString(req.Message, validation.MaxStringLength),
		ValidUntil:        now.Add(ttl),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}

	s.committed(ctx, "offer.submit", nil, o)
	s.logger.Info("offer submitted", "offerId", o.ID, "listingId", o.ListingID, "amount", o.Amount.String())
	return o, nil
}

// Counter replaces the amount on the table. Only the party that did not make
// the latest proposal may counter, and only while the counter limit allows.
func (s *Service) Counter(ctx context.Context, id, actorID string, amount decimal.Decimal, message string) (*Offer, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive")
	}
	return s.mutate(ctx, id, "offer.counter", func(o *Offer, now time.Time) error {
		if o.IsTerminal() {
			return apperr.InvalidState("offer", o.ID, "counter", string(o.Status))
		}
		side, ok := o.PartySide(actorID)
		if !ok {
			return ErrNotParty
		}
		if o.CounterCount >= o.MaxCounterAllowed {
			return fmt.Errorf("offer %s: %d of %d counters used: %w",
				o.ID, o.CounterCount, o.MaxCounterAllowed, apperr.ErrNegotiationExhausted)
		}
		if side == o.LastProposer {
			return ErrNotYourTurn
		}

		o.CounterAmount = &amount
		o.Status = StatusCountered
		o.CounterCount++
		o.LastProposer = side
		if message != "" {
			o.Message = validation.SanitizeString(message, validation.MaxStringLength)
		}
		o.ValidUntil = now.Add(s.cfg.TTL)
		o.RespondedAt = &now
		return nil
	})
}

// Accept agrees to the latest proposal. The accepted offer is immutable and
// is what opens a transaction.
func (s *Service) Accept(ctx context.Context, id, actorID string) (*Offer, error) {
	return s.mutate(ctx, id, "offer.accept", func(o *Offer, now time.Time) error {
		if err := s.respond(o, actorID, "accept"); err != nil {
			return err
		}
		o.Status = StatusAccepted
		o.AgreedAmount = o.CurrentAmount()
		o.AcceptedAt = &now
		o.RespondedAt = &now
		return nil
	})
}

// Reject declines the latest proposal and ends the negotiation.
func (s *Service) Reject(ctx context.Context, id, actorID string) (*Offer, error) {
	return s.mutate(ctx, id, "offer.reject", func(o *Offer, now time.Time) error {
		if err := s.respond(o, actorID, "reject"); err != nil {
			return err
		}
		o.Status = StatusRejected
		o.RespondedAt = &now
		return nil
	})
}

// Withdraw takes back the actor's own latest proposal.
func (s *Service) Withdraw(ctx context.Context, id, actorID string) (*Offer, error) {
	return s.mutate(ctx, id, "offer.withdraw", func(o *Offer, now time.Time) error {
		if o.IsTerminal() {
			return apperr.InvalidState("offer", o.ID, "withdraw", string(o.Status))
		}
		side, ok := o.PartySide(actorID)
		if !ok {
			return ErrNotParty
		}
		if side != o.LastProposer {
			return fmt.Errorf("only the latest proposer may withdraw: %w", apperr.ErrForbidden)
		}
		o.Status = StatusWithdrawn
		return nil
	})
}

// respond checks that actorID may answer the latest proposal.
func (s *Service) respond(o *Offer, actorID, op string) error {
	if o.Status != StatusPending && o.Status != StatusCountered {
		return apperr.InvalidState("offer", o.ID, op, string(o.Status))
	}
	side, ok := o.PartySide(actorID)
	if !ok {
		return ErrNotParty
	}
	if side == o.LastProposer {
		return ErrNotYourTurn
	}
	return nil
}

// Get returns an offer, expiring it first when its window has passed.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := s.mutate(ctx, id, "", nil)
	if errors.Is(err, apperr.ErrOfferExpired) {
		return o, nil
	}
	return o, err
}

// ListByListing returns the offers on a listing, newest first.
func (s *Service) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return s.list(ctx, func() ([]*Offer, error) { return s.store.ListByListing(ctx, listingID, limit) })
}

// ListByUser returns the offers a user negotiates in, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	return s.list(ctx, func() ([]*Offer, error) { return s.store.ListByUser(ctx, userID, limit) })
}

func (s *Service) list(ctx context.Context, load func() ([]*Offer, error)) ([]*Offer, error) {
	offers, err := load()
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i, o := range offers {
		if o.expiredAt(now) {
			if fresh, err := s.Get(ctx, o.ID); err == nil {
				offers[i] = fresh
			}
		}
	}
	return offers, nil
}

// mutate runs fn on the offer under its lock. Expiry is settled before fn
// sees the offer: an expired offer is persisted as such and the call fails
// with ErrOfferExpired. A nil fn only settles expiry.
func (s *Service) mutate(ctx context.Context, id, action string, fn func(o *Offer, now time.Time) error) (_ *Offer, err error) {
	ctx, span := traces.StartSpan(ctx, "offers.mutate", traces.OfferID(id))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()

	if o.expiredAt(now) {
		old := o.clone()
		o.Status = StatusExpired
		o.UpdatedAt = now
		if err := s.store.Update(ctx, o); err != nil {
			return nil, err
		}
		s.committed(ctx, "offer.expire", old, o)
		return o, fmt.Errorf("offer %s expired at %s: %w", o.ID, o.ValidUntil.Format(time.RFC3339), apperr.ErrOfferExpired)
	}
	if fn == nil {
		return o, nil
	}

	old := o.clone()
	if err := fn(o, now); err != nil {
		return nil, err
	}
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}
	s.committed(ctx, action, old, o)
	return o, nil
}

// committed records the audit entry, metrics and notifications of a persisted change.
func (s *Service) committed(ctx context.Context, action string, old, o *Offer) {
	var oldValues any
	if old != nil {
		oldValues = old
	}
	s.audit.Record(ctx, audit.NewEntry(ctx, action, "offer", o.ID, oldValues, o))
	metrics.OffersTotal.WithLabelValues(string(o.Status)).Inc()

	payload := map[string]any{"offerId": o.ID, "listingId": o.ListingID, "amount": o.CurrentAmount().String()}
	switch o.Status {
	case StatusAccepted:
		s.emitter.Emit(ctx,
			notify.New(o.BuyerID, notify.OfferAccepted, payload),
			notify.New(o.SellerID, notify.OfferAccepted, payload),
		)
	case StatusCountered:
		to := o.SellerID
		if o.LastProposer == SideSeller {
			to = o.BuyerID
		}
		s.emitter.Emit(ctx, notify.New(to, notify.OfferCountered, payload))
	}
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
