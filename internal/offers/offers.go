// Package offers negotiates the price of a listing before a transaction.
//
// A buyer submits an offer; the parties counter back and forth, turn by
// turn, up to the offer's counter limit. The party that did not make the
// latest proposal accepts or rejects it; the latest proposer may withdraw
// it. Offers past ValidUntil expire lazily, on their next read or action.
package offers

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/shopspring/decimal"
)

var (
	ErrOfferNotFound = fmt.Errorf("offer %w", apperr.ErrNotFound)
	ErrNotParty      = fmt.Errorf("not a party to this offer: %w", apperr.ErrForbidden)
	ErrNotYourTurn   = fmt.Errorf("the latest proposal is your own: %w", apperr.ErrForbidden)
	ErrOfferExists   = fmt.Errorf("offer %w", apperr.ErrDuplicate)
)

// Status is the negotiation state of an offer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCountered Status = "countered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// IsTerminal reports whether no further negotiation is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusExpired, StatusWithdrawn:
		return true
	}
	return false
}

// Side is a negotiating party.
type Side string

const (
	SideBuyer  Side = "buyer"
	SideSeller Side = "seller"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideBuyer {
		return SideSeller
	}
	return SideBuyer
}

// Offer is one negotiation over a listing.
type Offer struct {
	ID                string                 `json:"id"`
	ListingID         string                 `json:"listingId"`
	ChannelID         string                 `json:"channelId"`
	Type              ledger.TransactionType `json:"type"`
	BuyerID           string                 `json:"buyerId"`
	SellerID          string                 `json:"sellerId"`
	AskingPrice       decimal.Decimal        `json:"askingPrice"`
	Amount            decimal.Decimal        `json:"amount"`
	CounterAmount     *decimal.Decimal       `json:"counterAmount,omitempty"`
	AgreedAmount      decimal.Decimal        `json:"agreedAmount"`
	Status            Status                 `json:"status"`
	CounterCount      int                    `json:"counterCount"`
	MaxCounterAllowed int                    `json:"maxCounterAllowed"`
	LastProposer      Side                   `json:"lastProposer"`
	Message           string                 `json:"message,omitempty"`
	ValidUntil        time.Time              `json:"validUntil"`
	AcceptedAt        *time.Time             `json:"acceptedAt,omitempty"`
	RespondedAt       *time.Time             `json:"respondedAt,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// IsTerminal reports whether the offer can no longer change.
func (o *Offer) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// CurrentAmount is the amount on the table: the latest counter, or the
// original offer.
func (o *Offer) CurrentAmount() decimal.Decimal {
	if o.CounterAmount != nil {
		return *o.CounterAmount
	}
	return o.Amount
}

// TransactionType is the kind of transaction the offer opens. Offers on a
// channel default to a sale.
func (o *Offer) TransactionType() ledger.TransactionType {
	if o.Type == "" {
		return ledger.TypeSale
	}
	return o.Type
}

// PartySide returns the side userID negotiates on.
func (o *Offer) PartySide(userID string) (Side, bool) {
	switch userID {
	case "":
		return "", false
	case o.BuyerID:
		return SideBuyer, true
	case o.SellerID:
		return SideSeller, true
	}
	return "", false
}

func (o *Offer) expiredAt(now time.Time) bool {
	return !o.IsTerminal() && !o.ValidUntil.IsZero() && now.After(o.ValidUntil)
}

func (o *Offer) clone() *Offer {
	cp := *o
	if o.CounterAmount != nil {
		v := *o.CounterAmount
		cp.CounterAmount = &v
	}
	if o.AcceptedAt != nil {
		v := *o.AcceptedAt
		cp.AcceptedAt = &v
	}
	if o.RespondedAt != nil {
		v := *o.RespondedAt
		cp.RespondedAt = &v
	}
	return &cp
}

// Store persists offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, o *Offer) error
	ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error)
}
