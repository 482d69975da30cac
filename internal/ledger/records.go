// Package ledger is the durable record of transactions, escrow accounts,
// channel transfers, disputes and reviews.
//
// A transaction and the records it owns form a Family. All writes to a family
// go through Store.Apply, which runs one read-modify-write at a time per
// transaction and commits the family together with the audit entries the
// write produced. Readers only ever see committed families.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes channel sales, which need an ownership
// transfer, from plain paid services.
type TransactionType string

const (
	TypeSale    TransactionType = "sale"
	TypeService TransactionType = "service"
)

// TransactionStatus moves forward only: pending -> escrowed -> completed|refunded,
// or pending -> cancelled.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"   // awaiting payment confirmation
	TxEscrowed  TransactionStatus = "escrowed"  // funds locked in escrow
	TxCompleted TransactionStatus = "completed" // funds released to the seller
	TxRefunded  TransactionStatus = "refunded"  // funds returned to the buyer
	TxCancelled TransactionStatus = "cancelled" // never funded
)

var txStatusRank = map[TransactionStatus]int{
	TxPending:   0,
	TxEscrowed:  1,
	TxCompleted: 2,
	TxRefunded:  2,
	TxCancelled: 2,
}

// IsTerminal reports whether no further status change is possible.
func (s TransactionStatus) IsTerminal() bool {
	return txStatusRank[s] == 2
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
func (s TransactionStatus) CanAdvanceTo(next TransactionStatus) bool {
	if s == next || s.IsTerminal() {
		return false
	}
	if next == TxCancelled {
		return s == TxPending
	}
	return txStatusRank[next] > txStatusRank[s]
}

// Transaction is the root record of a sale.
type Transaction struct {
	ID           string            `json:"id"`
	Type         TransactionType   `json:"type"`
	OfferID      string            `json:"offerId"`
	ListingID    string            `json:"listingId"`
	ChannelID    string            `json:"channelId,omitempty"`
	BuyerID      string            `json:"buyerId"`
	SellerID     string            `json:"sellerId"`
	Amount       decimal.Decimal   `json:"amount"`
	FeeAmount    decimal.Decimal   `json:"feeAmount"`
	EscrowAmount decimal.Decimal   `json:"escrowAmount"`
	FinalAmount  decimal.Decimal   `json:"finalAmount"`
	Status       TransactionStatus `json:"status"`
	FromAddress  string            `json:"fromAddress,omitempty"`
	ToAddress    string            `json:"toAddress,omitempty"`
	PaymentRef   string            `json:"paymentRef,omitempty"`
	DisputeID    string            `json:"disputeId,omitempty"`
	IsDisputed   bool              `json:"isDisputed"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	DeletedAt    *time.Time        `json:"deletedAt,omitempty"`
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Counterparty returns the other side of the sale, or "" when userID is not a party.
func (t *Transaction) Counterparty(userID string) string {
	switch userID {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

// EscrowStatus is the state of locked funds.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "active"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// IsTerminal reports whether funds have left escrow.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// ReleaseMode records how a release was authorized.
type ReleaseMode string

const (
	ReleaseQuorum  ReleaseMode = "quorum"
	ReleaseAuto    ReleaseMode = "auto"
	ReleaseDispute ReleaseMode = "dispute"
)

// EscrowAccount holds the locked funds of one transaction.
type EscrowAccount struct {
	ID                 string          `json:"id"`
	TransactionID      string          `json:"transactionId"`
	Address            string          `json:"address"`
	AmountLocked       decimal.Decimal `json:"amountLocked"`
	Status             EscrowStatus    `json:"status"`
	BuyerApproved      bool            `json:"buyerApproved"`
	SellerApproved     bool            `json:"sellerApproved"`
	AdminApproved      bool            `json:"adminApproved"`
	ApprovedBy         string          `json:"approvedBy,omitempty"` // admin that approved, if any
	AutoReleaseAt      *time.Time      `json:"autoReleaseAt,omitempty"`
	SuspendedRemaining time.Duration   `json:"suspendedRemaining,omitempty"`
	ReleaseMode        ReleaseMode     `json:"releaseMode,omitempty"`
	RefundAmount       decimal.Decimal `json:"refundAmount"`
	RefundReason       string          `json:"refundReason,omitempty"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt         *time.Time      `json:"refundedAt,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	DeletedAt          *time.Time      `json:"deletedAt,omitempty"`
}

// Step is one of the three verified handoff steps of a channel sale.
type Step string

const (
	StepOwnership   Step = "ownership"
	StepAdminRights Step = "admin_rights"
	StepGifts       Step = "gifts"
)

// Steps lists every transfer step in handoff order.
var Steps = []Step{StepOwnership, StepAdminRights, StepGifts}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	switch s {
	case StepOwnership, StepAdminRights, StepGifts:
		return true
	}
	return false
}

// TransferStatus is derived from the step flags; it is never set directly.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
	TransferReversed   TransferStatus = "reversed"
)

// ChannelTransfer tracks the handoff of a channel from seller to buyer.
type ChannelTransfer struct {
	ID                     string     `json:"id"`
	TransactionID          string     `json:"transactionId"`
	ChannelID              string     `json:"channelId"`
	OwnershipTransferred   bool       `json:"ownershipTransferred"`
	AdminRightsTransferred bool       `json:"adminRightsTransferred"`
	GiftsTransferred       bool       `json:"giftsTransferred"`
	FailedStep             Step       `json:"failedStep,omitempty"`
	FailureDetail          string     `json:"failureDetail,omitempty"`
	StartedAt              *time.Time `json:"startedAt,omitempty"`
	CompletedAt            *time.Time `json:"completedAt,omitempty"`
	FailedAt               *time.Time `json:"failedAt,omitempty"`
	ReversedAt             *time.Time `json:"reversedAt,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
	DeletedAt              *time.Time `json:"deletedAt,omitempty"`
}

// Done reports whether step has been verified.
func (t *ChannelTransfer) Done(step Step) bool {
	switch step {
	case StepOwnership:
		return t.OwnershipTransferred
	case StepAdminRights:
		return t.AdminRightsTransferred
	case StepGifts:
		return t.GiftsTransferred
	}
	return false
}

// MarkDone sets the flag for step. Flags are never cleared. It reports
// whether the flag changed.
func (t *ChannelTransfer) MarkDone(step Step) bool {
	if t.Done(step) {
		return false
	}
	switch step {
	case StepOwnership:
		t.OwnershipTransferred = true
	case StepAdminRights:
		t.AdminRightsTransferred = true
	case StepGifts:
		t.GiftsTransferred = true
	default:
		return false
	}
	return true
}

// AllDone reports whether every step has been verified.
func (t *ChannelTransfer) AllDone() bool {
	return t.OwnershipTransferred && t.AdminRightsTransferred && t.GiftsTransferred
}

// Status derives the transfer status from the recorded facts.
func (t *ChannelTransfer) Status() TransferStatus {
	switch {
	case t.ReversedAt != nil:
		return TransferReversed
	case t.FailedAt != nil:
		return TransferFailed
	case t.AllDone():
		return TransferCompleted
	case t.StartedAt != nil || t.OwnershipTransferred || t.AdminRightsTransferred || t.GiftsTransferred:
		return TransferInProgress
	default:
		return TransferPending
	}
}

// CompletedSteps lists verified steps in handoff order.
func (t *ChannelTransfer) CompletedSteps() []Step {
	out := []Step{}
	for _, s := range Steps {
		if t.Done(s) {
			out = append(out, s)
		}
	}
	return out
}

// PendingSteps lists steps still awaiting verification.
func (t *ChannelTransfer) PendingSteps() []Step {
	out := []Step{}
	for _, s := range Steps {
		if !t.Done(s) {
			out = append(out, s)
		}
	}
	return out
}

// DisputeType classifies the complaint.
type DisputeType string

const (
	DisputeNonDelivery        DisputeType = "non_delivery"
	DisputeNotAsDescribed     DisputeType = "not_as_described"
	DisputeOwnershipReclaimed DisputeType = "ownership_reclaimed"
	DisputePaymentIssue       DisputeType = "payment_issue"
	DisputeOther              DisputeType = "other"
)

// Valid reports whether t is a known dispute type.
func (t DisputeType) Valid() bool {
	switch t {
	case DisputeNonDelivery, DisputeNotAsDescribed, DisputeOwnershipReclaimed, DisputePaymentIssue, DisputeOther:
		return true
	}
	return false
}

// DisputeStatus follows open -> under_review -> resolved|escalated -> closed,
// with escalated -> under_review allowed.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeEscalated   DisputeStatus = "escalated"
	DisputeClosed      DisputeStatus = "closed"
)

// IsUnresolved reports whether the dispute still holds the escrow.
func (s DisputeStatus) IsUnresolved() bool {
	return s == DisputeOpen || s == DisputeUnderReview || s == DisputeEscalated
}

// Resolution is the outcome of a resolved dispute.
type Resolution string

const (
	ResolutionRefundFull        Resolution = "refund_full"
	ResolutionRefundPartial     Resolution = "refund_partial"
	ResolutionTransferCompleted Resolution = "transfer_completed"
	ResolutionRejected          Resolution = "rejected"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundFull, ResolutionRefundPartial, ResolutionTransferCompleted, ResolutionRejected:
		return true
	}
	return false
}

// IsRefund reports whether the resolution returns funds to the buyer.
func (r Resolution) IsRefund() bool {
	return r == ResolutionRefundFull || r == ResolutionRefundPartial
}

// Priority orders disputes in the review queue.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Raise returns the next priority level.
func (p Priority) Raise() Priority {
	switch p {
	case PriorityNormal, "":
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// Dispute is a complaint against a transaction. It references the
// transaction by id only.
type Dispute struct {
	ID            string           `json:"id"`
	TransactionID string           `json:"transactionId"`
	InitiatorID   string           `json:"initiatorId"`
	RespondentID  string           `json:"respondentId,omitempty"`
	Type          DisputeType      `json:"type"`
	Reason        string           `json:"reason"`
	Description   string           `json:"description,omitempty"`
	Status        DisputeStatus    `json:"status"`
	Priority      Priority         `json:"priority"`
	Resolution    Resolution       `json:"resolution,omitempty"`
	RefundAmount  *decimal.Decimal `json:"refundAmount,omitempty"`
	ResolvedBy    string           `json:"resolvedBy,omitempty"`
	ResolverNotes string           `json:"resolverNotes,omitempty"`
	ReviewerID    string           `json:"reviewerId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	ResolvedAt    *time.Time       `json:"resolvedAt,omitempty"`
	ClosedAt      *time.Time       `json:"closedAt,omitempty"`
	DeletedAt     *time.Time       `json:"deletedAt,omitempty"`
}

// ReviewType says which side of the sale is being rated.
type ReviewType string

const (
	ReviewOfSeller ReviewType = "seller" // written by the buyer
	ReviewOfBuyer  ReviewType = "buyer"  // written by the seller
)

// Review is a 1-5 rating left after a completed transaction.
type Review struct {
	ID             string     `json:"id"`
	TransactionID  string     `json:"transactionId"`
	ReviewerID     string     `json:"reviewerId"`
	ReviewedUserID string     `json:"reviewedUserId"`
	Type           ReviewType `json:"type"`
	Rating         int        `json:"rating"`
	Comment        string     `json:"comment,omitempty"`
	Visible        bool       `json:"visible"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}
