package ledger

import (
	"time"

	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/notify"
)

// Family is a transaction together with the records it owns. It is the unit
// of atomic read-modify-write: Store.Apply hands the callback a private copy
// and commits it whole, or not at all.
type Family struct {
	Transaction *Transaction     `json:"transaction"`
	Escrow      *EscrowAccount   `json:"escrow,omitempty"`
	Transfer    *ChannelTransfer `json:"transfer,omitempty"`
	Disputes    []*Dispute       `json:"disputes,omitempty"`
	Reviews     []*Review        `json:"reviews,omitempty"`

	// Pending side effects of the current apply.
	entries []*audit.Entry
	notes   []notify.Notification
}

// Record queues an audit entry to be committed with the family.
func (f *Family) Record(e *audit.Entry) {
	if e == nil {
		return
	}
	e.TransactionID = f.Transaction.ID
	f.entries = append(f.entries, e)
}

// Notify queues a notification to be emitted after commit.
func (f *Family) Notify(n ...notify.Notification) {
	f.notes = append(f.notes, n...)
}

// Entries returns the audit entries recorded during the last apply.
func (f *Family) Entries() []*audit.Entry {
	return f.entries
}

// Notifications returns the notifications queued during the last apply.
func (f *Family) Notifications() []notify.Notification {
	return f.notes
}

// OpenDispute returns the unresolved dispute, if any.
func (f *Family) OpenDispute() *Dispute {
	for _, d := range f.Disputes {
		if d.Status.IsUnresolved() {
			return d
		}
	}
	return nil
}

// LatestDispute returns the most recently opened dispute, if any.
func (f *Family) LatestDispute() *Dispute {
	var latest *Dispute
	for _, d := range f.Disputes {
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	return latest
}

// Dispute returns the dispute with id, if it belongs to the family.
func (f *Family) Dispute(id string) *Dispute {
	for _, d := range f.Disputes {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// ReviewBy returns the review reviewerID left on this transaction, if any.
func (f *Family) ReviewBy(reviewerID string) *Review {
	for _, r := range f.Reviews {
		if r.ReviewerID == reviewerID {
			return r
		}
	}
	return nil
}

// IsDeleted reports whether the family was soft-deleted.
func (f *Family) IsDeleted() bool {
	return f.Transaction.DeletedAt != nil
}

// SoftDelete stamps every record in the family as deleted.
func (f *Family) SoftDelete(now time.Time) {
	ts := now
	f.Transaction.DeletedAt = &ts
	f.Transaction.UpdatedAt = now
	if f.Escrow != nil {
		f.Escrow.DeletedAt = &ts
	}
	if f.Transfer != nil {
		f.Transfer.DeletedAt = &ts
	}
	for _, d := range f.Disputes {
		d.DeletedAt = &ts
	}
	for _, r := range f.Reviews {
		r.DeletedAt = &ts
	}
}

// Clone returns a deep copy without pending side effects. Time and decimal
// pointers are shared because they are replaced, never mutated in place.
func (f *Family) Clone() *Family {
	if f == nil {
		return nil
	}
	cp := &Family{}
	if f.Transaction != nil {
		t := *f.Transaction
		cp.Transaction = &t
	}
	if f.Escrow != nil {
		e := *f.Escrow
		cp.Escrow = &e
	}
	if f.Transfer != nil {
		x := *f.Transfer
		cp.Transfer = &x
	}
	if len(f.Disputes) > 0 {
		cp.Disputes = make([]*Dispute, len(f.Disputes))
		for i, d := range f.Disputes {
			dc := *d
			cp.Disputes[i] = &dc
		}
	}
	if len(f.Reviews) > 0 {
		cp.Reviews = make([]*Review, len(f.Reviews))
		for i, r := range f.Reviews {
			rc := *r
			cp.Reviews[i] = &rc
		}
	}
	return cp
}

// withEffects returns a clone that keeps the pending side effects, so callers
// of Apply can read what was recorded.
func (f *Family) withEffects() *Family {
	cp := f.Clone()
	cp.entries = f.entries
	cp.notes = f.notes
	return cp
}
