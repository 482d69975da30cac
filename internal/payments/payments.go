// Package payments carries payment confirmations from the blockchain
// ingestion service to the escrow manager.
package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/validation"
	"github.com/shopspring/decimal"
)

// Confirmation reports funds observed on-chain for a transaction.
type Confirmation struct {
	TransactionID string          `json:"transactionId"`
	FromAddr      string          `json:"fromAddr"`
	ToAddr        string          `json:"toAddr"`
	Amount        decimal.Decimal `json:"amount"`
	BlockRef      string          `json:"blockRef"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}

// ErrAlreadyConfirmed is returned when a transaction's funds were already
// locked against a confirmation with a different block reference.
var ErrAlreadyConfirmed = fmt.Errorf("payment already confirmed: %w", apperr.ErrDuplicate)

// Feed delivers confirmations. Await blocks until a confirmation for txID
// is available or ctx is done; callers bound the wait with a deadline.
//
// Until Settle is called for a transaction, a confirmation with a new block
// reference replaces the stored one, so a wrong-amount report can be
// corrected and the lock retried. After Settle only the settled block
// reference is accepted.
type Feed interface {
	Publish(ctx context.Context, c *Confirmation) error
	Await(ctx context.Context, txID string) (*Confirmation, error)
	Settle(ctx context.Context, txID, blockRef string) error
}

func validate(c *Confirmation) error {
	return validation.Validate(
		validation.Required("transactionId", c.TransactionID),
		validation.Required("blockRef", c.BlockRef),
		validation.PositiveAmount("amount", c.Amount),
	).Err()
}

// MemoryFeed is an in-process feed for development and tests.
type MemoryFeed struct {
	mu        sync.Mutex
	confirmed map[string]*Confirmation
	settled   map[string]bool
	waiters   map[string][]chan struct{}
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		confirmed: make(map[string]*Confirmation),
		settled:   make(map[string]bool),
		waiters:   make(map[string][]chan struct{}),
	}
}

var _ Feed = (*MemoryFeed)(nil)

// Publish stores c and wakes every waiter on its transaction. Republishing
// the same block reference is a no-op; a new one replaces an unsettled
// confirmation.
func (m *MemoryFeed) Publish(_ context.Context, c *Confirmation) error {
	if err := validate(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.confirmed[c.TransactionID]; ok {
		if prev.BlockRef == c.BlockRef {
			return nil
		}
		if m.settled[c.TransactionID] {
			return ErrAlreadyConfirmed
		}
	}
	cp := *c
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = time.Now().UTC()
	}
	m.confirmed[c.TransactionID] = &cp
	for _, ch := range m.waiters[c.TransactionID] {
		close(ch)
	}
	delete(m.waiters, c.TransactionID)
	return nil
}

func (m *MemoryFeed) Await(ctx context.Context, txID string) (*Confirmation, error) {
	m.mu.Lock()
	if c, ok := m.confirmed[txID]; ok {
		m.mu.Unlock()
		cp := *c
		return &cp, nil
	}
	ch := make(chan struct{})
	m.waiters[txID] = append(m.waiters[txID], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		m.mu.Lock()
		cp := *m.confirmed[txID]
		m.mu.Unlock()
		return &cp, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.removeWaiter(txID, ch)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Settle pins the confirmation of txID once funds were locked against it.
func (m *MemoryFeed) Settle(_ context.Context, txID, blockRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.confirmed[txID]
	if !ok {
		return fmt.Errorf("confirmation of %s %w", txID, apperr.ErrNotFound)
	}
	if c.BlockRef != blockRef {
		return ErrAlreadyConfirmed
	}
	m.settled[txID] = true
	return nil
}

func (m *MemoryFeed) removeWaiter(txID string, ch chan struct{}) {
	list := m.waiters[txID]
	for i, w := range list {
		if w == ch {
			m.waiters[txID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.waiters[txID]) == 0 {
		delete(m.waiters, txID)
	}
}
