package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/syncutil"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
// Families are copy-on-write: Apply mutates a clone and swaps it in, so
// readers holding an older snapshot are never affected.
type MemoryStore struct {
	mu       sync.RWMutex
	families map[string]*Family
	byEscrow map[string]string
	byDisp   map[string]string
	byOffer  map[string]string

	writers *syncutil.KeyedMutex
	audit   *audit.MemoryLog
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		families: make(map[string]*Family),
		byEscrow: make(map[string]string),
		byDisp:   make(map[string]string),
		byOffer:  make(map[string]string),
		writers:  syncutil.NewKeyedMutex(),
		audit:    audit.NewMemoryLog(),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, f *Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := f.Transaction
	if _, ok := m.families[tx.ID]; ok {
		return ErrOfferAlreadyUsed
	}
	if tx.OfferID != "" {
		if _, ok := m.byOffer[tx.OfferID]; ok {
			return ErrOfferAlreadyUsed
		}
	}
	if err := m.audit.Append(ctx, f.entries...); err != nil {
		return err
	}
	m.commitLocked(f.Clone())
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, txID string, fn ApplyFunc) (*Family, error) {
	unlock, err := m.writers.LockContext(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.RLock()
	current, ok := m.families[txID]
	m.mu.RUnlock()
	if !ok || current.IsDeleted() {
		return nil, ErrTransactionNotFound
	}

	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.audit.Append(ctx, work.entries...); err != nil {
		return nil, err
	}
	result := work.withEffects()
	work.entries, work.notes = nil, nil
	m.commitLocked(work)
	return result, nil
}

func (m *MemoryStore) commitLocked(f *Family) {
	tx := f.Transaction
	m.families[tx.ID] = f
	if tx.OfferID != "" {
		m.byOffer[tx.OfferID] = tx.ID
	}
	if f.Escrow != nil {
		m.byEscrow[f.Escrow.ID] = tx.ID
	}
	for _, d := range f.Disputes {
		m.byDisp[d.ID] = tx.ID
	}
}

func (m *MemoryStore) Get(_ context.Context, txID string) (*Family, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.families[txID]
	if !ok || f.IsDeleted() {
		return nil, ErrTransactionNotFound
	}
	return f.Clone(), nil
}

func (m *MemoryStore) lookup(index map[string]string, key string, notFound error) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txID, ok := index[key]
	if !ok {
		return "", notFound
	}
	if f := m.families[txID]; f == nil || f.IsDeleted() {
		return "", notFound
	}
	return txID, nil
}

func (m *MemoryStore) TransactionIDByEscrow(_ context.Context, escrowID string) (string, error) {
	return m.lookup(m.byEscrow, escrowID, ErrEscrowNotFound)
}

func (m *MemoryStore) TransactionIDByDispute(_ context.Context, disputeID string) (string, error) {
	return m.lookup(m.byDisp, disputeID, ErrDisputeNotFound)
}

func (m *MemoryStore) TransactionIDByOffer(_ context.Context, offerID string) (string, error) {
	return m.lookup(m.byOffer, offerID, ErrTransactionNotFound)
}

func (m *MemoryStore) OpenTransferByChannel(_ context.Context, channelID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		found  string
		newest time.Time
	)
	for id, f := range m.families {
		x := f.Transfer
		if x == nil || f.IsDeleted() || x.ChannelID != channelID {
			continue
		}
		if st := x.Status(); st != TransferPending && st != TransferInProgress {
			continue
		}
		if found == "" || x.CreatedAt.After(newest) {
			found, newest = id, x.CreatedAt
		}
	}
	if found == "" {
		return "", ErrTransferNotFound
	}
	return found, nil
}

func (m *MemoryStore) ListDueAutoRelease(_ context.Context, before time.Time, limit int) ([]*EscrowAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EscrowAccount
	for _, f := range m.families {
		e := f.Escrow
		if e == nil || f.IsDeleted() || e.Status != EscrowActive || e.AutoReleaseAt == nil {
			continue
		}
		if e.AutoReleaseAt.After(before) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AutoReleaseAt.Before(*result[j].AutoReleaseAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListReviews(_ context.Context, userID string, typ ReviewType) ([]*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Review
	for _, f := range m.families {
		if f.IsDeleted() {
			continue
		}
		for _, r := range f.Reviews {
			if r.ReviewedUserID == userID && r.Type == typ && r.Visible {
				cp := *r
				result = append(result, &cp)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter ListFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, f := range m.families {
		tx := f.Transaction
		if f.IsDeleted() {
			continue
		}
		if filter.UserID != "" && tx.BuyerID != filter.UserID && tx.SellerID != filter.UserID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AuditLog() audit.Log {
	return m.audit
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
