package payments

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/chanescrow/internal/apperr"
)

// PostgresFeed stores confirmations in payment_confirmations and polls for
// them in Await. The ingestion service may also insert rows directly.
type PostgresFeed struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresFeed creates a feed over db polling every pollInterval.
func NewPostgresFeed(db *sql.DB, pollInterval time.Duration) *PostgresFeed {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &PostgresFeed{db: db, pollInterval: pollInterval}
}

var _ Feed = (*PostgresFeed)(nil)

func (p *PostgresFeed) Publish(ctx context.Context, c *Confirmation) error {
	if err := validate(c); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_confirmations (transaction_id, from_addr, to_addr, amount, block_ref)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE SET
			from_addr = EXCLUDED.from_addr,
			to_addr = EXCLUDED.to_addr,
			amount = EXCLUDED.amount,
			block_ref = EXCLUDED.block_ref,
			received_at = NOW()
		WHERE payment_confirmations.settled_at IS NULL
		  AND payment_confirmations.block_ref <> EXCLUDED.block_ref`,
		c.TransactionID, c.FromAddr, c.ToAddr, c.Amount, c.BlockRef,
	)
	if err != nil {
		return apperr.Storage("publish confirmation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Nothing written: either a republish of the stored block or a settled row.
	existing, err := p.lookup(ctx, c.TransactionID)
	if err != nil {
		return err
	}
	if existing != nil && existing.BlockRef == c.BlockRef {
		return nil
	}
	return ErrAlreadyConfirmed
}

// Settle marks the confirmation of txID as the one funds were locked against.
func (p *PostgresFeed) Settle(ctx context.Context, txID, blockRef string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_confirmations SET settled_at = COALESCE(settled_at, NOW())
		WHERE transaction_id = $1 AND block_ref = $2`, txID, blockRef)
	if err != nil {
		return apperr.Storage("settle confirmation", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyConfirmed
	}
	return nil
}

func (p *PostgresFeed) Await(ctx context.Context, txID string) (*Confirmation, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		c, err := p.lookup(ctx, txID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PostgresFeed) lookup(ctx context.Context, txID string) (*Confirmation, error) {
	c := &Confirmation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT transaction_id, from_addr, to_addr, amount, block_ref, received_at
		FROM payment_confirmations WHERE transaction_id = $1`, txID,
	).Scan(&c.TransactionID, &c.FromAddr, &c.ToAddr, &c.Amount, &c.BlockRef, &c.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Storage("lookup confirmation", err)
	}
	return c, nil
}
