package offers

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/ledger"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const offerColumns = `id, listing_id, channel_id, type, buyer_id, seller_id,
	asking_price, amount, counter_amount, agreed_amount,
	status, counter_count, max_counter_allowed, last_proposer, message,
	valid_until, accepted_at, responded_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(30,9), $8::NUMERIC(30,9), $9::NUMERIC(30,9), $10::NUMERIC(30,9),
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		o.ID, o.ListingID, o.ChannelID, string(o.Type), o.BuyerID, o.SellerID,
		o.AskingPrice, o.Amount, nullDecimal(o.CounterAmount), o.AgreedAmount,
		string(o.Status), o.CounterCount, o.MaxCounterAllowed, string(o.LastProposer), o.Message,
		o.ValidUntil, o.AcceptedAt, o.RespondedAt, o.CreatedAt, o.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrOfferExists
	}
	if err != nil {
		return apperr.Storage("insert offer", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, apperr.Storage("get offer", err)
	}
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Offer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE offers SET
			counter_amount = $2::NUMERIC(30,9), agreed_amount = $3::NUMERIC(30,9),
			status = $4, counter_count = $5, last_proposer = $6, message = $7,
			valid_until = $8, accepted_at = $9, responded_at = $10, updated_at = $11
		WHERE id = $1`,
		o.ID, nullDecimal(o.CounterAmount), o.AgreedAmount,
		string(o.Status), o.CounterCount, string(o.LastProposer), o.Message,
		o.ValidUntil, o.AcceptedAt, o.RespondedAt, o.UpdatedAt,
	)
	if err != nil {
		return apperr.Storage("update offer", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingID string, limit int) ([]*Offer, error) {
	return p.query(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE listing_id = $1 ORDER BY created_at DESC LIMIT $2`, listingID, limitOrDefault(limit))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Offer, error) {
	return p.query(ctx, `SELECT `+offerColumns+` FROM offers
		WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limitOrDefault(limit))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Storage("list offers", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, apperr.Storage("scan offer", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*Offer, error) {
	var (
		o                       Offer
		typ, status, proposer   string
		message                 sql.NullString
		counter                 decimal.NullDecimal
		acceptedAt, respondedAt sql.NullTime
	)
	err := s.Scan(&o.ID, &o.ListingID, &o.ChannelID, &typ, &o.BuyerID, &o.SellerID,
		&o.AskingPrice, &o.Amount, &counter, &o.AgreedAmount,
		&status, &o.CounterCount, &o.MaxCounterAllowed, &proposer, &message,
		&o.ValidUntil, &acceptedAt, &respondedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Type = ledger.TransactionType(typ)
	o.Status = Status(status)
	o.LastProposer = Side(proposer)
	o.Message = message.String
	if counter.Valid {
		o.CounterAmount = &counter.Decimal
	}
	o.AcceptedAt = timePtr(acceptedAt)
	o.RespondedAt = timePtr(respondedAt)
	return &o, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
