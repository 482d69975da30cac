package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/chanescrow/internal/apperr"
	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/metrics"
	"github.com/mbd888/chanescrow/internal/retry"
	"github.com/shopspring/decimal"
)

const (
	applyAttempts  = 4
	applyBaseDelay = 20 * time.Millisecond
)

// PostgresStore persists families in PostgreSQL. Apply takes a row lock on
// the transaction, so writers of one family are serialized across processes.
type PostgresStore struct {
	db    *sql.DB
	audit *audit.PostgresLog
}

// NewPostgresStore creates a PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, audit: audit.NewPostgresLog(db)}
}

var _ Store = (*PostgresStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// retryable reports whether err is a serialization failure or deadlock.
func retryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return true
		}
	}
	return false
}

func (p *PostgresStore) Create(ctx context.Context, f *Family) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin create", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertTransaction(ctx, tx, f.Transaction); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOfferAlreadyUsed
		}
		return apperr.Storage("insert transaction", err)
	}
	if err := p.writeChildren(ctx, tx, f); err != nil {
		return err
	}
	for _, e := range f.entries {
		if err := audit.Insert(ctx, tx, e); err != nil {
			return apperr.Storage("insert audit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage("commit create", err)
	}
	return nil
}

func (p *PostgresStore) Apply(ctx context.Context, txID string, fn ApplyFunc) (*Family, error) {
	var result *Family
	attempt := 0
	err := retry.Do(ctx, applyAttempts, applyBaseDelay, func() error {
		if attempt > 0 {
			metrics.LedgerApplyRetries.Inc()
		}
		attempt++
		f, err := p.applyOnce(ctx, txID, fn)
		if err != nil {
			if retryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		result = f
		return nil
	})
	if err != nil {
		if retryable(err) {
			return nil, apperr.Storage("apply", err)
		}
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) applyOnce(ctx context.Context, txID string, fn ApplyFunc) (*Family, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Storage("begin apply", err)
	}
	defer func() { _ = tx.Rollback() }()

	f, err := p.load(ctx, tx, txID, true)
	if err != nil {
		return nil, err
	}
	if f.IsDeleted() {
		return nil, ErrTransactionNotFound
	}
	if err := fn(f); err != nil {
		return nil, err
	}

	if err := updateTransaction(ctx, tx, f.Transaction); err != nil {
		return nil, storageErr("update transaction", err)
	}
	if err := p.writeChildren(ctx, tx, f); err != nil {
		return nil, err
	}
	for _, e := range f.entries {
		if err := audit.Insert(ctx, tx, e); err != nil {
			return nil, storageErr("insert audit", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit apply", err)
	}
	return f, nil
}

// storageErr keeps retryable pq errors bare so Apply can retry them.
func storageErr(op string, err error) error {
	if retryable(err) {
		return err
	}
	return apperr.Storage(op, err)
}

func (p *PostgresStore) writeChildren(ctx context.Context, q querier, f *Family) error {
	if f.Escrow != nil {
		if err := upsertEscrow(ctx, q, f.Escrow); err != nil {
			return storageErr("upsert escrow", err)
		}
	}
	if f.Transfer != nil {
		if err := upsertTransfer(ctx, q, f.Transfer); err != nil {
			return storageErr("upsert transfer", err)
		}
	}
	for _, d := range f.Disputes {
		if err := upsertDispute(ctx, q, d); err != nil {
			return storageErr("upsert dispute", err)
		}
	}
	for _, r := range f.Reviews {
		if err := upsertReview(ctx, q, r); err != nil {
			return storageErr("upsert review", err)
		}
	}
	return nil
}

// Get reads the family inside one read-only repeatable-read transaction so
// every record comes from the same snapshot.
func (p *PostgresStore) Get(ctx context.Context, txID string) (*Family, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, storageErr("begin read", err)
	}
	defer func() { _ = tx.Rollback() }()

	f, err := p.load(ctx, tx, txID, false)
	if err != nil {
		return nil, err
	}
	if f.IsDeleted() {
		return nil, ErrTransactionNotFound
	}
	return f, nil
}

func (p *PostgresStore) load(ctx context.Context, q querier, txID string, forUpdate bool) (*Family, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, storageErr("load transaction", err)
	}
	f := &Family{Transaction: t}

	e, err := scanEscrow(q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_accounts WHERE transaction_id = $1`, txID))
	switch {
	case err == nil:
		f.Escrow = e
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storageErr("load escrow", err)
	}

	x, err := scanTransfer(q.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM channel_transfers WHERE transaction_id = $1`, txID))
	switch {
	case err == nil:
		f.Transfer = x
	case !errors.Is(err, sql.ErrNoRows):
		return nil, storageErr("load transfer", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1 ORDER BY created_at`, txID)
	if err != nil {
		return nil, storageErr("load disputes", err)
	}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			_ = rows.Close()
			return nil, storageErr("scan dispute", err)
		}
		f.Disputes = append(f.Disputes, d)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, storageErr("load disputes", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE transaction_id = $1 ORDER BY created_at`, txID)
	if err != nil {
		return nil, storageErr("load reviews", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, storageErr("scan review", err)
		}
		f.Reviews = append(f.Reviews, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load reviews", err)
	}
	return f, nil
}

func (p *PostgresStore) lookupID(ctx context.Context, query, key string, notFound error) (string, error) {
	var txID string
	err := p.db.QueryRowContext(ctx, query, key).Scan(&txID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound
	}
	if err != nil {
		return "", apperr.Storage("lookup", err)
	}
	return txID, nil
}

func (p *PostgresStore) TransactionIDByEscrow(ctx context.Context, escrowID string) (string, error) {
	return p.lookupID(ctx, `SELECT transaction_id FROM escrow_accounts WHERE id = $1 AND deleted_at IS NULL`, escrowID, ErrEscrowNotFound)
}

func (p *PostgresStore) TransactionIDByDispute(ctx context.Context, disputeID string) (string, error) {
	return p.lookupID(ctx, `SELECT transaction_id FROM disputes WHERE id = $1 AND deleted_at IS NULL`, disputeID, ErrDisputeNotFound)
}

func (p *PostgresStore) TransactionIDByOffer(ctx context.Context, offerID string) (string, error) {
	return p.lookupID(ctx, `SELECT id FROM transactions WHERE offer_id = $1 AND deleted_at IS NULL`, offerID, ErrTransactionNotFound)
}

func (p *PostgresStore) OpenTransferByChannel(ctx context.Context, channelID string) (string, error) {
	return p.lookupID(ctx, `
		SELECT transaction_id FROM channel_transfers
		WHERE channel_id = $1
		  AND deleted_at IS NULL AND failed_at IS NULL AND reversed_at IS NULL
		  AND NOT (ownership_transferred AND admin_rights_transferred AND gifts_transferred)
		ORDER BY created_at DESC
		LIMIT 1`, channelID, ErrTransferNotFound)
}

func (p *PostgresStore) ListDueAutoRelease(ctx context.Context, before time.Time, limit int) ([]*EscrowAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_accounts
		WHERE status = 'active' AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1 AND deleted_at IS NULL
		ORDER BY auto_release_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, apperr.Storage("list due", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowAccount
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, apperr.Storage("scan escrow", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListReviews(ctx context.Context, userID string, typ ReviewType) ([]*Review, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+reviewColumns+`
		FROM reviews
		WHERE reviewed_user_id = $1 AND type = $2 AND visible AND deleted_at IS NULL
		ORDER BY created_at`, userID, string(typ))
	if err != nil {
		return nil, apperr.Storage("list reviews", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, apperr.Storage("scan review", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE deleted_at IS NULL
		  AND ($1 = '' OR buyer_id = $1 OR seller_id = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, filter.UserID, string(filter.Status), limit)
	if err != nil {
		return nil, apperr.Storage("list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, apperr.Storage("scan transaction", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AuditLog() audit.Log {
	return p.audit
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- rows ---

const transactionColumns = `id, type, offer_id, listing_id, channel_id, buyer_id, seller_id,
	amount, fee_amount, escrow_amount, final_amount, status,
	from_address, to_address, payment_ref, dispute_id, is_disputed,
	created_at, updated_at, completed_at, deleted_at`

func insertTransaction(ctx context.Context, q querier, t *Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, string(t.Type), nullString(t.OfferID), t.ListingID, nullString(t.ChannelID), t.BuyerID, t.SellerID,
		t.Amount, t.FeeAmount, t.EscrowAmount, t.FinalAmount, string(t.Status),
		nullString(t.FromAddress), nullString(t.ToAddress), nullString(t.PaymentRef), nullString(t.DisputeID), t.IsDisputed,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt), nullTime(t.DeletedAt),
	)
	return err
}

func updateTransaction(ctx context.Context, q querier, t *Transaction) error {
	_, err := q.ExecContext(ctx, `
		UPDATE transactions SET
			escrow_amount = $1, final_amount = $2, status = $3,
			from_address = $4, to_address = $5, payment_ref = $6,
			dispute_id = $7, is_disputed = $8,
			updated_at = $9, completed_at = $10, deleted_at = $11
		WHERE id = $12`,
		t.EscrowAmount, t.FinalAmount, string(t.Status),
		nullString(t.FromAddress), nullString(t.ToAddress), nullString(t.PaymentRef),
		nullString(t.DisputeID), t.IsDisputed,
		t.UpdatedAt, nullTime(t.CompletedAt), nullTime(t.DeletedAt),
		t.ID,
	)
	return err
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ, status                                       string
		offerID, channelID, from, to, paymentRef, dispute sql.NullString
		completedAt, deletedAt                            sql.NullTime
	)
	err := s.Scan(&t.ID, &typ, &offerID, &t.ListingID, &channelID, &t.BuyerID, &t.SellerID,
		&t.Amount, &t.FeeAmount, &t.EscrowAmount, &t.FinalAmount, &status,
		&from, &to, &paymentRef, &dispute, &t.IsDisputed,
		&t.CreatedAt, &t.UpdatedAt, &completedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TransactionType(typ)
	t.Status = TransactionStatus(status)
	t.OfferID = offerID.String
	t.ChannelID = channelID.String
	t.FromAddress = from.String
	t.ToAddress = to.String
	t.PaymentRef = paymentRef.String
	t.DisputeID = dispute.String
	t.CompletedAt = timePtr(completedAt)
	t.DeletedAt = timePtr(deletedAt)
	return t, nil
}

const escrowColumns = `id, transaction_id, address, amount_locked, status,
	buyer_approved, seller_approved, admin_approved, approved_by,
	auto_release_at, suspended_remaining_ms, release_mode, refund_amount, refund_reason,
	released_at, refunded_at, created_at, updated_at, deleted_at`

func upsertEscrow(ctx context.Context, q querier, e *EscrowAccount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO escrow_accounts (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			buyer_approved = EXCLUDED.buyer_approved,
			seller_approved = EXCLUDED.seller_approved,
			admin_approved = EXCLUDED.admin_approved,
			approved_by = EXCLUDED.approved_by,
			auto_release_at = EXCLUDED.auto_release_at,
			suspended_remaining_ms = EXCLUDED.suspended_remaining_ms,
			release_mode = EXCLUDED.release_mode,
			refund_amount = EXCLUDED.refund_amount,
			refund_reason = EXCLUDED.refund_reason,
			released_at = EXCLUDED.released_at,
			refunded_at = EXCLUDED.refunded_at,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at`,
		e.ID, e.TransactionID, e.Address, e.AmountLocked, string(e.Status),
		e.BuyerApproved, e.SellerApproved, e.AdminApproved, nullString(e.ApprovedBy),
		nullTime(e.AutoReleaseAt), e.SuspendedRemaining.Milliseconds(), nullString(string(e.ReleaseMode)),
		e.RefundAmount, nullString(e.RefundReason),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), e.CreatedAt, e.UpdatedAt, nullTime(e.DeletedAt),
	)
	return err
}

func scanEscrow(s scanner) (*EscrowAccount, error) {
	e := &EscrowAccount{}
	var (
		status                               string
		approvedBy, releaseMode, refundRsn   sql.NullString
		autoRelease, released, refunded, del sql.NullTime
		remainingMs                          int64
	)
	err := s.Scan(&e.ID, &e.TransactionID, &e.Address, &e.AmountLocked, &status,
		&e.BuyerApproved, &e.SellerApproved, &e.AdminApproved, &approvedBy,
		&autoRelease, &remainingMs, &releaseMode, &e.RefundAmount, &refundRsn,
		&released, &refunded, &e.CreatedAt, &e.UpdatedAt, &del)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.ApprovedBy = approvedBy.String
	e.ReleaseMode = ReleaseMode(releaseMode.String)
	e.RefundReason = refundRsn.String
	e.AutoReleaseAt = timePtr(autoRelease)
	e.SuspendedRemaining = time.Duration(remainingMs) * time.Millisecond
	e.ReleasedAt = timePtr(released)
	e.RefundedAt = timePtr(refunded)
	e.DeletedAt = timePtr(del)
	return e, nil
}

const transferColumns = `id, transaction_id, channel_id,
	ownership_transferred, admin_rights_transferred, gifts_transferred,
	failed_step, failure_detail, started_at, completed_at, failed_at, reversed_at,
	created_at, updated_at, deleted_at`

func upsertTransfer(ctx context.Context, q querier, x *ChannelTransfer) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO channel_transfers (`+transferColumns+`, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			ownership_transferred = channel_transfers.ownership_transferred OR EXCLUDED.ownership_transferred,
			admin_rights_transferred = channel_transfers.admin_rights_transferred OR EXCLUDED.admin_rights_transferred,
			gifts_transferred = channel_transfers.gifts_transferred OR EXCLUDED.gifts_transferred,
			failed_step = EXCLUDED.failed_step,
			failure_detail = EXCLUDED.failure_detail,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			failed_at = EXCLUDED.failed_at,
			reversed_at = EXCLUDED.reversed_at,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at,
			status = EXCLUDED.status`,
		x.ID, x.TransactionID, x.ChannelID,
		x.OwnershipTransferred, x.AdminRightsTransferred, x.GiftsTransferred,
		nullString(string(x.FailedStep)), nullString(x.FailureDetail),
		nullTime(x.StartedAt), nullTime(x.CompletedAt), nullTime(x.FailedAt), nullTime(x.ReversedAt),
		x.CreatedAt, x.UpdatedAt, nullTime(x.DeletedAt), string(x.Status()),
	)
	return err
}

func scanTransfer(s scanner) (*ChannelTransfer, error) {
	x := &ChannelTransfer{}
	var (
		failedStep, detail                        sql.NullString
		started, completed, failed, reversed, del sql.NullTime
	)
	err := s.Scan(&x.ID, &x.TransactionID, &x.ChannelID,
		&x.OwnershipTransferred, &x.AdminRightsTransferred, &x.GiftsTransferred,
		&failedStep, &detail, &started, &completed, &failed, &reversed,
		&x.CreatedAt, &x.UpdatedAt, &del)
	if err != nil {
		return nil, err
	}
	x.FailedStep = Step(failedStep.String)
	x.FailureDetail = detail.String
	x.StartedAt = timePtr(started)
	x.CompletedAt = timePtr(completed)
	x.FailedAt = timePtr(failed)
	x.ReversedAt = timePtr(reversed)
	x.DeletedAt = timePtr(del)
	return x, nil
}

const disputeColumns = `id, transaction_id, initiator_id, respondent_id, type, reason, description,
	status, priority, resolution, refund_amount, resolved_by, resolver_notes, reviewer_id,
	created_at, updated_at, resolved_at, closed_at, deleted_at`

func upsertDispute(ctx context.Context, q querier, d *Dispute) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			resolution = EXCLUDED.resolution,
			refund_amount = EXCLUDED.refund_amount,
			resolved_by = EXCLUDED.resolved_by,
			resolver_notes = EXCLUDED.resolver_notes,
			reviewer_id = EXCLUDED.reviewer_id,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at,
			closed_at = EXCLUDED.closed_at,
			deleted_at = EXCLUDED.deleted_at`,
		d.ID, d.TransactionID, d.InitiatorID, nullString(d.RespondentID), string(d.Type), d.Reason, nullString(d.Description),
		string(d.Status), string(d.Priority), nullString(string(d.Resolution)), nullDecimal(d.RefundAmount),
		nullString(d.ResolvedBy), nullString(d.ResolverNotes), nullString(d.ReviewerID),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt), nullTime(d.DeletedAt),
	)
	return err
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		typ, status, priority                                     string
		respondent, desc, resolution, resolvedBy, notes, reviewer sql.NullString
		refund                                                    decimal.NullDecimal
		resolvedAt, closedAt, del                                 sql.NullTime
	)
	err := s.Scan(&d.ID, &d.TransactionID, &d.InitiatorID, &respondent, &typ, &d.Reason, &desc,
		&status, &priority, &resolution, &refund, &resolvedBy, &notes, &reviewer,
		&d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt, &del)
	if err != nil {
		return nil, err
	}
	d.Type = DisputeType(typ)
	d.Status = DisputeStatus(status)
	d.Priority = Priority(priority)
	d.RespondentID = respondent.String
	d.Description = desc.String
	d.Resolution = Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolverNotes = notes.String
	d.ReviewerID = reviewer.String
	if refund.Valid {
		amt := refund.Decimal
		d.RefundAmount = &amt
	}
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	d.DeletedAt = timePtr(del)
	return d, nil
}

const reviewColumns = `id, transaction_id, reviewer_id, reviewed_user_id, type, rating, comment, visible, created_at, deleted_at`

func upsertReview(ctx context.Context, q querier, r *Review) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reviews (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			visible = EXCLUDED.visible,
			deleted_at = EXCLUDED.deleted_at`,
		r.ID, r.TransactionID, r.ReviewerID, r.ReviewedUserID, string(r.Type), r.Rating,
		nullString(r.Comment), r.Visible, r.CreatedAt, nullTime(r.DeletedAt),
	)
	return err
}

func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var (
		typ     string
		comment sql.NullString
		del     sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.TransactionID, &r.ReviewerID, &r.ReviewedUserID, &typ, &r.Rating,
		&comment, &r.Visible, &r.CreatedAt, &del); err != nil {
		return nil, err
	}
	r.Type = ReviewType(typ)
	r.Comment = comment.String
	r.DeletedAt = timePtr(del)
	return r, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
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
