package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Execer is satisfied by *sql.DB and *sql.Tx, so the ledger store can insert
// entries inside its own transaction.
type Execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresLog writes audit entries to PostgreSQL.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates an audit log backed by PostgreSQL.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

var _ Log = (*PostgresLog)(nil)

func (l *PostgresLog) Append(ctx context.Context, entries ...*Entry) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if err := Insert(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Insert writes one entry through q and fills in its ID and CreatedAt.
func Insert(ctx context.Context, q Execer, e *Entry) error {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	row := q.QueryRowContext(ctx, `
		INSERT INTO audit_entries (
			actor_type, actor, action, entity_type, entity_id, transaction_id,
			old_values, new_values, severity, request_id, ip_address, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9, $10, $11, COALESCE($12, NOW()))
		RETURNING id, created_at`,
		e.ActorType, nullString(e.Actor), e.Action, e.EntityType, e.EntityID, nullString(e.TransactionID),
		nullJSON(e.OldValues), nullJSON(e.NewValues), string(e.Severity),
		nullString(e.RequestID), nullString(e.IPAddress), nullTime(e),
	)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (l *PostgresLog) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.EntityType != "" {
		add("entity_type = $%d", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.TransactionID != "" {
		add("transaction_id = $%d", filter.TransactionID)
	}
	if filter.Actor != "" {
		add("actor = $%d", filter.Actor)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	if filter.BeforeID > 0 {
		add("id < $%d", filter.BeforeID)
	}

	query := `SELECT id, actor_type, COALESCE(actor, ''), action, entity_type, entity_id,
		COALESCE(transaction_id, ''), COALESCE(old_values::TEXT, ''), COALESCE(new_values::TEXT, ''),
		severity, COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var oldV, newV, severity string
		if err := rows.Scan(&e.ID, &e.ActorType, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&e.TransactionID, &oldV, &newV, &severity, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Severity = Severity(severity)
		if oldV != "" {
			e.OldValues = []byte(oldV)
		}
		if newV != "" {
			e.NewValues = []byte(newV)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(e *Entry) sql.NullTime {
	return sql.NullTime{Time: e.CreatedAt, Valid: !e.CreatedAt.IsZero()}
}
