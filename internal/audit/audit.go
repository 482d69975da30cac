// Package audit records an append-only trail of every state change made to
// offers and transaction families.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mbd888/chanescrow/internal/logging"
)

// Severity grades an entry. Absorbed failures such as an auto-release that
// escalated into a dispute are recorded at warning.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
)

// Actor types.
const (
	ActorUser   = "user"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// ActorFrom returns the actor recorded in ctx. Without one the actor is the system.
func ActorFrom(ctx context.Context) (actorType, actorID string) {
	actorType = ActorSystem
	if v, ok := ctx.Value(ctxActorType).(string); ok && v != "" {
		actorType = v
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	return actorType, actorID
}

// Entry is a single audit record.
type Entry struct {
	ID            int64           `json:"id"`
	ActorType     string          `json:"actorType"`
	Actor         string          `json:"actor,omitempty"`
	Action        string          `json:"action"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	TransactionID string          `json:"transactionId,omitempty"`
	OldValues     json.RawMessage `json:"oldValues,omitempty"`
	NewValues     json.RawMessage `json:"newValues,omitempty"`
	Severity      Severity        `json:"severity"`
	RequestID     string          `json:"requestId,omitempty"`
	IPAddress     string          `json:"ipAddress,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewEntry builds an info entry for action on the given entity, taking the
// actor and request id from ctx. oldValues and newValues are marshalled as
// JSON snapshots; nil values are left empty.
func NewEntry(ctx context.Context, action, entityType, entityID string, oldValues, newValues any) *Entry {
	actorType, actorID := ActorFrom(ctx)
	e := &Entry{
		ActorType:  actorType,
		Actor:      actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OldValues:  snapshot(oldValues),
		NewValues:  snapshot(newValues),
		Severity:   SeverityInfo,
		RequestID:  logging.RequestID(ctx),
	}
	if ip, ok := ctx.Value(ctxIPAddress).(string); ok {
		e.IPAddress = ip
	}
	return e
}

// WithSeverity sets the entry severity and returns the entry.
func (e *Entry) WithSeverity(s Severity) *Entry {
	e.Severity = s
	return e
}

// ForTransaction tags the entry with its owning transaction and returns the entry.
func (e *Entry) ForTransaction(txID string) *Entry {
	e.TransactionID = txID
	return e
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	EntityType    string
	EntityID      string
	TransactionID string
	Actor         string
	Severity      Severity
	From          time.Time
	To            time.Time
	BeforeID      int64 // keyset cursor: only entries with a smaller id
	Limit         int
}

func (f Filter) matches(e *Entry) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.TransactionID != "" && e.TransactionID != f.TransactionID {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	if f.BeforeID > 0 && e.ID >= f.BeforeID {
		return false
	}
	return true
}

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// limit allows one row past MaxLimit so a page reader can probe for more.
func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLimit
	case f.Limit > MaxLimit+1:
		return MaxLimit + 1
	}
	return f.Limit
}

// Log persists audit entries. Implementations never update or delete.
type Log interface {
	Append(ctx context.Context, entries ...*Entry) error
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Recorder appends entries outside of a ledger apply. Failures are logged,
// not returned, because the state change they describe is already committed.
type Recorder struct {
	log    Log
	logger *slog.Logger
}

// NewRecorder creates a recorder over log.
func NewRecorder(log Log, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{log: log, logger: logger}
}

// Record appends entry, stamping CreatedAt when unset.
func (r *Recorder) Record(ctx context.Context, entry *Entry) {
	if r == nil || r.log == nil || entry == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.log.Append(ctx, entry); err != nil {
		r.logger.Error("audit append failed",
			"action", entry.Action, "entity", entry.EntityType, "entityId", entry.EntityID, "error", err)
	}
}

// Query proxies to the underlying log.
func (r *Recorder) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	return r.log.Query(ctx, filter)
}
