// Package notify fans out user-facing notifications after ledger commits.
// Delivery itself belongs to the sinks; the core only guarantees that a
// notification is emitted once per committed transition.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/chanescrow/internal/idgen"
	"github.com/mbd888/chanescrow/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanescrow",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notifications emitted by type.",
	}, []string{"type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chanescrow",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification sink failures by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors)
}

// Type identifies a notification.
type Type string

const (
	OfferAccepted     Type = "offer_accepted"
	OfferCountered    Type = "offer_countered"
	EscrowLocked      Type = "escrow_locked"
	EscrowReleased    Type = "escrow_released"
	EscrowRefunded    Type = "escrow_refunded"
	DisputeOpened     Type = "dispute_opened"
	DisputeResolved   Type = "dispute_resolved"
	TransferCompleted Type = "transfer_completed"
	TransferFailed    Type = "transfer_failed"
)

// Notification is addressed to a single user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      Type           `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds a notification for userID.
func New(userID string, typ Type, payload map[string]any) Notification {
	return Notification{UserID: userID, Type: typ, Payload: payload}
}

// Sink delivers notifications.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Emitter dispatches to every registered sink. Emit is fire-and-forget:
// sink errors are logged and counted, never returned.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter over sinks.
func NewEmitter(logger *slog.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Emitter{sinks: sinks, logger: logger}
}

// AddSink registers another sink.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Emit delivers each notification to every sink.
func (e *Emitter) Emit(ctx context.Context, notes ...Notification) {
	if e == nil {
		return
	}
	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, n := range notes {
		if n.ID == "" {
			n.ID = idgen.WithPrefix("ntf_")
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = time.Now().UTC()
		}
		emitTotal.WithLabelValues(string(n.Type)).Inc()
		for _, s := range sinks {
			if err := s.Deliver(ctx, n); err != nil {
				emitErrors.WithLabelValues(string(n.Type)).Inc()
				e.logger.Warn("notification delivery failed", "type", n.Type, "user", n.UserID, "error", err)
			}
		}
	}
}

// LogSink writes notifications to a logger. Used when no push channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Logger.Info("notification", "id", n.ID, "type", n.Type, "user", n.UserID)
	return nil
}

// MemorySink keeps delivered notifications (for testing).
type MemorySink struct {
	mu    sync.Mutex
	notes []Notification
}

func (s *MemorySink) Deliver(_ context.Context, n Notification) error {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
	return nil
}

// All returns delivered notifications in order.
func (s *MemorySink) All() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notes))
	copy(out, s.notes)
	return out
}

// OfType returns delivered notifications of typ.
func (s *MemorySink) OfType(typ Type) []Notification {
	var out []Notification
	for _, n := range s.All() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}
