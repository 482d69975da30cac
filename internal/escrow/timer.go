package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/chanescrow/internal/audit"
	"github.com/mbd888/chanescrow/internal/ledger"
	"github.com/mbd888/chanescrow/internal/metrics"
)

// fireTimeout bounds one auto-release attempt.
const fireTimeout = 30 * time.Second

// Timer schedules auto-release. Each active account gets an in-process
// timer at its AutoReleaseAt; a periodic sweep over the ledger catches
// anything a restart or a missed timer left behind, so delivery is
// at-least-once.
type Timer struct {
	service  *Service
	store    ledger.Store
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	gen   uint64
	armed map[string]armedTimer

	stop    chan struct{}
	running atomic.Bool
}

type armedTimer struct {
	timer *time.Timer
	gen   uint64
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, store ledger.Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		armed:    make(map[string]armedTimer),
		stop:     make(chan struct{}, 1),
	}
}

// Arm schedules auto-release of txID at at, replacing any earlier schedule.
func (t *Timer) Arm(txID string, at time.Time) {
	if t == nil {
		return
	}
	delay := at.Sub(t.service.Now())
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.armed[txID]; ok {
		old.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed[txID] = armedTimer{
		timer: time.AfterFunc(delay, func() { t.fire(txID, gen) }),
		gen:   gen,
	}
	metrics.ArmedTimers.Set(float64(len(t.armed)))
}

// Cancel drops the schedule of txID, if any.
func (t *Timer) Cancel(txID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.armed[txID]; ok {
		old.timer.Stop()
		delete(t.armed, txID)
		metrics.ArmedTimers.Set(float64(len(t.armed)))
	}
}

// Sync arms or cancels the timer of a committed family so the schedule
// matches its escrow: armed while active with a deadline, cancelled otherwise.
func (t *Timer) Sync(f *ledger.Family) {
	if t == nil || f == nil || f.Transaction == nil {
		return
	}
	a := f.Escrow
	if a != nil && !f.IsDeleted() && a.Status == ledger.EscrowActive && a.AutoReleaseAt != nil {
		t.Arm(f.Transaction.ID, *a.AutoReleaseAt)
		return
	}
	t.Cancel(f.Transaction.ID)
}

// Armed reports whether txID has a pending schedule.
func (t *Timer) Armed(txID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.armed[txID]
	return ok
}

// Len returns the number of armed timers.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.armed)
}

func (t *Timer) fire(txID string, gen uint64) {
	t.mu.Lock()
	if cur, ok := t.armed[txID]; ok && cur.gen == gen {
		delete(t.armed, txID)
		metrics.ArmedTimers.Set(float64(len(t.armed)))
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	t.safeAutoRelease(audit.WithActor(ctx, audit.ActorSystem, "escrow-timer"), txID)
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. The first
// sweep runs immediately so accounts that came due while the process was
// down are handled at startup. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			t.cancelAll()
			return
		case <-t.stop:
			t.cancelAll()
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, a := range t.armed {
		a.timer.Stop()
		delete(t.armed, id)
	}
	metrics.ArmedTimers.Set(0)
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(audit.WithActor(ctx, audit.ActorSystem, "escrow-timer"))
}

// Sweep auto-releases every account that is due now and returns how many
// were processed.
func (t *Timer) Sweep(ctx context.Context) int {
	due, err := t.store.ListDueAutoRelease(ctx, t.service.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return 0
	}
	for _, a := range due {
		t.safeAutoRelease(ctx, a.TransactionID)
	}
	return len(due)
}

func (t *Timer) safeAutoRelease(ctx context.Context, txID string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow auto-release", "transactionId", txID, "panic", fmt.Sprint(r))
		}
	}()
	if err := t.service.AutoRelease(ctx, txID); err != nil {
		t.logger.Warn("auto-release failed", "transactionId", txID, "error", err)
	}
}
