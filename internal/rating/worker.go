package rating

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker periodically retries rating recomputations that failed after
// their review was committed.
type Worker struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a rating retry worker.
func NewWorker(service *Service, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Start runs the retry loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if left := w.service.RetryStale(ctx); left > 0 {
				w.logger.Warn("ratings still stale after retry", "count", left)
			}
		}
	}
}

// Running reports whether the retry loop is running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}
