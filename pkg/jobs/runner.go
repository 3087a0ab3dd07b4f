package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is the unit of work executed on each tick.
type TaskFunc func(ctx context.Context) error

// Runner executes a named task on a fixed interval. Each runner owns
// its failure handling: a failing tick is logged and the next tick
// still fires, so one misbehaving task never blocks the others.
type Runner struct {
	name     string
	interval time.Duration
	task     TaskFunc
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRunner builds a periodic runner for the given task.
func NewRunner(name string, interval time.Duration, task TaskFunc, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger,
	}
}

// Start begins periodic execution. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()
	r.started = true
	r.logger.Sugar().Infow("task runner started", "task", r.name, "interval", r.interval)
}

// Stop cancels the runner and waits for the loop to exit. A tick in
// flight finishes; the runner is safe to interrupt between cycles.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Sugar().Infow("task runner stopped", "task", r.name)
}

func (r *Runner) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.task(r.ctx); err != nil {
				r.logger.Sugar().Warnw("task tick failed", "task", r.name, "error", err)
			}
		}
	}
}

// RunOnce schedules fn after the given delay, respecting ctx
// cancellation. Used for one-shot deferred work such as purging a
// retired signing secret at grace expiry.
func RunOnce(ctx context.Context, name string, delay time.Duration, fn TaskFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := fn(ctx); err != nil {
				logger.Sugar().Warnw("deferred task failed", "task", name, "error", err)
			}
		}
	}()
}
