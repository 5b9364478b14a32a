// Package executor runs best-effort side effects outside ledger transactions.
//
// Notifications, cashback accrual and post-payment payout evaluation must
// never roll back or block the state change that triggered them. Callers
// submit them here after commit:
//  1. Submit returns immediately; the task waits for a free slot
//  2. Each task runs with its own timeout, detached from the caller's context
//  3. Errors and panics are logged and counted, never returned to the caller
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/infra/observability"
)

// Task is one side effect.
type Task func(ctx context.Context) error

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("executor stopped")

// Config controls executor behavior.
type Config struct {
	MaxConcurrent  int           // Maximum concurrent tasks (default: 4)
	DefaultTimeout time.Duration // Per-task timeout (default: 30s)
	Inline         bool          // Run tasks synchronously in Submit (tests, CLI one-shots)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		DefaultTimeout: 30 * time.Second,
	}
}

// Executor manages side-effect execution.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	log       *zap.Logger
	sem       chan struct{} // Concurrency semaphore
	wg        sync.WaitGroup
	base      context.Context
	cancel    context.CancelFunc
	stopped   bool
	queued    int
	active    int
	completed int64
	failed    int64
}

// New creates an executor.
func New(cfg Config, log *zap.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Executor{
		config: cfg,
		log:    log.Named("executor"),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		base:   base,
		cancel: cancel,
	}
}

// Submit schedules task under name. It never blocks on the task itself.
func (e *Executor) Submit(name string, task Task) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.log.Warn("task dropped after shutdown", zap.String("task", name))
		return ErrStopped
	}
	e.queued++
	e.wg.Add(1)
	e.mu.Unlock()

	if e.config.Inline {
		e.run(name, task)
		return nil
	}
	go e.run(name, task)
	return nil
}

// run waits for a slot and executes task.
func (e *Executor) run(name string, task Task) {
	defer e.wg.Done()

	select {
	case e.sem <- struct{}{}:
	case <-e.base.Done():
		e.mu.Lock()
		e.queued--
		e.failed++
		e.mu.Unlock()
		e.log.Warn("task cancelled before start", zap.String("task", name))
		observability.ExecutorTasks.WithLabelValues(name, "cancelled").Inc()
		return
	}
	defer func() { <-e.sem }() // Release concurrency slot

	e.mu.Lock()
	e.queued--
	e.active++
	e.mu.Unlock()
	observability.ExecutorInFlight.Inc()

	err := e.invoke(name, task)

	observability.ExecutorInFlight.Dec()
	e.mu.Lock()
	e.active--
	if err != nil {
		e.failed++
	} else {
		e.completed++
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error("task failed", zap.String("task", name), zap.Error(err))
		observability.ExecutorTasks.WithLabelValues(name, "failed").Inc()
		return
	}
	observability.ExecutorTasks.WithLabelValues(name, "ok").Inc()
}

func (e *Executor) invoke(name string, task Task) (err error) {
	ctx, cancel := context.WithTimeout(e.base, e.config.DefaultTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
	}()
	return task(ctx)
}

// Wait blocks until every submitted task has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones until ctx ends,
// then cancels whatever is still running or queued.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns executor statistics.
type Stats struct {
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Queued:    e.queued,
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of currently executing tasks.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
