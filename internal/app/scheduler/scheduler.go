// Package scheduler runs the payment core's periodic jobs: payout
// evaluation, pending-payment polling, stale-payment timeout and credit
// expiry. Each job runs on its own ticker and never overlaps itself.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/infra/observability"
)

// Standard job names.
const (
	JobPayoutEvaluate = "payout_evaluate"
	JobPollPending    = "poll_pending"
	JobExpireStale    = "expire_stale"
	JobExpireCredits  = "expire_credits"
	JobFulfillments   = "dispatch_fulfillments"
)

// Func is one job run.
type Func func(ctx context.Context) error

// Job is a named function run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration // per run, default Interval
	Run      Func
}

// Scheduler owns a set of periodic jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]bool
	log     *zap.Logger
	wg      sync.WaitGroup
	started bool
}

// New creates an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:    make(map[string]Job),
		running: make(map[string]bool),
		log:     log.Named("scheduler"),
	}
}

// Add registers a job. Jobs with a non-positive interval are disabled but can
// still be run with RunOnce.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("scheduler: job needs a name and a func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: add %q after start", j.Name)
	}
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("scheduler: duplicate job %q", j.Name)
	}
	s.jobs[j.Name] = j
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per enabled job. Loops stop when ctx is cancelled;
// use Wait to block until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			s.log.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait blocks until every loop has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// RunOnce runs the named job immediately. It fails if the job is already
// running.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.run(ctx, j); err != nil && ctx.Err() == nil {
				s.log.Warn("job failed", zap.String("job", j.Name), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	s.mu.Lock()
	if s.running[j.Name] {
		s.mu.Unlock()
		observability.SchedulerRuns.WithLabelValues(j.Name, "skipped").Inc()
		return fmt.Errorf("scheduler: job %q already running", j.Name)
	}
	s.running[j.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.Name)
		s.mu.Unlock()
	}()

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRun(ctx, j.Run)
	observability.SchedulerRuns.WithLabelValues(j.Name, observability.Outcome(err)).Inc()
	s.log.Debug("job finished",
		zap.String("job", j.Name),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	return err
}

func safeRun(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
