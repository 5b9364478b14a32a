package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/slotbook/paycore/internal/infra/observability"
)

func TestAdd_Validation(t *testing.T) {
	s := New(zap.NewNop())
	noop := func(context.Context) error { return nil }

	if err := s.Add(Job{Run: noop}); err == nil {
		t.Error("Add() without name should fail")
	}
	if err := s.Add(Job{Name: "x"}); err == nil {
		t.Error("Add() without func should fail")
	}
	if err := s.Add(Job{Name: "x", Run: noop}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := s.Add(Job{Name: "x", Run: noop}); err == nil {
		t.Error("Add() duplicate should fail")
	}
}

func TestJobs_Sorted(t *testing.T) {
	s := New(zap.NewNop())
	noop := func(context.Context) error { return nil }
	for _, name := range []string{JobPollPending, JobExpireCredits, JobPayoutEvaluate} {
		if err := s.Add(Job{Name: name, Run: noop}); err != nil {
			t.Fatalf("Add(%s) error: %v", name, err)
		}
	}
	want := []string{JobExpireCredits, JobPayoutEvaluate, JobPollPending}
	if got := s.Jobs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Jobs() = %v, want %v", got, want)
	}
}

func TestStart_RunsOnInterval(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	if err := s.Add(Job{Name: "tick", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.Wait()

	if runs.Load() < 3 {
		t.Errorf("runs = %d, want >= 3", runs.Load())
	}
	if err := s.Add(Job{Name: "late", Run: func(context.Context) error { return nil }}); err == nil {
		t.Error("Add() after Start should fail")
	}
}

func TestStart_DisabledJobDoesNotRun(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Add(Job{Name: "off", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Wait()

	if runs.Load() != 0 {
		t.Errorf("runs = %d, want 0", runs.Load())
	}
	if err := s.RunOnce(context.Background(), "off"); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs after RunOnce = %d, want 1", runs.Load())
	}
}

func TestRunOnce_RecordsOutcome(t *testing.T) {
	s := New(zap.NewNop())
	boom := errors.New("boom")
	s.Add(Job{Name: "fails", Run: func(context.Context) error { return boom }})

	before := testutil.ToFloat64(observability.SchedulerRuns.WithLabelValues("fails", "error"))
	if err := s.RunOnce(context.Background(), "fails"); !errors.Is(err, boom) {
		t.Fatalf("RunOnce() error = %v, want %v", err, boom)
	}
	after := testutil.ToFloat64(observability.SchedulerRuns.WithLabelValues("fails", "error"))
	if after-before != 1 {
		t.Errorf("error runs delta = %v, want 1", after-before)
	}
}

func TestRunOnce_Unknown(t *testing.T) {
	s := New(zap.NewNop())
	if err := s.RunOnce(context.Background(), "nope"); err == nil {
		t.Error("RunOnce() unknown job should fail")
	}
}

func TestRunOnce_PanicIsContained(t *testing.T) {
	s := New(zap.NewNop())
	s.Add(Job{Name: "panics", Run: func(context.Context) error { panic("bad") }})
	if err := s.RunOnce(context.Background(), "panics"); err == nil {
		t.Error("RunOnce() should report the panic as an error")
	}
}

func TestRunOnce_NoOverlap(t *testing.T) {
	s := New(zap.NewNop())
	started := make(chan struct{})
	release := make(chan struct{})
	s.Add(Job{Name: "slow", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background(), "slow") }()
	<-started

	if err := s.RunOnce(context.Background(), "slow"); err == nil {
		t.Error("concurrent RunOnce() should fail")
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first RunOnce() error: %v", err)
	}
}

func TestRunOnce_TimeoutApplied(t *testing.T) {
	s := New(zap.NewNop())
	s.Add(Job{Name: "bounded", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	if err := s.RunOnce(context.Background(), "bounded"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunOnce() error = %v, want deadline exceeded", err)
	}
}
