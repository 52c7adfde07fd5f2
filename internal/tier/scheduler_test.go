package tier_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/objtier/internal/tier"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSchedulerRunsRepeatedly(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)
	defer s.Shutdown(context.Background())

	var runs atomic.Int32
	if err := s.ScheduleWithFixedDelay("tick", func(context.Context) { runs.Add(1) }, 0, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestSchedulerNeverOverlapsRuns(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)

	var active, maxActive, runs atomic.Int32
	task := func(context.Context) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
	}
	if err := s.ScheduleWithFixedDelay("slow", task, 0, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("expected runs to be serial, saw %d concurrent", maxActive.Load())
	}
}

func TestSchedulerSurvivesPanics(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)
	defer s.Shutdown(context.Background())

	var runs atomic.Int32
	task := func(context.Context) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}
	if err := s.ScheduleWithFixedDelay("panicky", task, 0, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestSchedulerShutdownDrainsInFlightRun(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished, cancelled atomic.Bool
	task := func(ctx context.Context) {
		close(started)
		<-release
		cancelled.Store(ctx.Err() != nil)
		finished.Store(true)
	}
	if err := s.ScheduleWithFixedDelay("drain", task, 0, time.Hour); err != nil {
		t.Fatal(err)
	}
	<-started

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- s.Shutdown(context.Background()) }()

	select {
	case err := <-shutdownErr:
		t.Fatalf("shutdown returned before the run finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	if err := <-shutdownErr; err != nil {
		t.Fatal(err)
	}
	if !finished.Load() || cancelled.Load() {
		t.Fatalf("expected an uncancelled complete run, finished=%v cancelled=%v", finished.Load(), cancelled.Load())
	}
}

func TestSchedulerShutdownWithoutDrainCancelsRun(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), false)

	started := make(chan struct{})
	task := func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}
	if err := s.ScheduleWithFixedDelay("cancel", task, 0, time.Hour); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("expected the run to observe cancellation, got %v", err)
	}
}

func TestSchedulerShutdownTimeout(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)

	started := make(chan struct{})
	task := func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}
	if err := s.ScheduleWithFixedDelay("stuck", task, 0, time.Hour); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSchedulerRejectsAfterShutdown(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := s.ScheduleWithFixedDelay("late", func(context.Context) {}, 0, time.Second)
	if !errors.Is(err, tier.ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}

func TestSchedulerRejectsNonPositiveDelay(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)
	defer s.Shutdown(context.Background())
	if err := s.ScheduleWithFixedDelay("zero", func(context.Context) {}, 0, 0); err == nil {
		t.Fatal("expected an error for zero delay")
	}
}

func TestSchedulerDelaysFirstRun(t *testing.T) {
	s := tier.NewFixedDelayScheduler(zap.NewNop(), true)
	defer s.Shutdown(context.Background())

	var runs atomic.Int32
	if err := s.ScheduleWithFixedDelay("later", func(context.Context) { runs.Add(1) }, time.Hour, time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatal("task ran before its initial delay")
	}
}
