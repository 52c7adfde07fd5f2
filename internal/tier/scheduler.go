package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gftdcojp/objtier/internal/metrics"
	"go.uber.org/zap"
)

// ErrSchedulerClosed is returned when scheduling on a scheduler that has been shut down.
var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Task is a unit of scheduled work. The context is cancelled only when the
// scheduler shuts down without draining.
type Task func(ctx context.Context)

// Scheduler runs repeating tasks. The next run of a task is timed from the
// completion of the previous one.
type Scheduler interface {
	ScheduleWithFixedDelay(name string, task Task, initialDelay, delay time.Duration) error
}

// FixedDelayScheduler runs every scheduled task on its own goroutine. Runs
// of one task never overlap, and a panicking run is logged and does not
// stop later runs.
type FixedDelayScheduler struct {
	logger *zap.Logger
	drain  bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	stop      chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewFixedDelayScheduler creates a scheduler. With drain set, Shutdown waits
// for in-flight runs to complete; otherwise their context is cancelled.
func NewFixedDelayScheduler(logger *zap.Logger, drain bool) *FixedDelayScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &FixedDelayScheduler{
		logger:    logger,
		drain:     drain,
		runCtx:    ctx,
		cancelRun: cancel,
		stop:      make(chan struct{}),
	}
}

func (s *FixedDelayScheduler) ScheduleWithFixedDelay(name string, task Task, initialDelay, delay time.Duration) error {
	if delay <= 0 {
		return fmt.Errorf("task %s: delay must be positive, got %s", name, delay)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}

	s.wg.Add(1)
	go s.loop(name, task, initialDelay, delay)

	s.logger.Info("task scheduled",
		zap.String("task", name),
		zap.Duration("initial_delay", initialDelay),
		zap.Duration("delay", delay),
	)
	return nil
}

func (s *FixedDelayScheduler) loop(name string, task Task, initialDelay, delay time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-timer.C:
		}

		s.run(name, task)

		select {
		case <-s.stop:
			return
		default:
		}
		timer.Reset(delay)
	}
}

func (s *FixedDelayScheduler) run(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskPanics.WithLabelValues(name).Inc()
			s.logger.Error("scheduled task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.StackSkip("stack", 2),
			)
		}
	}()
	task(s.runCtx)
}

// Shutdown stops scheduling further runs and waits for in-flight runs until
// ctx expires. If ctx expires first, in-flight runs are cancelled and
// ctx.Err() is returned.
func (s *FixedDelayScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
		if !s.drain {
			s.cancelRun()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRun()
		return nil
	case <-ctx.Done():
		s.cancelRun()
		return ctx.Err()
	}
}
