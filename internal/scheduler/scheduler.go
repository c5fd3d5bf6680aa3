// Package scheduler runs the engine's periodic background passes:
// consolidation decay, tier migration, deduplication, pruning, and
// testing-effect due-review scanning, each on its own ticker interval and
// sharing one cancellation signal via golang.org/x/sync/errgroup.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mycelial/hiveware/internal/logging"
)

var log = logging.GetLogger("scheduler")

// Task is one periodic background pass. name is used only for logging.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, now time.Time) error
}

// Clock returns the current time; overridden in tests.
type Clock func() time.Time

// Scheduler runs a fixed set of Tasks on independent tickers until its
// context is canceled, bounding concurrency to len(tasks) goroutines. Every
// background task observes context cancellation at its next suspension
// point rather than running to completion.
type Scheduler struct {
	tasks []Task
	clock Clock
}

// New constructs a Scheduler over the given tasks.
func New(tasks []Task) *Scheduler {
	return &Scheduler{tasks: tasks, clock: time.Now}
}

// WithClock overrides the scheduler's clock (deterministic tests).
func (s *Scheduler) WithClock(clock Clock) *Scheduler {
	s.clock = clock
	return s
}

// Run blocks until ctx is canceled, then waits for every task to return.
// A task whose Run returns an error is logged and keeps ticking; it never
// stops the other tasks, and Run itself returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			return s.runTask(ctx, task)
		})
	}
	return g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, task Task) error {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := s.clock()
			if err := task.Run(ctx, now); err != nil {
				log.Warn("background task failed", "task", task.Name, "error", err)
			}
		}
	}
}

// RunOnce executes every task's Run exactly once, in registration order,
// ignoring intervals; used for deterministic tests. Errors are logged,
// not propagated: a failing
// background pass never blocks the others, the same guarantee Run gives
// via per-task tickers.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) {
	for _, task := range s.tasks {
		if err := task.Run(ctx, now); err != nil {
			log.Warn("background task failed", "task", task.Name, "error", err)
		}
	}
}
