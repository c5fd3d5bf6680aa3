package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunOnce_ExecutesEveryTaskOnce(t *testing.T) {
	var a, b int32
	s := New([]Task{
		{Name: "a", Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&a, 1)
			return nil
		}},
		{Name: "b", Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&b, 1)
			return nil
		}},
	})

	s.RunOnce(context.Background(), time.Now())

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 1 {
		t.Fatalf("a=%d b=%d, want both 1", a, b)
	}
}

func TestRunOnce_OneTaskFailingDoesNotBlockOthers(t *testing.T) {
	var ran int32
	s := New([]Task{
		{Name: "failing", Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			return context.DeadlineExceeded
		}},
		{Name: "ok", Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}},
	})

	s.RunOnce(context.Background(), time.Now())

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("ran = %d, want 1 (a failing task must not block the others)", ran)
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	var count int32
	s := New([]Task{
		{Name: "ticking", Interval: 5 * time.Millisecond, Run: func(ctx context.Context, now time.Time) error {
			atomic.AddInt32(&count, 1)
			return nil
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&count) == 0 {
		t.Fatal("expected the ticking task to have fired at least once before cancellation")
	}
}

func TestWithClock_PassesOverriddenNowToTasks(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var observed time.Time
	s := New([]Task{
		{Name: "observe", Interval: time.Hour, Run: func(ctx context.Context, now time.Time) error {
			observed = now
			return nil
		}},
	}).WithClock(func() time.Time { return fixed })

	s.RunOnce(context.Background(), s.clock())

	if !observed.Equal(fixed) {
		t.Fatalf("observed now = %v, want %v", observed, fixed)
	}
}
