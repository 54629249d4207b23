package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func startQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	q := NewQueue(opts...)
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func TestQueue_StartStop(t *testing.T) {
	q := NewQueue()

	if err := q.Issue(func(context.Context) error { return nil }); err != ErrNotRunning {
		t.Errorf("Issue() before Start = %v, want ErrNotRunning", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := q.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if !q.IsRunning() {
		t.Error("expected queue to be running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := q.Stop(ctx); err != ErrNotRunning {
		t.Errorf("second Stop() = %v, want ErrNotRunning", err)
	}
	if err := q.Issue(func(context.Context) error { return nil }); err != ErrNotRunning {
		t.Errorf("Issue() after Stop = %v, want ErrNotRunning", err)
	}
}

func TestQueue_RunsInIssueOrder(t *testing.T) {
	q := startQueue(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		if err := q.Issue(func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Issue() failed: %v", err)
		}
	}

	if err := q.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestQueue_NeverOverlaps(t *testing.T) {
	q := startQueue(t)

	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", maxActive)
	}
}

func TestQueue_DoReturnsTaskError(t *testing.T) {
	q := startQueue(t)
	boom := errors.New("boom")

	err := q.Do(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Do() = %v, want boom", err)
	}
	if q.Stats().Failed != 1 {
		t.Errorf("Stats().Failed = %d, want 1", q.Stats().Failed)
	}
}

func TestQueue_PanicRecovered(t *testing.T) {
	var gotPanic any
	q := startQueue(t, WithPanicHandler(func(v any, stack []byte) {
		gotPanic = v
	}))

	err := q.Do(context.Background(), func(context.Context) error { panic("bad task") })
	if !errors.Is(err, ErrTaskPanic) {
		t.Fatalf("Do() = %v, want ErrTaskPanic", err)
	}
	if gotPanic != "bad task" {
		t.Errorf("panic handler got %v", gotPanic)
	}

	// The worker survives.
	if err := q.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do() after panic = %v", err)
	}
}

func TestQueue_IssueErrorsReported(t *testing.T) {
	reported := make(chan error, 1)
	q := startQueue(t, WithErrorHandler(func(err error) { reported <- err }))
	boom := errors.New("boom")

	if err := q.Issue(func(context.Context) error { return boom }); err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}

	select {
	case err := <-reported:
		if !errors.Is(err, boom) {
			t.Errorf("reported %v, want boom", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task error not reported")
	}
}

func TestQueue_StopDrainsBacklog(t *testing.T) {
	q := NewQueue()
	_ = q.Start()

	release := make(chan struct{})
	ran := 0
	_ = q.Issue(func(context.Context) error {
		<-release
		return nil
	})
	for i := 0; i < 5; i++ {
		_ = q.Issue(func(context.Context) error {
			ran++
			return nil
		})
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if ran != 5 {
		t.Errorf("ran %d backlog tasks, want 5", ran)
	}
}

func TestQueue_StopTimeoutCancelsRemaining(t *testing.T) {
	q := NewQueue()
	_ = q.Start()

	started := make(chan struct{})
	_ = q.Issue(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	skipped := make(chan error, 1)
	_ = q.Issue(func(context.Context) error {
		skipped <- nil
		return nil
	})

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop() = %v, want deadline exceeded", err)
	}

	select {
	case <-skipped:
		t.Error("task after cancellation should have been skipped")
	default:
	}
}

func TestQueue_RunInlineWithoutWorker(t *testing.T) {
	var nilQueue *Queue
	ran := false
	if err := nilQueue.Run(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("nil Run() = %v, ran = %v", err, ran)
	}

	q := NewQueue()
	sentinel := errors.New("inline")
	if err := q.Run(context.Background(), func(context.Context) error { return sentinel }); err != sentinel {
		t.Errorf("Run() before Start = %v, want task error", err)
	}

	_ = q.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	ran = false
	if err := q.Run(ctx, func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Errorf("Run() after Stop = %v, ran = %v", err, ran)
	}
}

func TestQueue_RunWaitsForBacklog(t *testing.T) {
	q := startQueue(t)

	release := make(chan struct{})
	_ = q.Issue(func(context.Context) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(context.Background(), func(context.Context) error { return nil })
	}()

	select {
	case <-done:
		t.Fatal("Run() returned while an earlier task was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after the backlog drained")
	}
}
