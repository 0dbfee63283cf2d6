package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"openrabbit/internal/config"
	"openrabbit/internal/reverr"
)

func testConsumerConfig() config.QueueConfig {
	return config.QueueConfig{
		FastWorkers:    1,
		SlowWorkers:    1,
		IndexWorkers:   1,
		ConvWorkers:    1,
		MaxRetries:     3,
		RetryInitial:   10 * time.Millisecond,
		RetryCap:       50 * time.Millisecond,
		SoftDeadline:   2 * time.Second,
		HardDeadline:   4 * time.Second,
		ReaperInterval: 20 * time.Millisecond,
		LockRetryDelay: 10 * time.Millisecond,
	}
}

func newTestConsumer(t *testing.T, handlers map[TaskKind]Handler) (*Consumer, *Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(rdb)
	lock := NewPRLock(rdb, time.Minute)
	keeper := NewKeeper(q, time.Hour)
	c := NewConsumer(q, lock, keeper, testConsumerConfig(), handlers)
	t.Cleanup(c.Stop)
	return c, q, mr
}

func TestConsumer_ProcessesTask(t *testing.T) {
	done := make(chan *Task, 1)
	c, q, _ := newTestConsumer(t, map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			done <- task
			return nil
		},
	})
	c.Start()

	if err := q.Enqueue(context.Background(), testTask(LaneFast, "abc")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case task := <-done:
		if task.HeadSHA != "abc" {
			t.Errorf("unexpected task %+v", task)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task never processed")
	}
}

func TestConsumer_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	done := make(chan struct{}, 1)
	c, q, _ := newTestConsumer(t, map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			if calls.Add(1) == 1 {
				return reverr.Newf(reverr.KindTransient, "flaky upstream")
			}
			done <- struct{}{}
			return nil
		},
	})
	c.Start()

	q.Enqueue(context.Background(), testTask(LaneFast, "abc"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry never ran")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestConsumer_DeadLettersNonRetryable(t *testing.T) {
	exhausted := make(chan error, 1)
	c, q, _ := newTestConsumer(t, map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			return reverr.Newf(reverr.KindInvariant, "finding with no position")
		},
	})
	c.OnExhausted = func(ctx context.Context, task *Task, err error) {
		exhausted <- err
	}
	c.Start()

	q.Enqueue(context.Background(), testTask(LaneFast, "abc"))

	select {
	case err := <-exhausted:
		if reverr.KindOf(err) != reverr.KindInvariant {
			t.Errorf("unexpected exhaustion error %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("task never dead-lettered")
	}

	if n, _ := q.Depth(context.Background(), LaneDead); n != 1 {
		t.Errorf("expected 1 dead task, got %d", n)
	}
}

func TestConsumer_DeadLettersAfterMaxRetries(t *testing.T) {
	var calls atomic.Int64
	exhausted := make(chan struct{}, 1)
	c, q, _ := newTestConsumer(t, map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			calls.Add(1)
			return reverr.Newf(reverr.KindTransient, "still down")
		},
	})
	c.OnExhausted = func(ctx context.Context, task *Task, err error) {
		exhausted <- struct{}{}
	}
	c.Start()

	q.Enqueue(context.Background(), testTask(LaneFast, "abc"))

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("task never exhausted")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestConsumer_SkipsSupersededHead(t *testing.T) {
	processed := make(chan string, 2)
	c, q, _ := newTestConsumer(t, map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			processed <- task.HeadSHA
			return nil
		},
	})

	// Both heads enqueued before the consumer starts: the second enqueue
	// records head2 as current, so the head1 task is dropped unprocessed.
	ctx := context.Background()
	q.Enqueue(ctx, testTask(LaneFast, "head1"))
	q.Enqueue(ctx, testTask(LaneFast, "head2"))
	c.Start()

	select {
	case head := <-processed:
		if head != "head2" {
			t.Errorf("expected head2 processed, got %s", head)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("nothing processed")
	}

	select {
	case head := <-processed:
		t.Errorf("superseded task processed: %s", head)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestConsumer_ReleasesIdempotencyKeyOnCompletion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(rdb)
	lock := NewPRLock(rdb, time.Minute)
	keeper := NewKeeper(q, time.Hour)
	done := make(chan struct{}, 1)
	c := NewConsumer(q, lock, keeper, testConsumerConfig(), map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			done <- struct{}{}
			return nil
		},
	})
	t.Cleanup(c.Stop)

	ctx := context.Background()
	task := testTask(LaneFast, "abc")
	if ok, _ := keeper.Acquire(ctx, task.RepoID, task.PRNumber, task.HeadSHA); !ok {
		t.Fatal("gateway acquire failed")
	}
	q.Enqueue(ctx, task)
	c.Start()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never processed")
	}

	// A completed review must free the key; a fresh delivery for the same
	// head may not stay suppressed until the TTL runs out.
	deadline := time.After(2 * time.Second)
	for {
		if ok, _ := keeper.Acquire(ctx, task.RepoID, task.PRNumber, task.HeadSHA); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("idempotency key still held after completion")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestConsumer_ReleasesIdempotencyKeyWhenEndedEarly(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(rdb)
	lock := NewPRLock(rdb, time.Minute)
	keeper := NewKeeper(q, time.Hour)
	done := make(chan struct{}, 1)
	c := NewConsumer(q, lock, keeper, testConsumerConfig(), map[TaskKind]Handler{
		KindReview: func(ctx context.Context, task *Task) error {
			done <- struct{}{}
			return reverr.Newf(reverr.KindCostCeiling, "budget gone")
		},
	})
	t.Cleanup(c.Stop)

	ctx := context.Background()
	task := testTask(LaneFast, "abc")
	keeper.Acquire(ctx, task.RepoID, task.PRNumber, task.HeadSHA)
	q.Enqueue(ctx, task)
	c.Start()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never processed")
	}

	deadline := time.After(2 * time.Second)
	for {
		if ok, _ := keeper.Acquire(ctx, task.RepoID, task.PRNumber, task.HeadSHA); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("idempotency key still held after truncated review")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestKeeper_AcquireRelease(t *testing.T) {
	q, _ := newTestQueue(t)
	keeper := NewKeeper(q, time.Hour)
	ctx := context.Background()

	ok, err := keeper.Acquire(ctx, 7, 12, "abc")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// Redelivery of the same (repo, pr, head) is suppressed.
	ok, err = keeper.Acquire(ctx, 7, 12, "abc")
	if err != nil || ok {
		t.Fatalf("duplicate acquire: ok=%v err=%v", ok, err)
	}

	// A different head is a different review.
	ok, _ = keeper.Acquire(ctx, 7, 12, "def")
	if !ok {
		t.Error("new head must acquire")
	}

	if err := keeper.Release(ctx, 7, 12, "abc"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = keeper.Acquire(ctx, 7, 12, "abc")
	if !ok {
		t.Error("released key must be acquirable again")
	}
}

func TestPRLock_MutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lock := NewPRLock(rdb, time.Minute)
	ctx := context.Background()

	token, err := lock.Acquire(ctx, 7, 12)
	if err != nil || token == "" {
		t.Fatalf("acquire: token=%q err=%v", token, err)
	}

	second, err := lock.Acquire(ctx, 7, 12)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != "" {
		t.Error("lock acquired twice")
	}

	// Another PR is independent.
	other, _ := lock.Acquire(ctx, 7, 13)
	if other == "" {
		t.Error("unrelated pr blocked")
	}

	// Releasing with a stale token must not free the lock.
	if err := lock.Release(ctx, 7, 12, "wrong-token"); err != nil {
		t.Fatalf("release wrong token: %v", err)
	}
	if got, _ := lock.Acquire(ctx, 7, 12); got != "" {
		t.Error("lock freed by stale token")
	}

	if err := lock.Release(ctx, 7, 12, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := lock.Acquire(ctx, 7, 12); got == "" {
		t.Error("lock not reacquirable after release")
	}
}
