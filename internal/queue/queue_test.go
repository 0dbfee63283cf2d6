package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb), mr
}

func testTask(lane, head string) *Task {
	return &Task{
		ID:             "task-1",
		Kind:           KindReview,
		Lane:           lane,
		InstallationID: 42,
		RepoID:         7,
		Repo:           "acme/api",
		PRNumber:       12,
		HeadSHA:        head,
		BaseSHA:        "base",
		EnqueuedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testTask(LaneFast, "abc")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, _ := q.Depth(ctx, LaneFast); n != 1 {
		t.Errorf("expected depth 1, got %d", n)
	}

	got, raw, err := q.Dequeue(ctx, LaneFast, time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.Repo != "acme/api" || got.HeadSHA != "abc" {
		t.Fatalf("unexpected task %+v", got)
	}

	// Task now sits in the working list, not the lane.
	if n, _ := q.Depth(ctx, LaneFast); n != 0 {
		t.Errorf("expected empty lane, got %d", n)
	}
	if !mr.Exists("q:fast:working") {
		t.Error("expected working list entry")
	}

	if err := q.Ack(ctx, LaneFast, raw); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("q:fast:working") {
		t.Error("working list must be empty after ack")
	}
}

func TestDequeue_EmptyLaneTimesOut(t *testing.T) {
	q, _ := newTestQueue(t)
	got, _, err := q.Dequeue(context.Background(), LaneFast, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil task, got %+v", got)
	}
}

func TestReapStale_RequeuesUnackedTask(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, testTask(LaneFast, "abc"))
	if _, _, err := q.Dequeue(ctx, LaneFast, time.Second); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Worker dies without acking. maxAge 0 makes every claim stale.
	n, err := q.ReapStale(ctx, LaneFast, 0)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reaped task, got %d", n)
	}

	got, _, err := q.Dequeue(ctx, LaneFast, time.Second)
	if err != nil || got == nil {
		t.Fatalf("expected requeued task, got %v %v", got, err)
	}
	if got.HeadSHA != "abc" {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestReapStale_LeavesFreshClaims(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, testTask(LaneFast, "abc"))
	q.Dequeue(ctx, LaneFast, time.Second)

	n, err := q.ReapStale(ctx, LaneFast, time.Hour)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Errorf("fresh claim reaped: %d", n)
	}
}

func TestScheduleRetry_PromoteDelayed(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	task := testTask(LaneFast, "abc")
	task.Attempt = 1
	if err := q.ScheduleRetry(ctx, task, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n, _ := q.Depth(ctx, LaneFast); n != 0 {
		t.Errorf("delayed task must not be on the lane yet")
	}

	if err := q.PromoteDelayed(ctx, LaneFast); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, _, err := q.Dequeue(ctx, LaneFast, time.Second)
	if err != nil || got == nil {
		t.Fatalf("expected promoted task, got %v %v", got, err)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt not preserved: %+v", got)
	}
}

func TestPromoteDelayed_HonorsDueTime(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.ScheduleRetry(ctx, testTask(LaneFast, "abc"), time.Hour)
	q.PromoteDelayed(ctx, LaneFast)
	if n, _ := q.Depth(ctx, LaneFast); n != 0 {
		t.Errorf("future task promoted early")
	}
}

func TestDeadLetter(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, testTask(LaneFast, "abc"))
	task, raw, _ := q.Dequeue(ctx, LaneFast, time.Second)

	if err := q.DeadLetter(ctx, task, raw, "invariant"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	if n, _ := q.Depth(ctx, LaneDead); n != 1 {
		t.Errorf("expected 1 dead task, got %d", n)
	}
	if mr.Exists("q:fast:working") {
		t.Error("dead-lettered task still in working list")
	}
}

func TestCurrentHead_RecordedOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, testTask(LaneFast, "head1"))
	if got := q.CurrentHead(ctx, 7, 12); got != "head1" {
		t.Errorf("expected head1, got %q", got)
	}

	// A push supersedes: the head key tracks the newest enqueue.
	q.Enqueue(ctx, testTask(LaneFast, "head2"))
	if got := q.CurrentHead(ctx, 7, 12); got != "head2" {
		t.Errorf("expected head2, got %q", got)
	}

	if got := q.CurrentHead(ctx, 99, 1); got != "" {
		t.Errorf("expected empty head for unknown pr, got %q", got)
	}
}

func TestRetryDelay(t *testing.T) {
	initial, cap := 60*time.Second, 5*time.Minute

	d1 := RetryDelay(1, initial, cap, time.Time{})
	if d1 < 54*time.Second || d1 > 66*time.Second {
		t.Errorf("attempt 1 delay %v outside jittered initial", d1)
	}

	d3 := RetryDelay(3, initial, cap, time.Time{})
	if d3 > cap+cap/10 {
		t.Errorf("attempt 3 delay %v above cap", d3)
	}
	if d3 < d1 {
		t.Errorf("backoff not growing: %v then %v", d1, d3)
	}

	// A rate-limit reset extends the floor but never the cap.
	reset := time.Now().Add(4 * time.Minute)
	dr := RetryDelay(1, initial, cap, reset)
	if dr < 3*time.Minute || dr > cap {
		t.Errorf("reset-aware delay %v not within [floor, cap]", dr)
	}
}
