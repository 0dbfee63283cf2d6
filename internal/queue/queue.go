// Package queue is the scheduling core: Redis-backed reliable lanes with
// working lists, delayed retries, a dead-letter sink, per-PR locking and the
// idempotency keeper. Delivery is at-least-once; a crashed worker's task is
// reaped back into its lane.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"openrabbit/internal/metrics"
)

func laneKey(lane string) string    { return "q:" + lane }
func workingKey(lane string) string { return "q:" + lane + ":working" }
func claimsKey(lane string) string  { return "q:" + lane + ":claims" }
func delayedKey(lane string) string { return "q:" + lane + ":delayed" }

func headKey(repoID int64, pr int) string {
	return fmt.Sprintf("head:%d:%d", repoID, pr)
}

// Queue owns the Redis key layout for all lanes.
type Queue struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes the task onto its lane and records the PR's newest head so
// in-flight reviews of older heads can notice they are superseded.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	raw, err := t.marshal()
	if err != nil {
		return err
	}
	if t.Kind == KindReview {
		if err := q.rdb.Set(ctx, headKey(t.RepoID, t.PRNumber), t.HeadSHA, 24*time.Hour).Err(); err != nil {
			slog.Warn("record head failed", "error", err, "repo", t.Repo, "pr", t.PRNumber)
		}
	}
	if err := q.rdb.LPush(ctx, laneKey(t.Lane), raw).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Lane, err)
	}
	q.observeDepth(ctx, t.Lane)
	return nil
}

// Dequeue blocks up to timeout for a task, moving it into the lane's working
// list. The returned raw payload is the ack handle.
func (q *Queue) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*Task, string, error) {
	raw, err := q.rdb.BLMove(ctx, laneKey(lane), workingKey(lane), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("dequeue %s: %w", lane, err)
	}
	// Claim timestamp lets the reaper find tasks whose worker died.
	if err := q.rdb.ZAdd(ctx, claimsKey(lane), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: raw,
	}).Err(); err != nil {
		slog.Warn("record claim failed", "error", err, "lane", lane)
	}
	t, err := unmarshalTask(raw)
	if err != nil {
		// Poison payload: drop it from the working list, park it in dead.
		q.rdb.LRem(ctx, workingKey(lane), 1, raw)
		q.rdb.ZRem(ctx, claimsKey(lane), raw)
		q.rdb.LPush(ctx, laneKey(LaneDead), raw)
		metrics.DeadLetters.WithLabelValues(lane, "unmarshal").Inc()
		return nil, "", err
	}
	return t, raw, nil
}

// Ack removes a completed task from the working list.
func (q *Queue) Ack(ctx context.Context, lane, raw string) error {
	if err := q.rdb.LRem(ctx, workingKey(lane), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", lane, err)
	}
	q.rdb.ZRem(ctx, claimsKey(lane), raw)
	q.observeDepth(ctx, lane)
	return nil
}

// ScheduleRetry parks the task in the lane's delayed set, due after delay.
func (q *Queue) ScheduleRetry(ctx context.Context, t *Task, delay time.Duration) error {
	raw, err := t.marshal()
	if err != nil {
		return err
	}
	due := time.Now().Add(delay)
	if err := q.rdb.ZAdd(ctx, delayedKey(t.Lane), redis.Z{
		Score:  float64(due.Unix()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry %s: %w", t.Lane, err)
	}
	metrics.TaskRetries.WithLabelValues(t.Lane).Inc()
	return nil
}

// PromoteDelayed moves due entries from the delayed set back onto the lane.
func (q *Queue) PromoteDelayed(ctx context.Context, lane string) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey(lane), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, delayedKey(lane), raw).Result()
		if err != nil || removed == 0 {
			continue // another promoter won the race
		}
		if err := q.rdb.LPush(ctx, laneKey(lane), raw).Err(); err != nil {
			slog.Error("promote delayed task failed", "error", err, "lane", lane)
		}
	}
	if len(due) > 0 {
		q.observeDepth(ctx, lane)
	}
	return nil
}

// DeadLetter parks the task in the dead sink and acks it off the lane.
func (q *Queue) DeadLetter(ctx context.Context, t *Task, raw, reason string) error {
	d, err := t.marshal()
	if err != nil {
		d = raw
	}
	if err := q.rdb.LPush(ctx, laneKey(LaneDead), d).Err(); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}
	metrics.DeadLetters.WithLabelValues(t.Lane, reason).Inc()
	return q.Ack(ctx, t.Lane, raw)
}

// ReapStale requeues working-list entries claimed longer ago than maxAge.
// These belong to workers that died without acking.
func (q *Queue) ReapStale(ctx context.Context, lane string, maxAge time.Duration) (int, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-maxAge).Unix())
	stale, err := q.rdb.ZRangeByScore(ctx, claimsKey(lane), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, raw := range stale {
		removed, err := q.rdb.LRem(ctx, workingKey(lane), 1, raw).Result()
		if err != nil || removed == 0 {
			q.rdb.ZRem(ctx, claimsKey(lane), raw)
			continue
		}
		q.rdb.ZRem(ctx, claimsKey(lane), raw)
		if err := q.rdb.LPush(ctx, laneKey(lane), raw).Err(); err != nil {
			slog.Error("requeue stale task failed", "error", err, "lane", lane)
			continue
		}
		reaped++
		slog.Warn("requeued stale task", "lane", lane)
	}
	return reaped, nil
}

// CurrentHead returns the newest head recorded for a PR, or "" if none.
func (q *Queue) CurrentHead(ctx context.Context, repoID int64, pr int) string {
	head, err := q.rdb.Get(ctx, headKey(repoID, pr)).Result()
	if err != nil {
		return ""
	}
	return head
}

// Depth returns the number of waiting tasks in a lane.
func (q *Queue) Depth(ctx context.Context, lane string) (int64, error) {
	return q.rdb.LLen(ctx, laneKey(lane)).Result()
}

func (q *Queue) observeDepth(ctx context.Context, lane string) {
	if n, err := q.rdb.LLen(ctx, laneKey(lane)).Result(); err == nil {
		metrics.QueueDepth.WithLabelValues(lane).Set(float64(n))
	}
}

// RetryDelay computes the backoff before attempt N (1-based) is retried.
// Exponential with jitter; a known rate-limit reset extends the floor.
func RetryDelay(attempt int, initial, cap time.Duration, resetAt time.Time) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = cap
	b.RandomizationFactor = 0
	b.Reset()

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > cap {
		delay = cap
	}
	// Jitter spreads synchronized retries; +/-10%.
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter

	if until := time.Until(resetAt); until > delay {
		delay = until
	}
	if delay > cap {
		delay = cap
	}
	return delay
}
