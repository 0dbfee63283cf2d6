package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"openrabbit/internal/config"
	"openrabbit/internal/metrics"
	"openrabbit/internal/reverr"
)

// Handler processes one task. The passed context carries the soft deadline;
// a handler seeing it cancel should commit what it has and return a
// canceled-kind error.
type Handler func(ctx context.Context, t *Task) error

// Consumer runs the lane worker goroutines, the delayed-set promoter and the
// stale-claim reaper.
type Consumer struct {
	q        *Queue
	lock     *PRLock
	keeper   *Keeper
	cfg      config.QueueConfig
	handlers map[TaskKind]Handler

	// OnExhausted fires when a task is dead-lettered after its last attempt.
	// The worker binary marks the review failed and posts the user notice.
	OnExhausted func(ctx context.Context, t *Task, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConsumer(q *Queue, lock *PRLock, keeper *Keeper, cfg config.QueueConfig, handlers map[TaskKind]Handler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		q:        q,
		lock:     lock,
		keeper:   keeper,
		cfg:      cfg,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Consumer) laneWorkers(lane string) int {
	switch lane {
	case LaneFast:
		return c.cfg.FastWorkers
	case LaneSlow:
		return c.cfg.SlowWorkers
	case LaneIndex:
		return c.cfg.IndexWorkers
	case LaneConversation:
		return c.cfg.ConvWorkers
	}
	return 1
}

// Start launches all lane workers plus one maintenance loop per lane.
func (c *Consumer) Start() {
	for _, lane := range Lanes {
		n := c.laneWorkers(lane)
		slog.Info("starting lane", "lane", lane, "workers", n)
		for i := 0; i < n; i++ {
			c.wg.Add(1)
			go c.worker(lane)
		}
		c.wg.Add(1)
		go c.maintain(lane)
	}
}

// Stop cancels all workers and waits for in-flight tasks to wind down.
func (c *Consumer) Stop() {
	slog.Info("stopping consumer")
	c.cancel()
	c.wg.Wait()
	slog.Info("consumer stopped")
}

func (c *Consumer) worker(lane string) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		t, raw, err := c.q.Dequeue(c.ctx, lane, 5*time.Second)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "error", err, "lane", lane)
			time.Sleep(time.Second)
			continue
		}
		if t == nil {
			continue
		}
		c.process(t, raw)
	}
}

// maintain promotes due retries and reaps claims of dead workers.
func (c *Consumer) maintain(lane string) {
	defer c.wg.Done()
	interval := c.cfg.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.q.PromoteDelayed(c.ctx, lane); err != nil && c.ctx.Err() == nil {
				slog.Error("promote delayed failed", "error", err, "lane", lane)
			}
			if n, err := c.q.ReapStale(c.ctx, lane, c.cfg.HardDeadline); err == nil && n > 0 {
				slog.Warn("reaped stale tasks", "lane", lane, "count", n)
			}
		}
	}
}

func (c *Consumer) process(t *Task, raw string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in task handler", "panic", r, "task", t.ID, "lane", t.Lane)
			c.q.DeadLetter(context.Background(), t, raw, "panic")
		}
	}()

	handler, ok := c.handlers[t.Kind]
	if !ok {
		slog.Error("no handler for task kind", "kind", t.Kind, "task", t.ID)
		c.q.DeadLetter(c.ctx, t, raw, "no_handler")
		return
	}

	// A newer head for the same PR makes this task pointless.
	if t.Kind == KindReview {
		if head := c.q.CurrentHead(c.ctx, t.RepoID, t.PRNumber); head != "" && head != t.HeadSHA {
			slog.Info("task superseded", "repo", t.Repo, "pr", t.PRNumber,
				"task_head", t.HeadSHA, "current_head", head)
			metrics.ReviewsTotal.WithLabelValues("canceled").Inc()
			c.releaseKey(t)
			c.q.Ack(c.ctx, t.Lane, raw)
			return
		}
	}

	// Per-PR ordering: one task per PR at a time, across lanes.
	token, err := c.lock.Acquire(c.ctx, t.RepoID, t.PRNumber)
	if err != nil {
		slog.Error("acquire pr lock failed", "error", err, "repo", t.Repo, "pr", t.PRNumber)
		c.q.ScheduleRetry(c.ctx, t, c.cfg.LockRetryDelay)
		c.q.Ack(c.ctx, t.Lane, raw)
		return
	}
	if token == "" {
		c.q.ScheduleRetry(c.ctx, t, c.cfg.LockRetryDelay)
		c.q.Ack(c.ctx, t.Lane, raw)
		return
	}
	defer c.lock.Release(context.Background(), t.RepoID, t.PRNumber, token)

	hardCtx, cancelHard := context.WithTimeout(c.ctx, c.cfg.HardDeadline)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, c.cfg.SoftDeadline)
	defer cancelSoft()

	start := time.Now()
	err = handler(softCtx, t)
	duration := time.Since(start)

	switch kind := reverr.KindOf(err); {
	case err == nil:
		metrics.ReviewDuration.WithLabelValues(t.Lane).Observe(duration.Seconds())
		c.releaseKey(t)
		c.q.Ack(context.Background(), t.Lane, raw)

	case kind == reverr.KindCanceled, kind == reverr.KindCostCeiling:
		// Not failures: partial results were committed by the handler.
		slog.Info("task ended early", "task", t.ID, "kind", kind.String(), "duration", duration)
		metrics.ReviewDuration.WithLabelValues(t.Lane).Observe(duration.Seconds())
		c.releaseKey(t)
		c.q.Ack(context.Background(), t.Lane, raw)

	case reverr.Retryable(err) && t.Attempt+1 < c.cfg.MaxRetries:
		t.Attempt++
		resetAt, _ := reverr.ResetOf(err)
		delay := RetryDelay(t.Attempt, c.cfg.RetryInitial, c.cfg.RetryCap, resetAt)
		slog.Warn("task failed, retrying", "error", err, "task", t.ID,
			"attempt", t.Attempt, "delay", delay)
		c.q.ScheduleRetry(context.Background(), t, delay)
		c.q.Ack(context.Background(), t.Lane, raw)

	default:
		slog.Error("task exhausted", "error", err, "task", t.ID, "attempts", t.Attempt+1)
		c.q.DeadLetter(context.Background(), t, raw, kind.String())
		c.releaseKey(t)
		if c.OnExhausted != nil {
			c.OnExhausted(context.Background(), t, err)
		}
	}
}

// releaseKey frees the idempotency key once a review reached a terminal
// status, so a genuine redelivery for the same head is not suppressed until
// the TTL runs out.
func (c *Consumer) releaseKey(t *Task) {
	if t.Kind != KindReview {
		return
	}
	if err := c.keeper.Release(context.Background(), t.RepoID, t.PRNumber, t.HeadSHA); err != nil {
		slog.Warn("releasing idempotency key failed", "error", err, "repo", t.Repo, "pr", t.PRNumber)
	}
}
