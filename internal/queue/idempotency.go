package queue

import (
	"context"
	"fmt"
	"time"
)

// Keeper suppresses duplicate webhook deliveries: one review per
// (repo, pr, head) while the key lives. The TTL bounds how long a crashed
// review blocks a redelivery; terminal transitions release early.
type Keeper struct {
	q   *Queue
	ttl time.Duration
}

func NewKeeper(q *Queue, ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Keeper{q: q, ttl: ttl}
}

func reviewKey(repoID int64, pr int, head string) string {
	return fmt.Sprintf("review:%d:%d:%s", repoID, pr, head)
}

// Acquire claims the review slot. false means a delivery for this exact head
// was already accepted.
func (k *Keeper) Acquire(ctx context.Context, repoID int64, pr int, head string) (bool, error) {
	ok, err := k.q.rdb.SetNX(ctx, reviewKey(repoID, pr, head), time.Now().Format(time.RFC3339), k.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire idempotency key: %w", err)
	}
	return ok, nil
}

// Release frees the slot after the review reached a terminal status.
func (k *Keeper) Release(ctx context.Context, repoID int64, pr int, head string) error {
	return k.q.rdb.Del(ctx, reviewKey(repoID, pr, head)).Err()
}
