package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript releases a lock only if the caller still holds it. Deleting
// unconditionally would let a worker that overran its TTL release someone
// else's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0
`)

// PRLock serializes reviews per pull request across workers. The scheduler's
// ordering guarantee (one writer per review) rests on it.
type PRLock struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewPRLock(rdb redis.Cmdable, ttl time.Duration) *PRLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PRLock{rdb: rdb, ttl: ttl}
}

func lockKey(repoID int64, pr int) string {
	return fmt.Sprintf("lock:pr:%d:%d", repoID, pr)
}

// Acquire takes the PR's lock. Returns a release token, or "" when the lock
// is held elsewhere.
func (l *PRLock) Acquire(ctx context.Context, repoID int64, pr int) (string, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(repoID, pr), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire pr lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release drops the lock if token still owns it.
func (l *PRLock) Release(ctx context.Context, repoID int64, pr int, token string) error {
	return unlockScript.Run(ctx, l.rdb, []string{lockKey(repoID, pr)}, token).Err()
}
