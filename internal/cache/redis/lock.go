package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradebot/internal/domain"
)

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked release. The router takes one lock per instrument so two
// engine processes never work the same instrument at once.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	logger   func(key string, err error)
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

// OnReleaseError installs a callback for failed releases. Release failures
// are otherwise silent; the TTL frees the key.
func (lm *LockManager) OnReleaseError(fn func(key string, err error)) {
	lm.logger = fn
}

func lockKey(name string) string {
	return key("lock", name)
}

// Acquire takes the lock for key with the given TTL. It returns
// domain.ErrLockHeld if another holder has it. The returned release function
// may be called more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be done at release time.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(rctx, lm.rdb, []string{lk}, token).Err(); err != nil && lm.logger != nil {
				lm.logger(key, err)
			}
		})
	}
	return release, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
