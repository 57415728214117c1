package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

const redisKeyPrefix = "jobrun:lease:"

func leaseKey(id types.JobID) string { return redisKeyPrefix + string(id) }

// 僅在值等於 owner 時續期
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// 僅在值等於 owner 時刪除
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker Redis 租約鎖；到期由 Redis key TTL 負責
type RedisLocker struct {
	client goredis.Cmdable
	ttl    time.Duration
	opts   options
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker 建立 Redis 租約鎖。呼叫方擁有 client 的生命週期
func NewRedisLocker(client goredis.Cmdable, ttl time.Duration, opts ...Option) (*RedisLocker, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &RedisLocker{client: client, ttl: ttl, opts: o}, nil
}

// AttemptLock SET NX PX；key 已存在（包含自己持有）即失敗
func (r *RedisLocker) AttemptLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, leaseKey(id), string(owner), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock/redis: attempt %s: %w", id, err)
	}
	return ok, nil
}

// UpdateLock 比對 owner 後 PEXPIRE
func (r *RedisLocker) UpdateLock(ctx context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	n, err := renewScript.Run(ctx, r.client, []string{leaseKey(id)}, string(owner), r.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("lock/redis: renew %s: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseLock 比對 owner 後 DEL
func (r *RedisLocker) ReleaseLock(ctx context.Context, id types.JobID, owner types.OwnerToken) error {
	if err := validateArgs(id, owner); err != nil {
		return err
	}
	n, err := releaseScript.Run(ctx, r.client, []string{leaseKey(id)}, string(owner)).Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("lock/redis: release %s: %w", id, err)
	}
	if n == 0 {
		r.opts.logger.Debug("release skipped, lease not held", "job_id", id, "owner", owner)
	}
	return nil
}
