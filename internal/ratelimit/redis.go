package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentPay-Chain/internal/errors"
)

// RedisConfig 描述 Redis 限流器的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

type redisCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Close() error
}

// RedisLimiter 使用 INCR + PEXPIRE 在多个实例之间共享计数。
type RedisLimiter struct {
	client redisCounter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter 连接 Redis 并创建限流器。
func NewRedisLimiter(ctx context.Context, cfg RedisConfig, limit int, window time.Duration) (*RedisLimiter, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newRedisLimiter(client, cfg.KeyPrefix, limit, window), nil
}

func newRedisLimiter(client redisCounter, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "agentpay:ratelimit:"
	}
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, now: time.Now}
}

// Allow 对当前窗口计数。首次计数时设置过期时间。
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := r.prefix + normalizeKey(key)

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 限流计数失败")
	}

	ttl := r.window
	if count == 1 {
		if err := r.client.PExpire(ctx, redisKey, r.window).Err(); err != nil {
			return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置限流窗口失败")
		}
	} else if remaining, err := r.client.PTTL(ctx, redisKey).Result(); err == nil {
		if remaining > 0 {
			ttl = remaining
		} else {
			// PTTL 为 -1 表示键没有过期时间，需要补设。
			_ = r.client.PExpire(ctx, redisKey, r.window).Err()
		}
	}

	d := Decision{Limit: r.limit, ResetAt: r.now().Add(ttl)}
	if int(count) > r.limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = r.limit - int(count)
	return d, nil
}

// Close 关闭 Redis 连接。
func (r *RedisLimiter) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Limiter = (*RedisLimiter)(nil)
