package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/evreserve/internal/reservation/domain"
)

const defaultLockPrefix = "lock:slot:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var fenceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PTTL", KEYS[1])
end
return -2
`)

// RedisLockerConfig configures lock lifetime and retry pacing.
type RedisLockerConfig struct {
	Prefix string
	// TTL bounds how long a crashed holder can block a connector group.
	TTL        time.Duration
	Backoff    time.Duration
	MaxBackoff time.Duration
	// FenceMargin is withheld from the remaining TTL when bounding fenced
	// writes, covering clock drift and the write's own round trip.
	FenceMargin time.Duration
}

// RedisLocker is a SlotLocker shared by every replica, built on SET NX PX
// with a per-holder token.
type RedisLocker struct {
	client redis.Cmdable
	cfg    RedisLockerConfig
	logger *zap.Logger
}

// NewRedisLocker constructs the locker.
func NewRedisLocker(client redis.Cmdable, cfg RedisLockerConfig, logger *zap.Logger) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultLockPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.FenceMargin <= 0 || cfg.FenceMargin >= cfg.TTL {
		cfg.FenceMargin = cfg.TTL / 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger.Named("redis_locker")}
}

// Acquire retries SET NX with exponential backoff until the lock is taken or ctx ends.
func (r *RedisLocker) Acquire(ctx context.Context, key domain.SlotKey) (domain.SlotLock, error) {
	started := time.Now()
	redisKey := r.cfg.Prefix + key.String()
	token := uuid.NewString()
	backoff := r.cfg.Backoff

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.cfg.TTL).Result()
		if err != nil {
			observe("redis", "error", started)
			return nil, fmt.Errorf("%w: redis setnx: %v", domain.ErrUnavailable, err)
		}
		if ok {
			observe("redis", "acquired", started)
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			observe("redis", "timeout", started)
			return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrUnavailable, key, ctx.Err())
		}
		if backoff *= 2; backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return &redisLease{locker: r, key: key, redisKey: redisKey, token: token}, nil
}

// redisLease is one holder's claim on a lock key. It lapses when the key
// expires, after which another holder may own the key.
type redisLease struct {
	locker   *RedisLocker
	key      domain.SlotKey
	redisKey string
	token    string
	once     sync.Once
}

// Fence checks that the key still carries this lease's token and bounds the
// returned context by the lease's remaining TTL less the fence margin.
func (l *redisLease) Fence(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ms, err := fenceScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token).Int64()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: redis fence: %v", domain.ErrUnavailable, err)
	}
	remaining := time.Duration(ms)*time.Millisecond - l.locker.cfg.FenceMargin
	if ms < 0 || remaining <= 0 {
		fenceLost.Inc()
		l.locker.logger.Warn("slot lock lapsed before write", zap.String("key", l.redisKey), zap.Int64("pttl_ms", ms))
		return nil, nil, fmt.Errorf("%w: lock %s lapsed", domain.ErrUnavailable, l.key)
	}
	fenced, cancel := context.WithTimeout(ctx, remaining)
	return fenced, cancel, nil
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		// The caller's context may already be cancelled; release must still run.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.locker.client, []string{l.redisKey}, l.token).Err(); err != nil {
			l.locker.logger.Warn("release slot lock", zap.String("key", l.redisKey), zap.Error(err))
		}
	})
}
