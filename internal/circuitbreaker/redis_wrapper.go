package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisService = "idempotency-cache"

// RedisWrapper is the idempotency cache client behind the CB_REDIS_* breaker.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
}

func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	return &RedisWrapper{
		client: client,
		cb:     newTracked("redis", redisService, ConfigFor(DepRedis), logger),
	}
}

func (rw *RedisWrapper) Ping(ctx context.Context) error {
	return guarded(ctx, rw.cb, redisService, func() error {
		return rw.client.Ping(ctx).Err()
	})
}

// Get returns the value at key, or redis.Nil. A miss is a healthy answer.
func (rw *RedisWrapper) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	hit := false
	err := guarded(ctx, rw.cb, redisService, func() error {
		b, err := rw.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		val, hit = b, err == nil
		return err
	})
	switch {
	case err != nil:
		return nil, err
	case !hit:
		return nil, redis.Nil
	}
	return val, nil
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return guarded(ctx, rw.cb, redisService, func() error {
		return rw.client.Set(ctx, key, value, ttl).Err()
	})
}

// Open reports whether calls are currently being refused.
func (rw *RedisWrapper) Open() bool { return rw.cb.State() == StateOpen }

func (rw *RedisWrapper) Close() error { return rw.client.Close() }
