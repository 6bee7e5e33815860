package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "mailer:lock:"
	defaultRetryDelay = 50 * time.Millisecond
)

// Compare-and-delete so a holder whose lease expired cannot release the
// next holder's lock.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Redis is a lease lock: SET NX PX with a random owner token.
type Redis struct {
	client     redis.Cmdable
	retryDelay time.Duration
	newToken   func() string
}

type RedisOption func(*Redis)

// WithRetryDelay sets how often Lock polls a held key.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(r *Redis) { r.retryDelay = d }
}

// WithTokenSource replaces the owner token generator.
func WithTokenSource(fn func() string) RedisOption {
	return func(r *Redis) { r.newToken = fn }
}

func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		retryDelay: defaultRetryDelay,
		newToken:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	k := keyPrefix + key
	token := r.newToken()
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", k, err)
	}
	if !ok {
		return nil, false, nil
	}
	return r.unlocker(k, token), true, nil
}

func (r *Redis) Lock(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	ticker := time.NewTicker(r.retryDelay)
	defer ticker.Stop()

	for {
		unlock, ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(key, token string) Unlock {
	var (
		once sync.Once
		err  error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			var n int64
			n, err = r.client.Eval(ctx, unlockScript, []string{key}, token).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				err = fmt.Errorf("release %s: %w", key, err)
				return
			}
			if n == 0 {
				err = ErrNotHeld
			}
		})
		return err
	}
}
