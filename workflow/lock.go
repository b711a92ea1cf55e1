package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// ErrKeyBusy means another worker holds the settlement key.
var ErrKeyBusy = errors.New("settlement key is busy")

type KeyLocker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RedisKeyLocker serializes settlement per dedup key across instances.
type RedisKeyLocker struct {
	client *redislock.Client
}

func NewRedisKeyLocker(client *redislock.Client) *RedisKeyLocker {
	return &RedisKeyLocker{client: client}
}

func (l *RedisKeyLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker not configured")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrKeyBusy
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// fresh context: the caller's may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}

type NoopLocker struct{}

func (NoopLocker) Lock(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
