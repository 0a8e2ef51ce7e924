package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/gemini_chat_gateway/internal/config"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

const (
	keyPrefix    = "chatd:limit"
	semaphoreTTL = 5 * time.Minute
)

// Limiter throttles /chat callers with a fixed one-minute window and a
// parallel request cap, both kept in redis so replicas share them.
type Limiter struct {
	client            *redis.Client
	requestsPerMinute int
	parallelRequests  int
	now               func() time.Time
}

func NewLimiter(client *redis.Client, cfg config.LimitsConfig) *Limiter {
	return &Limiter{
		client:            client,
		requestsPerMinute: cfg.RequestsPerMinute,
		parallelRequests:  cfg.ParallelRequests,
		now:               time.Now,
	}
}

// Enabled reports whether Acquire can ever refuse a request.
func (l *Limiter) Enabled() bool {
	return l != nil && l.client != nil && (l.requestsPerMinute > 0 || l.parallelRequests > 0)
}

// Acquire admits one request for caller. The returned release func must be
// called once the request completes; it is never nil.
func (l *Limiter) Acquire(ctx context.Context, caller string) (func(), error) {
	noop := func() {}
	if !l.Enabled() {
		return noop, nil
	}

	if l.requestsPerMinute > 0 {
		if err := l.countCheck(ctx, l.windowKey(caller), time.Minute, l.requestsPerMinute); err != nil {
			return noop, err
		}
	}
	if l.parallelRequests <= 0 {
		return noop, nil
	}

	semKey := fmt.Sprintf("%s:sem:%s", keyPrefix, caller)
	if err := l.semaphoreAcquire(ctx, semKey, l.parallelRequests); err != nil {
		return noop, err
	}
	return func() {
		// The request context may already be cancelled.
		l.client.Decr(context.Background(), semKey)
	}, nil
}

func (l *Limiter) windowKey(caller string) string {
	window := l.now().UTC().Unix() / 60
	return fmt.Sprintf("%s:rpm:%s:%d", keyPrefix, caller, window)
}

func (l *Limiter) countCheck(ctx context.Context, key string, ttl time.Duration, limit int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, ttl)
	}
	if int(cnt) > limit {
		return ErrLimitExceeded
	}
	return nil
}

func (l *Limiter) semaphoreAcquire(ctx context.Context, key string, max int) error {
	cnt, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, key, semaphoreTTL)
	}
	if int(cnt) > max {
		l.client.Decr(ctx, key)
		return ErrLimitExceeded
	}
	return nil
}
