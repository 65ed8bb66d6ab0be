package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter decides whether a caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// FixedWindowLimiter counts requests per key in fixed Redis-backed windows.
// Redis failures are logged and let the request through: purchases and
// payment confirmations must not depend on the cache being up.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewFixedWindowLimiter creates a limiter allowing limit calls per key in each window.
func NewFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, log *zap.Logger) (*FixedWindowLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter requires a redis client")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "storefront:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		client: client,
		prefix: prefix,
		log:    log,
		now:    time.Now,
	}, nil
}

// Allow counts a call for key. Redis errors allow the call.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		l.log.Warn("Rate limiter unavailable, allowing request", zap.String("key", redisKey), zap.Error(err))
		return true
	}
	return count <= int64(l.limit)
}

// Unlimited allows everything. It is used when no Redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) bool { return true }
