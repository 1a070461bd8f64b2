package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antifraudhub/antifraudhub/internal/idgen"
)

// slidingWindow trims entries older than the window, then admits the request
// if fewer than limit remain. KEYS[1] = bucket; ARGV = now_ms, window_ms,
// limit, member.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local current = redis.call('ZCARD', key)
if current >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Redis is a sliding-window limiter shared by every api replica.
type Redis struct {
	client redis.Scripter
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedis creates a limiter admitting limit requests per window per key.
func NewRedis(client redis.Scripter, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, limit: limit, window: window, prefix: "antifraud:ratelimit:", now: time.Now}
}

// Dial parses a redis:// URL and checks connectivity.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Name implements Backend.
func (r *Redis) Name() string { return "redis" }

// Allow implements Backend.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit, idgen.New()).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res == 1, nil
}
