package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowScript runs the fixed-window consume atomically in Redis.
// KEYS[1] = bucket key ("corridor:rl:<actor>")
// ARGV[1] = window length (ms)
// ARGV[2] = budget (max requests per window)
// ARGV[3] = current unix time (ms)
var redisFixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local budget = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "window_start", "remaining")
local window_start = tonumber(state[1])
local remaining = tonumber(state[2])

if not window_start or now >= window_start + window then
    window_start = now
    remaining = budget
end

local allowed = 0
if remaining > 0 then
    remaining = remaining - 1
    allowed = 1
end

redis.call("HMSET", key, "window_start", window_start, "remaining", remaining)
redis.call("PEXPIRE", key, window * 2)

return {allowed, remaining}
`)

// RedisStore implements Store over a shared Redis instance, for deployments
// where more than one corridor process fronts the same actor population.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a store to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Allow executes the Lua script to check and update the window.
func (s *RedisStore) Allow(ctx context.Context, actor string, policy Policy, now time.Time) (Result, error) {
	key := fmt.Sprintf("corridor:rl:%s", actor)
	res, err := redisFixedWindowScript.Run(ctx, s.client, []string{key},
		policy.WindowMS, policy.MaxRequests, now.UnixMilli()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("redis limiter error: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	return Result{Allowed: allowed == 1, Remaining: int(remaining)}, nil
}
