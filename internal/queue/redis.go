package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list holding queued execution ids.
const DefaultRedisKey = "forge:executions"

// pushScript adds the id to the list only when it is not already queued.
// KEYS[1] = list, KEYS[2] = set of queued ids, ARGV[1] = execution id
var pushScript = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 1 then
    redis.call("LPUSH", KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// popScript removes the oldest id together with its queued marker so the two
// can never disagree. A nil reply means the list is empty.
// KEYS[1] = list, KEYS[2] = set of queued ids
var popScript = redis.NewScript(`
local id = redis.call("RPOP", KEYS[1])
if id then
    redis.call("SREM", KEYS[2], id)
end
return id
`)

// DefaultRedisPoll is how often an idle Pop retries while it waits.
const DefaultRedisPoll = 100 * time.Millisecond

// RedisConfig configures a Redis-backed queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Redis is a queue shared by every process connected to the same Redis.
type Redis struct {
	client *redis.Client
	list   string
	set    string
	poll   time.Duration
}

var _ Queue = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisFromClient(client, cfg.Key), nil
}

// NewRedisFromClient wraps an existing client. An empty key uses DefaultRedisKey.
func NewRedisFromClient(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, list: key, set: key + ":queued", poll: DefaultRedisPoll}
}

// Push enqueues executionID unless it is already queued.
func (r *Redis) Push(ctx context.Context, executionID string) error {
	if err := pushScript.Run(ctx, r.client, []string{r.list, r.set}, executionID).Err(); err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

// Pop waits up to timeout for the oldest id. Scripts cannot block, so an
// empty queue is polled.
func (r *Redis) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		id, err := popScript.Run(ctx, r.client, []string{r.list, r.set}).Text()
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, redis.ErrClosed):
			return "", ErrClosed
		case !errors.Is(err, redis.Nil):
			return "", fmt.Errorf("redis pop: %w", err)
		}

		wait := min(r.poll, time.Until(deadline))
		if wait <= 0 {
			return "", ErrEmpty
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// Len returns the number of queued ids.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.list).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
