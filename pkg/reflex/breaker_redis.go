package reflex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// redisBreakerScript holds the breaker state machine in a Redis hash so that
// several runtime instances share one circuit per target. The whole
// transition runs atomically inside Redis.
//
// KEYS[1] = breaker key
// ARGV[1] = op: "allow" | "success" | "failure"
// ARGV[2] = failure threshold
// ARGV[3] = recovery timeout (ms)
// ARGV[4] = half-open max probes
// ARGV[5] = half-open successes to close
// ARGV[6] = now (unix ms)
//
// Returns {state, allowed} where allowed matters only for "allow".
var redisBreakerScript = redis.NewScript(`
local key = KEYS[1]
local op = ARGV[1]
local threshold = tonumber(ARGV[2])
local recovery_ms = tonumber(ARGV[3])
local max_probes = tonumber(ARGV[4])
local close_after = tonumber(ARGV[5])
local now = tonumber(ARGV[6])

local h = redis.call("HMGET", key, "state", "failures", "successes", "probes", "opened_at")
local state = h[1] or "CLOSED"
local failures = tonumber(h[2]) or 0
local successes = tonumber(h[3]) or 0
local probes = tonumber(h[4]) or 0
local opened_at = tonumber(h[5]) or 0

local allowed = 1

if op == "allow" then
    if state == "OPEN" then
        if now - opened_at >= recovery_ms then
            state = "HALF_OPEN"
            probes = 1
            successes = 0
        else
            allowed = 0
        end
    elseif state == "HALF_OPEN" then
        if probes >= max_probes then
            allowed = 0
        else
            probes = probes + 1
        end
    end
elseif op == "success" then
    if state == "HALF_OPEN" then
        successes = successes + 1
        if probes > 0 then probes = probes - 1 end
        if successes >= close_after then
            state = "CLOSED"
            failures = 0
            successes = 0
        end
    elseif state == "CLOSED" then
        failures = 0
    end
elseif op == "failure" then
    if state == "HALF_OPEN" then
        state = "OPEN"
        opened_at = now
        failures = 0
        probes = 0
        successes = 0
    elseif state == "CLOSED" then
        failures = failures + 1
        if failures >= threshold then
            state = "OPEN"
            opened_at = now
        end
    end
end

redis.call("HMSET", key, "state", state, "failures", failures,
    "successes", successes, "probes", probes, "opened_at", opened_at)
redis.call("PEXPIRE", key, recovery_ms * 10)

return {state, allowed}
`)

// RedisCircuitBreaker shares per-target breaker state through Redis, for
// deployments running more than one runtime instance.
type RedisCircuitBreaker struct {
	client *redis.Client
	cfg    BreakerConfig
	clock  Clock
}

var _ Breaker = (*RedisCircuitBreaker)(nil)

// NewRedisCircuitBreaker connects to Redis at addr.
func NewRedisCircuitBreaker(addr string, cfg BreakerConfig, clock Clock) *RedisCircuitBreaker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = wallClock{}
	}
	return &RedisCircuitBreaker{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		cfg:    cfg,
		clock:  clock,
	}
}

// Allow admits or rejects a call to target.
func (b *RedisCircuitBreaker) Allow(ctx context.Context, target string) error {
	state, allowed, err := b.run(ctx, target, "allow")
	if err != nil {
		return err
	}
	if !allowed {
		return fault.New(fault.CodeCircuitBreakerOpen, "target %q circuit %s", target, state)
	}
	return nil
}

// Success records a successful call to target.
func (b *RedisCircuitBreaker) Success(ctx context.Context, target string) error {
	_, _, err := b.run(ctx, target, "success")
	return err
}

// Failure records a failed call to target.
func (b *RedisCircuitBreaker) Failure(ctx context.Context, target string) error {
	_, _, err := b.run(ctx, target, "failure")
	return err
}

// State reports the target's current state.
func (b *RedisCircuitBreaker) State(ctx context.Context, target string) (CircuitState, error) {
	v, err := b.client.HGet(ctx, b.key(target), "state").Result()
	if err == redis.Nil {
		return CircuitClosed, nil
	}
	if err != nil {
		return "", fmt.Errorf("breaker state read: %w", err)
	}
	return CircuitState(v), nil
}

func (b *RedisCircuitBreaker) run(ctx context.Context, target, op string) (CircuitState, bool, error) {
	res, err := redisBreakerScript.Run(ctx, b.client, []string{b.key(target)},
		op,
		b.cfg.FailureThreshold,
		b.cfg.RecoveryTimeout.Milliseconds(),
		b.cfg.HalfOpenMaxProbes,
		b.cfg.HalfOpenSuccesses,
		b.clock.Now().UnixMilli(),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis breaker error: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return "", false, fmt.Errorf("redis breaker: unexpected reply %v", res)
	}
	state, _ := vals[0].(string)
	allowed, _ := vals[1].(int64)
	return CircuitState(state), allowed == 1, nil
}

func (b *RedisCircuitBreaker) key(target string) string {
	return "reflex:breaker:" + target
}

// Close releases the Redis connection.
func (b *RedisCircuitBreaker) Close() error {
	return b.client.Close()
}
