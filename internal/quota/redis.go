// redis.go implements Ledger on Redis. All counters for one credential live
// in a single hash ("<window>:start" and "<window>:count" fields) and the
// whole multi-window check-and-consume runs as one Lua script, so the
// all-or-nothing guarantee holds across every gateway instance sharing the
// Redis: the script either increments every demanded window or none.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript checks every demanded window, then increments them all only
// if all have capacity. ARGV[1] is the key TTL in seconds; the remaining
// arguments are (window, windowStart, cap) triples. A stored start that
// differs from the demanded one means the window has rolled over, so the
// counter is treated as (and rewritten to) zero.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local n = (#ARGV - 1) / 3

for i = 0, n - 1 do
  local w = ARGV[i*3 + 2]
  local start = ARGV[i*3 + 3]
  local cap = tonumber(ARGV[i*3 + 4])
  local count = 0
  if redis.call('HGET', key, w .. ':start') == start then
    count = tonumber(redis.call('HGET', key, w .. ':count') or '0')
  end
  if count >= cap then
    return {0, w}
  end
end

for i = 0, n - 1 do
  local w = ARGV[i*3 + 2]
  local start = ARGV[i*3 + 3]
  if redis.call('HGET', key, w .. ':start') == start then
    redis.call('HINCRBY', key, w .. ':count', 1)
  else
    redis.call('HSET', key, w .. ':start', start)
    redis.call('HSET', key, w .. ':count', 1)
  end
end

redis.call('EXPIRE', key, tonumber(ARGV[1]))
return {1}
`)

// RedisLedger is the distributed Ledger implementation.
type RedisLedger struct {
	rdb redis.UniversalClient
}

// NewRedisLedger creates a RedisLedger over an established client.
func NewRedisLedger(rdb redis.UniversalClient) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func ledgerKey(credentialID string) string {
	return "kw:quota:" + credentialID
}

// Consume implements Ledger. Any Redis error is wrapped in
// ErrLedgerUnavailable so callers fail closed without inspecting driver
// error types.
func (l *RedisLedger) Consume(ctx context.Context, credentialID string, demands []Demand) (Outcome, error) {
	if len(demands) == 0 {
		return Outcome{Allowed: true}, nil
	}

	// The hash expires at the farthest window boundary; an abandoned
	// credential's counters clean themselves up.
	var ttl time.Duration
	for _, d := range demands {
		if remaining := time.Until(d.ResetAt); remaining > ttl {
			ttl = remaining
		}
	}
	ttlSeconds := int64(ttl/time.Second) + 1

	argv := make([]interface{}, 0, 1+len(demands)*3)
	argv = append(argv, ttlSeconds)
	for _, d := range demands {
		argv = append(argv, string(d.Window), d.Start.Unix(), d.Cap)
	}

	res, err := consumeScript.Run(ctx, l.rdb, []string{ledgerKey(credentialID)}, argv...).Slice()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if len(res) == 0 {
		return Outcome{}, fmt.Errorf("%w: empty script reply", ErrLedgerUnavailable)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: unexpected script reply %T", ErrLedgerUnavailable, res[0])
	}
	if allowed == 1 {
		return Outcome{Allowed: true}, nil
	}

	if len(res) < 2 {
		return Outcome{}, fmt.Errorf("%w: truncated script reply", ErrLedgerUnavailable)
	}
	denied, _ := res[1].(string)
	return Outcome{Allowed: false, Denied: Window(denied)}, nil
}

// Reset implements Ledger.
func (l *RedisLedger) Reset(ctx context.Context, credentialID string) error {
	if err := l.rdb.Del(ctx, ledgerKey(credentialID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}
