package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Gate serializes pipeline work across factory instances: one live
// attempt per run, a bounded number of concurrent pipelines per repo,
// and a per-repo webhook rate limit.
//
// The gate fails open: when Redis is unreachable the caller proceeds
// and a warning is logged. Exactly-once outcomes are guaranteed by the
// persisted run state, not by the locks; the gate only prevents wasted
// duplicate work.
type Gate struct {
	rdb    *redis.Client
	log    *zap.Logger
	prefix string
}

// NewGate wraps a Redis client.
func NewGate(rdb *redis.Client, log *zap.Logger) *Gate {
	return &Gate{rdb: rdb, log: log, prefix: "fixfactory:"}
}

func (g *Gate) key(parts ...string) string {
	k := g.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// RunLock is a held per-run lock. Release is safe to call on a lock
// acquired during a Redis outage; it does nothing.
type RunLock struct {
	gate  *Gate
	key   string
	token string
}

// releaseScript deletes the lock only if the caller still owns it, so a
// lock that expired and was re-acquired elsewhere is never stolen back.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release frees the run lock if this holder still owns it.
func (l *RunLock) Release(ctx context.Context) {
	if l == nil || l.key == "" {
		return
	}
	if err := releaseScript.Run(ctx, l.gate.rdb, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		l.gate.log.Warn("run lock release failed", zap.String("key", l.key), zap.Error(err))
	}
}

// AcquireRunLock takes the per-run mutex. Returns false when another
// holder has it. On Redis errors it fails open with a no-op lock.
func (g *Gate) AcquireRunLock(ctx context.Context, runKey string, ttl time.Duration) (*RunLock, bool) {
	key := g.key("lock", "run", runKey)
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		g.log.Warn("run lock unavailable, proceeding without lock",
			zap.String("run_key", runKey), zap.Error(err))
		return &RunLock{}, true
	}
	if !ok {
		return nil, false
	}
	return &RunLock{gate: g, key: key, token: token}, true
}

// acquireSlotScript takes one repo slot unless the repo is at its limit.
// The TTL caps how long crashed holders can pin a slot.
var acquireSlotScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

var releaseSlotScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 1 then
  redis.call('DEL', KEYS[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// AcquireRepoSlot takes one of the repo's pipeline slots. Returns false
// when the repo is already running at its limit.
func (g *Gate) AcquireRepoSlot(ctx context.Context, repo string, limit int, ttl time.Duration) bool {
	key := g.key("concurrency", "repo", repo)
	res, err := acquireSlotScript.Run(ctx, g.rdb, []string{key}, limit, int(ttl.Seconds())).Int()
	if err != nil {
		g.log.Warn("repo slot unavailable, allowing",
			zap.String("repo", repo), zap.Error(err))
		return true
	}
	return res == 1
}

// ReleaseRepoSlot returns a repo slot taken by AcquireRepoSlot.
func (g *Gate) ReleaseRepoSlot(ctx context.Context, repo string) {
	key := g.key("concurrency", "repo", repo)
	if err := releaseSlotScript.Run(ctx, g.rdb, []string{key}).Err(); err != nil && err != redis.Nil {
		g.log.Warn("repo slot release failed", zap.String("repo", repo), zap.Error(err))
	}
}

// RateDecision is the outcome of a rate limit check.
type RateDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// CheckRateLimit applies a sliding-window rate limit to the repo's
// webhook intake. Over-limit events are deferred via RetryAfter, never
// dropped.
func (g *Gate) CheckRateLimit(ctx context.Context, repo string, limit int, window time.Duration) RateDecision {
	key := g.key("ratelimit", "repo", repo)
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := g.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	card := pipe.ZCard(ctx, key)
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		g.log.Warn("rate limit unavailable, allowing",
			zap.String("repo", repo), zap.Error(err))
		return RateDecision{Allowed: true}
	}

	count := int(card.Val())
	if count < limit {
		return RateDecision{Allowed: true, Count: count + 1}
	}

	retryAfter := window
	oldest, err := g.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		oldestAt := time.UnixMilli(int64(oldest[0].Score))
		if d := oldestAt.Add(window).Sub(now) + time.Second; d > 0 {
			retryAfter = d
		}
	}
	return RateDecision{Allowed: false, Count: count, RetryAfter: retryAfter}
}

// Ping verifies the Redis connection.
func (g *Gate) Ping(ctx context.Context) error {
	if err := g.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}
