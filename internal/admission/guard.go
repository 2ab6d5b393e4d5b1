package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"family-calls/pkg/utils"
)

// Guard serializes check-then-create per callee across processes.
//
// Acquire returns ok=false when another dial to the same callee holds the
// guard. Errors fail open: ok=true with a no-op release.
type Guard interface {
	Acquire(ctx context.Context, calleeID string) (release func(), ok bool)
}

// RedisGuard holds an owned slot at "dial:<calleeID>". The TTL bounds how
// long a crashed dialer can block the callee.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, log: log}
}

func (g *RedisGuard) Acquire(ctx context.Context, calleeID string) (func(), bool) {
	token, ok, err := utils.AcquireDialSlot(ctx, g.rdb, calleeID, g.ttl)
	if err != nil {
		g.log.Warn("dial guard unavailable, continuing", "callee_id", calleeID, "error", err)
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}
	return func() {
		// Release must outlive a cancelled dial context.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := utils.ReleaseDialSlot(rctx, g.rdb, calleeID, token); err != nil {
			g.log.Warn("dial guard release failed", "callee_id", calleeID, "error", err)
		}
	}, true
}

// NopGuard always admits.
type NopGuard struct{}

func (NopGuard) Acquire(context.Context, string) (func(), bool) { return func() {}, true }
