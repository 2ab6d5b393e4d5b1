package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig controls the shared client. The same client carries dial
// slots (short commands) and the per-call change feed (pub/sub), so the
// pool must leave room for one dedicated connection per live subscription.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize     int
	MinIdleConns int

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 50
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis builds a client and checks it with PING before returning.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

/* ===== Keys ===== */

// CallTopic is the pub/sub channel carrying change notifications for one call.
func CallTopic(callID string) string {
	return "calls:" + callID
}

// DialKey holds the dial slot for one callee.
func DialKey(calleeID string) string {
	return "dial:" + calleeID
}

/* ===== Dial slots ===== */

// releaseSlotScript deletes the slot only if the caller still owns it. A
// dialer whose slot expired must not free a slot taken by someone else.
var releaseSlotScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var errNilClient = errors.New("redis client is nil")

// AcquireDialSlot takes the per-callee dial slot for ttl. ok=false means
// another dialer holds it. The returned token is needed to release.
func AcquireDialSlot(ctx context.Context, rdb *redis.Client, calleeID string, ttl time.Duration) (token string, ok bool, err error) {
	if rdb == nil {
		return "", false, errNilClient
	}
	if calleeID == "" {
		return "", false, fmt.Errorf("callee id is required")
	}
	if ttl <= 0 {
		return "", false, fmt.Errorf("ttl must be > 0")
	}

	token = uuid.NewString()
	ok, err = rdb.SetNX(ctx, DialKey(calleeID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire dial slot: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseDialSlot frees the slot if token still owns it. Releasing an
// expired or foreign slot is a no-op.
func ReleaseDialSlot(ctx context.Context, rdb *redis.Client, calleeID, token string) error {
	if rdb == nil {
		return errNilClient
	}
	if calleeID == "" || token == "" {
		return fmt.Errorf("callee id and token are required")
	}
	if err := releaseSlotScript.Run(ctx, rdb, []string{DialKey(calleeID)}, token).Err(); err != nil {
		return fmt.Errorf("release dial slot: %w", err)
	}
	return nil
}
