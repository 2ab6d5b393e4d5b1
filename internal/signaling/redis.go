package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"family-calls/internal/calls"
	"family-calls/pkg/utils"
)

// Redis publishes changes on "calls:<id>" with JSON payloads.
//
// IMPORTANT: Redis pub/sub is at-most-once. Subscribe waits for the
// subscription to be confirmed before returning, so a caller that subscribes
// and then writes cannot miss its peer's reaction to that write.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedis(rdb *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, log: log}
}

func (r *Redis) Publish(ctx context.Context, ch calls.Change) error {
	if ch.New.ID == "" {
		return fmt.Errorf("publish change: call id is required")
	}
	b, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := r.rdb.Publish(ctx, utils.CallTopic(ch.New.ID), b).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, callID string) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, utils.CallTopic(callID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", callID, err)
	}

	out := make(chan calls.Change, 64)
	done := make(chan struct{})
	sub := newSubscription(callID, out, func() {
		close(done)
		_ = ps.Close()
	})

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch calls.Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
					r.log.Warn("dropping malformed change", "call_id", callID, "error", err)
					continue
				}
				select {
				case out <- ch:
				case <-done:
					return
				case <-ctx.Done():
					sub.Close()
					return
				}
			}
		}
	}()
	return sub, nil
}
