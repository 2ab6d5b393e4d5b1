package signaling

import (
	"context"
	"sync"

	"family-calls/internal/calls"
)

// Channel is the change feed: committed record writes fan out to every
// subscriber of the call. Delivery is best effort; a subscriber that joins
// late or falls behind misses notifications and must re-read the record.
type Channel interface {
	Publish(ctx context.Context, ch calls.Change) error
	Subscribe(ctx context.Context, callID string) (*Subscription, error)
}

// Subscription delivers changes for one call in publish order.
// C is closed after Close or when the subscribing context ends.
type Subscription struct {
	CallID string
	C      <-chan calls.Change

	once    sync.Once
	closeFn func()
}

func newSubscription(callID string, c <-chan calls.Change, closeFn func()) *Subscription {
	return &Subscription{CallID: callID, C: c, closeFn: closeFn}
}

// Close stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
