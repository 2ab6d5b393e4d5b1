package signaling

import (
	"context"
	"log/slog"
	"sync"

	"family-calls/internal/calls"
)

const defaultMemoryBuffer = 256

// Memory is an in-process broker. Publish never blocks: a subscriber whose
// buffer is full misses the notification, the same way a slow pub/sub
// consumer would.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memSub]struct{}
	buffer int
	log    *slog.Logger
}

type memSub struct {
	ch     chan calls.Change
	closed bool
}

func NewMemory(log *slog.Logger) *Memory {
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		subs:   make(map[string]map[*memSub]struct{}),
		buffer: defaultMemoryBuffer,
		log:    log,
	}
}

func (m *Memory) Publish(_ context.Context, ch calls.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[ch.New.ID] {
		select {
		case s.ch <- cloneChange(ch):
		default:
			m.log.Warn("signaling subscriber buffer full, dropping change", "call_id", ch.New.ID)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, callID string) (*Subscription, error) {
	s := &memSub{ch: make(chan calls.Change, m.buffer)}

	m.mu.Lock()
	if m.subs[callID] == nil {
		m.subs[callID] = make(map[*memSub]struct{})
	}
	m.subs[callID][s] = struct{}{}
	m.mu.Unlock()

	done := make(chan struct{})
	closeFn := func() {
		close(done)
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[callID], s)
		if len(m.subs[callID]) == 0 {
			delete(m.subs, callID)
		}
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
	}
	sub := newSubscription(callID, s.ch, closeFn)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()
	return sub, nil
}

// Subscribers reports how many live subscriptions a call has.
func (m *Memory) Subscribers(callID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[callID])
}

func cloneChange(ch calls.Change) calls.Change {
	out := calls.Change{New: ch.New.Clone()}
	if ch.Old != nil {
		old := ch.Old.Clone()
		out.Old = &old
	}
	return out
}
