package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"family-calls/internal/calls"
)

func change(id string, st calls.Status) calls.Change {
	return calls.Change{New: calls.Session{ID: id, Status: st}}
}

func TestMemory_DeliversInOrderToCallSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(nil)
	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, change("c1", calls.StatusRinging)))
	require.NoError(t, b.Publish(ctx, change("c2", calls.StatusRinging)))
	require.NoError(t, b.Publish(ctx, change("c1", calls.StatusConnecting)))

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, calls.StatusRinging, first.New.Status)
	assert.Equal(t, calls.StatusConnecting, second.New.Status)
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected change for %s", extra.New.ID)
	default:
	}
}

func TestMemory_CloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(nil)
	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	require.NoError(t, b.Publish(ctx, change("c1", calls.StatusEnded)))
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers("c1"))
}

func TestMemory_ContextCancelCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemory(nil)
	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool { return b.Subscribers("c1") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestMemory_PublishDoesNotShareSnapshots(t *testing.T) {
	ctx := context.Background()
	b := NewMemory(nil)
	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)
	defer sub.Close()

	ch := change("c1", calls.StatusRinging)
	ch.New.CallerCandidates = []calls.Candidate{{Candidate: "a"}}
	require.NoError(t, b.Publish(ctx, ch))
	ch.New.CallerCandidates[0].Candidate = "mutated"

	got := <-sub.C
	assert.Equal(t, "a", got.New.CallerCandidates[0].Candidate)
}
