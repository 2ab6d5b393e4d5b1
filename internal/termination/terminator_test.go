package termination

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"family-calls/internal/audit"
	"family-calls/internal/calls"
	"family-calls/internal/store"
)

func seed(t *testing.T, s store.Store) {
	t.Helper()
	_, err := s.Insert(context.Background(), calls.Session{
		ID:         "c1",
		FamilyID:   "f1",
		Caller:     calls.Participant{ID: "parent-1", Role: calls.RoleParent},
		Callee:     calls.Participant{ID: "child-1", Role: calls.RoleChild},
		CallerType: calls.RoleParent,
		Status:     calls.StatusActive,
	})
	require.NoError(t, err)
}

func TestEnd_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem)
	repo := audit.NewMemoryRepo()
	term := New(mem, audit.NewService(repo), nil)

	first, won, err := term.End(ctx, "c1", "parent-1", calls.EndReasonHangup)
	require.NoError(t, err)
	require.True(t, won)
	require.True(t, first.IsTerminal())

	second, won, err := term.End(ctx, "c1", "child-1", calls.EndReasonNetworkLost)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "parent-1", second.EndedBy)
	assert.Equal(t, calls.EndReasonHangup, second.EndReason)
	assert.True(t, first.EndedAt.Equal(*second.EndedAt))

	assert.Len(t, repo.ByType(audit.EventCallEnded), 1)
}

func TestEnd_ConcurrentCallersProduceOneTransition(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem)
	repo := audit.NewMemoryRepo()
	term := New(mem, audit.NewService(repo), nil)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	reasons := []calls.EndReason{calls.EndReasonHangup, calls.EndReasonNetworkLost, calls.EndReasonFailed, calls.EndReasonNoAnswer}
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, won, err := term.End(ctx, "c1", "x", reasons[i%len(reasons)])
			if err != nil {
				t.Errorf("end: %v", err)
				return
			}
			if !s.IsTerminal() {
				t.Errorf("expected terminal snapshot")
			}
			if won {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Len(t, repo.ByType(audit.EventCallEnded), 1)
}

func TestEnd_NoAnswerMarksMissedCall(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	s, _, err := New(mem, nil, nil).End(context.Background(), "c1", "parent-1", calls.EndReasonNoAnswer)
	require.NoError(t, err)
	assert.True(t, s.MissedCall)
	assert.Nil(t, s.MissedCallAcknowledgedAt)
}

func TestEnd_EndedAtWithoutStatusIsTerminal(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seed(t, mem)
	now := time.Now()
	_, err := mem.Update(ctx, "c1", store.Condition{}, func(s *calls.Session) { s.EndedAt = &now })
	require.NoError(t, err)

	s, won, err := New(mem, nil, nil).End(ctx, "c1", "parent-1", calls.EndReasonHangup)
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, calls.StatusActive, s.Status)
}

// legacyStore rejects writes touching end_reason, like a deployment whose
// table predates the column.
type legacyStore struct {
	*store.Memory
}

func (l legacyStore) Update(ctx context.Context, id string, cond store.Condition, mutate store.Mutation) (calls.Change, error) {
	scratch := calls.Session{}
	if mutate != nil {
		mutate(&scratch)
	}
	if scratch.EndReason != "" {
		return calls.Change{}, store.ErrSchema
	}
	return l.Memory.Update(ctx, id, cond, mutate)
}

func TestEnd_FallsBackToReducedFields(t *testing.T) {
	mem := store.NewMemory()
	seed(t, mem)
	s, won, err := New(legacyStore{mem}, nil, nil).End(context.Background(), "c1", "parent-1", calls.EndReasonHangup)
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, calls.StatusEnded, s.Status)
	assert.NotNil(t, s.EndedAt)
	assert.Empty(t, s.EndReason)
}

func TestEnd_MissingRecordIsStructuralError(t *testing.T) {
	_, _, err := New(store.NewMemory(), nil, nil).End(context.Background(), "nope", "x", calls.EndReasonHangup)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
