package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"family-calls/internal/calls"
)

// Memory is an in-process Store for tests and local runs.
type Memory struct {
	mu    sync.Mutex
	rows  map[string]calls.Session
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rows:  make(map[string]calls.Session),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source used for CreatedAt/UpdatedAt.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
	return m
}

func (m *Memory) Get(_ context.Context, id string) (calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) Insert(_ context.Context, s calls.Session) (calls.Session, error) {
	if err := validateNew(s); err != nil {
		return calls.Session{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[s.ID]; exists {
		return calls.Session{}, fmt.Errorf("insert call %s: already exists", s.ID)
	}
	now := m.clock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Version = 1
	m.rows[s.ID] = s.Clone()
	return s.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, cond Condition, mutate Mutation) (calls.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return calls.Change{}, ErrNotFound
	}
	if !cond.Holds(cur) {
		return calls.Change{}, ErrConflict
	}
	old := cur.Clone()
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	pin(old, &next, m.clock())
	m.rows[id] = next.Clone()
	return calls.Change{Old: &old, New: next}, nil
}

func (m *Memory) Find(_ context.Context, q Query) ([]calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.Session
	for _, s := range m.rows {
		if q.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
