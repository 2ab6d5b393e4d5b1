package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"family-calls/internal/calls"
)

var (
	ErrNotFound = errors.New("call not found")

	// ErrConflict means the write condition did not hold against the current
	// row (zero rows affected). Callers re-read and decide.
	ErrConflict = errors.New("call changed concurrently")

	// ErrSchema means the deployed schema does not carry a column or type the
	// write needs. Callers may retry with fewer fields.
	ErrSchema = errors.New("call store schema mismatch")
)

// Store is the shared call record store.
//
// Every Update is a read-then-conditional-write executed atomically by the
// implementation: cond is evaluated against the current row and mutate is
// applied only when it holds. There is no append primitive; list fields are
// rewritten whole.
type Store interface {
	Get(ctx context.Context, id string) (calls.Session, error)
	Insert(ctx context.Context, s calls.Session) (calls.Session, error)
	Update(ctx context.Context, id string, cond Condition, mutate Mutation) (calls.Change, error)
	Find(ctx context.Context, q Query) ([]calls.Session, error)
}

// Mutation edits a working copy of the row. ID, FamilyID, CreatedAt and
// Version are restored by the store after mutate returns.
type Mutation func(s *calls.Session)

// Condition guards an Update. The zero value always holds.
type Condition struct {
	// NotTerminal rejects rows whose status is ended or whose EndedAt is set.
	NotTerminal bool

	// Statuses, when non-empty, restricts the current status.
	Statuses []calls.Status

	// Match is an extra predicate evaluated against the current row.
	Match func(calls.Session) bool
}

// Holds evaluates the condition against the current row.
func (c Condition) Holds(s calls.Session) bool {
	if c.NotTerminal && s.IsTerminal() {
		return false
	}
	if len(c.Statuses) > 0 && !slices.Contains(c.Statuses, s.Status) {
		return false
	}
	if c.Match != nil && !c.Match(s) {
		return false
	}
	return true
}

// Open is the common "still live" condition.
func Open() Condition {
	return Condition{NotTerminal: true}
}

// Query selects records. Empty fields do not filter. Results are ordered by
// CreatedAt descending.
type Query struct {
	FamilyID string

	// ParticipantID matches either side.
	ParticipantID string
	CallerID      string
	CalleeID      string

	Statuses []calls.Status

	// ExcludeEnded drops rows with EndedAt set even if status lags behind.
	ExcludeEnded bool

	CreatedAfter  time.Time
	CreatedBefore time.Time

	MissedOnly     bool
	Unacknowledged bool

	Limit int
}

// Matches applies the query filter to one row. SQL implementations express
// the same predicate in their WHERE clause.
func (q Query) Matches(s calls.Session) bool {
	if q.FamilyID != "" && s.FamilyID != q.FamilyID {
		return false
	}
	if q.ParticipantID != "" && !s.HasParticipant(q.ParticipantID) {
		return false
	}
	if q.CallerID != "" && s.Caller.ID != q.CallerID {
		return false
	}
	if q.CalleeID != "" && s.Callee.ID != q.CalleeID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
		return false
	}
	if q.ExcludeEnded && s.EndedAt != nil {
		return false
	}
	if !q.CreatedAfter.IsZero() && !s.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && !s.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if q.MissedOnly && !s.MissedCall {
		return false
	}
	if q.Unacknowledged && s.MissedCallAcknowledgedAt != nil {
		return false
	}
	return true
}

func validateNew(s calls.Session) error {
	switch {
	case s.ID == "":
		return errors.New("call id is required")
	case s.FamilyID == "":
		return errors.New("family id is required")
	case s.Caller.ID == "" || s.Callee.ID == "":
		return errors.New("caller and callee are required")
	}
	return nil
}

// pin restores the immutable columns after a mutation and bumps the version.
func pin(old calls.Session, next *calls.Session, now time.Time) {
	next.ID = old.ID
	next.FamilyID = old.FamilyID
	next.CreatedAt = old.CreatedAt
	next.UpdatedAt = now
	next.Version = old.Version + 1
}
