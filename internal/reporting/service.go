package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/store"
)

var (
	ErrInvalidRequest = errors.New("reporting: invalid request")

	// ErrNotMissedCall means the record is not a missed call of the
	// acknowledging user.
	ErrNotMissedCall = errors.New("reporting: not a missed call for this user")
)

// Store is the slice of the call record store reporting reads and writes.
// Every query is family-scoped by the service.
type Store interface {
	Get(ctx context.Context, id string) (calls.Session, error)
	Find(ctx context.Context, q store.Query) ([]calls.Session, error)
	Update(ctx context.Context, id string, cond store.Condition, mutate store.Mutation) (calls.Change, error)
}

type Auditor interface {
	LogMissedCallAcknowledged(ctx context.Context, c calls.Session, by string) error
}

type Service struct {
	store Store
	audit Auditor
	clock func() time.Time
}

// NewService builds the reporting service. audit may be nil.
func NewService(s Store, audit Auditor) *Service {
	return &Service{store: s, audit: audit, clock: time.Now}
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.FamilyID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.store == nil {
		return CallsSummary{}, errors.New("reporting: store not configured")
	}

	rows, err := s.store.Find(ctx, store.Query{
		FamilyID:      req.FamilyID,
		ParticipantID: req.ParticipantID,
		CreatedAfter:  req.Range.From.Add(-time.Nanosecond),
		CreatedBefore: req.Range.To,
	})
	if err != nil {
		return CallsSummary{}, fmt.Errorf("list calls: %w", err)
	}

	out := CallsSummary{FamilyID: req.FamilyID, ParticipantID: req.ParticipantID, EndedByReason: map[string]int{}}
	for _, c := range rows {
		out.TotalCalls++
		if c.MissedCall {
			out.MissedCalls++
		}
		if !c.IsTerminal() {
			out.InProgressCalls++
			continue
		}
		reason := string(c.EndReason)
		if reason == "" {
			reason = "unknown"
		}
		out.EndedByReason[reason]++
		if c.Answer != nil {
			out.AnsweredCalls++
			if c.EndedAt != nil && c.EndedAt.After(c.CreatedAt) {
				out.TotalDurationSeconds += int(c.EndedAt.Sub(c.CreatedAt).Seconds())
			}
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	return out, nil
}

// MissedCalls returns the badge list, newest first.
func (s *Service) MissedCalls(ctx context.Context, req MissedCallsRequest) ([]calls.Session, error) {
	if req.FamilyID == "" || req.UserID == "" {
		return nil, ErrInvalidRequest
	}
	rows, err := s.store.Find(ctx, store.Query{
		FamilyID:       req.FamilyID,
		CalleeID:       req.UserID,
		MissedOnly:     true,
		Unacknowledged: req.UnacknowledgedOnly,
		Limit:          req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list missed calls: %w", err)
	}
	return rows, nil
}

// AcknowledgeMissedCall clears the badge for callID. It only touches the
// acknowledgement field and works on terminal records. Acknowledging twice
// returns the first acknowledgement.
func (s *Service) AcknowledgeMissedCall(ctx context.Context, familyID, callID, userID string) (calls.Session, error) {
	if familyID == "" || callID == "" || userID == "" {
		return calls.Session{}, ErrInvalidRequest
	}
	mine := func(c calls.Session) bool {
		return c.FamilyID == familyID && c.Callee.ID == userID && c.MissedCall
	}

	now := s.clock().UTC()
	ch, err := s.store.Update(ctx, callID, store.Condition{
		Match: func(c calls.Session) bool { return mine(c) && c.MissedCallAcknowledgedAt == nil },
	}, func(c *calls.Session) {
		c.MissedCallAcknowledgedAt = &now
	})
	if errors.Is(err, store.ErrConflict) {
		cur, getErr := s.store.Get(ctx, callID)
		if getErr != nil {
			return calls.Session{}, getErr
		}
		if !mine(cur) {
			return calls.Session{}, ErrNotMissedCall
		}
		return cur, nil
	}
	if err != nil {
		return calls.Session{}, err
	}

	if s.audit != nil {
		// Best effort: the badge state is already committed.
		_ = s.audit.LogMissedCallAcknowledged(ctx, ch.New, userID)
	}
	return ch.New, nil
}
