package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"family-calls/internal/calls"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.FamilyID == "" || e.CallID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) LogCallCreated(ctx context.Context, c calls.Session) error {
	return s.Append(ctx, Event{
		FamilyID:  c.FamilyID,
		Type:      EventCallCreated,
		ActorID:   c.Caller.ID,
		ActorRole: string(c.Caller.Role),
		CallID:    c.ID,
		Message:   "call placed to " + c.Callee.ID,
	})
}

func (s *Service) LogCallAnswered(ctx context.Context, c calls.Session) error {
	return s.Append(ctx, Event{
		FamilyID:  c.FamilyID,
		Type:      EventCallAnswered,
		ActorID:   c.Callee.ID,
		ActorRole: string(c.Callee.Role),
		CallID:    c.ID,
	})
}

func (s *Service) LogCallResumed(ctx context.Context, c calls.Session, by calls.Participant) error {
	return s.Append(ctx, Event{
		FamilyID:  c.FamilyID,
		Type:      EventCallResumed,
		ActorID:   by.ID,
		ActorRole: string(by.Role),
		CallID:    c.ID,
	})
}

// LogCallEnded records the terminal transition. Only the writer that won the
// conditional update should call this.
func (s *Service) LogCallEnded(ctx context.Context, c calls.Session) error {
	e := Event{
		FamilyID: c.FamilyID,
		Type:     EventCallEnded,
		ActorID:  c.EndedBy,
		CallID:   c.ID,
		Reason:   string(c.EndReason),
	}
	if c.MissedCall {
		e.Message = "missed call"
	}
	return s.Append(ctx, e)
}

func (s *Service) LogMissedCallAcknowledged(ctx context.Context, c calls.Session, by string) error {
	return s.Append(ctx, Event{
		FamilyID: c.FamilyID,
		Type:     EventMissedCallAcked,
		ActorID:  by,
		CallID:   c.ID,
	})
}
