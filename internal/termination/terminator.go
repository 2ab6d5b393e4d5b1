// Package termination moves call records to the terminal state exactly once,
// no matter how many parties, timers or retries ask for it.
package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/metrics"
	"family-calls/internal/store"
)

// Auditor receives the single winning terminal transition.
type Auditor interface {
	LogCallEnded(ctx context.Context, c calls.Session) error
}

const maxAttempts = 3

type Terminator struct {
	store store.Store
	audit Auditor
	log   *slog.Logger
	clock func() time.Time
}

// New builds a Terminator. audit may be nil.
func New(s store.Store, audit Auditor, log *slog.Logger) *Terminator {
	if log == nil {
		log = slog.Default()
	}
	return &Terminator{store: s, audit: audit, log: log, clock: time.Now}
}

// End ends callID on behalf of endedBy.
//
// It returns the terminal snapshot and whether this invocation performed the
// transition. Losing a race to another writer is success: the returned
// snapshot then carries the winner's EndedBy/EndReason. Errors are returned
// only when the record cannot be read or written at all.
func (t *Terminator) End(ctx context.Context, callID, endedBy string, reason calls.EndReason) (calls.Session, bool, error) {
	log := t.log.With("call_id", callID, "ended_by", endedBy, "reason", reason)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := t.store.Get(ctx, callID)
		if err != nil {
			return calls.Session{}, false, fmt.Errorf("end call %s: %w", callID, err)
		}
		if cur.IsTerminal() {
			metrics.TerminationRace()
			log.Debug("call already terminal", "status", cur.Status)
			return cur, false, nil
		}

		now := t.clock().UTC()
		ch, err := t.store.Update(ctx, callID, store.Open(), endMutation(now, endedBy, reason))
		if errors.Is(err, store.ErrSchema) {
			log.Warn("end call: schema lacks end columns, retrying reduced", "error", err)
			ch, err = t.store.Update(ctx, callID, store.Open(), reducedEndMutation(now))
		}
		switch {
		case err == nil:
			t.committed(ctx, log, ch.New, reason)
			return ch.New, true, nil
		case errors.Is(err, store.ErrConflict):
			// Someone else moved it; re-read decides.
			continue
		default:
			return calls.Session{}, false, fmt.Errorf("end call %s: %w", callID, err)
		}
	}

	cur, err := t.store.Get(ctx, callID)
	if err != nil {
		return calls.Session{}, false, fmt.Errorf("end call %s: %w", callID, err)
	}
	if cur.IsTerminal() {
		metrics.TerminationRace()
		return cur, false, nil
	}
	return calls.Session{}, false, fmt.Errorf("end call %s: %w after %d attempts", callID, store.ErrConflict, maxAttempts)
}

func (t *Terminator) committed(ctx context.Context, log *slog.Logger, s calls.Session, reason calls.EndReason) {
	metrics.CallEnded(string(reason))
	log.Info("call ended", "missed_call", s.MissedCall)
	if t.audit == nil {
		return
	}
	if err := t.audit.LogCallEnded(ctx, s); err != nil {
		log.Warn("audit call_ended failed", "error", err)
	}
}

func endMutation(now time.Time, endedBy string, reason calls.EndReason) store.Mutation {
	return func(s *calls.Session) {
		s.Status = calls.StatusEnded
		s.EndedAt = &now
		s.EndedBy = endedBy
		s.EndReason = reason
		if reason == calls.EndReasonNoAnswer {
			s.MissedCall = true
		}
	}
}

func reducedEndMutation(now time.Time) store.Mutation {
	return func(s *calls.Session) {
		s.Status = calls.StatusEnded
		s.EndedAt = &now
	}
}
