// Package admission answers "is this callee already in a call?" before a new
// call record is created.
package admission

import (
	"context"
	"log/slog"
	"time"

	"family-calls/internal/calls"
	"family-calls/internal/metrics"
	"family-calls/internal/store"
)

type Reason string

const (
	ReasonNotBusy     Reason = "not_busy"
	ReasonInCall      Reason = "in_call"
	ReasonDialing     Reason = "dialing"
	ReasonCheckFailed Reason = "check_failed"
)

type Result struct {
	IsBusy       bool   `json:"is_busy"`
	ActiveCallID string `json:"active_call_id,omitempty"`
	Reason       Reason `json:"reason"`
}

// Finder is the read side of the call store.
type Finder interface {
	Find(ctx context.Context, q store.Query) ([]calls.Session, error)
}

type Config struct {
	// Recency bounds how old a connecting/active record may be.
	Recency time.Duration
	// StaleGrace drops active records created longer ago than this; they are
	// most likely stuck rather than live.
	StaleGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Recency <= 0 {
		c.Recency = 5 * time.Minute
	}
	if c.StaleGrace <= 0 {
		c.StaleGrace = 2 * time.Minute
	}
	return c
}

// Checker is a courtesy pre-flight check. It fails open: any read error
// reports not busy.
type Checker struct {
	finder Finder
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
}

func NewChecker(f Finder, cfg Config, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{finder: f, cfg: cfg.withDefaults(), log: log, clock: time.Now}
}

// Check reports whether calleeID is busy. ringing records never count.
//
// The match is on participant id alone, on either side of the record.
// Participant ids are unique across roles, so a role adds nothing, and a
// member on a call in one role is busy for calls in any role.
func (c *Checker) Check(ctx context.Context, calleeID string) Result {
	now := c.clock().UTC()
	recs, err := c.finder.Find(ctx, store.Query{
		ParticipantID: calleeID,
		Statuses:      []calls.Status{calls.StatusConnecting, calls.StatusActive},
		ExcludeEnded:  true,
		CreatedAfter:  now.Add(-c.cfg.Recency),
	})
	if err != nil {
		c.log.Warn("busy check failed, allowing call", "callee_id", calleeID, "error", err)
		metrics.Admission(string(ReasonCheckFailed))
		return Result{Reason: ReasonCheckFailed}
	}

	for _, r := range recs {
		if r.IsTerminal() {
			continue
		}
		if r.Status == calls.StatusActive && now.Sub(r.CreatedAt) > c.cfg.StaleGrace {
			continue
		}
		metrics.Admission(string(ReasonInCall))
		return Result{IsBusy: true, ActiveCallID: r.ID, Reason: ReasonInCall}
	}
	metrics.Admission(string(ReasonNotBusy))
	return Result{Reason: ReasonNotBusy}
}
