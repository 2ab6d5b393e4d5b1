// Package sweeper ends call records that every client has abandoned.
//
// Clients own their calls; the sweeper is only the backstop for records
// left open when both parties vanished before any timer could fire. It never
// deletes rows.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"family-calls/internal/calls"
	"family-calls/internal/metrics"
	"family-calls/internal/store"
)

// Actor is recorded as EndedBy on swept records.
const Actor = "system:sweeper"

type Finder interface {
	Find(ctx context.Context, q store.Query) ([]calls.Session, error)
}

type Ender interface {
	End(ctx context.Context, callID, endedBy string, reason calls.EndReason) (calls.Session, bool, error)
}

type Config struct {
	Schedule string

	// RingWindow: ringing records idle longer than this end as no_answer.
	RingWindow time.Duration
	// ConnectWindow: connecting records idle longer than this are closed.
	ConnectWindow time.Duration
	// MaxActive: active records older than this are closed.
	MaxActive time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.RingWindow <= 0 {
		c.RingWindow = time.Minute
	}
	if c.ConnectWindow <= 0 {
		c.ConnectWindow = time.Minute
	}
	if c.MaxActive <= 0 {
		c.MaxActive = 4 * time.Hour
	}
	return c
}

type Sweeper struct {
	finder Finder
	ender  Ender
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
}

func New(f Finder, e Ender, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{finder: f, ender: e, cfg: cfg.withDefaults(), log: log, clock: time.Now}
}

// Sweep runs one pass and returns how many records it ended.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	open, err := s.finder.Find(ctx, store.Query{
		Statuses:     []calls.Status{calls.StatusRinging, calls.StatusConnecting, calls.StatusActive},
		ExcludeEnded: true,
	})
	if err != nil {
		return 0, fmt.Errorf("find open calls: %w", err)
	}

	swept := 0
	for _, c := range open {
		reason, stale := s.verdict(c, now)
		if !stale {
			continue
		}
		_, won, err := s.ender.End(ctx, c.ID, Actor, reason)
		if err != nil {
			s.log.Warn("sweep end failed", "call_id", c.ID, "error", err)
			continue
		}
		if won {
			swept++
			metrics.CallSwept()
			s.log.Info("swept abandoned call", "call_id", c.ID, "status", c.Status, "reason", reason)
		}
	}
	return swept, nil
}

func (s *Sweeper) verdict(c calls.Session, now time.Time) (calls.EndReason, bool) {
	switch c.Status {
	case calls.StatusRinging:
		return calls.EndReasonNoAnswer, now.Sub(c.UpdatedAt) > s.cfg.RingWindow
	case calls.StatusConnecting:
		return calls.EndReasonClosed, now.Sub(c.UpdatedAt) > s.cfg.ConnectWindow
	case calls.StatusActive:
		return calls.EndReasonClosed, now.Sub(c.CreatedAt) > s.cfg.MaxActive
	default:
		return "", false
	}
}

// Run sweeps on the configured schedule until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("call sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.log.Info("call sweeper started", "schedule", s.cfg.Schedule)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
