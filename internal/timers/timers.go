// Package timers holds the per-call deadlines that force a terminal
// transition when negotiation stalls.
package timers

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"family-calls/internal/calls"
	"family-calls/internal/metrics"
)

type Kind string

const (
	KindRing      Kind = "ring"
	KindConnect   Kind = "connect"
	KindReconnect Kind = "reconnect"
)

// ReasonFor is the end reason recorded when a timer of kind fires.
func ReasonFor(k Kind) calls.EndReason {
	switch k {
	case KindRing:
		return calls.EndReasonNoAnswer
	case KindConnect:
		return calls.EndReasonFailed
	default:
		return calls.EndReasonNetworkLost
	}
}

type Config struct {
	Ring         time.Duration
	Connect      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Ring <= 0 {
		c.Ring = 30 * time.Second
	}
	if c.Connect <= 0 {
		c.Connect = 15 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 5 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin + 3*time.Second
	}
	return c
}

type entry struct {
	id    uint64
	timer *clock.Timer
}

// Set is the timer set of one call. Each kind is armed at most once at a
// time; re-arming replaces the previous deadline.
//
// A callback that was already scheduled when its timer got cancelled is a
// no-op: every fire re-checks its generation under the mutex.
type Set struct {
	clk    clock.Clock
	cfg    Config
	jitter func() float64

	mu      sync.Mutex
	seq     uint64
	armed   map[Kind]entry
	stopped bool
}

func NewSet(clk clock.Clock, cfg Config) *Set {
	if clk == nil {
		clk = clock.New()
	}
	return &Set{
		clk:    clk,
		cfg:    cfg.withDefaults(),
		jitter: rand.Float64,
		armed:  make(map[Kind]entry),
	}
}

func (s *Set) ArmRing(fn func())    { s.Arm(KindRing, s.cfg.Ring, fn) }
func (s *Set) ArmConnect(fn func()) { s.Arm(KindConnect, s.cfg.Connect, fn) }

// ArmReconnect picks a uniformly jittered window in [ReconnectMin, ReconnectMax].
func (s *Set) ArmReconnect(fn func()) {
	span := s.cfg.ReconnectMax - s.cfg.ReconnectMin
	d := s.cfg.ReconnectMin + time.Duration(s.jitter()*float64(span))
	s.Arm(KindReconnect, d, fn)
}

// Arm schedules fn after d. Arming after Stop does nothing.
func (s *Set) Arm(kind Kind, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.armed[kind]; ok {
		prev.timer.Stop()
	}
	s.seq++
	id := s.seq
	t := s.clk.AfterFunc(d, func() { s.fire(kind, id, fn) })
	s.armed[kind] = entry{id: id, timer: t}
}

func (s *Set) fire(kind Kind, id uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.armed[kind]
	if !ok || e.id != id || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.armed, kind)
	s.mu.Unlock()

	metrics.TimerExpired(string(kind))
	fn()
}

// Cancel disarms kind and reports whether it was armed.
func (s *Set) Cancel(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.armed[kind]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.armed, kind)
	return true
}

func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.armed {
		e.timer.Stop()
		delete(s.armed, k)
	}
}

// Stop cancels everything and refuses further arming.
func (s *Set) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.CancelAll()
}

func (s *Set) Armed(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[kind]
	return ok
}
