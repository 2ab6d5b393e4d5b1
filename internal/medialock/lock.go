// Package medialock serializes access to the local capture device.
package medialock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"family-calls/internal/metrics"
)

// Device requests capture streams from the platform.
type Device interface {
	Request(ctx context.Context, c Constraints) (*Stream, error)
}

// Cleaner is implemented by devices that can drop every handle they hold.
// The lock calls it between in-use retries.
type Cleaner interface {
	Cleanup()
}

type Config struct {
	SettleDelay time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

// Lock is the media access lock. One Lock per process (or per device).
//
// At most one device request is in flight at a time. Requests that arrive
// while one is in flight queue in FIFO order; each queued request either
// receives the stream just granted (matching constraints) or performs its
// own acquisition afterwards.
type Lock struct {
	dev Device
	clk clock.Clock
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	locked      bool
	owner       string
	current     *Stream
	currentCons Constraints
	queue       []*request
}

type request struct {
	ctx   context.Context
	cons  Constraints
	owner string
	done  chan result
}

type result struct {
	stream *Stream
	err    error
}

func New(dev Device, clk clock.Clock, cfg Config, log *slog.Logger) *Lock {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lock{dev: dev, clk: clk, cfg: cfg.withDefaults(), log: log}
}

// Acquire returns a stream satisfying c for owner.
func (l *Lock) Acquire(ctx context.Context, c Constraints, owner string) (*Stream, error) {
	l.mu.Lock()
	if !l.locked && l.current != nil && l.currentCons.Satisfies(c) && l.current.Live() {
		l.owner = owner
		s := l.current
		l.mu.Unlock()
		metrics.MediaAcquire("reused")
		return s, nil
	}

	req := &request{ctx: ctx, cons: c, owner: owner, done: make(chan result, 1)}
	if l.locked {
		l.queue = append(l.queue, req)
		n := len(l.queue)
		l.mu.Unlock()
		l.log.Debug("media lock busy, queued", "owner", owner, "queued", n)
	} else {
		l.locked = true
		l.mu.Unlock()
		go l.serve(req)
	}

	select {
	case r := <-req.done:
		return r.stream, r.err
	case <-ctx.Done():
		// The serving loop still completes the request; give back what it
		// grants so the device is not left open for nobody.
		go func() {
			if r := <-req.done; r.err == nil {
				l.Release(owner, true)
			}
		}()
		return nil, ctx.Err()
	}
}

func (l *Lock) serve(req *request) {
	for req != nil {
		res := l.acquire(req)
		req.done <- res
		req = l.next(res)
	}
}

// next hands the granted stream to matching queued requests and returns the
// first one that needs its own acquisition. It clears locked when the queue
// drains.
func (l *Lock) next(last result) *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 {
		r := l.queue[0]
		l.queue = l.queue[1:]
		if err := r.ctx.Err(); err != nil {
			r.done <- result{err: err}
			continue
		}
		if last.err == nil && l.current != nil && l.currentCons.Satisfies(r.cons) && l.current.Live() {
			l.owner = r.owner
			r.done <- result{stream: l.current}
			metrics.MediaAcquire("handed_over")
			continue
		}
		return r
	}
	l.locked = false
	return nil
}

func (l *Lock) acquire(req *request) result {
	l.mu.Lock()
	cur, curCons := l.current, l.currentCons
	if cur != nil && curCons.Satisfies(req.cons) && cur.Live() {
		l.owner = req.owner
		l.mu.Unlock()
		metrics.MediaAcquire("reused")
		return result{stream: cur}
	}
	l.current = nil
	l.owner = ""
	l.mu.Unlock()

	if cur != nil {
		cur.Stop()
		if err := l.sleep(req.ctx, l.cfg.SettleDelay); err != nil {
			return result{err: &AcquireError{Err: err}}
		}
	}

	var lastErr error
	attempts := 0
	for attempts <= l.cfg.MaxRetries {
		attempts++
		s, err := l.dev.Request(req.ctx, req.cons)
		if err == nil {
			l.mu.Lock()
			l.current = s
			l.currentCons = req.cons
			l.owner = req.owner
			l.mu.Unlock()
			metrics.MediaAcquire("fresh")
			return result{stream: s}
		}
		lastErr = err
		if !errors.Is(err, ErrDeviceInUse) {
			metrics.MediaAcquire("failed")
			return result{err: &AcquireError{Attempts: attempts, Err: err}}
		}
		if attempts > l.cfg.MaxRetries {
			break
		}

		l.log.Warn("capture device in use, retrying", "owner", req.owner, "attempt", attempts)
		l.ForceCleanup()
		if err := l.sleep(req.ctx, l.backoff(attempts)); err != nil {
			return result{err: &AcquireError{InUse: true, Attempts: attempts, Err: err}}
		}
	}
	metrics.MediaAcquire("in_use")
	return result{err: &AcquireError{InUse: true, Attempts: attempts, Err: lastErr}}
}

// backoff is BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (l *Lock) backoff(attempt int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	return d
}

func (l *Lock) sleep(ctx context.Context, d time.Duration) error {
	t := l.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives the stream back. It only takes effect for the recorded owner
// (or when none is recorded). stop=false keeps the stream for reuse.
func (l *Lock) Release(owner string, stop bool) bool {
	l.mu.Lock()
	if l.owner != "" && l.owner != owner {
		l.mu.Unlock()
		return false
	}
	cur := l.current
	if stop {
		l.current = nil
	}
	l.owner = ""
	l.mu.Unlock()

	if stop && cur != nil {
		cur.Stop()
	}
	return true
}

// ForceCleanup stops the held stream regardless of owner and asks the device
// to drop any handles. Queued requests are unaffected.
func (l *Lock) ForceCleanup() {
	l.mu.Lock()
	cur := l.current
	l.current = nil
	l.owner = ""
	l.mu.Unlock()

	cur.Stop()
	if c, ok := l.dev.(Cleaner); ok {
		c.Cleanup()
	}
}

// Owner returns the recorded owner, if any.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
