package medialock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	kind    string
	stopped atomic.Bool
}

func (t *fakeTrack) Kind() string { return t.kind }
func (t *fakeTrack) Live() bool   { return !t.stopped.Load() }
func (t *fakeTrack) Stop()        { t.stopped.Store(true) }

// fakeDevice hands out streams and tracks how many requests overlap.
type fakeDevice struct {
	mu       sync.Mutex
	calls    int
	inflight int
	maxIn    int
	errs     []error
	gate     chan struct{}
	started  chan struct{}
	streams  []*Stream
	cleanups atomic.Int32
}

func (d *fakeDevice) Request(ctx context.Context, c Constraints) (*Stream, error) {
	d.mu.Lock()
	d.calls++
	d.inflight++
	if d.inflight > d.maxIn {
		d.maxIn = d.inflight
	}
	var err error
	if len(d.errs) > 0 {
		err, d.errs = d.errs[0], d.errs[1:]
	}
	gate, started := d.gate, d.started
	n := d.calls
	d.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if err != nil {
		return nil, err
	}
	s := &Stream{ID: fmt.Sprintf("s%d", n)}
	if c.Audio {
		s.Tracks = append(s.Tracks, &fakeTrack{kind: KindAudio})
	}
	if c.Video {
		s.Tracks = append(s.Tracks, &fakeTrack{kind: KindVideo})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) Cleanup() { d.cleanups.Add(1) }

func (d *fakeDevice) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var (
	audioOnly  = Constraints{Audio: true}
	audioVideo = Constraints{Audio: true, Video: true}
	fast       = Config{SettleDelay: time.Millisecond, MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 4 * time.Millisecond}
)

func TestAcquire_ReusesLiveMatchingStream(t *testing.T) {
	dev := &fakeDevice{}
	l := New(dev, clock.New(), fast, nil)
	ctx := context.Background()

	s1, err := l.Acquire(ctx, audioVideo, "call-1")
	require.NoError(t, err)
	s2, err := l.Acquire(ctx, audioVideo, "call-2")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dev.count())
	assert.Equal(t, "call-2", l.Owner())
}

func TestAcquire_MismatchStopsPreviousStream(t *testing.T) {
	dev := &fakeDevice{}
	l := New(dev, clock.New(), fast, nil)
	ctx := context.Background()

	s1, err := l.Acquire(ctx, audioOnly, "a")
	require.NoError(t, err)
	s2, err := l.Acquire(ctx, audioVideo, "b")
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.False(t, s1.Live())
	assert.True(t, s2.Live())
	assert.True(t, s2.HasKind(KindVideo))
}

func TestAcquire_SerializesConcurrentIncompatibleRequests(t *testing.T) {
	dev := &fakeDevice{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	l := New(dev, clock.New(), fast, nil)
	ctx := context.Background()

	type out struct {
		s   *Stream
		err error
	}
	first := make(chan out, 1)
	second := make(chan out, 1)

	go func() {
		s, err := l.Acquire(ctx, audioOnly, "a")
		first <- out{s, err}
	}()
	<-dev.started

	go func() {
		s, err := l.Acquire(ctx, audioVideo, "b")
		second <- out{s, err}
	}()

	// The second request must wait while the first is in flight.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dev.count())

	dev.gate <- struct{}{}
	r1 := <-first
	require.NoError(t, r1.err)

	<-dev.started
	dev.gate <- struct{}{}
	r2 := <-second
	require.NoError(t, r2.err)

	assert.Equal(t, 2, dev.count())
	assert.Equal(t, 1, dev.maxIn)
	assert.False(t, r1.s.Live(), "mismatched stream must be stopped before the next request")
}

func TestAcquire_QueuedMatchingRequestSharesStream(t *testing.T) {
	dev := &fakeDevice{gate: make(chan struct{}), started: make(chan struct{}, 4)}
	l := New(dev, clock.New(), fast, nil)
	ctx := context.Background()

	first := make(chan *Stream, 1)
	second := make(chan *Stream, 1)
	go func() {
		s, _ := l.Acquire(ctx, audioVideo, "a")
		first <- s
	}()
	<-dev.started
	go func() {
		s, _ := l.Acquire(ctx, audioVideo, "b")
		second <- s
	}()
	time.Sleep(20 * time.Millisecond)
	dev.gate <- struct{}{}

	s1, s2 := <-first, <-second
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dev.count())
	assert.Equal(t, "b", l.Owner())
}

func TestAcquire_ManyQueuedWithDebugLogging(t *testing.T) {
	dev := &fakeDevice{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := New(dev, clock.New(), fast, log)
	ctx := context.Background()

	first := make(chan *Stream, 1)
	go func() {
		s, _ := l.Acquire(ctx, audioVideo, "owner-0")
		first <- s
	}()
	<-dev.started

	const waiters = 8
	var wg sync.WaitGroup
	got := make([]*Stream, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := l.Acquire(ctx, audioVideo, fmt.Sprintf("owner-%d", i+1))
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	close(dev.gate)
	wg.Wait()

	s0 := <-first
	require.NotNil(t, s0)
	for _, s := range got {
		assert.Same(t, s0, s)
	}
	assert.Equal(t, 1, dev.count())
}

func TestAcquire_RetriesDeviceInUse(t *testing.T) {
	dev := &fakeDevice{errs: []error{ErrDeviceInUse, ErrDeviceInUse}}
	l := New(dev, clock.New(), fast, nil)

	s, err := l.Acquire(context.Background(), audioOnly, "a")
	require.NoError(t, err)
	assert.True(t, s.Live())
	assert.Equal(t, 3, dev.count())
	assert.EqualValues(t, 2, dev.cleanups.Load())
}

func TestAcquire_InUseExhaustsRetries(t *testing.T) {
	dev := &fakeDevice{errs: []error{ErrDeviceInUse, ErrDeviceInUse, ErrDeviceInUse}}
	cfg := fast
	cfg.MaxRetries = 2
	l := New(dev, clock.New(), cfg, nil)

	_, err := l.Acquire(context.Background(), audioOnly, "a")
	var aerr *AcquireError
	require.True(t, errors.As(err, &aerr))
	assert.True(t, aerr.InUse)
	assert.Equal(t, 3, aerr.Attempts)
	assert.ErrorIs(t, err, ErrDeviceInUse)
}

func TestAcquire_PermissionDeniedIsFatal(t *testing.T) {
	dev := &fakeDevice{errs: []error{ErrPermissionDenied}}
	l := New(dev, clock.New(), fast, nil)

	_, err := l.Acquire(context.Background(), audioOnly, "a")
	var aerr *AcquireError
	require.True(t, errors.As(err, &aerr))
	assert.False(t, aerr.InUse)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 1, dev.count())

	// The lock is free again after a failure.
	_, err = l.Acquire(context.Background(), audioOnly, "a")
	assert.NoError(t, err)
}

func TestRelease_OnlyOwner(t *testing.T) {
	dev := &fakeDevice{}
	l := New(dev, clock.New(), fast, nil)
	s, err := l.Acquire(context.Background(), audioOnly, "a")
	require.NoError(t, err)

	assert.False(t, l.Release("b", true))
	assert.True(t, s.Live())

	assert.True(t, l.Release("a", true))
	assert.False(t, s.Live())
}

func TestRelease_WithoutStopKeepsStreamForReuse(t *testing.T) {
	dev := &fakeDevice{}
	l := New(dev, clock.New(), fast, nil)
	s1, err := l.Acquire(context.Background(), audioOnly, "a")
	require.NoError(t, err)
	require.True(t, l.Release("a", false))

	s2, err := l.Acquire(context.Background(), audioOnly, "b")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, dev.count())
}

func TestForceCleanupStopsStream(t *testing.T) {
	dev := &fakeDevice{}
	l := New(dev, clock.New(), fast, nil)
	s, err := l.Acquire(context.Background(), audioOnly, "a")
	require.NoError(t, err)

	l.ForceCleanup()
	assert.False(t, s.Live())
	assert.Empty(t, l.Owner())
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	l := New(&fakeDevice{}, clock.New(), Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond}, nil)
	assert.Equal(t, 100*time.Millisecond, l.backoff(1))
	assert.Equal(t, 200*time.Millisecond, l.backoff(2))
	assert.Equal(t, 300*time.Millisecond, l.backoff(3))
	assert.Equal(t, 300*time.Millisecond, l.backoff(8))
}
