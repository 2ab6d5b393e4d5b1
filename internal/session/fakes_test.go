package session

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

	"family-calls/internal/admission"
	"family-calls/internal/audit"
	"family-calls/internal/calls"
	"family-calls/internal/family"
	"family-calls/internal/medialock"
	"family-calls/internal/signaling"
	"family-calls/internal/store"
	"family-calls/internal/termination"
	"family-calls/internal/timers"
)

var sdpSeq atomic.Int64

func testSDP(n int64) string {
	return fmt.Sprintf("v=0\r\no=- %d 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"+
		"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\n", n)
}

type fakeTransport struct {
	mu        sync.Mutex
	sig       SignalingState
	localSet  bool
	remoteSet bool
	noTracks  bool
	streams   int
	added     []calls.Candidate
	closed    bool

	onCand  func(calls.Candidate)
	onState func(ConnectionState)

	// beforeAnswer runs inside CreateAnswer.
	beforeAnswer func()
}

func (t *fakeTransport) AddStream(*medialock.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams++
	return nil
}

func (t *fakeTransport) HasOutgoingTracks() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams > 0 && !t.noTracks
}

func (t *fakeTransport) CreateOffer() (calls.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sig = SignalingHaveLocalOffer
	t.localSet = true
	return calls.SessionDescription{Type: "offer", SDP: testSDP(sdpSeq.Add(1))}, nil
}

func (t *fakeTransport) CreateAnswer() (calls.SessionDescription, error) {
	if t.beforeAnswer != nil {
		t.beforeAnswer()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sig != SignalingHaveRemoteOffer {
		return calls.SessionDescription{}, errors.New("no remote offer")
	}
	t.sig = SignalingStable
	t.localSet = true
	return calls.SessionDescription{Type: "answer", SDP: testSDP(sdpSeq.Add(1))}, nil
}

func (t *fakeTransport) SetRemoteDescription(d calls.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch d.Type {
	case "offer":
		t.sig = SignalingHaveRemoteOffer
	case "answer":
		if t.sig != SignalingHaveLocalOffer {
			return errors.New("answer without local offer")
		}
		t.sig = SignalingStable
	}
	t.remoteSet = true
	return nil
}

func (t *fakeTransport) AddCandidate(c calls.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		return errors.New("remote description not set")
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) SignalingState() SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sig == "" {
		return SignalingStable
	}
	return t.sig
}

func (t *fakeTransport) LocalDescriptionSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localSet
}

func (t *fakeTransport) RemoteDescriptionSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSet
}

func (t *fakeTransport) OnLocalCandidate(fn func(calls.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *fakeTransport) OnConnectionState(fn func(ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) gather(cs ...calls.Candidate) {
	t.mu.Lock()
	fn := t.onCand
	t.mu.Unlock()
	for _, c := range cs {
		fn(c)
	}
}

func (t *fakeTransport) setState(s ConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(s)
}

func (t *fakeTransport) addedCandidates() []calls.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]calls.Candidate(nil), t.added...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// transports is a factory that keeps every transport it made.
type transports struct {
	mu    sync.Mutex
	made  []*fakeTransport
	setup func(*fakeTransport)
}

func (f *transports) factory(context.Context) (Transport, error) {
	t := &fakeTransport{}
	if f.setup != nil {
		f.setup(t)
	}
	f.mu.Lock()
	f.made = append(f.made, t)
	f.mu.Unlock()
	return t, nil
}

func (f *transports) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

func (f *transports) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	released []string
}

func (f *fakeMedia) Acquire(_ context.Context, _ medialock.Constraints, _ string) (*medialock.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &medialock.Stream{ID: fmt.Sprintf("stream-%d", f.acquired)}, nil
}

func (f *fakeMedia) Release(owner string, _ bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, owner)
	return true
}

func (f *fakeMedia) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, len(f.released)
}

type denyGuard struct{}

func (denyGuard) Acquire(context.Context, string) (func(), bool) { return func() {}, false }

var (
	parent = calls.Participant{ID: "parent-1", Role: calls.RoleParent}
	child  = calls.Participant{ID: "child-1", Role: calls.RoleChild}
)

// world is the shared side of a call: one record store and feed, seen by
// every machine in the test.
type world struct {
	t      *testing.T
	log    *slog.Logger
	mem    *store.Memory
	feed   *store.Feed
	ch     *signaling.Memory
	term   *termination.Terminator
	audits *audit.MemoryRepo
	dir    *family.MemoryDirectory
	clk    clock.Clock
}

func newWorld(t *testing.T, clk clock.Clock) *world {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	ch := signaling.NewMemory(log)
	feed := store.WithFeed(mem, ch, log)
	audits := audit.NewMemoryRepo()
	if clk == nil {
		clk = clock.New()
	}
	return &world{
		t:      t,
		log:    log,
		mem:    mem,
		feed:   feed,
		ch:     ch,
		term:   termination.New(feed, audit.NewService(audits), log),
		audits: audits,
		dir: family.NewMemoryDirectory(
			family.Member{ID: parent.ID, FamilyID: "fam-1", Role: calls.RoleParent},
			family.Member{ID: child.ID, FamilyID: "fam-1", Role: calls.RoleChild},
		),
		clk: clk,
	}
}

type party struct {
	m     *Machine
	tr    *transports
	media *fakeMedia
}

func (w *world) party(cfg Config, opts ...func(*Deps)) *party {
	w.t.Helper()
	p := &party{tr: &transports{}, media: &fakeMedia{}}
	if cfg.Timers == (timers.Config{}) {
		cfg.Timers = timers.Config{Ring: 30 * time.Second, Connect: 15 * time.Second, ReconnectMin: 5 * time.Second, ReconnectMax: 8 * time.Second}
	}
	deps := Deps{
		Store:      w.feed,
		Channel:    w.ch,
		Transports: p.tr.factory,
		Media:      p.media,
		Busy:       admission.NewChecker(w.feed, admission.Config{}, w.log),
		Authorizer: family.NewAuthorizer(w.dir),
		Terminator: w.term,
		Audit:      audit.NewService(w.audits),
		Clock:      w.clk,
		Log:        w.log,
	}
	for _, o := range opts {
		o(&deps)
	}
	p.m = New(cfg, deps)
	w.t.Cleanup(func() { p.m.teardown(calls.EndReasonClosed, false) })
	return p
}

func (w *world) record(id string) calls.Session {
	w.t.Helper()
	s, err := w.mem.Get(context.Background(), id)
	if err != nil {
		w.t.Fatalf("get %s: %v", id, err)
	}
	return s
}

// waitEvent drains events until one of type want arrives.
func waitEvent(t *testing.T, m *Machine, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-m.Events():
			if !ok {
				t.Fatalf("event stream closed before %s", want)
			}
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func hostCands(prefix string, n int) []calls.Candidate {
	out := make([]calls.Candidate, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, cand(fmt.Sprintf("candidate:%s%d 1 udp 2122260223 10.0.0.%d 5000%d typ host", prefix, i, i+1, i), 0))
	}
	return out
}
