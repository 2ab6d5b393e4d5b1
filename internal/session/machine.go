// Package session runs one call from one participant's point of view.
//
// The two parties never talk to each other directly. Each side's Machine
// writes its half of the negotiation into the shared call record and reacts
// to change notifications for that record. All cross-party races are
// resolved by conditional writes and idempotent termination; the Machine
// itself only guarantees that its own writes are sequential.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"family-calls/internal/admission"
	"family-calls/internal/calls"
	"family-calls/internal/medialock"
	"family-calls/internal/metrics"
	"family-calls/internal/signaling"
	"family-calls/internal/store"
	"family-calls/internal/timers"
	"family-calls/pkg/logger"
)

// MediaLock is the capture-device gate.
type MediaLock interface {
	Acquire(ctx context.Context, c medialock.Constraints, owner string) (*medialock.Stream, error)
	Release(owner string, stop bool) bool
}

type BusyChecker interface {
	Check(ctx context.Context, calleeID string) admission.Result
}

type Authorizer interface {
	CanCall(ctx context.Context, caller, callee calls.Participant) (familyID string, err error)
}

type Terminator interface {
	End(ctx context.Context, callID, endedBy string, reason calls.EndReason) (calls.Session, bool, error)
}

// Auditor receives best-effort lifecycle records.
type Auditor interface {
	LogCallCreated(ctx context.Context, c calls.Session) error
	LogCallAnswered(ctx context.Context, c calls.Session) error
	LogCallResumed(ctx context.Context, c calls.Session, by calls.Participant) error
}

// Config is one call attempt.
type Config struct {
	// Self is who runs this machine. The role is explicit; nothing is
	// inferred from the environment.
	Self calls.Participant

	// Peer is the callee to dial. Optional when only answering.
	Peer calls.Participant

	// CallID is a call the host was pointed at (deep link, push).
	CallID string

	// Outbound skips the incoming-call lookup: the host means to place a
	// call, not to pick one up.
	Outbound bool

	Media medialock.Constraints

	AnswerWait time.Duration
	// Recency bounds how far back own records are considered for resume.
	Recency time.Duration
	Policy  Policy
	Timers  timers.Config
}

type Deps struct {
	Store      store.Store
	Channel    signaling.Channel
	Transports TransportFactory
	Media      MediaLock
	Busy       BusyChecker
	Guard      admission.Guard
	Authorizer Authorizer
	Terminator Terminator
	Audit      Auditor
	Clock      clock.Clock
	Log        *slog.Logger
}

const eventBuffer = 32

type Machine struct {
	cfg  Config
	deps Deps
	clk  clock.Clock
	log  atomic.Pointer[slog.Logger]

	ctx    context.Context
	cancel context.CancelFunc
	timers *timers.Set

	mu        sync.Mutex
	state     State
	started   bool
	callID    string
	familyID  string
	side      calls.Side
	path      string
	transport Transport
	sub       *signaling.Subscription
	mediaHeld bool
	connected bool

	// resetting is set while the resume reset write is in flight. A
	// terminal snapshot seen then means the write will conflict.
	resetting atomic.Bool
	startedAt time.Time

	// writeMu keeps this side's record writes strictly sequential.
	writeMu sync.Mutex

	// candMu covers the remote queue and every transport call that touches
	// remote state, so "remote description set" and "queue flushed" are one
	// step.
	candMu sync.Mutex
	queue  *candidateQueue

	localMu     sync.Mutex
	localCands  []calls.Candidate
	recordReady bool

	obsMu    sync.Mutex
	observer *Observer

	evMu     sync.Mutex
	evClosed bool
	events   chan Event

	closeOnce sync.Once
	done      chan struct{}
	endReason calls.EndReason
}

func New(cfg Config, deps Deps) *Machine {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Guard == nil {
		deps.Guard = admission.NopGuard{}
	}
	if cfg.AnswerWait <= 0 {
		cfg.AnswerWait = 5 * time.Second
	}
	if cfg.Recency <= 0 {
		cfg.Recency = 5 * time.Minute
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyTransition
	}
	if !cfg.Media.Audio && !cfg.Media.Video {
		cfg.Media = medialock.Constraints{Audio: true, Video: true}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		cfg:    cfg,
		deps:   deps,
		clk:    deps.Clock,
		ctx:    ctx,
		cancel: cancel,
		timers: timers.NewSet(deps.Clock, cfg.Timers),
		state:  StateIdle,
		queue:  newCandidateQueue(),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	m.log.Store(logger.ForCall(deps.Log, cfg.CallID, cfg.Self.ID, ""))
	return m
}

func (m *Machine) logger() *slog.Logger { return m.log.Load() }

func (m *Machine) currentSide() calls.Side {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.side
}

// Events delivers lifecycle events. Closed after the machine terminates.
func (m *Machine) Events() <-chan Event { return m.events }

// Done is closed once the machine has released everything.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// EndReason is set after termination.
func (m *Machine) EndReason() calls.EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateTerminated {
		return
	}
	m.state = s
}

func (m *Machine) terminated() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Start resolves what this participant should do and drives it up to the
// point where negotiation continues from notifications. It returns the call
// id. On error no ringing record is left behind and the device is released.
func (m *Machine) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return "", ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = m.clk.Now()
	m.mu.Unlock()

	m.setState(StateSearching)
	err := m.resolve(ctx)
	if err != nil {
		m.emit(Event{Type: EventError, CallID: m.CallID(), Err: err})
		m.teardown(calls.EndReasonFailed, false)
		return "", err
	}
	return m.CallID(), nil
}

// resolve follows the lookup order: pointed-at call, incoming ringing offer,
// own open record, new call. Incoming is checked before own so a party never
// mistakes its own fresh record for an incoming call.
func (m *Machine) resolve(ctx context.Context) error {
	self := m.cfg.Self

	if m.cfg.CallID != "" {
		s, err := m.deps.Store.Get(ctx, m.cfg.CallID)
		switch {
		case err == nil && answerable(s, self):
			return m.answer(ctx, s)
		case err == nil && resumable(s, self):
			return m.resume(ctx, s)
		case err != nil && !errors.Is(err, store.ErrNotFound):
			m.logger().Warn("lookup of linked call failed", "error", err)
		}
	}

	now := m.clk.Now().UTC()
	if !m.cfg.Outbound {
		incoming, err := m.deps.Store.Find(ctx, store.Query{
			CalleeID:     self.ID,
			Statuses:     []calls.Status{calls.StatusRinging},
			ExcludeEnded: true,
			CreatedAfter: now.Add(-m.cfg.Recency),
		})
		if err != nil {
			return fmt.Errorf("look up incoming calls: %w", err)
		}
		for _, s := range incoming {
			if answerable(s, self) {
				return m.answer(ctx, s)
			}
		}
	}

	q := store.Query{
		CallerID:     self.ID,
		CalleeID:     m.cfg.Peer.ID,
		Statuses:     []calls.Status{calls.StatusRinging, calls.StatusConnecting, calls.StatusActive},
		ExcludeEnded: true,
		CreatedAfter: now.Add(-m.cfg.Recency),
		Limit:        1,
	}
	own, err := m.deps.Store.Find(ctx, q)
	if err != nil {
		return fmt.Errorf("look up own calls: %w", err)
	}
	if len(own) > 0 {
		return m.resume(ctx, own[0])
	}

	if m.cfg.Peer.ID == "" {
		return ErrNoCall
	}
	return m.create(ctx, m.cfg.Peer)
}

func answerable(s calls.Session, self calls.Participant) bool {
	return s.Callee.ID == self.ID && s.Status == calls.StatusRinging && s.Offer != nil && !s.IsTerminal()
}

func resumable(s calls.Session, self calls.Participant) bool {
	return s.Caller.ID == self.ID && !s.IsTerminal()
}

// answer runs the callee path against a ringing record with an offer.
func (m *Machine) answer(ctx context.Context, s calls.Session) error {
	m.setState(StateAnswering)
	m.bind(s.ID, s.FamilyID, calls.SideCallee, "answer", &s)

	if err := m.subscribe(); err != nil {
		return err
	}
	// Candidates the caller already wrote queue until the offer is applied.
	m.addRemoteCandidates(s.CallerCandidates)

	tr, err := m.prepareTransport(ctx)
	if err != nil {
		return m.abort(ctx, err)
	}

	if err := m.applyRemoteDescription(*s.Offer); err != nil {
		return m.abort(ctx, fmt.Errorf("apply offer: %w", err))
	}
	if err := m.waitSignaling(ctx, SignalingHaveRemoteOffer); err != nil {
		return m.abort(ctx, err)
	}
	if !tr.HasOutgoingTracks() {
		return m.abort(ctx, ErrNoTracks)
	}
	// Armed before the answer exists so an early connect can cancel it.
	m.timers.ArmConnect(func() { m.expire(timers.KindConnect) })
	answer, err := tr.CreateAnswer()
	if err != nil {
		return m.abort(ctx, fmt.Errorf("create answer: %w", err))
	}
	if !hasMediaSections(answer.SDP) {
		return m.abort(ctx, fmt.Errorf("answer without media sections: %w", ErrNoTracks))
	}

	offerSDP := s.Offer.SDP
	ch, err := m.write(ctx, store.Condition{
		NotTerminal: true,
		Statuses:    []calls.Status{calls.StatusRinging},
		Match: func(cur calls.Session) bool {
			return cur.Offer != nil && cur.Offer.SDP == offerSDP && cur.Answer == nil
		},
	}, func(cur *calls.Session) {
		a := answer
		cur.Answer = &a
		cur.Status = calls.StatusConnecting
	})
	if errors.Is(err, store.ErrConflict) {
		// Caller hung up, timed out or re-offered meanwhile.
		m.closeLocal()
		return ErrNotAnswerable
	}
	if err != nil {
		return m.abort(ctx, fmt.Errorf("write answer: %w", err))
	}

	m.obsMu.Lock()
	m.observer.SetAnsweredOffer(offerSDP)
	m.obsMu.Unlock()
	m.remember(ch.New)
	m.markRecordReady(ctx)

	m.audit(func(a Auditor) error { return a.LogCallAnswered(ctx, ch.New) })
	metrics.CallStarted("answer")
	m.setState(StateNegotiating)
	m.emit(Event{Type: EventConnecting, CallID: s.ID})
	m.catchUp(ctx)
	return nil
}

// resume re-rings a record this participant created earlier. A fresh
// machine always has a fresh transport, so any stored offer is stale: the
// record is reset and re-offered in one conditional write.
func (m *Machine) resume(ctx context.Context, s calls.Session) error {
	m.setState(StateResuming)
	m.bind(s.ID, s.FamilyID, calls.SideCaller, "resume", &s)

	if err := m.subscribe(); err != nil {
		return err
	}
	offer, err := m.prepareOffer(ctx)
	if err != nil {
		return m.abort(ctx, err)
	}

	// The answer can arrive before the reset write returns.
	m.obsMu.Lock()
	m.observer.SetLocalOffer(offer.SDP)
	m.obsMu.Unlock()
	m.timers.ArmRing(func() { m.expire(timers.KindRing) })
	m.resetting.Store(true)
	ch, err := m.write(ctx, store.Open(), func(cur *calls.Session) {
		o := offer
		cur.Offer = &o
		cur.Answer = nil
		cur.CallerCandidates = nil
		cur.CalleeCandidates = nil
		cur.EndedAt = nil
		cur.EndedBy = ""
		cur.EndReason = ""
		cur.Status = calls.StatusRinging
	})
	m.resetting.Store(false)
	if errors.Is(err, store.ErrConflict) {
		// Ended before the reset landed. Terminal records are never revived;
		// place a new call instead.
		m.logger().Info("resumable call ended concurrently, dialing a new call")
		m.discardAttempt()
		return m.create(ctx, s.Callee)
	}
	if err != nil {
		return m.abort(ctx, fmt.Errorf("reset call: %w", err))
	}

	m.remember(ch.New)
	if m.endedDuringReset(ctx) {
		return nil
	}
	m.markRecordReady(ctx)

	m.audit(func(a Auditor) error { return a.LogCallResumed(ctx, ch.New, m.cfg.Self) })
	metrics.CallStarted("resume")
	m.setState(StateNegotiating)
	m.emit(Event{Type: EventConnecting, CallID: s.ID})
	m.catchUp(ctx)
	return nil
}

// endedDuringReset tears the machine down when the record ended after the
// reset committed but the terminal notification was held back while the
// write was in flight.
func (m *Machine) endedDuringReset(ctx context.Context) bool {
	m.obsMu.Lock()
	seen := m.observer.TerminalSeen()
	m.obsMu.Unlock()
	if !seen {
		return false
	}
	reason := calls.EndReasonClosed
	if cur, err := m.deps.Store.Get(ctx, m.CallID()); err == nil && cur.EndReason != "" {
		reason = cur.EndReason
	}
	m.logger().Info("resumed call ended remotely", "reason", reason)
	m.teardown(reason, true)
	return true
}

// create places a new call. Validation and admission happen before any
// record exists.
func (m *Machine) create(ctx context.Context, peer calls.Participant) error {
	m.setState(StateCreating)
	self := m.cfg.Self

	familyID, err := m.deps.Authorizer.CanCall(ctx, self, peer)
	if err != nil {
		return err
	}

	release, ok := m.deps.Guard.Acquire(ctx, peer.ID)
	if !ok {
		return &BusyError{CalleeID: peer.ID, Reason: admission.ReasonDialing}
	}
	defer release()

	if res := m.deps.Busy.Check(ctx, peer.ID); res.IsBusy {
		return &BusyError{CalleeID: peer.ID, CallID: res.ActiveCallID, Reason: res.Reason}
	}

	callID := uuid.NewString()
	m.bind(callID, familyID, calls.SideCaller, "create", nil)

	// Subscribe before the record exists so the answer cannot slip past.
	if err := m.subscribe(); err != nil {
		return err
	}
	offer, err := m.prepareOffer(ctx)
	if err != nil {
		return m.abortBeforeInsert(err)
	}

	m.obsMu.Lock()
	m.observer.SetLocalOffer(offer.SDP)
	m.obsMu.Unlock()
	m.timers.ArmRing(func() { m.expire(timers.KindRing) })
	m.writeMu.Lock()
	inserted, err := m.deps.Store.Insert(ctx, calls.Session{
		ID:         callID,
		FamilyID:   familyID,
		Caller:     self,
		Callee:     peer,
		CallerType: self.Role,
		Status:     calls.StatusRinging,
		Offer:      &offer,
	})
	m.writeMu.Unlock()
	if err != nil {
		return m.abortBeforeInsert(fmt.Errorf("create call: %w", err))
	}

	m.remember(inserted)
	m.markRecordReady(ctx)

	m.audit(func(a Auditor) error { return a.LogCallCreated(ctx, inserted) })
	metrics.CallStarted("create")
	m.setState(StateNegotiating)
	m.emit(Event{Type: EventConnecting, CallID: callID})
	m.catchUp(ctx)
	return nil
}

// bind fixes the call this machine works on and resets per-attempt state.
func (m *Machine) bind(callID, familyID string, side calls.Side, path string, seed *calls.Session) {
	m.mu.Lock()
	m.callID = callID
	m.familyID = familyID
	m.side = side
	m.path = path
	m.mu.Unlock()

	m.log.Store(logger.ForCall(m.deps.Log, callID, m.cfg.Self.ID, string(side)))

	m.obsMu.Lock()
	m.observer = NewObserver(side, m.cfg.Policy, seed)
	m.obsMu.Unlock()

	m.candMu.Lock()
	m.queue.Reset()
	m.candMu.Unlock()

	m.localMu.Lock()
	m.localCands = nil
	m.recordReady = false
	m.localMu.Unlock()

	m.emit(Event{Type: EventCallID, CallID: callID})
}

// subscribe ties the subscription to the machine's lifetime, not to Start's
// context.
func (m *Machine) subscribe() error {
	sub, err := m.deps.Channel.Subscribe(m.ctx, m.CallID())
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	go m.watch(sub)
	return nil
}

func (m *Machine) watch(sub *signaling.Subscription) {
	for ch := range sub.C {
		if m.terminated() {
			return
		}
		m.handle(ch)
	}
}

// catchUp re-reads the record once so anything published before the
// subscription (or dropped by the channel) is not lost.
func (m *Machine) catchUp(ctx context.Context) {
	cur, err := m.deps.Store.Get(ctx, m.CallID())
	if err != nil {
		m.logger().Warn("catch-up read failed", "error", err)
		return
	}
	m.handle(calls.Change{New: cur})
}

func (m *Machine) handle(ch calls.Change) {
	callID := m.CallID()
	m.obsMu.Lock()
	if m.observer == nil || ch.New.ID != callID {
		m.obsMu.Unlock()
		return
	}
	eff := m.observer.Observe(ch)
	m.obsMu.Unlock()

	switch {
	case eff.Terminated && m.resetting.Load():
		// Either the reset write conflicts and redirects to a new call, or
		// endedDuringReset picks this up once the write returns.
		return
	case eff.Terminated:
		reason := ch.New.EndReason
		if reason == "" {
			reason = calls.EndReasonClosed
		}
		m.logger().Info("call ended remotely", "ended_by", ch.New.EndedBy, "reason", reason)
		m.teardown(reason, true)
		return
	case eff.Reset:
		m.logger().Info("caller withdrew the answered offer")
		m.emit(Event{Type: EventReset, CallID: ch.New.ID})
		m.teardown(calls.EndReasonClosed, false)
		return
	}

	if eff.Answer != nil {
		m.applyAnswer(*eff.Answer)
	}
	if len(eff.Candidates) > 0 {
		m.addRemoteCandidates(eff.Candidates)
	}
}

// applyAnswer runs on the caller when the callee's answer first appears.
func (m *Machine) applyAnswer(a calls.SessionDescription) {
	// Success for the ring timer; cancel before anything asynchronous.
	m.timers.Cancel(timers.KindRing)

	tr := m.currentTransport()
	if tr == nil {
		return
	}
	if tr.SignalingState() != SignalingHaveLocalOffer {
		m.logger().Warn("ignoring answer: no pending local offer", "signaling_state", tr.SignalingState())
		return
	}
	m.timers.ArmConnect(func() { m.expire(timers.KindConnect) })
	if err := m.applyRemoteDescription(a); err != nil {
		m.logger().Error("apply answer failed", "error", err)
		m.endLocally(calls.EndReasonFailed)
	}
}

// applyRemoteDescription sets the remote description and flushes queued
// candidates in one step.
func (m *Machine) applyRemoteDescription(d calls.SessionDescription) error {
	tr := m.currentTransport()
	m.candMu.Lock()
	defer m.candMu.Unlock()
	if err := tr.SetRemoteDescription(d); err != nil {
		return err
	}
	for _, c := range m.queue.MarkReady() {
		m.applyCandidate(tr, c)
	}
	return nil
}

func (m *Machine) addRemoteCandidates(cs []calls.Candidate) {
	m.candMu.Lock()
	defer m.candMu.Unlock()
	apply := m.queue.Offer(cs...)
	tr := m.transport
	if tr == nil {
		return
	}
	for _, c := range apply {
		m.applyCandidate(tr, c)
	}
}

// applyCandidate swallows engine errors: repeats and candidates for an
// m-line that does not exist are not call failures.
func (m *Machine) applyCandidate(tr Transport, c calls.Candidate) {
	if err := tr.AddCandidate(c); err != nil {
		m.logger().Debug("add remote candidate failed", "candidate", c.Candidate, "error", err)
	}
}

func (m *Machine) currentTransport() Transport {
	m.candMu.Lock()
	defer m.candMu.Unlock()
	return m.transport
}

// prepareTransport acquires media and builds a transport carrying it.
func (m *Machine) prepareTransport(ctx context.Context) (Transport, error) {
	owner := m.mediaOwner()
	stream, err := m.deps.Media.Acquire(ctx, m.cfg.Media, owner)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.mediaHeld = true
	m.mu.Unlock()

	tr, err := m.deps.Transports(ctx)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	m.candMu.Lock()
	m.transport = tr
	m.candMu.Unlock()

	tr.OnLocalCandidate(m.onLocalCandidate)
	tr.OnConnectionState(m.onConnectionState)
	if err := tr.AddStream(stream); err != nil {
		return nil, fmt.Errorf("attach media: %w", err)
	}
	return tr, nil
}

func (m *Machine) prepareOffer(ctx context.Context) (calls.SessionDescription, error) {
	tr, err := m.prepareTransport(ctx)
	if err != nil {
		return calls.SessionDescription{}, err
	}
	if !tr.HasOutgoingTracks() {
		return calls.SessionDescription{}, ErrNoTracks
	}
	offer, err := tr.CreateOffer()
	if err != nil {
		return calls.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if !hasMediaSections(offer.SDP) {
		return calls.SessionDescription{}, fmt.Errorf("offer without media sections: %w", ErrNoTracks)
	}
	return offer, nil
}

func (m *Machine) waitSignaling(ctx context.Context, want SignalingState) error {
	tr := m.currentTransport()
	if tr.SignalingState() == want {
		return nil
	}
	deadline := m.clk.Timer(m.cfg.AnswerWait)
	defer deadline.Stop()
	tick := m.clk.Ticker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: signaling state %s, want %s", ErrNegotiationTimeout, tr.SignalingState(), want)
		case <-tick.C:
			if tr.SignalingState() == want {
				return nil
			}
		}
	}
}

func (m *Machine) mediaOwner() string {
	return "call:" + m.CallID()
}

// onLocalCandidate buffers until the record carries our description, then
// rewrites our side's list with the cumulative set.
func (m *Machine) onLocalCandidate(c calls.Candidate) {
	m.localMu.Lock()
	m.localCands = append(m.localCands, c)
	ready := m.recordReady
	m.localMu.Unlock()
	if ready {
		go m.writeLocalCandidates(m.ctx)
	}
}

func (m *Machine) markRecordReady(ctx context.Context) {
	m.localMu.Lock()
	m.recordReady = true
	pending := len(m.localCands) > 0
	m.localMu.Unlock()
	if pending {
		m.writeLocalCandidates(ctx)
	}
}

func (m *Machine) writeLocalCandidates(ctx context.Context) {
	if m.terminated() {
		return
	}
	side := m.currentSide()

	ch, err := m.write(ctx, store.Open(), func(cur *calls.Session) {
		m.localMu.Lock()
		list := make([]calls.Candidate, len(m.localCands))
		copy(list, m.localCands)
		m.localMu.Unlock()
		if side == calls.SideCaller {
			cur.CallerCandidates = list
		} else {
			cur.CalleeCandidates = list
		}
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			m.logger().Warn("write local candidates failed", "error", err)
		}
		return
	}
	m.remember(ch.New)
}

// write serializes this side's record writes.
func (m *Machine) write(ctx context.Context, cond store.Condition, mutate store.Mutation) (calls.Change, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.deps.Store.Update(ctx, m.CallID(), cond, mutate)
}

// remember feeds a snapshot from our own read or write to the observer and
// picks up the peer's candidates it carries.
func (m *Machine) remember(s calls.Session) {
	m.obsMu.Lock()
	if m.observer != nil {
		m.observer.Remember(s)
	}
	m.obsMu.Unlock()

	if m.currentSide() == calls.SideCaller {
		m.addRemoteCandidates(s.CalleeCandidates)
	} else {
		m.addRemoteCandidates(s.CallerCandidates)
	}
}

func (m *Machine) onConnectionState(st ConnectionState) {
	if m.terminated() {
		return
	}
	switch st {
	case ConnectionConnected:
		// Success for connect and reconnect; cancel before any write.
		m.timers.Cancel(timers.KindConnect)
		m.timers.Cancel(timers.KindReconnect)

		m.mu.Lock()
		first := !m.connected
		m.connected = true
		path, started := m.path, m.startedAt
		m.mu.Unlock()

		m.setState(StateConnected)
		if first {
			metrics.SetupDuration(path, m.clk.Since(started).Seconds())
		}
		m.emit(Event{Type: EventConnected, CallID: m.CallID()})
		go m.markActive()

	case ConnectionDisconnected:
		m.mu.Lock()
		wasConnected := m.connected
		m.mu.Unlock()
		if !wasConnected {
			return
		}
		m.emit(Event{Type: EventReconnecting, CallID: m.CallID()})
		m.timers.ArmReconnect(func() { m.expire(timers.KindReconnect) })

	case ConnectionFailed:
		m.mu.Lock()
		wasConnected := m.connected
		m.mu.Unlock()
		reason := calls.EndReasonFailed
		if wasConnected {
			reason = calls.EndReasonNetworkLost
		}
		go m.endLocally(reason)
	}
}

func (m *Machine) markActive() {
	ch, err := m.write(m.ctx, store.Condition{
		NotTerminal: true,
		Statuses:    []calls.Status{calls.StatusRinging, calls.StatusConnecting},
	}, func(cur *calls.Session) {
		cur.Status = calls.StatusActive
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			m.logger().Warn("mark call active failed", "error", err)
		}
		return
	}
	m.remember(ch.New)
}

func (m *Machine) expire(kind timers.Kind) {
	m.logger().Info("call timer expired", "timer", kind)
	m.endLocally(timers.ReasonFor(kind))
}

// Hangup ends the call for both parties and releases local resources.
func (m *Machine) Hangup(ctx context.Context) (calls.Session, error) {
	return m.end(ctx, calls.EndReasonHangup)
}

func (m *Machine) endLocally(reason calls.EndReason) {
	if _, err := m.end(m.ctx, reason); err != nil {
		m.logger().Warn("end call failed", "reason", reason, "error", err)
	}
}

func (m *Machine) end(ctx context.Context, reason calls.EndReason) (calls.Session, error) {
	callID := m.CallID()
	if callID == "" {
		m.teardown(reason, false)
		return calls.Session{}, nil
	}
	// Stop timers first so none of them races the terminal write.
	m.timers.Stop()
	s, _, err := m.deps.Terminator.End(ctx, callID, m.cfg.Self.ID, reason)
	if err == nil {
		m.obsMu.Lock()
		if m.observer != nil {
			m.observer.Remember(s)
		}
		m.obsMu.Unlock()
		if s.EndReason != "" {
			reason = s.EndReason
		}
	}
	// Teardown happens regardless; the peer's terminal detection is the
	// backstop when the write failed.
	m.teardown(reason, true)
	return s, err
}

// abort ends an identified record after a local failure so nobody keeps
// ringing, then returns err.
func (m *Machine) abort(ctx context.Context, err error) error {
	m.logger().Warn("call attempt failed", "error", err)
	if _, _, endErr := m.deps.Terminator.End(ctx, m.CallID(), m.cfg.Self.ID, calls.EndReasonFailed); endErr != nil {
		m.logger().Warn("end failed attempt", "error", endErr)
	}
	return err
}

func (m *Machine) abortBeforeInsert(err error) error {
	m.logger().Warn("call attempt failed before insert", "error", err)
	return err
}

// discardAttempt drops the transport and subscription of an attempt that is
// being replaced. Media stays acquired for the next attempt.
func (m *Machine) discardAttempt() {
	m.deps.Media.Release(m.mediaOwner(), false)
	m.candMu.Lock()
	tr := m.transport
	m.transport = nil
	m.candMu.Unlock()
	if tr != nil {
		go tr.Close()
	}
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	sub.Close()
	m.timers.CancelAll()
}

// closeLocal tears down without writing to the record.
func (m *Machine) closeLocal() {
	m.teardown(calls.EndReasonClosed, false)
}

// teardown releases everything exactly once. The ended event goes out
// before the transport is closed; closing is not waited on.
func (m *Machine) teardown(reason calls.EndReason, ended bool) {
	m.closeOnce.Do(func() {
		m.timers.Stop()

		m.mu.Lock()
		m.state = StateTerminated
		m.endReason = reason
		sub := m.sub
		held := m.mediaHeld
		m.mediaHeld = false
		callID := m.callID
		m.mu.Unlock()

		if ended {
			m.emit(Event{Type: EventEnded, CallID: callID, Reason: reason})
		}

		m.candMu.Lock()
		tr := m.transport
		m.candMu.Unlock()
		if tr != nil {
			go func() {
				if err := tr.Close(); err != nil {
					m.logger().Debug("close transport", "error", err)
				}
			}()
		}
		if held {
			m.deps.Media.Release(m.mediaOwner(), true)
		}
		sub.Close()
		m.cancel()

		m.evMu.Lock()
		m.evClosed = true
		close(m.events)
		m.evMu.Unlock()
		close(m.done)
	})
}

// emit never blocks; a host that does not drain events loses them.
func (m *Machine) emit(e Event) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		return
	}
	select {
	case m.events <- e:
	default:
		m.logger().Warn("event dropped", "type", e.Type)
	}
}

func (m *Machine) audit(fn func(Auditor) error) {
	if m.deps.Audit == nil {
		return
	}
	if err := fn(m.deps.Audit); err != nil {
		m.logger().Warn("audit failed", "error", err)
	}
}
