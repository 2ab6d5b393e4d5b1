package session

import (
	"fmt"

	"family-calls/internal/calls"
)

// Policy decides what a terminal snapshot means when nothing is known about
// the state before it.
type Policy string

const (
	// PolicyTransition treats an unexplained terminal snapshot as a
	// transition and tears down.
	PolicyTransition Policy = "transition"
	// PolicyStrict only reacts to an observed non-terminal -> terminal edge.
	PolicyStrict Policy = "strict"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyTransition:
		return PolicyTransition, nil
	case PolicyStrict:
		return PolicyStrict, nil
	default:
		return "", fmt.Errorf("unknown first-terminal policy %q", s)
	}
}

// Effects is what one notification asks the machine to do locally.
type Effects struct {
	// Terminated is set only on the edge into terminal.
	Terminated bool
	// Answer is the peer's answer to our current offer, surfaced once.
	Answer *calls.SessionDescription
	// Candidates is the peer side's cumulative list.
	Candidates []calls.Candidate
	// Reset means the offer this callee answered was withdrawn.
	Reset bool
}

func (e Effects) Empty() bool {
	return !e.Terminated && e.Answer == nil && len(e.Candidates) == 0 && !e.Reset
}

// Observer turns {old, new} snapshots into local effects. It holds the last
// known state of one subscription and nothing else; it performs no I/O.
type Observer struct {
	side   calls.Side
	policy Policy

	last         *calls.Session
	terminalSeen bool

	localOffer     string
	appliedAnswer  string
	answeredOffer  string
	resetSignalled bool
}

// NewObserver seeds the observer with the snapshot the machine started from,
// if any.
func NewObserver(side calls.Side, policy Policy, seed *calls.Session) *Observer {
	o := &Observer{side: side, policy: policy}
	if seed != nil {
		o.Remember(*seed)
	}
	return o
}

// Remember records a snapshot the machine obtained itself (read or own
// write). Older snapshots are ignored.
func (o *Observer) Remember(s calls.Session) {
	if o.last != nil && s.Version < o.last.Version {
		return
	}
	c := s.Clone()
	o.last = &c
	if s.IsTerminal() {
		o.terminalSeen = true
	}
}

// SetLocalOffer marks sdp as our persisted offer. Answers are only surfaced
// for it.
func (o *Observer) SetLocalOffer(sdp string) {
	o.localOffer = sdp
	o.appliedAnswer = ""
}

// SetAnsweredOffer marks the offer this callee answered.
func (o *Observer) SetAnsweredOffer(sdp string) {
	o.answeredOffer = sdp
	o.resetSignalled = false
}

func (o *Observer) TerminalSeen() bool { return o.terminalSeen }

// Observe computes the effects of one notification.
func (o *Observer) Observe(ch calls.Change) Effects {
	if o.terminalSeen {
		return Effects{}
	}
	next := ch.New

	prior := o.last
	if prior == nil {
		prior = ch.Old
	}
	if o.last != nil && next.Version < o.last.Version {
		// Delivered out of order; a newer snapshot was already seen.
		return Effects{}
	}

	if next.IsTerminal() {
		o.terminalSeen = true
		o.Remember(next)
		if prior == nil {
			return Effects{Terminated: o.policy != PolicyStrict}
		}
		return Effects{Terminated: !prior.IsTerminal()}
	}
	o.Remember(next)

	var eff Effects
	switch o.side {
	case calls.SideCaller:
		if a := next.Answer; a != nil && o.localOffer != "" && a.SDP != o.appliedAnswer &&
			next.Offer != nil && next.Offer.SDP == o.localOffer {
			ans := *a
			eff.Answer = &ans
			o.appliedAnswer = a.SDP
		}
		eff.Candidates = next.CalleeCandidates
	case calls.SideCallee:
		if o.answeredOffer != "" && !o.resetSignalled &&
			(next.Offer == nil || next.Offer.SDP != o.answeredOffer || next.Answer == nil) {
			o.resetSignalled = true
			return Effects{Reset: true}
		}
		eff.Candidates = next.CallerCandidates
	}
	return eff
}
